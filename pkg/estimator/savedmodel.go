package estimator

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"submitter/pkg/io"
	"submitter/pkg/runconfig"
	"submitter/pkg/serving"
)

// SavedModel is an exported estimator ready to serve serialized examples.
type SavedModel struct {
	Kind     string
	Step     int
	Receiver serving.InputReceiver
	est      Estimator
}

// LoadSavedModel reads the model exported into dir.
func LoadSavedModel(fs afero.Fs, dir string) (*SavedModel, error) {
	file, err := fs.Open(filepath.Join(dir, savedModelFile))
	if err != nil {
		return nil, fmt.Errorf("error opening saved model: %w", err)
	}
	defer file.Close()

	var m savedModel
	if err := io.LoadGob(file, &m); err != nil {
		return nil, fmt.Errorf("error loading saved model from %s: %w", dir, err)
	}
	if m.Config == nil {
		return nil, fmt.Errorf("saved model in %s has no config", dir)
	}
	est, err := m.Config.New(Env{Config: runconfig.Default(), Fs: afero.NewMemMapFs()})
	if err != nil {
		return nil, err
	}
	r, ok := est.(interface{ load(state []byte, step int) error })
	if !ok {
		return nil, fmt.Errorf("estimator %s cannot be restored", m.Kind)
	}
	if err := r.load(m.State, m.Step); err != nil {
		return nil, err
	}
	return &SavedModel{Kind: m.Kind, Step: m.Step, Receiver: serving.InputReceiver{Spec: m.Spec}, est: est}, nil
}

func (m *SavedModel) Estimator() Estimator { return m.est }

// Predict parses serialized examples with the exported receiver.
func (m *SavedModel) Predict(ctx context.Context, serialized [][]byte) ([]Prediction, error) {
	features, err := m.Receiver.Parse(serialized)
	if err != nil {
		return nil, err
	}
	return m.est.Predict(ctx, features)
}

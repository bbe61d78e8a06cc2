package estimator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	gio "io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"submitter/pkg/feature"
	"submitter/pkg/io"
	"submitter/pkg/metrics"
	"submitter/pkg/runconfig"
	"submitter/pkg/serving"
)

const (
	checkpointIndexFile  = "checkpoint"
	checkpointPrefix     = "model.ckpt-"
	savedModelFile       = "saved_model.gob"
	keyGlobalStep        = "global_step"
	keyLoss              = "loss"
	keyAverageLoss       = "average_loss"
	defaultLogStepCount  = 100
	defaultSaveStepCount = 100
)

// learner is the trainable part of an estimator. Its exported fields are
// its checkpointed state.
type learner interface {
	fit(batch *io.Batch) (float64, error)
	logits(fs []feature.Features) ([][]float64, error)
	// finished reports that further batches would not change the model.
	finished() bool
}

type checkpointIndex struct {
	ModelCheckpointPath     string   `yaml:"model_checkpoint_path"`
	AllModelCheckpointPaths []string `yaml:"all_model_checkpoint_paths"`
}

type checkpoint struct {
	Kind  string
	Step  int
	State []byte
}

type savedModel struct {
	Kind   string
	Step   int
	Config Config
	State  []byte
	Spec   map[string]feature.Spec
}

// base implements Estimator on top of a learner, checkpointing into the
// model directory.
type base struct {
	cfg     Config
	env     Env
	head    head
	learner learner
	step    int
	index   checkpointIndex
}

func newBase(cfg Config, env Env, h head, l learner) (*base, error) {
	if env.Fs == nil {
		env.Fs = afero.NewOsFs()
	}
	if env.Config.LogStepCountSteps <= 0 {
		env.Config.LogStepCountSteps = defaultLogStepCount
	}
	if env.Config.SaveCheckpointsSteps <= 0 {
		env.Config.SaveCheckpointsSteps = defaultSaveStepCount
	}
	b := &base{cfg: cfg, env: env, head: h, learner: l}
	if err := b.restore(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *base) Kind() string                 { return b.cfg.Kind() }
func (b *base) ModelDir() string             { return b.env.ModelDir }
func (b *base) Config() runconfig.RunConfig { return b.env.Config }

// GlobalStep is the number of batches trained so far, across restarts.
func (b *base) GlobalStep() int { return b.step }

func (b *base) indexPath() string {
	return filepath.Join(b.env.ModelDir, checkpointIndexFile)
}

func (b *base) restore() error {
	fs := b.env.Fs
	exists, err := afero.Exists(fs, b.indexPath())
	if err != nil || !exists {
		return err
	}
	raw, err := afero.ReadFile(fs, b.indexPath())
	if err != nil {
		return fmt.Errorf("error reading checkpoint index: %w", err)
	}
	if err := yaml.Unmarshal(raw, &b.index); err != nil {
		return fmt.Errorf("error parsing checkpoint index: %w", err)
	}
	if b.index.ModelCheckpointPath == "" {
		return nil
	}

	file, err := fs.Open(filepath.Join(b.env.ModelDir, b.index.ModelCheckpointPath))
	if err != nil {
		return fmt.Errorf("error opening checkpoint: %w", err)
	}
	defer file.Close()
	var ckpt checkpoint
	if err := io.LoadGob(file, &ckpt); err != nil {
		return fmt.Errorf("error loading checkpoint %s: %w", b.index.ModelCheckpointPath, err)
	}
	if ckpt.Kind != b.Kind() {
		return fmt.Errorf("checkpoint %s in %s was written by %s, not %s",
			b.index.ModelCheckpointPath, b.env.ModelDir, ckpt.Kind, b.Kind())
	}
	if err := b.load(ckpt.State, ckpt.Step); err != nil {
		return err
	}
	log.Info().Str("checkpoint", b.index.ModelCheckpointPath).Int("global_step", b.step).Msg("Restored checkpoint")
	return nil
}

func (b *base) load(state []byte, step int) error {
	if err := io.LoadGob(bytes.NewReader(state), b.learner); err != nil {
		return fmt.Errorf("error restoring model state: %w", err)
	}
	b.step = step
	return nil
}

func (b *base) state() ([]byte, error) {
	var buf bytes.Buffer
	if err := io.SaveGob(b.learner, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// save writes a checkpoint for the current step and prunes the oldest
// checkpoints beyond KeepCheckpointMax.
func (b *base) save() error {
	fs := b.env.Fs
	if err := fs.MkdirAll(b.env.ModelDir, 0o755); err != nil {
		return fmt.Errorf("error creating model dir: %w", err)
	}
	state, err := b.state()
	if err != nil {
		return err
	}
	name := checkpointPrefix + strconv.Itoa(b.step)
	file, err := fs.Create(filepath.Join(b.env.ModelDir, name))
	if err != nil {
		return fmt.Errorf("error creating checkpoint: %w", err)
	}
	err = io.SaveGob(&checkpoint{Kind: b.Kind(), Step: b.step, State: state}, file)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("error saving checkpoint %s: %w", name, err)
	}

	var paths []string
	for _, p := range b.index.AllModelCheckpointPaths {
		if p != name {
			paths = append(paths, p)
		}
	}
	paths = append(paths, name)
	if keep := b.env.Config.KeepCheckpointMax; keep > 0 {
		for len(paths) > keep {
			if err := fs.Remove(filepath.Join(b.env.ModelDir, paths[0])); err != nil && !errors.Is(err, afero.ErrFileNotFound) {
				log.Warn().Err(err).Str("checkpoint", paths[0]).Msg("Could not remove old checkpoint")
			}
			paths = paths[1:]
		}
	}
	b.index = checkpointIndex{ModelCheckpointPath: name, AllModelCheckpointPaths: paths}
	raw, err := yaml.Marshal(&b.index)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(fs, b.indexPath(), raw, 0o644); err != nil {
		return fmt.Errorf("error writing checkpoint index: %w", err)
	}
	log.Debug().Str("checkpoint", name).Str("model_dir", b.env.ModelDir).Msg("Saved checkpoint")
	return nil
}

// checkpointed saves on the chief and notifies listeners.
func (b *base) checkpointed(ctx context.Context, listeners []CheckpointListener) error {
	if !b.env.Config.IsChief() {
		return nil
	}
	if err := b.save(); err != nil {
		return err
	}
	for _, l := range listeners {
		if err := l(ctx, b.step); err != nil {
			return err
		}
	}
	return nil
}

func (b *base) checkLabels(labels []float64) error {
	for i, label := range labels {
		if err := b.head.checkLabel(label); err != nil {
			return fmt.Errorf("example %d: %w", i, err)
		}
	}
	return nil
}

func (b *base) Train(ctx context.Context, input InputFn, maxSteps int, listeners ...CheckpointListener) (int, error) {
	ds, err := input(ctx)
	if err != nil {
		return b.step, fmt.Errorf("error creating training dataset: %w", err)
	}

	start, startStep, savedStep := time.Now(), b.step, b.step
	for !(maxSteps > 0 && b.step >= maxSteps) && !b.learner.finished() {
		batch, err := ds.Next(ctx)
		if err == gio.EOF {
			break
		}
		if err != nil {
			return b.step, fmt.Errorf("error reading training batch: %w", err)
		}
		if err := b.checkLabels(batch.Labels); err != nil {
			return b.step, err
		}
		loss, err := b.learner.fit(batch)
		if err != nil {
			return b.step, fmt.Errorf("error training step %d: %w", b.step+1, err)
		}
		b.step++

		if b.env.Hooks.OnStep != nil {
			b.env.Hooks.OnStep(b.step, loss)
		}
		if b.step%b.env.Config.LogStepCountSteps == 0 {
			steps := float64(b.step - startStep)
			log.Info().
				Int(keyGlobalStep, b.step).
				Float64(keyLoss, loss).
				Float64("steps_per_sec", steps/time.Since(start).Seconds()).
				Msg("Training")
		}
		if b.step%b.env.Config.SaveCheckpointsSteps == 0 {
			if err := b.checkpointed(ctx, listeners); err != nil {
				return b.step, err
			}
			savedStep = b.step
		}
	}
	if savedStep != b.step {
		if err := b.checkpointed(ctx, listeners); err != nil {
			return b.step, err
		}
	}
	log.Info().Int(keyGlobalStep, b.step).Str("model_dir", b.env.ModelDir).Msg("Training finished")
	return b.step, nil
}

func (b *base) Evaluate(ctx context.Context, input InputFn, steps int) (metrics.Result, error) {
	return b.EvaluateWithMetrics(ctx, input, steps, nil)
}

func (b *base) EvaluateWithMetrics(ctx context.Context, input InputFn, steps int, extra map[string]metrics.Func) (metrics.Result, error) {
	ds, err := input(ctx)
	if err != nil {
		return nil, fmt.Errorf("error creating evaluation dataset: %w", err)
	}
	var labels []float64
	var predictions []Prediction
	var totalLoss float64
	for batches := 0; steps <= 0 || batches < steps; batches++ {
		batch, err := ds.Next(ctx)
		if err == gio.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading evaluation batch: %w", err)
		}
		if err := b.checkLabels(batch.Labels); err != nil {
			return nil, err
		}
		logits, err := b.learner.logits(batch.Features)
		if err != nil {
			return nil, err
		}
		for i, z := range logits {
			loss, _, _ := b.head.gradients(z, batch.Labels[i])
			totalLoss += loss
			predictions = append(predictions, b.head.predict(z))
		}
		labels = append(labels, batch.Labels...)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("evaluation dataset is empty")
	}

	p := b.collect(predictions)
	result := b.head.evalMetrics(labels, p)
	result[keyAverageLoss] = totalLoss / float64(len(labels))
	result[keyLoss] = result[keyAverageLoss]
	result[keyGlobalStep] = float64(b.step)
	for name, fn := range extra {
		result[name] = fn(labels, p)
	}
	if b.env.Hooks.OnEvaluate != nil {
		b.env.Hooks.OnEvaluate(b.step, result)
	}
	return result, nil
}

func (b *base) collect(predictions []Prediction) metrics.Predictions {
	var p metrics.Predictions
	_, classifier := b.head.(classificationHead)
	for _, pred := range predictions {
		if classifier {
			p.Classes = append(p.Classes, pred.Class)
			p.Probabilities = append(p.Probabilities, pred.Probabilities)
		} else {
			p.Values = append(p.Values, pred.Value)
		}
	}
	return p
}

func (b *base) Predict(ctx context.Context, fs []feature.Features) ([]Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(fs) == 0 {
		return nil, nil
	}
	logits, err := b.learner.logits(fs)
	if err != nil {
		return nil, err
	}
	out := make([]Prediction, len(logits))
	for i, z := range logits {
		out[i] = b.head.predict(z)
	}
	return out, nil
}

func (b *base) ExportSavedModel(ctx context.Context, exportBase string, receiverFn serving.ReceiverFn) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fs := b.env.Fs
	state, err := b.state()
	if err != nil {
		return nil, err
	}

	stamp := time.Now().Unix()
	dir := filepath.Join(exportBase, strconv.FormatInt(stamp, 10))
	for {
		exists, err := afero.DirExists(fs, dir)
		if err != nil {
			return nil, err
		}
		if !exists {
			break
		}
		stamp++
		dir = filepath.Join(exportBase, strconv.FormatInt(stamp, 10))
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating export dir: %w", err)
	}

	file, err := fs.Create(filepath.Join(dir, savedModelFile))
	if err != nil {
		return nil, fmt.Errorf("error creating saved model: %w", err)
	}
	defer file.Close()
	model := &savedModel{Kind: b.Kind(), Step: b.step, Config: b.cfg, State: state, Spec: receiverFn().Spec}
	if err := io.SaveGob(model, file); err != nil {
		return nil, fmt.Errorf("error saving model to %s: %w", dir, err)
	}
	log.Info().Str("export_dir", dir).Int(keyGlobalStep, b.step).Msg("Exported saved model")
	return []byte(dir), nil
}

// Package explain attributes the predictions of a trained model to its
// feature columns.
package explain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/wcharczuk/go-chart"

	"submitter/pkg/db"
	"submitter/pkg/estimator"
	"submitter/pkg/feature"
	"submitter/pkg/flags"
	"submitter/pkg/io"
	"submitter/pkg/runconfig"
)

const (
	PlotBar     = "bar"
	SummaryFile = "summary.png"
)

var ErrNotExplainable = errors.New("estimator does not support explanations")

type Args struct {
	Datasource   string
	Estimator    string
	Select       string
	FeatureMetas []io.FieldMeta
	LabelMeta    io.FieldMeta
	ModelParams  map[string]interface{}
	Save         string
	IsPAI        bool
	Flags        flags.RunFlags
	PlotType     string
	// ResultTable receives one row per feature column when set.
	ResultTable string

	Fs      afero.Fs
	WorkDir string
}

// Row is the explanation of one feature column: its mean absolute
// directional contribution and its normalized split gain.
type Row struct {
	Feature string
	DFC     float64
	Gain    float64
}

// Explain restores the model trained into the save directory (or the
// checkpoint path in managed-cluster mode) and explains its predictions
// over the selection. Rows are sorted by decreasing DFC.
func Explain(ctx context.Context, args Args) ([]Row, error) {
	fs := args.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if args.PlotType == "" {
		args.PlotType = PlotBar
	}
	if args.PlotType != PlotBar {
		return nil, fmt.Errorf("unsupported plot type %q", args.PlotType)
	}

	cfg, err := estimator.FromParams(args.Estimator, args.ModelParams)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	modelDir := args.Save
	if args.IsPAI {
		modelDir = args.Flags.CheckpointPath
	}
	est, err := cfg.New(estimator.Env{ModelDir: modelDir, Config: runconfig.Default(), Fs: fs})
	if err != nil {
		return nil, err
	}
	explainer, ok := est.(estimator.Explainer)
	if !ok {
		return nil, fmt.Errorf("%s: %w", cfg.Kind(), ErrNotExplainable)
	}
	if explainer.GlobalStep() == 0 {
		return nil, fmt.Errorf("no trained %s in %s", cfg.Kind(), modelDir)
	}

	metas := make([]io.FieldMeta, len(args.FeatureMetas))
	copy(metas, args.FeatureMetas)
	for i := range metas {
		if err := metas[i].Resolve(); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(ctx, args.Datasource)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	records, err := conn.Query(ctx, args.Select, metas, io.FieldMeta{})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("nothing to explain in %q", args.Select)
	}
	features := make([]feature.Features, len(records))
	for i, r := range records {
		features[i] = r.Features
	}
	explanations, err := explainer.PredictWithExplanations(ctx, features)
	if err != nil {
		return nil, err
	}

	rows := Aggregate(explainer.FeatureColumns(), explanations, explainer.FeatureImportances(true))
	for _, r := range rows {
		log.Info().Str("feature", r.Feature).Float64("dfc", r.DFC).Float64("gain", r.Gain).Msg("Explanation")
	}

	if args.ResultTable != "" {
		if err := writeResult(ctx, conn, args.ResultTable, rows); err != nil {
			return nil, err
		}
	}
	if err := Plot(fs, filepath.Join(args.WorkDir, SummaryFile), rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Aggregate folds per-input contributions and importances into one row per
// column.
func Aggregate(cols []feature.Column, explanations []estimator.Explanation, importances []float64) []Row {
	slices := feature.Slices(cols)
	rows := make([]Row, len(slices))
	for i, s := range slices {
		rows[i].Feature = s.Key
		for _, e := range explanations {
			var sum float64
			for _, c := range e.DFC[s.Start:s.End] {
				sum += c
			}
			rows[i].DFC += math.Abs(sum)
		}
		if len(explanations) > 0 {
			rows[i].DFC /= float64(len(explanations))
		}
		for _, g := range importances[s.Start:s.End] {
			rows[i].Gain += g
		}
	}
	sort.SliceStable(rows, func(a, b int) bool { return rows[a].DFC > rows[b].DFC })
	return rows
}

func writeResult(ctx context.Context, conn *db.DB, table string, rows []Row) error {
	columns := []db.Column{
		{Name: "feature", Type: db.ColumnString},
		{Name: "dfc", Type: db.ColumnFloat},
		{Name: "gain", Type: db.ColumnFloat},
	}
	values := make([][]interface{}, len(rows))
	for i, r := range rows {
		values[i] = []interface{}{r.Feature, r.DFC, r.Gain}
	}
	if err := conn.WriteTable(ctx, table, columns, values); err != nil {
		return fmt.Errorf("error writing explain result: %w", err)
	}
	log.Info().Str("table", table).Int("rows", len(rows)).Msg("Saved explain result")
	return nil
}

// Plot renders the mean absolute contributions as a bar chart.
func Plot(fs afero.Fs, path string, rows []Row) error {
	if len(rows) == 0 {
		return fmt.Errorf("nothing to plot")
	}
	top := 0.0
	bars := make([]chart.Value, len(rows))
	for i, r := range rows {
		bars[i] = chart.Value{Label: r.Feature, Value: r.DFC}
		top = math.Max(top, r.DFC)
	}
	if top == 0 {
		top = 1
	}
	graph := chart.BarChart{
		Title:      "mean(|DFC|)",
		TitleStyle: chart.StyleShow(),
		Height:     512,
		BarWidth:   60,
		XAxis:      chart.StyleShow(),
		YAxis: chart.YAxis{
			Style: chart.StyleShow(),
			Range: &chart.ContinuousRange{Min: 0, Max: top * 1.1},
		},
		Bars: bars,
	}

	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	defer f.Close()
	if err := graph.Render(chart.PNG, f); err != nil {
		return fmt.Errorf("error rendering %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("Saved explain plot")
	return nil
}

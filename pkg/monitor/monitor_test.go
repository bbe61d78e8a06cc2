package monitor

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"submitter/pkg/estimator"
	"submitter/pkg/metrics"
)

func TestHooks(t *testing.T) {
	m := New("BoostedTreesClassifier")
	var seen []int
	hooks := m.Hooks(estimator.Hooks{OnStep: func(step int, _ float64) { seen = append(seen, step) }})

	hooks.OnStep(1, 0.7)
	hooks.OnStep(2, 0.5)
	hooks.OnEvaluate(2, metrics.Result{"accuracy": 0.75, "loss": 0.4})

	require.Equal(t, []int{1, 2}, seen)
	require.Equal(t, 2.0, testutil.ToFloat64(m.steps))
	require.Equal(t, 2.0, testutil.ToFloat64(m.globalStep))
	require.Equal(t, 0.5, testutil.ToFloat64(m.loss))
	require.Equal(t, 1.0, testutil.ToFloat64(m.evaluations))
	require.Equal(t, 0.75, testutil.ToFloat64(m.eval.WithLabelValues("accuracy")))
	require.Equal(t, 2, testutil.CollectAndCount(m.eval))

	expected := `
# HELP submitter_train_loss Loss of the last training batch.
# TYPE submitter_train_loss gauge
submitter_train_loss{estimator="BoostedTreesClassifier"} 0.5
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "submitter_train_loss"))
}

func TestHandler(t *testing.T) {
	m := New("DNNClassifier")
	m.Hooks(estimator.Hooks{}).OnStep(3, 1.5)

	server := httptest.NewServer(m.Handler())
	defer server.Close()
	resp, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `submitter_train_global_step{estimator="DNNClassifier"} 3`)
}

func TestWriteTextfile(t *testing.T) {
	m := New("LinearRegressor")
	m.Hooks(estimator.Hooks{}).OnEvaluate(10, metrics.Result{"average_loss": 0.25})

	path := filepath.Join(t.TempDir(), "train.prom")
	require.NoError(t, m.WriteTextfile(path))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `submitter_eval_metric{estimator="LinearRegressor",metric="average_loss"} 0.25`)
}

func TestServeStopsOnCancel(t *testing.T) {
	m := New("LinearRegressor")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, "127.0.0.1:0") }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	require.Error(t, m.Serve(ctx, "127.0.0.1:-1"))
}

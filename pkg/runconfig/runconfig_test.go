package runconfig

import (
	"testing"

	"github.com/stretchr/testify/require"

	"submitter/pkg/flags"
)

func TestMakeDistributedLocal(t *testing.T) {
	c := MakeDistributed(flags.RunFlags{}, false, 0)
	require.False(t, c.Distributed)
	require.True(t, c.IsChief())
	require.Equal(t, DefaultSaveCheckpointsSteps, c.SaveCheckpointsSteps)

	_, err := c.TFConfig()
	require.Error(t, err)
}

func TestMakeDistributedCluster(t *testing.T) {
	f := flags.RunFlags{
		TaskIndex:   2,
		JobName:     flags.JobWorker,
		WorkerHosts: []string{"w0:1", "w1:1", "w2:1"},
		PSHosts:     []string{"ps0:1"},
	}
	c := MakeDistributed(f, true, 10)
	require.True(t, c.Distributed)
	require.Equal(t, 10, c.SaveCheckpointsSteps)
	require.Equal(t, 3, c.NumWorkers)
	require.Equal(t, TaskWorker, c.TaskType)
	require.Equal(t, 1, c.TaskIndex)
	require.Equal(t, []string{"w0:1"}, c.Cluster[TaskChief])
	require.Equal(t, []string{"w1:1", "w2:1"}, c.Cluster[TaskWorker])

	doc, err := c.TFConfig()
	require.NoError(t, err)
	require.JSONEq(t,
		`{"cluster":{"chief":["w0:1"],"worker":["w1:1","w2:1"],"ps":["ps0:1"]},"task":{"type":"worker","index":1}}`,
		string(doc))

	f.TaskIndex = 0
	require.True(t, MakeDistributed(f, true, 10).IsChief())

	f.JobName = flags.JobPS
	c = MakeDistributed(f, true, 10)
	require.Equal(t, TaskPS, c.TaskType)
	require.False(t, c.IsChief())
}

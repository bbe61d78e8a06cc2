package flags

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestParseHosts(t *testing.T) {
	require.Equal(t, []string{"a:1", "b:2"}, ParseHosts(" a:1, ,b:2,"))
	require.Nil(t, ParseHosts(""))
}

func TestRoles(t *testing.T) {
	f := RunFlags{TaskIndex: 0, JobName: JobWorker}
	require.True(t, f.IsChiefWorker())

	f = RunFlags{TaskIndex: 0, JobName: JobPS}
	require.False(t, f.IsChiefWorker())

	f = RunFlags{TaskIndex: 2, JobName: JobWorker}
	require.False(t, f.IsChiefWorker())
}

func TestBind(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	b := Bind(fs)
	require.NoError(t, fs.Parse([]string{"--task-index", "1", "--worker-hosts", "w0:2222,w1:2222", "--checkpoint-path", "/ckpt"}))

	f := b.Flags()
	require.Equal(t, 1, f.TaskIndex)
	require.Equal(t, JobWorker, f.JobName)
	require.Equal(t, 2, f.WorkerCount())
	require.Equal(t, "/ckpt", f.CheckpointPath)
}

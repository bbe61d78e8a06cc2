// Package flags describes the distributed role of the current process.
package flags

import (
	"strings"

	"github.com/spf13/pflag"
)

const (
	JobWorker = "worker"
	JobPS     = "ps"
)

// RunFlags is the read-only description of where this process sits in a
// managed cluster. The zero value describes a single local process.
type RunFlags struct {
	TaskIndex      int
	JobName        string
	WorkerHosts    []string
	PSHosts        []string
	CheckpointPath string
}

// ParseHosts splits a comma separated host list, dropping empty entries.
func ParseHosts(hosts string) []string {
	var result []string
	for _, h := range strings.Split(hosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			result = append(result, h)
		}
	}
	return result
}

func (f RunFlags) WorkerCount() int {
	return len(f.WorkerHosts)
}

// IsChiefWorker reports whether this process is task 0 of the worker job.
func (f RunFlags) IsChiefWorker() bool {
	return f.TaskIndex == 0 && f.JobName == JobWorker
}

// Binder collects the raw flag values until the command runs.
type Binder struct {
	taskIndex      int
	jobName        string
	workerHosts    string
	psHosts        string
	checkpointPath string
}

// Bind registers the run flags on fs.
func Bind(fs *pflag.FlagSet) *Binder {
	b := &Binder{}
	fs.IntVarP(&b.taskIndex, "task-index", "", 0, "index of this task within its job")
	fs.StringVarP(&b.jobName, "job-name", "", JobWorker, "job of this task: worker or ps")
	fs.StringVarP(&b.workerHosts, "worker-hosts", "", "", "comma separated worker host list")
	fs.StringVarP(&b.psHosts, "ps-hosts", "", "", "comma separated parameter server host list")
	fs.StringVarP(&b.checkpointPath, "checkpoint-path", "", "", "checkpoint directory used in managed-cluster mode")
	return b
}

func (b *Binder) Flags() RunFlags {
	return RunFlags{
		TaskIndex:      b.taskIndex,
		JobName:        b.jobName,
		WorkerHosts:    ParseHosts(b.workerHosts),
		PSHosts:        ParseHosts(b.psHosts),
		CheckpointPath: b.checkpointPath,
	}
}

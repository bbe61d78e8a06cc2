package runconfig

import (
	"encoding/json"
	"fmt"

	"submitter/pkg/flags"
)

const (
	TaskChief  = "chief"
	TaskWorker = "worker"
	TaskPS     = "ps"

	DefaultSaveCheckpointsSteps = 100
	DefaultKeepCheckpointMax    = 5
	DefaultLogStepCountSteps    = 100
)

// ClusterSpec maps a job name to the hosts running it.
type ClusterSpec map[string][]string

// RunConfig describes distributed topology and checkpoint cadence. It is
// consumed by estimator constructors.
type RunConfig struct {
	SaveCheckpointsSteps int
	KeepCheckpointMax    int
	LogStepCountSteps    int
	RandomSeed           int64

	Distributed bool
	TaskType    string
	TaskIndex   int
	NumWorkers  int
	Cluster     ClusterSpec
}

// Default is the configuration of a single local process.
func Default() RunConfig {
	return RunConfig{
		SaveCheckpointsSteps: DefaultSaveCheckpointsSteps,
		KeepCheckpointMax:    DefaultKeepCheckpointMax,
		LogStepCountSteps:    DefaultLogStepCountSteps,
		RandomSeed:           42,
		TaskType:             TaskChief,
		NumWorkers:           1,
	}
}

// MakeDistributed builds the run configuration of this process. In a
// distributed run the first worker is promoted to chief and the remaining
// workers are renumbered from zero.
func MakeDistributed(f flags.RunFlags, distributed bool, saveCheckpointsSteps int) RunConfig {
	c := Default()
	if saveCheckpointsSteps > 0 {
		c.SaveCheckpointsSteps = saveCheckpointsSteps
	}
	if !distributed {
		return c
	}

	c.Distributed = true
	c.NumWorkers = f.WorkerCount()
	c.Cluster = ClusterSpec{TaskChief: f.WorkerHosts[:1]}
	if len(f.WorkerHosts) > 1 {
		c.Cluster[TaskWorker] = f.WorkerHosts[1:]
	}
	if len(f.PSHosts) > 0 {
		c.Cluster[TaskPS] = f.PSHosts
	}

	switch {
	case f.JobName == flags.JobPS:
		c.TaskType, c.TaskIndex = TaskPS, f.TaskIndex
	case f.TaskIndex == 0:
		c.TaskType, c.TaskIndex = TaskChief, 0
	default:
		c.TaskType, c.TaskIndex = TaskWorker, f.TaskIndex-1
	}
	return c
}

func (c RunConfig) IsChief() bool {
	return c.TaskType == TaskChief
}

type tfConfig struct {
	Cluster ClusterSpec `json:"cluster"`
	Task    struct {
		Type  string `json:"type"`
		Index int    `json:"index"`
	} `json:"task"`
}

// TFConfig renders the cluster and task description as the JSON document
// distributed workers read from their environment.
func (c RunConfig) TFConfig() ([]byte, error) {
	if !c.Distributed {
		return nil, fmt.Errorf("run config is not distributed")
	}
	doc := tfConfig{Cluster: c.Cluster}
	doc.Task.Type = c.TaskType
	doc.Task.Index = c.TaskIndex
	return json.Marshal(doc)
}

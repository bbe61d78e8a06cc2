package io

import (
	"context"
	gio "io"
	"math/rand"

	"submitter/pkg/feature"
)

type Record struct {
	Features feature.Features
	Label    float64
}

type Batch struct {
	Features []feature.Features
	Labels   []float64
}

func (b *Batch) Size() int {
	return len(b.Labels)
}

func (b *Batch) Append(r *Record) {
	b.Features = append(b.Features, r.Features)
	b.Labels = append(b.Labels, r.Label)
}

// Dataset yields batches until it returns io.EOF.
type Dataset interface {
	Next(ctx context.Context) (*Batch, error)
}

type DataSet struct {
	Data         []*Record
	BatchSize    int
	Rand         *rand.Rand
	dataIndices  []int
	currentOrder []int
	currentIndex int
}

type DatasetOrder int

const (
	OriginalOrder DatasetOrder = iota
	RandomOrder
)

func (d *DataSet) ResetOrder(order DatasetOrder) {
	if d.currentOrder == nil {
		d.currentOrder = make([]int, len(d.dataIndices))
	}
	switch order {
	case OriginalOrder:
		copy(d.currentOrder, d.dataIndices)
	case RandomOrder:
		ind := d.Rand.Perm(len(d.currentOrder))
		for i := range ind {
			d.currentOrder[i] = d.dataIndices[ind[i]]
		}
	}

	d.currentIndex = 0
}

// Next returns the next batch of the current pass, empty when the pass is over.
func (d *DataSet) Next() *Batch {
	batch := &Batch{}
	for ; d.currentIndex < len(d.currentOrder) && batch.Size() < d.BatchSize; d.currentIndex++ {
		batch.Append(d.Data[d.currentOrder[d.currentIndex]])
	}
	return batch
}

func (d *DataSet) Size() int {
	return len(d.dataIndices)
}

func NewDataSet(data []*Record, batchSize int, seed int64) *DataSet {
	dataIndices := make([]int, len(data))
	for i := range dataIndices {
		dataIndices[i] = i
	}
	ds := &DataSet{Data: data, BatchSize: batchSize, Rand: rand.New(rand.NewSource(seed)), dataIndices: dataIndices}
	ds.ResetOrder(OriginalOrder)
	return ds
}

// EpochDataset repeats a DataSet for a number of passes.
type EpochDataset struct {
	data    *DataSet
	epochs  int
	epoch   int
	shuffle bool
}

// NewEpochDataset iterates records in batches for epochs passes. A
// non-positive epochs repeats forever.
func NewEpochDataset(records []*Record, batchSize, epochs int, shuffle bool, seed int64) *EpochDataset {
	if batchSize < 1 {
		batchSize = 1
	}
	e := &EpochDataset{data: NewDataSet(records, batchSize, seed), epochs: epochs, shuffle: shuffle}
	e.reset()
	return e
}

func (e *EpochDataset) reset() {
	if e.shuffle {
		e.data.ResetOrder(RandomOrder)
	} else {
		e.data.ResetOrder(OriginalOrder)
	}
}

func (e *EpochDataset) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.data.Size() == 0 {
		return nil, gio.EOF
	}
	for {
		if e.epochs > 0 && e.epoch >= e.epochs {
			return nil, gio.EOF
		}
		if batch := e.data.Next(); batch.Size() > 0 {
			return batch, nil
		}
		e.epoch++
		e.reset()
	}
}

// InputFn produces a fresh dataset each time it is called.
type InputFn func(ctx context.Context) (Dataset, error)

// RecordsInput returns an InputFn over in-memory records.
func RecordsInput(records []*Record, batchSize, epochs int, shuffle bool, seed int64) InputFn {
	return func(ctx context.Context) (Dataset, error) {
		return NewEpochDataset(records, batchSize, epochs, shuffle, seed), nil
	}
}

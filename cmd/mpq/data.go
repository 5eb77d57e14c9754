package main

import (
	"fmt"
	"slices"

	"github.com/samcharles93/mpq/internal/dataset"
	"github.com/samcharles93/mpq/internal/model"
	"github.com/samcharles93/mpq/internal/safetensors"
	"github.com/samcharles93/mpq/internal/tensor"
)

// loadBatches reads one tensor per model input, named after the input, and
// splits them along the first dimension into batches of batchSize samples.
// The last batch may be short.
func loadBatches(path string, m *model.Model, batchSize int) ([]dataset.Batch, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open data: %w", err)
	}
	defer func() { _ = f.Close() }()

	inputs := make([]*tensor.Tensor, len(m.Inputs))
	n := -1
	for i, in := range m.Inputs {
		data, info, err := f.ReadFloat64(in.Name)
		if err != nil {
			return nil, fmt.Errorf("data for input %q: %w", in.Name, err)
		}
		if len(info.Shape) != len(in.Shape)+1 || !slices.Equal(info.Shape[1:], in.Shape) {
			return nil, fmt.Errorf("data for input %q has shape %v, want [N %v]", in.Name, info.Shape, in.Shape)
		}
		if n >= 0 && info.Shape[0] != n {
			return nil, fmt.Errorf("data for input %q has %d samples, others have %d", in.Name, info.Shape[0], n)
		}
		n = info.Shape[0]
		if inputs[i], err = tensor.FromData(info.Shape, data); err != nil {
			return nil, err
		}
	}
	if n <= 0 {
		return nil, fmt.Errorf("data file %s holds no samples", path)
	}

	var out []dataset.Batch
	for start := 0; start < n; start += batchSize {
		end := min(start+batchSize, n)
		b := make(dataset.Batch, len(inputs))
		for i, t := range inputs {
			per := tensor.Numel(t.SampleShape())
			s := append([]int{end - start}, t.SampleShape()...)
			b[i] = tensor.MustFromData(s, t.Data[start*per:end*per])
		}
		out = append(out, b)
	}
	return out, nil
}

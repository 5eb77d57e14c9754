package main

import (
	"path/filepath"
	"testing"

	"github.com/samcharles93/mpq/internal/model"
	"github.com/samcharles93/mpq/internal/safetensors"
)

func writeData(t *testing.T, entries map[string][]int) string {
	t.Helper()
	var list []safetensors.Entry
	for name, shape := range entries {
		n := 1
		for _, d := range shape {
			n *= d
		}
		vals := make([]float64, n)
		for i := range vals {
			vals[i] = float64(i)
		}
		data, err := safetensors.EncodeFloats("F64", vals)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		list = append(list, safetensors.Entry{Name: name, DType: "F64", Shape: shape, Data: data})
	}
	path := filepath.Join(t.TempDir(), "data.safetensors")
	if err := safetensors.WriteFile(path, list, nil); err != nil {
		t.Fatalf("write data: %v", err)
	}
	return path
}

func TestLoadBatches(t *testing.T) {
	m := model.New("test").AddInput("x", 2)
	path := writeData(t, map[string][]int{"x": {5, 2}})

	batches, err := loadBatches(path, m, 2)
	if err != nil {
		t.Fatalf("loadBatches returned error: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	if got := batches[2][0].Shape; len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("last batch shape: got %v want [1 2]", got)
	}
	if got := batches[1][0].Data; got[0] != 4 || got[3] != 7 {
		t.Fatalf("second batch holds the wrong samples: %v", got)
	}
}

func TestLoadBatchesErrors(t *testing.T) {
	tests := []struct {
		name    string
		model   *model.Model
		entries map[string][]int
	}{
		{"missing input", model.New("m").AddInput("y", 2), map[string][]int{"x": {4, 2}}},
		{"wrong sample shape", model.New("m").AddInput("x", 3), map[string][]int{"x": {4, 2}}},
		{"missing batch dimension", model.New("m").AddInput("x", 2), map[string][]int{"x": {2}}},
		{"sample count mismatch", model.New("m").AddInput("x", 2).AddInput("z", 1), map[string][]int{"x": {4, 2}, "z": {3, 1}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeData(t, tc.entries)
			if _, err := loadBatches(path, tc.model, 2); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

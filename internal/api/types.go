package api

import (
	"github.com/goccy/go-json"

	"github.com/samcharles93/mpq/internal/kpi"
	"github.com/samcharles93/mpq/internal/report"
)

const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// QuantizeRequest is the body of POST /v1/quantize.
type QuantizeRequest struct {
	// Model is an inline topology document with inline tensors.
	Model json.RawMessage `json:"model,omitempty"`
	// ModelPath and WeightsPath name files on the server instead.
	ModelPath   string `json:"model_path,omitempty"`
	WeightsPath string `json:"weights_path,omitempty"`
	// Capabilities is an inline capability model; absent means the default.
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
	Budget       kpi.Budget      `json:"budget,omitempty"`
	Data         DataSpec        `json:"data"`
	Options      Options         `json:"options"`
	// Background returns immediately with an in_progress run.
	Background bool `json:"background,omitempty"`
}

// DataSpec selects the representative dataset. Exactly one of Batches and
// Random must be set.
type DataSpec struct {
	// Batches holds, per batch, one flat sample-major slice per model input.
	Batches [][][]float64 `json:"batches,omitempty"`
	Random  *RandomData   `json:"random,omitempty"`
}

type RandomData struct {
	BatchSize int     `json:"batch_size"`
	Count     int     `json:"count"`
	Seed      int64   `json:"seed"`
	Scale     float64 `json:"scale,omitempty"`
}

// Options override pipeline defaults. Zero values keep the default.
type Options struct {
	SampleCount        int     `json:"sample_count,omitempty"`
	MinBatches         int     `json:"min_batches,omitempty"`
	Shuffle            bool    `json:"shuffle,omitempty"`
	Seed               int64   `json:"seed,omitempty"`
	GridSize           int     `json:"grid_size,omitempty"`
	WeightError        string  `json:"weight_error,omitempty"`
	ActivationError    string  `json:"activation_error,omitempty"`
	InputScaling       bool    `json:"input_scaling,omitempty"`
	Metric             string  `json:"metric,omitempty"`
	Norm               float64 `json:"norm,omitempty"`
	SensitivityBatches int     `json:"sensitivity_batches,omitempty"`
	MaxSearchSteps     int     `json:"max_search_steps,omitempty"`
	Iterations         int     `json:"iterations,omitempty"`
	LearnRate          float64 `json:"learn_rate,omitempty"`
	TrainWeights       bool    `json:"train_weights,omitempty"`
	TrackBest          bool    `json:"track_best,omitempty"`
	Workers            int     `json:"workers,omitempty"`
}

// Run is the public state of one quantization run.
type Run struct {
	ID          string         `json:"id"`
	Object      string         `json:"object"`
	Status      string         `json:"status"`
	CreatedAt   int64          `json:"created_at"`
	CompletedAt *int64         `json:"completed_at,omitempty"`
	Model       string         `json:"model,omitempty"`
	Report      *report.Report `json:"report,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
	Error       *ErrorBody     `json:"error,omitempty"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

type DeleteResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

package api

import (
	"context"
	"fmt"

	"github.com/samcharles93/mpq/internal/calibrate"
	"github.com/samcharles93/mpq/internal/capability"
	"github.com/samcharles93/mpq/internal/dataset"
	"github.com/samcharles93/mpq/internal/model"
	"github.com/samcharles93/mpq/internal/pipeline"
	"github.com/samcharles93/mpq/internal/similarity"
	"github.com/samcharles93/mpq/internal/tensor"
)

// Runner executes one quantization. pipeline.Run in production.
type Runner func(ctx context.Context, m *model.Model, caps capability.Provider, data dataset.Provider, cfg pipeline.Config) (*pipeline.Result, error)

type QuantizeService struct {
	run  Runner
	caps capability.Provider
}

// NewQuantizeService uses caps for requests that carry no capability model.
// A nil caps means capability.Default.
func NewQuantizeService(caps capability.Provider) *QuantizeService {
	if caps == nil {
		caps = capability.Default()
	}
	return &QuantizeService{run: pipeline.Run, caps: caps}
}

// WithRunner replaces the pipeline, for tests.
func (s *QuantizeService) WithRunner(r Runner) *QuantizeService {
	s.run = r
	return s
}

// job is a decoded, validated request.
type job struct {
	model *model.Model
	caps  capability.Provider
	data  dataset.Provider
	cfg   pipeline.Config
}

func (s *QuantizeService) prepare(req *QuantizeRequest) (*job, error) {
	m, err := loadModel(req)
	if err != nil {
		return nil, err
	}
	j := &job{model: m, caps: s.caps}
	if len(req.Capabilities) > 0 {
		caps, err := capability.Parse(req.Capabilities)
		if err != nil {
			return nil, newInvalidRequest(fmt.Sprintf("capabilities: %v", err))
		}
		j.caps = caps
	}
	if j.data, err = dataProvider(m, req.Data); err != nil {
		return nil, err
	}
	if j.cfg, err = pipelineConfig(req.Options); err != nil {
		return nil, err
	}
	j.cfg.Budget = req.Budget
	if err := j.cfg.Budget.Validate(); err != nil {
		return nil, newInvalidRequest(err.Error())
	}
	return j, nil
}

func (s *QuantizeService) execute(ctx context.Context, j *job, runID string) (*pipeline.Result, error) {
	cfg := j.cfg
	cfg.RunID = runID
	return s.run(ctx, j.model, j.caps, j.data, cfg)
}

func loadModel(req *QuantizeRequest) (*model.Model, error) {
	switch {
	case len(req.Model) > 0 && req.ModelPath != "":
		return nil, newInvalidRequest("model and model_path are mutually exclusive")
	case len(req.Model) > 0:
		if req.WeightsPath != "" {
			return nil, newInvalidRequest("weights_path requires model_path")
		}
		m, err := model.Parse(req.Model)
		if err != nil {
			return nil, newInvalidRequest(fmt.Sprintf("model: %v", err))
		}
		return m, nil
	case req.ModelPath != "":
		m, err := model.Load(req.ModelPath, req.WeightsPath)
		if err != nil {
			return nil, newInvalidRequest(err.Error())
		}
		return m, nil
	default:
		return nil, newInvalidRequest("model or model_path is required")
	}
}

func dataProvider(m *model.Model, spec DataSpec) (dataset.Provider, error) {
	switch {
	case len(spec.Batches) > 0 && spec.Random != nil:
		return nil, newInvalidRequest("data.batches and data.random are mutually exclusive")
	case spec.Random != nil:
		r := spec.Random
		if r.BatchSize <= 0 {
			return nil, newInvalidRequest("data.random.batch_size must be positive")
		}
		if r.Count < 0 {
			return nil, newInvalidRequest("data.random.count must not be negative")
		}
		shapes := make([][]int, len(m.Inputs))
		for i, in := range m.Inputs {
			shapes[i] = in.Shape
		}
		p := dataset.NewRandom(shapes, r.BatchSize, r.Count, r.Seed)
		if r.Scale > 0 {
			p.Scale = r.Scale
		}
		return p, nil
	case len(spec.Batches) > 0:
		batches := make([]dataset.Batch, len(spec.Batches))
		for i, raw := range spec.Batches {
			b, err := decodeBatch(m, raw)
			if err != nil {
				return nil, newInvalidRequest(fmt.Sprintf("data.batches[%d]: %v", i, err))
			}
			batches[i] = b
		}
		return dataset.NewMemory(batches...), nil
	default:
		return nil, newInvalidRequest("data.batches or data.random is required")
	}
}

func decodeBatch(m *model.Model, raw [][]float64) (dataset.Batch, error) {
	if len(raw) != len(m.Inputs) {
		return nil, fmt.Errorf("got %d inputs, model has %d", len(raw), len(m.Inputs))
	}
	b := make(dataset.Batch, len(raw))
	for i, in := range m.Inputs {
		per := tensor.Numel(in.Shape)
		if per <= 0 || len(raw[i]) == 0 || len(raw[i])%per != 0 {
			return nil, fmt.Errorf("input %q: %d values is not a whole number of %v samples", in.Name, len(raw[i]), in.Shape)
		}
		t, err := tensor.FromData(append([]int{len(raw[i]) / per}, in.Shape...), raw[i])
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", in.Name, err)
		}
		b[i] = t
	}
	return b, nil
}

func pipelineConfig(o Options) (pipeline.Config, error) {
	cfg := pipeline.DefaultConfig()
	if o.SampleCount > 0 {
		cfg.SampleCount = o.SampleCount
	}
	if o.MinBatches > 0 {
		cfg.MinBatches = o.MinBatches
	}
	cfg.Shuffle, cfg.Seed = o.Shuffle, o.Seed
	if o.GridSize > 0 {
		cfg.Calibration.GridSize = o.GridSize
	}
	var err error
	if o.WeightError != "" {
		if cfg.Calibration.WeightError, err = calibrate.ParseErrorMethod(o.WeightError); err != nil {
			return cfg, newInvalidRequest(err.Error())
		}
	}
	if o.ActivationError != "" {
		if cfg.Calibration.ActivationError, err = calibrate.ParseErrorMethod(o.ActivationError); err != nil {
			return cfg, newInvalidRequest(err.Error())
		}
	}
	cfg.InputScaling = o.InputScaling
	if o.Metric != "" {
		if cfg.Metric, err = similarity.Parse(o.Metric); err != nil {
			return cfg, newInvalidRequest(err.Error())
		}
	}
	if o.Norm > 0 {
		cfg.Norm = o.Norm
		cfg.Calibration.Norm = o.Norm
	}
	if o.SensitivityBatches > 0 {
		cfg.SensitivityBatches = o.SensitivityBatches
	}
	if o.Iterations < 0 || o.MaxSearchSteps < 0 || o.Workers < 0 {
		return cfg, newInvalidRequest("iterations, max_search_steps and workers must not be negative")
	}
	cfg.MaxSearchSteps = o.MaxSearchSteps
	cfg.Refinement.Iterations = o.Iterations
	if o.LearnRate > 0 {
		cfg.Refinement.LearnRate = o.LearnRate
	}
	cfg.Refinement.TrainWeights = o.TrainWeights
	cfg.Refinement.TrackBest = o.TrackBest
	cfg.Workers = o.Workers
	return cfg, nil
}

package api

import (
	"sync"
	"time"

	"github.com/samcharles93/mpq/internal/graph"
	"github.com/samcharles93/mpq/internal/pipeline"
)

type runRecord struct {
	Run   Run
	graph *graph.Graph
}

// RunStore keeps runs in memory for the lifetime of the server.
type RunStore struct {
	mu   sync.Mutex
	runs map[string]*runRecord
}

func NewRunStore() *RunStore {
	return &RunStore{
		runs: make(map[string]*runRecord),
	}
}

// Create registers an in-progress run under a fresh id.
func (s *RunStore) Create(model string, now time.Time) Run {
	run := Run{
		ID:        pipeline.NewRunID(),
		Object:    "quantization.run",
		Status:    StatusInProgress,
		CreatedAt: now.Unix(),
		Model:     model,
	}
	s.mu.Lock()
	s.runs[run.ID] = &runRecord{Run: run}
	s.mu.Unlock()
	return run
}

// Complete records a finished pipeline result.
func (s *RunStore) Complete(id string, res *pipeline.Result, now time.Time) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok {
		return Run{}, false
	}
	completedAt := now.Unix()
	rec.Run.Status = StatusCompleted
	rec.Run.CompletedAt = &completedAt
	rec.Run.Report = res.Report
	rec.Run.Warnings = res.Warnings
	rec.graph = res.Graph
	return rec.Run, true
}

// Fail records a run error.
func (s *RunStore) Fail(id string, body ErrorBody, now time.Time) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok {
		return Run{}, false
	}
	completedAt := now.Unix()
	rec.Run.Status = StatusFailed
	rec.Run.CompletedAt = &completedAt
	rec.Run.Error = &body
	return rec.Run, true
}

func (s *RunStore) Get(id string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok {
		return Run{}, false
	}
	return rec.Run, true
}

// Graph returns the quantized graph of a completed run.
func (s *RunStore) Graph(id string) (*graph.Graph, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok || rec.graph == nil {
		return nil, false
	}
	return rec.graph, true
}

func (s *RunStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return false
	}
	delete(s.runs, id)
	return true
}

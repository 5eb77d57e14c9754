// Package api serves quantization runs over HTTP.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/mpq/internal/export"
	"github.com/samcharles93/mpq/internal/logger"
	"github.com/samcharles93/mpq/internal/version"
)

type Server struct {
	store   *RunStore
	service *QuantizeService
	clock   func() time.Time

	// background runs outlive their request.
	wg sync.WaitGroup
}

func NewServer(store *RunStore, service *QuantizeService) *Server {
	if store == nil {
		store = NewRunStore()
	}
	return &Server{
		store:   store,
		service: service,
		clock:   time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.POST("/v1/quantize", s.handleQuantize)
	e.GET("/v1/runs/:id", s.handleGetRun)
	e.DELETE("/v1/runs/:id", s.handleDeleteRun)
	e.GET("/v1/runs/:id/export", s.handleExport)
}

// Wait blocks until every background run has finished.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: version.String()})
}

func (s *Server) handleQuantize(c *echo.Context) error {
	if s.service == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "quantize service not configured", "", "")
	}
	req, err := decodeJSON[QuantizeRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	j, err := s.service.prepare(&req)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	run := s.store.Create(j.model.Name, s.clock())
	log := logger.FromContext(c.Request().Context()).With("run_id", run.ID)

	if req.Background {
		ctx := logger.WithContext(context.WithoutCancel(c.Request().Context()), log)
		s.wg.Go(func() { _, _ = s.finish(ctx, j, run.ID) })
		return c.JSON(http.StatusAccepted, run)
	}

	ctx := logger.WithContext(c.Request().Context(), log)
	run, err = s.finish(ctx, j, run.ID)
	if err != nil {
		status, _ := classify(err)
		return c.JSON(status, run)
	}
	return c.JSON(http.StatusOK, run)
}

// finish runs the job and records its outcome.
func (s *Server) finish(ctx context.Context, j *job, id string) (Run, error) {
	res, err := s.service.execute(ctx, j, id)
	if err != nil {
		_, typ := classify(err)
		logger.FromContext(ctx).Warn("quantization failed", "error", err)
		run, _ := s.store.Fail(id, ErrorBody{Message: err.Error(), Type: typ}, s.clock())
		return run, err
	}
	run, _ := s.store.Complete(id, res, s.clock())
	return run, nil
}

func (s *Server) handleGetRun(c *echo.Context) error {
	id := c.Param("id")
	run, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, fmt.Sprintf("run %q not found", id))
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleDeleteRun(c *echo.Context) error {
	id := c.Param("id")
	run, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, fmt.Sprintf("run %q not found", id))
	}
	if run.Status == StatusInProgress {
		return writeBadRequest(c, "runs in progress cannot be deleted")
	}
	s.store.Delete(id)
	return c.JSON(http.StatusOK, DeleteResponse{ID: id, Object: "quantization.run.deleted", Deleted: true})
}

// handleExport streams the quantized graph as safetensors.
func (s *Server) handleExport(c *echo.Context) error {
	id := c.Param("id")
	run, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, fmt.Sprintf("run %q not found", id))
	}
	g, ok := s.store.Graph(id)
	if !ok || run.Status != StatusCompleted {
		return writeBadRequest(c, fmt.Sprintf("run %q has no quantized graph", id))
	}
	var buf bytes.Buffer
	if err := export.Write(&buf, g, export.Options{RunID: id}); err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", id+".safetensors"))
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, buf.Bytes())
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

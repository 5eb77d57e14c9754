package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mpq/internal/kpi"
)

func TestLoadConfig(t *testing.T) {
	t.Run("explicit file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		data := "sample_count: 4\nmetric: cosine\ninput_scaling: true\nbudget:\n  weight_memory: 128\nlog_level: debug\n"
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig returned error: %v", err)
		}
		if cfg.SampleCount == nil || *cfg.SampleCount != 4 {
			t.Fatalf("sample_count not parsed: %v", cfg.SampleCount)
		}
		if cfg.Metric != "cosine" || cfg.LogLevel != "debug" {
			t.Fatalf("unexpected config: %+v", cfg)
		}
		if cfg.InputScaling == nil || !*cfg.InputScaling {
			t.Fatalf("input_scaling not parsed: %v", cfg.InputScaling)
		}
		if cfg.Budget["weight_memory"] != 128 {
			t.Fatalf("budget not parsed: %v", cfg.Budget)
		}
		if cfg.GridSize != nil {
			t.Fatalf("unset grid_size should stay nil, got %d", *cfg.GridSize)
		}
	})

	t.Run("explicit missing file is an error", func(t *testing.T) {
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Fatal("expected error for missing explicit config")
		}
	})

	t.Run("missing default file is empty", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", t.TempDir())
		t.Setenv("HOME", t.TempDir())
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig returned error: %v", err)
		}
		if cfg.SampleCount != nil || cfg.Metric != "" {
			t.Fatalf("expected zero config, got %+v", cfg)
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("sample_count: [1"), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

// runWith parses args against a command carrying the given flags and calls fn
// from its action.
func runWith(t *testing.T, flags []cli.Flag, args []string, fn func(*cli.Command)) {
	t.Helper()
	cmd := &cli.Command{
		Name:  "test",
		Flags: flags,
		Action: func(_ context.Context, c *cli.Command) error {
			fn(c)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), append([]string{"test"}, args...)); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestApplyQuantizeConfigFlagsWin(t *testing.T) {
	samples, grid, trackBest, scaling := 7, 20, true, true
	cfg := Config{SampleCount: &samples, GridSize: &grid, TrackBest: &trackBest, InputScaling: &scaling, Metric: "cosine"}

	var o quantizeOptions
	flags := []cli.Flag{
		&cli.IntFlag{Name: "samples", Value: 10, Destination: &o.samples},
		&cli.IntFlag{Name: "grid", Value: 100, Destination: &o.grid},
		&cli.BoolFlag{Name: "track-best", Destination: &o.trackBest},
		&cli.BoolFlag{Name: "input-scaling", Destination: &o.inputScaling},
		&cli.StringFlag{Name: "metric", Value: "mse", Destination: &o.metric},
		&cli.StringFlag{Name: "capabilities", Destination: &capabilitiesPath},
	}
	runWith(t, flags, []string{"--grid", "50"}, func(c *cli.Command) {
		applyQuantizeConfig(c, cfg, &o)
	})

	if o.samples != 7 {
		t.Fatalf("samples: got %d want 7 from config", o.samples)
	}
	if o.grid != 50 {
		t.Fatalf("grid: got %d want 50 from flag", o.grid)
	}
	if !o.trackBest || !o.inputScaling || o.metric != "cosine" {
		t.Fatalf("config values not applied: %+v", o)
	}
}

func TestApplyServeConfig(t *testing.T) {
	cfg := Config{ServerAddress: "0.0.0.0:9000", Capabilities: "target.yaml"}
	capabilitiesPath = ""
	t.Cleanup(func() { capabilitiesPath = "" })

	var addr string
	flags := []cli.Flag{
		&cli.StringFlag{Name: "addr", Value: "127.0.0.1:8080", Destination: &addr},
		&cli.StringFlag{Name: "capabilities", Destination: &capabilitiesPath},
	}
	runWith(t, flags, nil, func(c *cli.Command) {
		applyServeConfig(c, cfg, &addr)
	})
	if addr != "0.0.0.0:9000" {
		t.Fatalf("addr: got %q", addr)
	}
	if capabilitiesPath != "target.yaml" {
		t.Fatalf("capabilities: got %q", capabilitiesPath)
	}
}

func TestBudgetFrom(t *testing.T) {
	cfg := Config{Budget: map[string]float64{"weight_memory": 100, "compute": 9}}
	flags := []cli.Flag{
		&cli.FloatFlag{Name: "budget-weights"},
		&cli.FloatFlag{Name: "budget-activations"},
		&cli.FloatFlag{Name: "budget-compute"},
	}

	var (
		got kpi.Budget
		err error
	)
	runWith(t, flags, []string{"--budget-compute", "5"}, func(c *cli.Command) {
		got, err = budgetFrom(c, cfg)
	})
	if err != nil {
		t.Fatalf("budgetFrom returned error: %v", err)
	}
	if got[kpi.WeightMemory] != 100 || got[kpi.Compute] != 5 {
		t.Fatalf("unexpected budget: %v", got)
	}
	if _, ok := got[kpi.ActivationMemory]; ok {
		t.Fatalf("unset dimension should be absent: %v", got)
	}

	runWith(t, flags, nil, func(c *cli.Command) {
		_, err = budgetFrom(c, Config{Budget: map[string]float64{"latency": 1}})
	})
	if err == nil {
		t.Fatal("expected error for unknown budget dimension")
	}
}

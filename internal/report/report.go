// Package report describes the outcome of a quantization run for callers
// and humans.
package report

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"

	"github.com/samcharles93/mpq/internal/graph"
	"github.com/samcharles93/mpq/internal/kpi"
	"github.com/samcharles93/mpq/internal/sensitivity"
	"github.com/samcharles93/mpq/pkg/quant"
)

// Node is the final configuration of one graph node.
type Node struct {
	ID             int           `json:"id"`
	Name           string        `json:"name"`
	Kind           string        `json:"kind"`
	Layers         []string      `json:"layers"`
	OpSet          string        `json:"op_set,omitempty"`
	Candidate      string        `json:"candidate,omitempty"`
	WeightBits     int           `json:"weight_bits,omitempty"`
	ActivationBits int           `json:"activation_bits,omitempty"`
	Weights        *quant.Params `json:"weights,omitempty"`
	Activation     *quant.Params `json:"activation,omitempty"`
	Sensitivity    float64       `json:"sensitivity"`
	Footprint      kpi.Vector    `json:"footprint"`
	Refined        bool          `json:"refined,omitempty"`
}

type Refinement struct {
	Iterations int       `json:"iterations"`
	Thresholds int       `json:"thresholds"`
	Kernels    int       `json:"kernels"`
	Loss       []float64 `json:"loss,omitempty"`
	Best       int       `json:"best"`
	Restored   bool      `json:"restored,omitempty"`
}

type Report struct {
	RunID       string      `json:"run_id"`
	Model       string      `json:"model"`
	CreatedAt   time.Time   `json:"created_at"`
	Metric      string      `json:"metric,omitempty"`
	Budget      kpi.Budget  `json:"budget,omitempty"`
	Usage       kpi.Vector  `json:"usage"`
	Max         kpi.Vector  `json:"max"`
	Min         kpi.Vector  `json:"min"`
	Sensitivity float64     `json:"sensitivity"`
	SearchSteps int         `json:"search_steps"`
	Nodes       []Node      `json:"nodes"`
	Refinement  *Refinement `json:"refinement,omitempty"`
	Notes       []string    `json:"notes,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
}

// Nodes lists every node of g at its current selection. Passthrough nodes are
// included with an empty candidate. scores may be nil.
func Nodes(g *graph.Graph, m *kpi.Model, scores *sensitivity.Scores) []Node {
	assign := g.Assignment()
	out := make([]Node, 0, g.NumNodes())
	for _, n := range g.Nodes() {
		r := Node{
			ID:     n.ID,
			Name:   n.Name,
			Kind:   string(n.Kind),
			Layers: n.Layers(),
			OpSet:  n.OpSet,
		}
		if c, ok := n.SelectedCandidate(); ok {
			r.Candidate = c.String()
			r.WeightBits, r.ActivationBits = c.WeightBits, c.ActivationBits
			if c.HasWeights() {
				w := c.Weights
				r.Weights = &w
			}
			if c.HasActivation() {
				a := c.Activation
				r.Activation = &a
			}
			if scores != nil {
				r.Sensitivity = scores.Score(n.ID, n.Selected())
			}
			r.Footprint = m.Footprint(assign, n.ID)
			r.Refined = n.RefinedKernel() != nil
		}
		out = append(out, r)
	}
	return out
}

func (r *Report) WriteJSON(w io.Writer) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

func (r *Report) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.WriteJSON(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func Read(rd io.Reader) (*Report, error) {
	var r Report
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

// WriteTable renders the summary and per-node choices for a terminal.
func (r *Report) WriteTable(w io.Writer) {
	fmt.Fprintf(w, "run %s  model %s\n\n", r.RunID, r.Model)

	usage := tablewriter.NewWriter(w)
	usage.SetHeader([]string{"RESOURCE", "USED", "BUDGET", "MIN", "MAX"})
	usage.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	usage.SetAlignment(tablewriter.ALIGN_LEFT)
	usage.SetBorder(false)
	usage.SetHeaderLine(false)
	usage.SetNoWhiteSpace(true)
	usage.SetTablePadding("    ")
	for _, d := range kpi.Dimensions {
		limit := "-"
		if v, ok := r.Budget[d]; ok {
			limit = formatFloat(v)
		}
		usage.Append([]string{string(d), formatFloat(r.Usage.Get(d)), limit, formatFloat(r.Min.Get(d)), formatFloat(r.Max.Get(d))})
	}
	usage.Render()
	fmt.Fprintln(w)

	nodes := tablewriter.NewWriter(w)
	nodes.SetHeader([]string{"NODE", "KIND", "CANDIDATE", "WEIGHTS", "ACTIVATION", "SENSITIVITY"})
	nodes.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	nodes.SetAlignment(tablewriter.ALIGN_LEFT)
	nodes.SetBorder(false)
	nodes.SetHeaderLine(false)
	nodes.SetNoWhiteSpace(true)
	nodes.SetTablePadding("    ")
	for _, n := range r.Nodes {
		if n.Candidate == "" {
			continue
		}
		wq, aq := "-", "-"
		if n.Weights != nil {
			wq = n.Weights.String()
		}
		if n.Activation != nil {
			aq = n.Activation.String()
		}
		nodes.Append([]string{n.Name, n.Kind, n.Candidate, wq, aq, formatFloat(n.Sensitivity)})
	}
	nodes.Render()

	fmt.Fprintf(w, "\ntotal sensitivity %s after %d search steps\n", formatFloat(r.Sensitivity), r.SearchSteps)
	for _, s := range r.Notes {
		fmt.Fprintf(w, "note: %s\n", s)
	}
	for _, s := range r.Warnings {
		fmt.Fprintf(w, "warning: %s\n", s)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

// Package export writes a quantized graph to safetensors: fake-quantized
// float kernels, integer codes and the per-node quantization parameters as
// JSON metadata.
package export

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/samcharles93/mpq/internal/graph"
	"github.com/samcharles93/mpq/internal/op"
	"github.com/samcharles93/mpq/internal/safetensors"
	"github.com/samcharles93/mpq/internal/tensor"
	"github.com/samcharles93/mpq/pkg/quant"
)

const (
	MetadataFormat = "format"
	MetadataGraph  = "graph"
	MetadataRun    = "run_id"
	MetadataParams = "quantization"

	Format = "mpq"
)

// Options controls what is written.
type Options struct {
	RunID string
	// FloatDType is the dtype of float tensors; empty means F32.
	FloatDType string
	// Codes adds "<node>.kernel.q" integer tensors for quantized kernels.
	Codes bool
}

// NodeParams is the metadata entry of one quantized node.
type NodeParams struct {
	Layers    []string      `json:"layers"`
	Candidate string        `json:"candidate"`
	Weights   *quant.Params `json:"weights,omitempty"`
	// WeightChannels holds per-output-channel kernel parameters; when set
	// they take precedence over Weights.
	WeightChannels quant.Channels `json:"weight_channels,omitempty"`
	Activation     *quant.Params  `json:"activation,omitempty"`
	// InputScale multiplies the values fed to an input node.
	InputScale float64 `json:"input_scale,omitempty"`
	Refined    bool    `json:"refined,omitempty"`
}

// Entries builds the tensors and metadata for g at its current selection.
func Entries(g *graph.Graph, opts Options) ([]safetensors.Entry, map[string]string, error) {
	dt := opts.FloatDType
	if dt == "" {
		dt = "F32"
	}
	var entries []safetensors.Entry
	params := make(map[string]NodeParams)

	addFloat := func(name string, t *tensor.Tensor) error {
		b, err := safetensors.EncodeFloats(dt, t.Data)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		entries = append(entries, safetensors.Entry{Name: name, DType: dt, Shape: t.Shape, Data: b})
		return nil
	}

	for _, n := range g.Nodes() {
		k := n.Kernel()
		c, quantized := n.SelectedCandidate()
		if quantized && !c.Calibrated() {
			return nil, nil, fmt.Errorf("export: node %q candidate %s is not calibrated", n.Name, c)
		}
		if quantized {
			np := NodeParams{Layers: n.Layers(), Candidate: c.String(), Refined: n.RefinedKernel() != nil}
			if c.HasWeights() {
				w := c.Weights
				np.Weights = &w
				np.WeightChannels = c.WeightChannels.Clone()
			}
			if n.InputScale != 0 && n.InputScale != 1 {
				np.InputScale = n.InputScale
			}
			if c.HasActivation() {
				a := c.Activation
				np.Activation = &a
			}
			params[n.Name] = np
		}
		if k == nil {
			continue
		}
		if r := n.RefinedKernel(); r != nil {
			k = r
		}
		if quantized && c.HasWeights() {
			fq := tensor.New(k.Shape...)
			c.FakeQuantWeights(fq.Data, k.Data)
			if err := addFloat(n.Name+"."+op.WeightKernel, fq); err != nil {
				return nil, nil, err
			}
			if opts.Codes {
				codeType := codeDType(c.Weights)
				b, err := safetensors.EncodeInts(codeType, c.EncodeWeights(k.Data))
				if err != nil {
					return nil, nil, fmt.Errorf("%s codes: %w", n.Name, err)
				}
				entries = append(entries, safetensors.Entry{Name: n.Name + "." + op.WeightKernel + ".q", DType: codeType, Shape: k.Shape, Data: b})
			}
		} else if err := addFloat(n.Name+"."+op.WeightKernel, k); err != nil {
			return nil, nil, err
		}
		if b, ok := n.Weights[op.WeightBias]; ok && b != nil {
			if err := addFloat(n.Name+"."+op.WeightBias, b); err != nil {
				return nil, nil, err
			}
		}
	}

	meta, err := json.Marshal(params)
	if err != nil {
		return nil, nil, fmt.Errorf("encode quantization metadata: %w", err)
	}
	md := map[string]string{
		MetadataFormat: Format,
		MetadataGraph:  g.Name,
		MetadataParams: string(meta),
	}
	if opts.RunID != "" {
		md[MetadataRun] = opts.RunID
	}
	return entries, md, nil
}

// codeDType picks the narrowest integer dtype holding every code of p.
func codeDType(p quant.Params) string {
	if p.QMin() < 0 {
		if p.Bits <= 8 {
			return "I8"
		}
		return "I16"
	}
	if p.Bits <= 8 {
		return "U8"
	}
	return "U16"
}

func Write(w io.Writer, g *graph.Graph, opts Options) error {
	entries, md, err := Entries(g, opts)
	if err != nil {
		return err
	}
	return safetensors.Write(w, entries, md)
}

func WriteFile(path string, g *graph.Graph, opts Options) error {
	entries, md, err := Entries(g, opts)
	if err != nil {
		return err
	}
	return safetensors.WriteFile(path, entries, md)
}

// ReadParams decodes the quantization metadata of an exported file.
func ReadParams(f *safetensors.File) (map[string]NodeParams, error) {
	if f.Metadata[MetadataFormat] != Format {
		return nil, fmt.Errorf("export: %s is not an %s export", f.Path, Format)
	}
	var out map[string]NodeParams
	if err := json.Unmarshal([]byte(f.Metadata[MetadataParams]), &out); err != nil {
		return nil, fmt.Errorf("decode quantization metadata: %w", err)
	}
	return out, nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mpq/internal/graph"
	"github.com/samcharles93/mpq/internal/kpi"
)

type inspectNode struct {
	ID         int      `json:"id"`
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Layers     []string `json:"layers"`
	OpSet      string   `json:"op_set,omitempty"`
	Params     int      `json:"params"`
	Output     []int    `json:"output_shape"`
	Candidates []string `json:"candidates,omitempty"`
}

type inspectResult struct {
	Model string        `json:"model"`
	Nodes []inspectNode `json:"nodes"`
	Max   kpi.Vector    `json:"max"`
	Min   kpi.Vector    `json:"min"`
}

func inspectCmd() *cli.Command {
	var (
		asJSON      bool
		fused       bool
		passthrough bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Show the quantization graph, candidates and resource range of a model",
		Flags: append(modelFlags(),
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print JSON instead of tables",
				Destination: &asJSON,
			},
			&cli.BoolFlag{
				Name:        "fuse",
				Usage:       "apply the capability fusion patterns",
				Value:       true,
				Destination: &fused,
			},
			&cli.BoolFlag{
				Name:        "passthrough",
				Usage:       "include passthrough nodes",
				Destination: &passthrough,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if fileConfig.Capabilities != "" && !cmd.IsSet("capabilities") {
				capabilitiesPath = fileConfig.Capabilities
			}
			m, caps, err := loadInputs()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			var opts []graph.Option
			if !fused {
				opts = append(opts, graph.WithoutFusion())
			}
			g, err := graph.Build(m, caps, opts...)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build graph: %v", err), 1)
			}

			res := describe(g, passthrough)
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			printInspect(os.Stdout, res)
			return nil
		},
	}
}

func describe(g *graph.Graph, passthrough bool) inspectResult {
	km := kpi.New(g)
	_, hi := km.Max()
	_, lo := km.Min()
	res := inspectResult{Model: g.Name, Max: hi, Min: lo}
	for _, n := range g.Nodes() {
		if !n.Quantizable() && !passthrough {
			continue
		}
		in := inspectNode{
			ID:     n.ID,
			Name:   n.Name,
			Kind:   string(n.Kind),
			Layers: n.Layers(),
			OpSet:  n.OpSet,
			Params: n.ParamCount(),
			Output: g.Tensor(n.Output()).Shape,
		}
		for _, c := range n.Candidates {
			in.Candidates = append(in.Candidates, c.String())
		}
		res.Nodes = append(res.Nodes, in)
	}
	return res
}

func printInspect(w io.Writer, res inspectResult) {
	fmt.Fprintf(w, "model %s\n\n", res.Model)

	nodes := tablewriter.NewWriter(w)
	nodes.SetHeader([]string{"ID", "NODE", "KIND", "LAYERS", "OP SET", "PARAMS", "OUTPUT", "CANDIDATES"})
	nodes.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	nodes.SetAlignment(tablewriter.ALIGN_LEFT)
	nodes.SetBorder(false)
	nodes.SetHeaderLine(false)
	nodes.SetNoWhiteSpace(true)
	nodes.SetTablePadding("    ")
	for _, n := range res.Nodes {
		cands := "passthrough"
		if len(n.Candidates) > 0 {
			cands = strings.Join(n.Candidates, " ")
		}
		opSet := n.OpSet
		if opSet == "" {
			opSet = "-"
		}
		nodes.Append([]string{
			strconv.Itoa(n.ID), n.Name, n.Kind, strings.Join(n.Layers, "+"), opSet,
			strconv.Itoa(n.Params), fmt.Sprint(n.Output), cands,
		})
	}
	nodes.Render()
	fmt.Fprintln(w)

	usage := tablewriter.NewWriter(w)
	usage.SetHeader([]string{"RESOURCE", "MIN", "MAX"})
	usage.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	usage.SetAlignment(tablewriter.ALIGN_LEFT)
	usage.SetBorder(false)
	usage.SetHeaderLine(false)
	usage.SetNoWhiteSpace(true)
	usage.SetTablePadding("    ")
	for _, d := range kpi.Dimensions {
		usage.Append([]string{
			string(d),
			strconv.FormatFloat(res.Min.Get(d), 'g', 6, 64),
			strconv.FormatFloat(res.Max.Get(d), 'g', 6, 64),
		})
	}
	usage.Render()
}

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/samcharles93/mpq/internal/capability"
	"github.com/samcharles93/mpq/internal/graph/graphtest"
	"github.com/samcharles93/mpq/internal/kpi"
)

func TestDescribe(t *testing.T) {
	g := graphtest.Build(t, graphtest.MLP(3, 4, 8, 2), capability.Default())

	res := describe(g, false)
	if len(res.Nodes) == 0 {
		t.Fatal("expected quantizable nodes")
	}
	for _, n := range res.Nodes {
		if len(n.Candidates) == 0 {
			t.Fatalf("node %q listed without candidates", n.Name)
		}
	}
	if res.Max.Get(kpi.WeightMemory) < res.Min.Get(kpi.WeightMemory) {
		t.Fatalf("max weight memory %v below min %v", res.Max, res.Min)
	}

	all := describe(g, true)
	if len(all.Nodes) != g.NumNodes() {
		t.Fatalf("with passthrough: got %d nodes want %d", len(all.Nodes), g.NumNodes())
	}

	var buf bytes.Buffer
	printInspect(&buf, res)
	out := buf.String()
	for _, want := range []string{"CANDIDATES", string(kpi.Compute), res.Nodes[0].Name} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

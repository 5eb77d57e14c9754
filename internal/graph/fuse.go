package graph

import "github.com/samcharles93/mpq/internal/op"

// fuseChains groups layers into node chains in topological order of their
// heads. Patterns are tried in the given order, which the capability model
// returns longest first.
func fuseChains(layers []*layer, order, outputs []int, patterns [][]op.Kind) [][]int {
	isOutput := make(map[int]bool, len(outputs))
	for _, li := range outputs {
		isOutput[li] = true
	}

	chains := make([][]int, 0, len(order))
	for _, li := range order {
		if layers[li].absorbed {
			continue
		}
		chain := []int{li}
		for _, p := range patterns {
			if m := matchPattern(layers, li, p, isOutput); m != nil {
				chain = m
				break
			}
		}
		for _, c := range chain[1:] {
			layers[c].absorbed = true
		}
		chains = append(chains, chain)
	}
	return chains
}

// matchPattern follows single-consumer edges from li. An intermediate tensor
// that is a model output cannot be fused away. BatchNorm folds only into a
// weighted head and only before the activation; at most one activation is
// fused, as the last element.
func matchPattern(layers []*layer, li int, pattern []op.Kind, isOutput map[int]bool) []int {
	head := layers[li]
	if head.kind != pattern[0] {
		return nil
	}
	chain := []int{li}
	cur := head
	sawActivation := false
	for _, k := range pattern[1:] {
		if len(cur.consumers) != 1 || isOutput[cur.index] {
			return nil
		}
		next := layers[cur.consumers[0]]
		if next.kind != k || len(next.inputs) != 1 || next.absorbed {
			return nil
		}
		switch {
		case next.spec.Foldable:
			if sawActivation || !head.spec.Weighted {
				return nil
			}
		case next.spec.IsActivation():
			if sawActivation {
				return nil
			}
			sawActivation = true
		default:
			return nil
		}
		chain = append(chain, next.index)
		cur = next
	}
	return chain
}

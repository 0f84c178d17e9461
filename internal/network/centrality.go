package network

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/network"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/mat"
)

// Metric is one centrality score per shop.
type Metric struct {
	Values map[string]float64
	// Fallback is nil when the preferred variant succeeded, otherwise the
	// reason the degraded variant was used.
	Fallback error
}

// FellBack reports whether the degraded variant produced the values.
func (m Metric) FellBack() bool { return m.Fallback != nil }

const (
	eigenMaxIter = 100
	eigenTol     = 1e-6
)

var errNoConvergence = fmt.Errorf("power iteration did not converge in %d iterations", eigenMaxIter)

// weighted returns a gonum graph whose edge weights are cost(lift).
func (g *graphData) weighted(cost func(float64) float64) *simple.WeightedUndirectedGraph {
	wg := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for i := range g.names {
		wg.AddNode(simple.Node(i))
	}
	for _, e := range g.edges {
		wg.SetWeightedEdge(wg.NewWeightedEdge(simple.Node(e.from), simple.Node(e.to), cost(e.weight)))
	}
	return wg
}

func (g *graphData) plain() *simple.UndirectedGraph {
	ug := simple.NewUndirectedGraph()
	for i := range g.names {
		ug.AddNode(simple.Node(i))
	}
	for _, e := range g.edges {
		ug.SetEdge(ug.NewEdge(simple.Node(e.from), simple.Node(e.to)))
	}
	return ug
}

func identity(w float64) float64 { return w }

func inverse(w float64) float64 { return 1 / w }

// guard runs fn and converts a panic from the graph algorithms into an error.
func guard(fn func() map[int64]float64) (vals map[int64]float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	vals = fn()
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("non-finite score")
		}
	}
	return vals, nil
}

func (g *graphData) byName(vals map[int64]float64) map[string]float64 {
	out := make(map[string]float64, len(g.names))
	for i, name := range g.names {
		out[name] = vals[int64(i)]
	}
	return out
}

// betweenness uses lift as path length and the (n-1)(n-2) normalisation
// for ordered pairs.
func betweenness(g *graphData) Metric {
	var m Metric
	vals, err := guard(func() map[int64]float64 {
		if err := g.validWeights(); err != nil {
			panic(err)
		}
		wg := g.weighted(identity)
		return network.BetweennessWeighted(wg, path.DijkstraAllPaths(wg))
	})
	if err != nil {
		m.Fallback = fmt.Errorf("weighted betweenness: %w", err)
		vals = network.Betweenness(g.plain())
	}

	n := float64(g.n())
	scale := 0.0
	if g.n() > 2 {
		scale = 1 / ((n - 1) * (n - 2))
	}
	for id, v := range vals {
		vals[id] = v * scale
	}
	m.Values = g.byName(vals)
	return m
}

// degree is the fraction of other shops each shop is linked to.
func degree(g *graphData) Metric {
	vals := make(map[string]float64, g.n())
	for i, name := range g.names {
		if g.n() <= 1 {
			vals[name] = 1
			continue
		}
		vals[name] = float64(len(g.adj[i])) / float64(g.n()-1)
	}
	return Metric{Values: vals}
}

// closeness uses 1/lift as distance, so strong affinities are close, and
// scales by the reachable fraction of the graph (Wasserman and Faust).
func closeness(g *graphData) Metric {
	var m Metric
	vals, err := guard(func() map[int64]float64 {
		if err := g.validWeights(); err != nil {
			panic(err)
		}
		wg := g.weighted(inverse)
		return closenessFrom(wg, path.DijkstraAllPaths(wg))
	})
	if err != nil {
		m.Fallback = fmt.Errorf("weighted closeness: %w", err)
		ug := g.plain()
		vals = closenessFrom(ug, path.DijkstraAllPaths(ug))
	}
	m.Values = g.byName(vals)
	return m
}

func closenessFrom(g graph.Graph, paths path.AllShortest) map[int64]float64 {
	nodes := graph.NodesOf(g.Nodes())
	n := float64(len(nodes))
	out := make(map[int64]float64, len(nodes))
	for _, u := range nodes {
		var sum float64
		reach := 1.0
		for _, v := range nodes {
			if u.ID() == v.ID() {
				continue
			}
			d := paths.Weight(u.ID(), v.ID())
			if math.IsInf(d, 1) {
				continue
			}
			sum += d
			reach++
		}
		if sum > 0 && n > 1 {
			out[u.ID()] = (reach - 1) / sum * ((reach - 1) / (n - 1))
		}
	}
	return out
}

// eigenvector runs power iteration on A+I with lift weights. It fails when
// the iteration does not settle, in which case every shop scores zero.
func eigenvector(g *graphData) Metric {
	vals, err := powerIteration(g)
	if err != nil {
		zeros := make(map[string]float64, g.n())
		for _, name := range g.names {
			zeros[name] = 0
		}
		return Metric{Values: zeros, Fallback: fmt.Errorf("eigenvector: %w", err)}
	}
	out := make(map[string]float64, g.n())
	for i, name := range g.names {
		out[name] = vals[i]
	}
	return Metric{Values: out}
}

func powerIteration(g *graphData) ([]float64, error) {
	n := g.n()
	if n == 0 {
		return nil, errors.New("empty graph")
	}
	if err := g.validWeights(); err != nil {
		return nil, err
	}

	a := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		a.SetSym(i, i, 1)
	}
	for _, e := range g.edges {
		a.SetSym(e.from, e.to, e.weight)
	}

	x := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		x.SetVec(i, 1/float64(n))
	}
	next := mat.NewVecDense(n, nil)
	for iter := 0; iter < eigenMaxIter; iter++ {
		next.MulVec(a, x)
		norm := mat.Norm(next, 2)
		if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
			norm = 1
		}
		next.ScaleVec(1/norm, next)

		var delta float64
		for i := 0; i < n; i++ {
			delta += math.Abs(next.AtVec(i) - x.AtVec(i))
		}
		x.CopyVec(next)
		if delta < float64(n)*eigenTol {
			return x.RawVector().Data, nil
		}
	}
	return nil, errNoConvergence
}

package network

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"
)

// communities partitions the rule graph by greedy modularity maximisation
// on lift weights, retrying on unit weights when the lifts are unusable.
// Groups are ordered by size (largest first) and members by node order.
func communities(g *graphData) ([][]int, error) {
	weight := func(e edge) float64 { return e.weight }
	err := g.validWeights()
	if err == nil {
		var groups [][]int
		if groups, err = greedyModularity(g.n(), g.edges, weight); err == nil {
			return groups, nil
		}
	}
	groups, uerr := greedyModularity(g.n(), g.edges, func(edge) float64 { return 1 })
	if uerr != nil {
		// Unit weights only fail without edges; keep every shop on its own.
		groups = make([][]int, g.n())
		for i := range groups {
			groups[i] = []int{i}
		}
	}
	return groups, err
}

// greedyModularity is the Clauset-Newman-Moore agglomeration: starting from
// singletons it repeatedly merges the connected pair of communities with the
// largest modularity gain ΔQ = 2(e_ij - a_i a_j) while that gain is positive.
// Ties go to the pair with the smallest community indices.
func greedyModularity(n int, edges []edge, weight func(edge) float64) ([][]int, error) {
	var total float64
	for _, e := range edges {
		total += weight(e)
	}
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return nil, errors.New("total edge weight must be positive")
	}
	m2 := 2 * total

	members := make(map[int][]int, n)
	a := make(map[int]float64, n)
	e := make(map[int]map[int]float64, n)
	for i := 0; i < n; i++ {
		members[i] = []int{i}
		e[i] = make(map[int]float64)
	}
	for _, ed := range edges {
		w := weight(ed) / m2
		e[ed.from][ed.to] += w
		e[ed.to][ed.from] += w
		a[ed.from] += w
		a[ed.to] += w
	}

	for {
		ids := make([]int, 0, len(members))
		for id := range members {
			ids = append(ids, id)
		}
		sort.Ints(ids)

		bi, bj, best := -1, -1, 0.0
		for _, i := range ids {
			neighbours := make([]int, 0, len(e[i]))
			for j := range e[i] {
				if j > i {
					neighbours = append(neighbours, j)
				}
			}
			sort.Ints(neighbours)
			for _, j := range neighbours {
				dq := 2 * (e[i][j] - a[i]*a[j])
				if dq > best {
					bi, bj, best = i, j, dq
				}
			}
		}
		if bi < 0 {
			break
		}

		// Merge bj into bi.
		members[bi] = append(members[bi], members[bj]...)
		delete(members, bj)
		for k, w := range e[bj] {
			delete(e[k], bj)
			if k == bi {
				continue
			}
			e[bi][k] += w
			e[k][bi] += w
		}
		delete(e, bj)
		a[bi] += a[bj]
		delete(a, bj)
	}

	groups := make([][]int, 0, len(members))
	for _, m := range members {
		sort.Ints(m)
		groups = append(groups, m)
	}
	sort.Slice(groups, func(i, j int) bool {
		if len(groups[i]) != len(groups[j]) {
			return len(groups[i]) > len(groups[j])
		}
		return groups[i][0] < groups[j][0]
	})
	return groups, nil
}

// modularity scores the partition with gonum, on lift weights when they
// were used to find it and on unit weights otherwise.
func modularity(g *graphData, groups [][]int, weighted bool) float64 {
	var gg graph.Graph
	if weighted {
		gg = g.weighted(identity)
	} else {
		gg = g.plain()
	}
	parts := make([][]graph.Node, len(groups))
	for i, members := range groups {
		parts[i] = make([]graph.Node, len(members))
		for j, m := range members {
			parts[i][j] = simple.Node(m)
		}
	}
	q := community.Q(gg, parts, 1)
	if math.IsNaN(q) || math.IsInf(q, 0) {
		return 0
	}
	return q
}

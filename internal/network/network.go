// Package network assembles shop affinity rules into an undirected graph
// weighted by lift and annotates every shop with centrality scores, a
// greedy-modularity community and its revenue.
//
// Each centrality and the community detection run with an explicit
// fallback. Metric.Fallback records why the preferred variant was not
// used, so callers and tests can tell a degraded score from a real one.
package network

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/takeru403/Ipoca-network/internal/logger"
	"github.com/takeru403/Ipoca-network/internal/models"
)

// ErrEmptyGraph is returned in strict mode when fewer than two shops remain
// after dropping self-loop rules.
var ErrEmptyGraph = errors.New("network has fewer than two connected shops")

// Options control graph assembly.
type Options struct {
	// FullTenantList adds shops absent from every rule as isolated nodes
	// flagged IsAdded.
	FullTenantList []string
	// Strict turns an empty or single-node graph into ErrEmptyGraph instead
	// of an empty network.
	Strict bool
}

// Node is a shop in the affinity network.
type Node struct {
	ID          string  `json:"id"`
	Betweenness float64 `json:"betweenness"`
	Degree      float64 `json:"degree"`
	Closeness   float64 `json:"closeness"`
	Eigenvector float64 `json:"eigenvector"`
	Community   int     `json:"community"`
	Revenue     float64 `json:"revenue"`
	IsAdded     bool    `json:"is_added"`
}

// Link is an undirected affinity between two shops.
type Link struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Weight float64 `json:"weight"`
}

// Metrics holds the per-metric outcomes behind the node scores.
type Metrics struct {
	Betweenness Metric
	Degree      Metric
	Closeness   Metric
	Eigenvector Metric
	Community   error // non-nil when communities were found on unit weights
}

// Network is the serializable graph.
type Network struct {
	Nodes       []Node            `json:"nodes"`
	Links       []Link            `json:"links"`
	Communities [][]string        `json:"communities"`
	Modularity  float64           `json:"modularity"`
	Fallbacks   map[string]string `json:"fallbacks,omitempty"`

	Metrics Metrics `json:"-"`
}

// Empty reports whether the network has no nodes.
func (n *Network) Empty() bool { return n == nil || len(n.Nodes) == 0 }

// Node returns the node with the given id.
func (n *Network) Node(id string) (Node, bool) {
	for _, node := range n.Nodes {
		if node.ID == id {
			return node, true
		}
	}
	return Node{}, false
}

func emptyNetwork() *Network {
	return &Network{Nodes: []Node{}, Links: []Link{}, Communities: [][]string{}}
}

// BuildJSON is the lenient variant of Build: a degenerate graph yields
// {nodes: [], links: []} rather than an error.
func BuildJSON(rules *models.RuleTable) *Network {
	net, err := Build(rules, Options{})
	if err != nil {
		// Lenient builds only fail on an empty graph.
		return emptyNetwork()
	}
	return net
}

// Build turns rules into a network. One edge is kept per unordered shop
// pair; when several rules connect the same pair the last lift wins and
// the first orientation is kept. Rules whose endpoints coincide after
// trimming are dropped.
func Build(rules *models.RuleTable, opts Options) (*Network, error) {
	g := collect(rules)
	if len(g.names) < 2 {
		if opts.Strict {
			return nil, ErrEmptyGraph
		}
		logger.Debug("Network is empty after filtering %d rules", rules.Len())
		return emptyNetwork(), nil
	}

	metrics := Metrics{
		Betweenness: betweenness(g),
		Degree:      degree(g),
		Closeness:   closeness(g),
		Eigenvector: eigenvector(g),
	}
	groups, err := communities(g)
	metrics.Community = err
	if err != nil {
		logger.Warn("Weighted community detection failed, using unit weights: %v", err)
	}

	net := &Network{
		Nodes:       make([]Node, 0, len(g.names)),
		Links:       make([]Link, 0, len(g.edges)),
		Communities: make([][]string, 0, len(groups)),
		Metrics:     metrics,
	}

	membership := make([]int, len(g.names))
	for cid, members := range groups {
		names := make([]string, len(members))
		for i, m := range members {
			membership[m] = cid
			names[i] = g.names[m]
		}
		net.Communities = append(net.Communities, names)
	}

	for i, name := range g.names {
		net.Nodes = append(net.Nodes, Node{
			ID:          name,
			Betweenness: metrics.Betweenness.Values[name],
			Degree:      metrics.Degree.Values[name],
			Closeness:   metrics.Closeness.Values[name],
			Eigenvector: metrics.Eigenvector.Values[name],
			Community:   membership[i],
			Revenue:     g.revenue[name],
		})
	}
	for _, e := range g.edges {
		net.Links = append(net.Links, Link{Source: g.names[e.from], Target: g.names[e.to], Weight: e.weight})
	}

	net.Modularity = modularity(g, groups, err == nil)
	net.Fallbacks = fallbacks(metrics)

	for _, name := range addedTenants(opts.FullTenantList, g.index) {
		net.Nodes = append(net.Nodes, Node{ID: name, Community: len(net.Communities), IsAdded: true})
		net.Communities = append(net.Communities, []string{name})
	}

	logger.Debug("Built network: %d nodes, %d links, %d communities", len(net.Nodes), len(net.Links), len(net.Communities))
	return net, nil
}

func fallbacks(m Metrics) map[string]string {
	out := make(map[string]string)
	for name, metric := range map[string]Metric{
		"betweenness": m.Betweenness,
		"degree":      m.Degree,
		"closeness":   m.Closeness,
		"eigenvector": m.Eigenvector,
	} {
		if metric.Fallback != nil {
			out[name] = metric.Fallback.Error()
		}
	}
	if m.Community != nil {
		out["community"] = m.Community.Error()
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func addedTenants(full []string, known map[string]int) []string {
	seen := make(map[string]bool)
	var added []string
	for _, raw := range full {
		name := strings.TrimSpace(raw)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := known[name]; !ok {
			added = append(added, name)
		}
	}
	sort.Strings(added)
	return added
}

// edge is an undirected edge between node indices.
type edge struct {
	from, to int
	weight   float64
}

// graphData is the rule graph in index form.
type graphData struct {
	names   []string
	index   map[string]int
	edges   []edge
	adj     []map[int]float64
	revenue map[string]float64
}

func (g *graphData) n() int { return len(g.names) }

// validWeights reports whether every lift is finite and positive.
func (g *graphData) validWeights() error {
	for _, e := range g.edges {
		if math.IsNaN(e.weight) || math.IsInf(e.weight, 0) || e.weight <= 0 {
			return &weightError{from: g.names[e.from], to: g.names[e.to], weight: e.weight}
		}
	}
	return nil
}

type weightError struct {
	from, to string
	weight   float64
}

func (e *weightError) Error() string {
	return fmt.Sprintf("edge %s - %s has unusable weight %g", e.from, e.to, e.weight)
}

func collect(rules *models.RuleTable) *graphData {
	g := &graphData{index: make(map[string]int), revenue: make(map[string]float64)}
	if rules == nil {
		return g
	}

	node := func(name string) int {
		if i, ok := g.index[name]; ok {
			return i
		}
		i := len(g.names)
		g.index[name] = i
		g.names = append(g.names, name)
		g.adj = append(g.adj, make(map[int]float64))
		return i
	}

	pair := make(map[[2]int]int)
	for _, r := range rules.Rules {
		src := strings.TrimSpace(r.Antecedents)
		dst := strings.TrimSpace(r.Consequents)
		if src == "" || dst == "" || src == dst {
			continue
		}
		a, b := node(src), node(dst)
		g.revenue[src] = r.AntecedentRevenue
		g.revenue[dst] = r.ConsequentRevenue

		key := [2]int{min(a, b), max(a, b)}
		if k, ok := pair[key]; ok {
			g.edges[k].weight = r.Lift
		} else {
			pair[key] = len(g.edges)
			g.edges = append(g.edges, edge{from: a, to: b, weight: r.Lift})
		}
		g.adj[a][b] = r.Lift
		g.adj[b][a] = r.Lift
	}
	return g
}

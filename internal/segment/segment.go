// Package segment clusters customers by purchase behaviour and prepares
// per-cluster radar chart data.
//
// Each customer is summarised by visit count, total, mean and maximum
// amount, modal weekday and modal hour. Features are standardised and
// grouped with k-means++; cluster names come from a Namer.
package segment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/takeru403/Ipoca-network/internal/logger"
	"github.com/takeru403/Ipoca-network/internal/models"
)

// Feature names in vector order.
const (
	FeatureVisits       = "visits"
	FeatureTotalAmount  = "total_amount"
	FeatureMeanAmount   = "mean_amount"
	FeatureMaxAmount    = "max_amount"
	FeatureModalWeekday = "modal_weekday"
	FeatureModalHour    = "modal_hour"
)

// FeatureNames lists the customer features in vector order.
var FeatureNames = []string{
	FeatureVisits,
	FeatureTotalAmount,
	FeatureMeanAmount,
	FeatureMaxAmount,
	FeatureModalWeekday,
	FeatureModalHour,
}

// ErrNoCustomers is returned when there is nothing to cluster.
var ErrNoCustomers = errors.New("no customers to cluster")

// Profile is one customer's feature vector.
type Profile struct {
	CustomerID string
	Values     []float64
}

// Cluster describes one customer segment.
type Cluster struct {
	ID    int                `json:"id"`
	Name  string             `json:"name"`
	Size  int                `json:"size"`
	Means map[string]float64 `json:"means"` // unscaled feature means, rounded to 2 places
}

// Segmentation is the clustering outcome.
type Segmentation struct {
	Features    []string       `json:"features"`
	Clusters    []Cluster      `json:"clusters"`
	Assignments map[string]int `json:"-"` // customer id → cluster id
}

// Options control clustering.
type Options struct {
	K       int
	Seed    int64
	MaxIter int
}

// DefaultOptions mirrors the analysis defaults: four clusters, seed 42.
func DefaultOptions() Options {
	return Options{K: 4, Seed: 42, MaxIter: 300}
}

// Aggregate builds one profile per customer, ordered by customer id.
// Weekday is Monday=0..Sunday=6; modal weekday and hour are -1 when no
// timestamp of the customer could be parsed.
func Aggregate(txs []models.Transaction) []Profile {
	type acc struct {
		count    int
		sum, max float64
		weekday  [7]int
		hour     [24]int
		timed    bool
	}
	byCustomer := make(map[string]*acc)
	for _, tx := range txs {
		a, ok := byCustomer[tx.CustomerID]
		if !ok {
			a = &acc{max: math.Inf(-1)}
			byCustomer[tx.CustomerID] = a
		}
		a.count++
		a.sum += tx.Amount
		a.max = math.Max(a.max, tx.Amount)
		if !tx.Timestamp.IsZero() {
			a.timed = true
			a.weekday[(int(tx.Timestamp.Weekday())+6)%7]++
			a.hour[tx.Timestamp.Hour()]++
		}
	}

	ids := make([]string, 0, len(byCustomer))
	for id := range byCustomer {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	profiles := make([]Profile, 0, len(ids))
	for _, id := range ids {
		a := byCustomer[id]
		weekday, hour := -1.0, -1.0
		if a.timed {
			weekday = float64(mode(a.weekday[:]))
			hour = float64(mode(a.hour[:]))
		}
		profiles = append(profiles, Profile{
			CustomerID: id,
			Values: []float64{
				float64(a.count),
				a.sum,
				a.sum / float64(a.count),
				a.max,
				weekday,
				hour,
			},
		})
	}
	return profiles
}

// mode returns the index of the largest count, the smallest index on ties.
func mode(counts []int) int {
	best := 0
	for i, c := range counts {
		if c > counts[best] {
			best = i
		}
	}
	return best
}

// Standardize scales every column to zero mean and unit population
// standard deviation. Constant columns are only centred.
func Standardize(rows [][]float64) [][]float64 {
	if len(rows) == 0 {
		return nil
	}
	dims := len(rows[0])
	out := make([][]float64, len(rows))
	for i := range out {
		out[i] = make([]float64, dims)
	}
	col := make([]float64, len(rows))
	for d := 0; d < dims; d++ {
		for i, r := range rows {
			col[i] = r[d]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		for i, r := range rows {
			out[i][d] = (r[d] - mean) / std
		}
	}
	return out
}

// Segment profiles and clusters customers. Clusters are unnamed until
// Name is called.
func Segment(txs []models.Transaction, opts Options) (*Segmentation, error) {
	profiles := Aggregate(txs)
	if len(profiles) == 0 {
		return nil, ErrNoCustomers
	}
	if opts.K < 1 {
		return nil, fmt.Errorf("cluster count must be at least 1, got %d", opts.K)
	}

	raw := make([][]float64, len(profiles))
	for i, p := range profiles {
		raw[i] = p.Values
	}
	labels, err := KMeans(Standardize(raw), opts.K, opts.Seed, opts.MaxIter)
	if err != nil {
		return nil, err
	}

	k := 0
	for _, l := range labels {
		k = max(k, l+1)
	}
	sums := make([][]float64, k)
	sizes := make([]int, k)
	for c := range sums {
		sums[c] = make([]float64, len(FeatureNames))
	}
	seg := &Segmentation{
		Features:    append([]string(nil), FeatureNames...),
		Assignments: make(map[string]int, len(profiles)),
	}
	for i, p := range profiles {
		c := labels[i]
		seg.Assignments[p.CustomerID] = c
		sizes[c]++
		for d, v := range p.Values {
			sums[c][d] += v
		}
	}
	for c := 0; c < k; c++ {
		if sizes[c] == 0 {
			continue
		}
		means := make(map[string]float64, len(FeatureNames))
		for d, name := range FeatureNames {
			means[name] = round2(sums[c][d] / float64(sizes[c]))
		}
		seg.Clusters = append(seg.Clusters, Cluster{ID: c, Size: sizes[c], Means: means})
	}

	logger.Info("Segmented %d customers into %d clusters", len(profiles), len(seg.Clusters))
	return seg, nil
}

// Name labels every cluster using namer, falling back to static names for
// any cluster the namer could not label.
func (s *Segmentation) Name(ctx context.Context, namer Namer) {
	if namer == nil {
		namer = StaticNamer{}
	}
	names, err := namer.Name(ctx, s.Clusters)
	if err != nil {
		logger.Warn("Cluster naming failed, using static names: %v", err)
		names = nil
	}
	fallback, _ := StaticNamer{}.Name(ctx, s.Clusters)

	used := make(map[string]bool)
	for i := range s.Clusters {
		c := &s.Clusters[i]
		name := names[c.ID]
		if name == "" || used[name] {
			name = fallback[c.ID]
		}
		used[name] = true
		c.Name = name
	}
}

// RadarRow is one radar axis: {"metric": feature, <cluster name>: mean}.
type RadarRow map[string]any

// Radar returns one row per feature with every cluster's mean. Clusters
// should be named first.
func (s *Segmentation) Radar() []RadarRow {
	rows := make([]RadarRow, 0, len(s.Features))
	for _, f := range s.Features {
		row := RadarRow{"metric": f}
		for _, c := range s.Clusters {
			label := c.Name
			if label == "" {
				label = staticName(c.ID)
			}
			row[label] = c.Means[f]
		}
		rows = append(rows, row)
	}
	return rows
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

package segment

import (
	"errors"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// KMeans clusters points into at most k groups using k-means++ seeding and
// Lloyd iterations. It is deterministic for a given seed. When there are
// fewer distinct points than k, fewer clusters are returned.
func KMeans(points [][]float64, k int, seed int64, maxIter int) ([]int, error) {
	n := len(points)
	if n == 0 {
		return nil, errors.New("no points")
	}
	if k < 1 {
		return nil, errors.New("k must be at least 1")
	}
	if maxIter < 1 {
		maxIter = 300
	}
	k = min(k, n)

	rng := rand.New(rand.NewSource(seed))
	centroids := seedPlusPlus(points, k, rng)
	k = len(centroids)

	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}
	dims := len(points[0])
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, p := range points {
			best, bestDist := 0, math.Inf(1)
			for c, ctr := range centroids {
				if d := floats.Distance(p, ctr, 2); d < bestDist {
					best, bestDist = c, d
				}
			}
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dims)
		}
		for i, p := range points {
			floats.Add(sums[labels[i]], p)
			counts[labels[i]]++
		}
		for c := range centroids {
			if counts[c] == 0 {
				// Keep an emptied centroid where it was.
				continue
			}
			floats.Scale(1/float64(counts[c]), sums[c])
			centroids[c] = sums[c]
		}
	}
	return compact(labels), nil
}

// seedPlusPlus picks initial centroids with probability proportional to the
// squared distance from the nearest centroid chosen so far.
func seedPlusPlus(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	first := points[rng.Intn(len(points))]
	centroids := [][]float64{append([]float64(nil), first...)}

	dist := make([]float64, len(points))
	for len(centroids) < k {
		var total float64
		for i, p := range points {
			d := math.Inf(1)
			for _, c := range centroids {
				d = math.Min(d, floats.Distance(p, c, 2))
			}
			dist[i] = d * d
			total += dist[i]
		}
		if total == 0 {
			// Every remaining point coincides with a centroid.
			break
		}
		r := rng.Float64() * total
		pick := len(points) - 1
		for i, d := range dist {
			r -= d
			if r <= 0 && d > 0 {
				pick = i
				break
			}
		}
		centroids = append(centroids, append([]float64(nil), points[pick]...))
	}
	return centroids
}

// compact renumbers labels to 0..m-1 in order of first appearance.
func compact(labels []int) []int {
	remap := make(map[int]int)
	out := make([]int, len(labels))
	for i, l := range labels {
		id, ok := remap[l]
		if !ok {
			id = len(remap)
			remap[l] = id
		}
		out[i] = id
	}
	return out
}

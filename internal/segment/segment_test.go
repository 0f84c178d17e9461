package segment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takeru403/Ipoca-network/internal/models"
)

// Monday 2024-04-01.
var monday = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

func purchase(customer string, day, hour int, amount float64) models.Transaction {
	return models.Transaction{
		CustomerID: customer,
		Timestamp:  monday.AddDate(0, 0, day).Add(time.Duration(hour) * time.Hour),
		Amount:     amount,
		ShopName:   "S",
	}
}

func TestAggregate(t *testing.T) {
	profiles := Aggregate([]models.Transaction{
		purchase("b", 5, 14, 100), // Saturday
		purchase("b", 5, 14, 300),
		purchase("b", 0, 9, 200),
		purchase("a", 2, 20, 50), // Wednesday
		{CustomerID: "c", RawTimestamp: "??", Amount: 10},
	})
	require.Len(t, profiles, 3)

	assert.Equal(t, "a", profiles[0].CustomerID)
	assert.Equal(t, []float64{1, 50, 50, 50, 2, 20}, profiles[0].Values)

	assert.Equal(t, []float64{3, 600, 200, 300, 5, 14}, profiles[1].Values)
	assert.Equal(t, []float64{1, 10, 10, 10, -1, -1}, profiles[2].Values, "no parsed timestamp")
}

func TestStandardize(t *testing.T) {
	out := Standardize([][]float64{{1, 5}, {3, 5}})
	assert.Equal(t, [][]float64{{-1, 0}, {1, 0}}, out)
	assert.Nil(t, Standardize(nil))
}

func TestKMeansSeparatesGroups(t *testing.T) {
	points := [][]float64{
		{0, 0}, {0.1, 0}, {0, 0.1},
		{10, 10}, {10.1, 10}, {10, 10.1},
	}
	labels, err := KMeans(points, 2, 42, 100)
	require.NoError(t, err)

	assert.Equal(t, labels[0], labels[1])
	assert.Equal(t, labels[0], labels[2])
	assert.Equal(t, labels[3], labels[4])
	assert.Equal(t, labels[3], labels[5])
	assert.NotEqual(t, labels[0], labels[3])
	assert.Equal(t, 0, labels[0], "labels are compacted in order of appearance")

	again, err := KMeans(points, 2, 42, 100)
	require.NoError(t, err)
	assert.Equal(t, labels, again, "deterministic for a seed")
}

func TestKMeansFewerDistinctPoints(t *testing.T) {
	labels, err := KMeans([][]float64{{1}, {1}, {1}}, 4, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0}, labels)

	_, err = KMeans(nil, 2, 1, 10)
	assert.Error(t, err)
}

func segmentFixture(t *testing.T) *Segmentation {
	t.Helper()
	var txs []models.Transaction
	for i := 0; i < 5; i++ {
		c := fmt.Sprintf("light%d", i)
		txs = append(txs, purchase(c, 0, 10, 500))
	}
	for i := 0; i < 5; i++ {
		c := fmt.Sprintf("heavy%d", i)
		for d := 0; d < 6; d++ {
			txs = append(txs, purchase(c, 5, 18, 8000))
		}
	}
	seg, err := Segment(txs, Options{K: 2, Seed: 42, MaxIter: 100})
	require.NoError(t, err)
	return seg
}

func TestSegment(t *testing.T) {
	seg := segmentFixture(t)
	require.Len(t, seg.Clusters, 2)
	assert.Equal(t, FeatureNames, seg.Features)
	assert.Len(t, seg.Assignments, 10)
	assert.NotEqual(t, seg.Assignments["light0"], seg.Assignments["heavy0"])

	total := 0
	for _, c := range seg.Clusters {
		total += c.Size
		assert.Len(t, c.Means, len(FeatureNames))
	}
	assert.Equal(t, 10, total)

	heavy := seg.Clusters[seg.Assignments["heavy0"]]
	assert.Equal(t, 6.0, heavy.Means[FeatureVisits])
	assert.Equal(t, 48000.0, heavy.Means[FeatureTotalAmount])
	assert.Equal(t, 5.0, heavy.Means[FeatureModalWeekday])
}

func TestSegmentErrors(t *testing.T) {
	_, err := Segment(nil, DefaultOptions())
	assert.ErrorIs(t, err, ErrNoCustomers)

	_, err = Segment([]models.Transaction{purchase("a", 0, 1, 1)}, Options{K: 0})
	assert.Error(t, err)
}

func TestRadarWithStaticNames(t *testing.T) {
	seg := segmentFixture(t)
	seg.Name(context.Background(), nil)

	rows := seg.Radar()
	require.Len(t, rows, len(FeatureNames))
	assert.Equal(t, FeatureVisits, rows[0]["metric"])
	heavy := seg.Clusters[seg.Assignments["heavy0"]]
	assert.Equal(t, 6.0, rows[0][heavy.Name])
	assert.Contains(t, []string{"Cluster 1", "Cluster 2"}, heavy.Name)
}

type failingNamer struct{}

func (failingNamer) Name(context.Context, []Cluster) (map[int]string, error) {
	return nil, errors.New("quota exceeded")
}

type constantNamer struct{}

func (constantNamer) Name(_ context.Context, clusters []Cluster) (map[int]string, error) {
	out := map[int]string{}
	for _, c := range clusters {
		out[c.ID] = "Same"
	}
	return out, nil
}

func TestNameFallbacks(t *testing.T) {
	seg := segmentFixture(t)
	seg.Name(context.Background(), failingNamer{})
	assert.Equal(t, "Cluster 1", seg.Clusters[0].Name)

	seg = segmentFixture(t)
	seg.Name(context.Background(), constantNamer{})
	assert.Equal(t, "Same", seg.Clusters[0].Name)
	assert.Equal(t, "Cluster 2", seg.Clusters[1].Name, "duplicate names fall back")
}

func TestOpenAINamer(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		if assert.Len(t, req.Messages, 2) {
			assert.Contains(t, req.Messages[1].Content, "Reply with the name only")
		}

		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"c%d","object":"chat.completion","created":1,"model":"test-model",
			"choices":[{"index":0,"message":{"role":"assistant","content":"\"Segment %d\""},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`, n, n)
	}))
	defer srv.Close()

	namer := NewOpenAINamer(OpenAINamerConfig{APIKey: "sk-test", BaseURL: srv.URL, Model: "test-model", Timeout: 5 * time.Second})
	names, err := namer.Name(context.Background(), []Cluster{{ID: 0, Size: 3, Means: map[string]float64{"visits": 2}}, {ID: 1}})
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: "Segment 1", 1: "Segment 2"}, names)
}

func TestOpenAINamerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"nope","type":"server_error"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	namer := NewOpenAINamer(OpenAINamerConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := namer.Name(context.Background(), []Cluster{{ID: 0}})
	assert.Error(t, err)
}

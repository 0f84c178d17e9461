package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takeru403/Ipoca-network/internal/ingest"
	"github.com/takeru403/Ipoca-network/internal/models"
	"github.com/takeru403/Ipoca-network/internal/network"
	"github.com/takeru403/Ipoca-network/internal/storage"
)

const salesCSV = "customer_id,timestamp,amount,shop_name\n" +
	"c1,2024-04-01 10:00:00,100,A\n" +
	"c1,2024-04-01 11:00:00,200,B\n" +
	"c2,2024-04-02 10:00:00,150,A\n" +
	"c2,2024-04-02 12:00:00,50,B\n" +
	"c3,2024-04-03 09:00:00,80,C\n" +
	"c4,2024-04-04 09:00:00,90,C\n"

const singleShopCSV = "customer_id,timestamp,amount,shop_name\n" +
	"c1,2024-04-01 10:00:00,100,C\n" +
	"c2,2024-04-02 10:00:00,100,C\n"

const badAmountCSV = "customer_id,timestamp,amount,shop_name\n" +
	"c1,2024-04-01 10:00:00,n/a,A\n" +
	"c2,2024-04-02 10:00:00,-,B\n"

type fakeNotifier struct {
	mu   sync.Mutex
	recs []models.JobRecord
}

func (f *fakeNotifier) NotifyJob(_ context.Context, rec models.JobRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs)
}

type fakeSink struct {
	mu   sync.Mutex
	ids  []string
	fail bool
}

func (f *fakeSink) ExportNetwork(_ context.Context, processID string, _ *network.Network) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, processID)
	if f.fail {
		return errors.New("neo4j unavailable")
	}
	return nil
}

func newTestOrchestrator(t *testing.T, cfg Config, deps Deps) *Orchestrator {
	t.Helper()
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = t.TempDir()
	}
	if deps.Store == nil {
		deps.Store = storage.New(storage.Options{})
	}
	if cfg.Defaults.NClusters == 0 {
		cfg.Defaults.NClusters = 2
	}
	cfg.Defaults.StrictGraph = true
	return New(cfg, deps)
}

func start(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitTerminal(t *testing.T, o *Orchestrator, id string) models.JobRecord {
	t.Helper()
	var rec models.JobRecord
	require.Eventually(t, func() bool {
		var err error
		rec, err = o.Poll(id)
		return err == nil && rec.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return rec
}

func TestNewProcessID(t *testing.T) {
	at := time.Date(2024, 4, 1, 10, 15, 30, 0, time.UTC)
	id := NewProcessID(at)
	assert.Regexp(t, regexp.MustCompile(`^pos_process_20240401_101530_[A-Za-z0-9]{8}$`), id)
	assert.NotEqual(t, id, NewProcessID(at))
}

func TestSubmitMissingColumns(t *testing.T) {
	store := storage.New(storage.Options{})
	o := newTestOrchestrator(t, Config{}, Deps{Store: store})

	noAmount := "customer_id,timestamp,shop_name\nc1,2024-04-01 10:00:00,A\n"
	id, err := o.Submit(context.Background(), []byte(noAmount), "sales.csv", Request{})

	var missing *ingest.MissingColumnsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{models.ColAmount}, missing.Missing)
	assert.Empty(t, id)
	assert.Equal(t, 0, store.Len())
}

func TestSubmitInvalidParameters(t *testing.T) {
	store := storage.New(storage.Options{})
	o := newTestOrchestrator(t, Config{}, Deps{Store: store})

	_, err := o.Submit(context.Background(), []byte(salesCSV), "sales.csv", Request{MinSupport: 2})
	assert.Error(t, err)

	_, err = o.Submit(context.Background(), []byte(salesCSV), "sales.csv", Request{NClusters: -1})
	assert.Error(t, err)

	_, err = o.Submit(context.Background(), []byte(salesCSV), "sales.pdf", Request{})
	assert.ErrorIs(t, err, ingest.ErrUnsupportedFormat)

	assert.Equal(t, 0, store.Len())
}

func TestSubmitCompletes(t *testing.T) {
	notifier := &fakeNotifier{}
	sink := &fakeSink{fail: true}
	o := newTestOrchestrator(t, Config{Workers: 2, QueueSize: 4}, Deps{Notifier: notifier, Sink: sink})
	start(t, o)

	id, err := o.Submit(context.Background(), []byte(salesCSV), "sales.csv", Request{})
	require.NoError(t, err)

	rec := waitTerminal(t, o, id)
	require.Equal(t, models.StatusCompleted, rec.Status, rec.Message)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, StageCompleted, rec.CurrentStep)
	assert.Equal(t, "sales.csv", rec.Filename)
	require.NotNil(t, rec.FinishedAt)

	var res struct {
		RulesCount int              `json:"rules_count"`
		NodesCount int              `json:"nodes_count"`
		EdgesCount int              `json:"edges_count"`
		Filename   string           `json:"filename"`
		Network    network.Network  `json:"network_data"`
		Radar      []map[string]any `json:"radar_data"`
		Report     ingest.Report    `json:"report"`
		Rules      models.RuleTable `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(rec.Result, &res))
	assert.Equal(t, 2, res.RulesCount)
	assert.Equal(t, 2, res.NodesCount)
	assert.Equal(t, 1, res.EdgesCount)
	assert.Len(t, res.Rules.Rules, 2)
	assert.Equal(t, 6, res.Report.Accepted)
	assert.Len(t, res.Radar, 6)

	assert.Equal(t, "pos_processed_"+id[len("pos_process_"):]+".csv", res.Filename)
	_, err = os.Stat(filepath.Join(o.ArtifactDir(), res.Filename))
	assert.NoError(t, err)

	latest, err := o.Latest()
	require.NoError(t, err)
	assert.Equal(t, id, latest.ProcessID)

	// A failing sink is logged and leaves the job completed.
	assert.Eventually(t, func() bool { return notifier.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	sink.mu.Lock()
	assert.Equal(t, []string{id}, sink.ids)
	sink.mu.Unlock()
}

func TestPipelineProgressIsMonotonic(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, Deps{})
	p, err := o.resolve(Request{})
	require.NoError(t, err)
	frame, err := ingest.Parse([]byte(salesCSV), "sales.csv")
	require.NoError(t, err)

	var steps []string
	var pcts []int
	res, err := o.pipeline(context.Background(), "pos_process_20240401_000000_test", frame, p, func(step string, pct int, _ string) {
		steps = append(steps, step)
		pcts = append(pcts, pct)
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, []string{StagePreprocessing, StageRuleMining, StageGraphAssembly, StageClustering, StageRadarPrep}, steps)
	assert.True(t, sort.IntsAreSorted(pcts), "%v", pcts)
}

func TestJobFailureCarriesStage(t *testing.T) {
	notifier := &fakeNotifier{}
	o := newTestOrchestrator(t, Config{}, Deps{Notifier: notifier})
	start(t, o)

	id, err := o.Submit(context.Background(), []byte(badAmountCSV), "sales.csv", Request{})
	require.NoError(t, err)

	rec := waitTerminal(t, o, id)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Regexp(t, `^preprocessing failed: basket is empty`, rec.Message)
	assert.Equal(t, StagePreprocessing, rec.CurrentStep)
	assert.Equal(t, 10, rec.Progress)
	assert.Nil(t, rec.Result)

	_, err = o.Latest()
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Eventually(t, func() bool { return notifier.count() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestStrictGraphMode(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, Deps{})
	start(t, o)

	strictID, err := o.Submit(context.Background(), []byte(singleShopCSV), "one.csv", Request{})
	require.NoError(t, err)
	rec := waitTerminal(t, o, strictID)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Contains(t, rec.Message, "graph_assembly failed: "+network.ErrEmptyGraph.Error())

	lenient := false
	lenientID, err := o.Submit(context.Background(), []byte(singleShopCSV), "one.csv", Request{StrictGraph: &lenient})
	require.NoError(t, err)
	rec = waitTerminal(t, o, lenientID)
	require.Equal(t, models.StatusCompleted, rec.Status, rec.Message)

	var res Result
	require.NoError(t, json.Unmarshal(rec.Result, &res))
	assert.Equal(t, 0, res.NodesCount)
	assert.Empty(t, res.Network.Nodes)
}

func TestSameFileTwiceRunsTwice(t *testing.T) {
	o := newTestOrchestrator(t, Config{Workers: 2, QueueSize: 4}, Deps{})
	start(t, o)

	first, err := o.Submit(context.Background(), []byte(salesCSV), "sales.csv", Request{})
	require.NoError(t, err)
	second, err := o.Submit(context.Background(), []byte(salesCSV), "sales.csv", Request{})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	assert.Equal(t, models.StatusCompleted, waitTerminal(t, o, first).Status)
	assert.Equal(t, models.StatusCompleted, waitTerminal(t, o, second).Status)
}

func TestQueueFull(t *testing.T) {
	store := storage.New(storage.Options{})
	o := newTestOrchestrator(t, Config{QueueSize: 1}, Deps{Store: store})

	_, err := o.Submit(context.Background(), []byte(salesCSV), "sales.csv", Request{})
	require.NoError(t, err)

	_, err = o.Submit(context.Background(), []byte(salesCSV), "sales.csv", Request{})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, store.Len())
}

func TestShutdownFinalizesQueuedJobs(t *testing.T) {
	o := newTestOrchestrator(t, Config{QueueSize: 2}, Deps{})

	a, err := o.Submit(context.Background(), []byte(salesCSV), "a.csv", Request{})
	require.NoError(t, err)
	b, err := o.Submit(context.Background(), []byte(salesCSV), "b.csv", Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, o.Run(ctx))

	for _, id := range []string{a, b} {
		rec, err := o.Poll(id)
		require.NoError(t, err)
		assert.True(t, rec.Status.Terminal(), id)
	}

	_, err = o.Submit(context.Background(), []byte(salesCSV), "c.csv", Request{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAnalyze(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, Deps{})

	id, res, err := o.Analyze(context.Background(), []byte(salesCSV), "sales.csv", Request{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 2, res.RulesCount)
	require.NotNil(t, res.Segmentation)
	assert.Len(t, res.Segmentation.Clusters, 2)

	_, _, err = o.Analyze(context.Background(), []byte("customer_id\nc1\n"), "x.csv", Request{})
	var missing *ingest.MissingColumnsError
	assert.ErrorAs(t, err, &missing)
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takeru403/Ipoca-network/internal/models"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func TestStore_Lifecycle(t *testing.T) {
	s := New(Options{})

	w, err := s.Create("p1", "data.csv", "started")
	require.NoError(t, err)
	assert.Equal(t, "p1", w.ID())

	rec, err := s.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, rec.Status)
	assert.Equal(t, 0, rec.Progress)
	assert.Equal(t, "data.csv", rec.Filename)

	require.NoError(t, w.Advance("rule_mining", 30, "mining"))
	require.NoError(t, w.Advance("graph_assembly", 60, "graph"))

	rec, _ = s.Get("p1")
	assert.Equal(t, 60, rec.Progress)
	assert.Equal(t, "graph_assembly", rec.CurrentStep)

	require.NoError(t, w.Complete(json.RawMessage(`{"rules_count":3}`), "done"))
	rec, _ = s.Get("p1")
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.JSONEq(t, `{"rules_count":3}`, string(rec.Result))
	require.NotNil(t, rec.FinishedAt)
}

func TestStore_TerminalIsImmutable(t *testing.T) {
	s := New(Options{})
	w, err := s.Create("p1", "", "started")
	require.NoError(t, err)

	require.NoError(t, w.Advance("rule_mining", 30, "mining"))
	require.NoError(t, w.Fail("rule_mining failed: boom"))

	assert.ErrorIs(t, w.Advance("graph_assembly", 60, "late"), ErrFinalized)
	assert.ErrorIs(t, w.Complete(nil, "late"), ErrFinalized)
	assert.ErrorIs(t, w.Fail("again"), ErrFinalized)

	rec, _ := s.Get("p1")
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, 30, rec.Progress, "failure keeps the progress reached")
	assert.Equal(t, "rule_mining", rec.CurrentStep)
	assert.Equal(t, "rule_mining failed: boom", rec.Message)
	assert.Empty(t, rec.Result)
}

func TestStore_ProgressNeverDecreases(t *testing.T) {
	s := New(Options{})
	w, _ := s.Create("p1", "", "")
	require.NoError(t, w.Advance("graph_assembly", 60, ""))
	assert.ErrorIs(t, w.Advance("rule_mining", 30, ""), ErrProgressRegression)

	rec, _ := s.Get("p1")
	assert.Equal(t, 60, rec.Progress)
}

func TestStore_DuplicateAndMissing(t *testing.T) {
	s := New(Options{})
	_, err := s.Create("p1", "", "")
	require.NoError(t, err)

	_, err = s.Create("p1", "", "")
	assert.ErrorIs(t, err, ErrExists)

	_, err = s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Create("", "", "")
	assert.Error(t, err)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := New(Options{})
	w, _ := s.Create("p1", "", "")
	require.NoError(t, w.Complete(json.RawMessage(`{"a":1}`), "done"))

	rec, _ := s.Get("p1")
	rec.Result[0] = 'X'
	rec.Status = models.StatusFailed

	again, _ := s.Get("p1")
	assert.Equal(t, models.StatusCompleted, again.Status)
	assert.JSONEq(t, `{"a":1}`, string(again.Result))
}

func TestStore_Latest(t *testing.T) {
	c := newClock()
	s := New(Options{Now: c.Now})

	_, err := s.Latest()
	assert.ErrorIs(t, err, ErrNotFound)

	w1, _ := s.Create("p1", "", "")
	w2, _ := s.Create("p2", "", "")
	w3, _ := s.Create("p3", "", "")

	require.NoError(t, w2.Complete(json.RawMessage(`{}`), "done"))
	c.Advance(time.Second)
	require.NoError(t, w1.Complete(json.RawMessage(`{}`), "done"))
	c.Advance(time.Second)
	require.NoError(t, w3.Fail("broken"))

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, "p1", latest.ProcessID)
}

func TestStore_EvictExpired(t *testing.T) {
	c := newClock()
	s := New(Options{TTL: time.Hour, Now: c.Now})

	done, _ := s.Create("done", "", "")
	_, _ = s.Create("running", "", "")
	require.NoError(t, done.Complete(json.RawMessage(`{}`), "ok"))

	c.Advance(30 * time.Minute)
	assert.Equal(t, 0, s.EvictExpired())

	c.Advance(31 * time.Minute)
	assert.Equal(t, 1, s.EvictExpired())

	_, err := s.Get("done")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get("running")
	assert.NoError(t, err, "processing records are never evicted")
}

func TestStore_MaxRecords(t *testing.T) {
	c := newClock()
	s := New(Options{MaxRecords: 2, Now: c.Now})

	for i := 0; i < 2; i++ {
		w, err := s.Create(fmt.Sprintf("p%d", i), "", "")
		require.NoError(t, err)
		require.NoError(t, w.Complete(json.RawMessage(`{}`), "ok"))
		c.Advance(time.Second)
	}
	_, err := s.Create("p2", "", "")
	require.NoError(t, err)

	assert.Equal(t, 2, s.Len())
	_, err = s.Get("p0")
	assert.ErrorIs(t, err, ErrNotFound, "oldest terminal record is dropped")

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "p2", list[0].ProcessID)
}

func TestStore_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	s := New(Options{})
	w, _ := s.Create("p1", "", "")
	require.NoError(t, w.Advance("step 0", 0, ""))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for {
				select {
				case <-stop:
					return
				default:
				}
				rec, err := s.Get("p1")
				if !assert.NoError(t, err) {
					return
				}
				assert.GreaterOrEqual(t, rec.Progress, last)
				assert.Equal(t, fmt.Sprintf("step %d", rec.Progress), rec.CurrentStep)
				last = rec.Progress
			}
		}()
	}

	for p := 1; p <= 99; p++ {
		require.NoError(t, w.Advance(fmt.Sprintf("step %d", p), p, ""))
	}
	close(stop)
	wg.Wait()
}

func TestSQLite_PersistAndRestore(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := newClock()
	s := New(Options{Persister: db, Now: c.Now})

	w1, _ := s.Create("p1", "a.csv", "")
	w2, _ := s.Create("p2", "b.csv", "")
	_, _ = s.Create("p3", "c.csv", "")
	require.NoError(t, w1.Complete(json.RawMessage(`{"rules_count":2}`), "done"))
	require.NoError(t, w2.Fail("preprocessing failed: empty"))

	recs, err := db.LoadJobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 2, "only terminal records are persisted")

	restored := New(Options{Persister: db})
	n, err := restored.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err := restored.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.Equal(t, "a.csv", rec.Filename)
	assert.JSONEq(t, `{"rules_count":2}`, string(rec.Result))
	require.NotNil(t, rec.FinishedAt)
	assert.True(t, rec.FinishedAt.Equal(c.Now()))

	latest, err := restored.Latest()
	require.NoError(t, err)
	assert.Equal(t, "p1", latest.ProcessID)

	rec, _ = restored.Get("p2")
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Empty(t, rec.Result)
}

func TestSQLite_EvictionDeletesRows(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := newClock()
	s := New(Options{Persister: db, TTL: time.Minute, Now: c.Now})
	w, _ := s.Create("p1", "", "")
	require.NoError(t, w.Complete(json.RawMessage(`{}`), "ok"))

	c.Advance(2 * time.Minute)
	assert.Equal(t, 1, s.EvictExpired())

	recs, err := db.LoadJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

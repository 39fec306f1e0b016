package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/biswas2200/mechant-pwr-ai/internal/cache"
	"github.com/biswas2200/mechant-pwr-ai/internal/id"
	"github.com/biswas2200/mechant-pwr-ai/internal/job"
	"github.com/biswas2200/mechant-pwr-ai/internal/journal"
	"github.com/biswas2200/mechant-pwr-ai/internal/log"
	"github.com/biswas2200/mechant-pwr-ai/internal/metrics"
	"github.com/biswas2200/mechant-pwr-ai/internal/registry"
	"github.com/biswas2200/mechant-pwr-ai/internal/results"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []job.Job
	err      error
}

func (q *fakeQueue) Enqueue(ctx context.Context, j job.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, j)
	return nil
}

func (q *fakeQueue) Depths(ctx context.Context) (map[job.Priority]int64, int64, int64, error) {
	return map[job.Priority]int64{}, 0, 0, nil
}

type fakeMarker struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeMarker() *fakeMarker { return &fakeMarker{data: make(map[string][]byte)} }

func (m *fakeMarker) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return v, nil
}

func (m *fakeMarker) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *fakeMarker) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type fakeRecorder struct {
	mu          sync.Mutex
	records     map[string]*results.Record
	failCreates int
}

func newFakeRecorder() *fakeRecorder { return &fakeRecorder{records: make(map[string]*results.Record)} }

func (r *fakeRecorder) Create(ctx context.Context, j job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreates > 0 {
		r.failCreates--
		return errors.New("store unavailable")
	}
	r.records[j.ID] = &results.Record{JobID: j.ID, Type: j.Type, State: job.StatePending}
	return nil
}

func (r *fakeRecorder) Get(ctx context.Context, jobID string) (results.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[jobID]
	if !ok {
		return results.Record{}, results.ErrNotFound
	}
	return *rec, nil
}

func (r *fakeRecorder) Transition(ctx context.Context, jobID string, to job.State, detail results.Detail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[jobID]
	if !ok {
		return results.ErrNotFound
	}
	if rec.State.Terminal() {
		return results.ErrTerminalState
	}
	rec.State = to
	return nil
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	noop := func(ctx context.Context, payload json.RawMessage) ([]byte, error) { return nil, nil }
	if err := reg.Register("plain", noop, registry.Policy{MaxAttempts: 3, Timeout: time.Second}); err != nil {
		t.Fatal(err)
	}
	for _, typ := range []string{"dedup", "dedup2"} {
		if err := reg.Register(typ, noop, registry.Policy{
			MaxAttempts: 3, Timeout: time.Second, IdempotencyMode: registry.IdempotencyCacheMarker,
		}); err != nil {
			t.Fatal(err)
		}
	}
	reg.Freeze()
	return reg
}

func testEngine(t *testing.T, q Queue, marker Marker, rec Recorder, jr *journal.Journal) *Engine {
	t.Helper()
	mets := metrics.NewEngineMetrics(prometheus.NewRegistry(), &fakeQueue{}, log.NewNopLogger())
	ids, err := id.NewGenerator(1)
	if err != nil {
		t.Fatal(err)
	}
	return New(q, marker, rec, testRegistry(t), jr, ids, mets, time.Hour, log.NewNopLogger())
}

func TestSubmitEnqueuesAndRecords(t *testing.T) {
	q := &fakeQueue{}
	rec := newFakeRecorder()
	eng := testEngine(t, q, newFakeMarker(), rec, nil)

	jobID, duplicate, err := eng.Submit(context.Background(), "plain", []byte(`{"n":1}`), "", job.PriorityHigh)
	if err != nil {
		t.Fatal(err)
	}
	if duplicate {
		t.Error("fresh submission reported as duplicate")
	}
	if jobID == "" {
		t.Error("empty job ID")
	}

	if len(q.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(q.enqueued))
	}
	j := q.enqueued[0]
	if j.ID != jobID || j.Type != "plain" || j.Priority != job.PriorityHigh || j.MaxAttempts != 3 {
		t.Errorf("enqueued job = %+v", j)
	}

	r, err := rec.Get(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != job.StatePending {
		t.Errorf("record state = %s, want pending", r.State)
	}
}

func TestSubmitUnknownType(t *testing.T) {
	eng := testEngine(t, &fakeQueue{}, newFakeMarker(), newFakeRecorder(), nil)
	_, _, err := eng.Submit(context.Background(), "mystery", nil, "", job.PriorityNormal)
	if !errors.Is(err, registry.ErrUnknownJobType) {
		t.Errorf("err = %v, want ErrUnknownJobType", err)
	}
}

func TestSubmitCollapsesDuplicateKey(t *testing.T) {
	q := &fakeQueue{}
	eng := testEngine(t, q, newFakeMarker(), newFakeRecorder(), nil)

	first, dup, err := eng.Submit(context.Background(), "plain", []byte(`{}`), "order-42", job.PriorityNormal)
	if err != nil || dup {
		t.Fatalf("first submit: id=%s dup=%v err=%v", first, dup, err)
	}
	second, dup, err := eng.Submit(context.Background(), "plain", []byte(`{}`), "order-42", job.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Error("second submit with same key not reported as duplicate")
	}
	if second != first {
		t.Errorf("duplicate returned id %s, want owner %s", second, first)
	}
	if len(q.enqueued) != 1 {
		t.Errorf("enqueued = %d, want 1 (duplicate must not enqueue)", len(q.enqueued))
	}
}

func TestSubmitDerivesKeyForDedupMode(t *testing.T) {
	q := &fakeQueue{}
	eng := testEngine(t, q, newFakeMarker(), newFakeRecorder(), nil)

	payload := []byte(`{"prompt":"same"}`)
	first, dup, err := eng.Submit(context.Background(), "dedup", payload, "", job.PriorityNormal)
	if err != nil || dup {
		t.Fatalf("first submit: dup=%v err=%v", dup, err)
	}
	second, dup, err := eng.Submit(context.Background(), "dedup", payload, "", job.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if !dup || second != first {
		t.Errorf("identical payload not collapsed: first=%s second=%s dup=%v", first, second, dup)
	}

	// Different payload derives a different key.
	_, dup, err = eng.Submit(context.Background(), "dedup", []byte(`{"prompt":"other"}`), "", job.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Error("distinct payload collapsed as duplicate")
	}
	if len(q.enqueued) != 2 {
		t.Errorf("enqueued = %d, want 2", len(q.enqueued))
	}
}

func TestSubmitFailureReleasesMarker(t *testing.T) {
	// A marker left behind by a failed submission would answer retries
	// with a job that was never recorded or enqueued.
	q := &fakeQueue{}
	rec := newFakeRecorder()
	rec.failCreates = 1
	eng := testEngine(t, q, newFakeMarker(), rec, nil)

	_, _, err := eng.Submit(context.Background(), "plain", []byte(`{"n":1}`), "order-7", job.PriorityNormal)
	if err == nil {
		t.Fatal("submit succeeded despite recorder failure")
	}

	jobID, dup, err := eng.Submit(context.Background(), "plain", []byte(`{"n":1}`), "order-7", job.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Error("retry after failed submit reported as duplicate")
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(q.enqueued))
	}
	if r, err := rec.Get(context.Background(), jobID); err != nil || r.State != job.StatePending {
		t.Errorf("retry record = %+v err=%v, want pending", r, err)
	}
}

func TestSubmitEnqueueFailureReleasesMarker(t *testing.T) {
	q := &fakeQueue{}
	q.err = errors.New("broker down")
	marker := newFakeMarker()
	eng := testEngine(t, q, marker, newFakeRecorder(), nil)

	if _, _, err := eng.Submit(context.Background(), "plain", nil, "order-8", job.PriorityNormal); err == nil {
		t.Fatal("submit succeeded despite enqueue failure")
	}
	if _, err := marker.Get(context.Background(), cache.IdemKey("order-8")); err != cache.ErrNotFound {
		t.Errorf("marker survived failed submit: err=%v", err)
	}
}

func TestSubmitSameKeyDifferentTypesKeptSeparate(t *testing.T) {
	// Derived keys include the job type, so equal payloads under different
	// types are distinct intents.
	eng := testEngine(t, &fakeQueue{}, newFakeMarker(), newFakeRecorder(), nil)

	payload := []byte(`{"x":1}`)
	if _, dup, err := eng.Submit(context.Background(), "dedup", payload, "", job.PriorityNormal); err != nil || dup {
		t.Fatalf("dup=%v err=%v", dup, err)
	}
	if _, dup, err := eng.Submit(context.Background(), "dedup2", payload, "", job.PriorityNormal); err != nil || dup {
		t.Errorf("dedup2 type collapsed against dedup type: dup=%v err=%v", dup, err)
	}
}

func TestCancel(t *testing.T) {
	q := &fakeQueue{}
	rec := newFakeRecorder()
	eng := testEngine(t, q, newFakeMarker(), rec, nil)

	jobID, _, err := eng.Submit(context.Background(), "plain", nil, "", job.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Cancel(context.Background(), jobID); err != nil {
		t.Fatal(err)
	}
	r, _ := eng.Status(context.Background(), jobID)
	if r.State != job.StateCancelled {
		t.Errorf("state = %s, want cancelled", r.State)
	}

	// Cancelling a terminal job fails.
	if err := eng.Cancel(context.Background(), jobID); !errors.Is(err, results.ErrTerminalState) {
		t.Errorf("second cancel err = %v, want ErrTerminalState", err)
	}
}

func TestRecoverRequeuesPendingJournalEntries(t *testing.T) {
	jr, err := journal.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer jr.Close()

	q := &fakeQueue{}
	rec := newFakeRecorder()
	eng := testEngine(t, q, newFakeMarker(), rec, jr)

	stuck, _, err := eng.Submit(context.Background(), "plain", []byte(`{"n":1}`), "", job.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	done, _, err := eng.Submit(context.Background(), "plain", []byte(`{"n":2}`), "", job.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	// One job completed before the crash; the other never left Pending.
	if err := rec.Transition(context.Background(), done, job.StateSucceeded, results.Detail{}); err != nil {
		t.Fatal(err)
	}

	q.mu.Lock()
	q.enqueued = nil
	q.mu.Unlock()

	if err := eng.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.enqueued) != 1 {
		t.Fatalf("requeued = %d, want 1", len(q.enqueued))
	}
	if q.enqueued[0].ID != stuck {
		t.Errorf("requeued %s, want %s", q.enqueued[0].ID, stuck)
	}
}

func TestRecoverWithoutJournalIsNoOp(t *testing.T) {
	eng := testEngine(t, &fakeQueue{}, newFakeMarker(), newFakeRecorder(), nil)
	if err := eng.Recover(context.Background()); err != nil {
		t.Errorf("recover without journal: %v", err)
	}
}

package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"mediaflow/internal/platform/logger"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	check  func(Event)
}

func (r *recorder) Publish(ev Event) {
	if r.check != nil {
		r.check(ev)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) forAsset(id AssetID) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.AssetID == id {
			out = append(out, ev)
		}
	}
	return out
}

// gateProcessor holds every job at its first checkpoint until release is closed.
type gateProcessor struct {
	release chan struct{}
}

func (p *gateProcessor) Advance(ctx context.Context, _ Job, checkpoint int) error {
	if checkpoint != DefaultCheckpoints[0] {
		return nil
	}
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *gateProcessor) Classify(context.Context, Job) (Classification, error) {
	return ClassificationSafe, nil
}

// peakProcessor records the highest number of jobs between their first
// checkpoint and classification.
type peakProcessor struct {
	mu      sync.Mutex
	current int
	peak    int
	step    time.Duration
}

func (p *peakProcessor) Advance(ctx context.Context, _ Job, checkpoint int) error {
	if checkpoint == DefaultCheckpoints[0] {
		p.mu.Lock()
		p.current++
		p.peak = max(p.peak, p.current)
		p.mu.Unlock()
	}
	return DelayProcessor{Step: p.step}.Advance(ctx, Job{}, checkpoint)
}

func (p *peakProcessor) Classify(context.Context, Job) (Classification, error) {
	p.mu.Lock()
	p.current--
	p.mu.Unlock()
	return ClassificationFlagged, nil
}

type failingProcessor struct {
	at    int
	panic bool
}

func (p failingProcessor) Advance(_ context.Context, _ Job, checkpoint int) error {
	if checkpoint == p.at {
		if p.panic {
			panic("decoder crashed")
		}
		return errors.New("decoder error")
	}
	return nil
}

func (p failingProcessor) Classify(context.Context, Job) (Classification, error) {
	return ClassificationSafe, nil
}

func seedAssets(t *testing.T, store Store, owner OwnerID, n int) []Job {
	t.Helper()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	jobs := make([]Job, n)
	for i := range n {
		a := Asset{
			ID:             AssetID(fmt.Sprintf("a%d", i+1)),
			OwnerID:        owner,
			Title:          "clip",
			FilePath:       fmt.Sprintf("assets/a%d.mp4", i+1),
			State:          StateQueued,
			Classification: ClassificationPending,
			UploadedAt:     base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Create(context.Background(), a); err != nil {
			t.Fatalf("Create: %v", err)
		}
		jobs[i] = a.Job()
	}
	return jobs
}

func startQueue(t *testing.T, q *Queue) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	stop := func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("queue did not stop")
		}
	}
	return stop
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func allInState(store Store, jobs []Job, state JobState) func() bool {
	return func() bool {
		for _, j := range jobs {
			a, err := store.Get(context.Background(), j.AssetID)
			if err != nil || a.State != state {
				return false
			}
		}
		return true
	}
}

func newTestQueue(store Store, proc Processor, pub Publisher, capacity int) *Queue {
	return NewQueue(store, proc, pub, QueueConfig{Capacity: capacity, Logger: logger.Discard()})
}

func TestQueue_CapacityBoundsActiveJobs(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewMemoryStore()
	proc := &gateProcessor{release: make(chan struct{})}
	q := newTestQueue(store, proc, &recorder{}, 3)
	stop := startQueue(t, q)

	ctx := context.Background()
	jobs := seedAssets(t, store, "alice", 5)
	for _, j := range jobs {
		if _, err := q.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue(%s): %v", j.AssetID, err)
		}
	}

	st, err := q.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.ActiveCount != 3 || len(st.Pending) != 2 || st.Capacity != 3 {
		t.Fatalf("status = %+v, want 3 active and 2 pending", st)
	}
	if st.Pending[0] != "a4" || st.Pending[1] != "a5" {
		t.Fatalf("pending = %v, want FIFO order [a4 a5]", st.Pending)
	}

	close(proc.release)
	eventually(t, "all jobs completed", allInState(store, jobs, StateCompleted))
	eventually(t, "queue idle", func() bool {
		st, err := q.Status(ctx)
		return err == nil && st.ActiveCount == 0 && len(st.Pending) == 0
	})
	stop()
}

func TestQueue_EnqueuePosition(t *testing.T) {
	store := NewMemoryStore()
	proc := &gateProcessor{release: make(chan struct{})}
	q := newTestQueue(store, proc, nil, 1)
	stop := startQueue(t, q)
	defer stop()
	defer close(proc.release)

	jobs := seedAssets(t, store, "alice", 3)
	var positions []int
	for _, j := range jobs {
		pos, err := q.Enqueue(context.Background(), j)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		positions = append(positions, pos)
	}
	// The first job is dispatched straight away, the rest wait in line.
	if positions[0] != 1 || positions[1] != 1 || positions[2] != 2 {
		t.Fatalf("positions = %v, want [1 1 2]", positions)
	}
}

func TestQueue_LoadNeverExceedsCapacity(t *testing.T) {
	defer goleak.VerifyNone(t)

	const capacity = 3
	store := NewMemoryStore()
	rec := &recorder{}
	proc := &peakProcessor{step: time.Millisecond}
	q := newTestQueue(store, proc, rec, capacity)
	stop := startQueue(t, q)

	jobs := seedAssets(t, store, "alice", capacity*10)
	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Enqueue(context.Background(), j); err != nil {
				t.Errorf("Enqueue(%s): %v", j.AssetID, err)
			}
		}()
	}
	wg.Wait()

	eventually(t, "all jobs completed", allInState(store, jobs, StateCompleted))
	stop()

	if proc.peak > capacity {
		t.Fatalf("peak concurrency %d exceeds capacity %d", proc.peak, capacity)
	}
	for _, j := range jobs {
		events := rec.forAsset(j.AssetID)
		terminal := 0
		last := 0
		for _, ev := range events {
			if ev.Progress < last {
				t.Fatalf("asset %s progress decreased %d -> %d", j.AssetID, last, ev.Progress)
			}
			last = ev.Progress
			if ev.Kind == EventComplete || ev.Kind == EventFailed {
				terminal++
			}
		}
		if terminal != 1 || events[len(events)-1].Kind != EventComplete {
			t.Fatalf("asset %s: %d terminal events, last %s", j.AssetID, terminal, events[len(events)-1].Kind)
		}
		a, _ := store.Get(context.Background(), j.AssetID)
		if a.Progress != 100 || a.Classification != ClassificationFlagged || a.ProcessedAt == nil || a.StartedAt == nil {
			t.Fatalf("asset %s not finalised: %+v", j.AssetID, a)
		}
	}
}

func TestQueue_PersistsCheckpointBeforePublishing(t *testing.T) {
	store := NewMemoryStore()
	var mismatch []string
	var mu sync.Mutex
	rec := &recorder{check: func(ev Event) {
		a, err := store.Get(context.Background(), ev.AssetID)
		if err != nil || a.Progress != ev.Progress {
			mu.Lock()
			mismatch = append(mismatch, fmt.Sprintf("%s event %d stored %d", ev.Kind, ev.Progress, a.Progress))
			mu.Unlock()
		}
	}}
	q := newTestQueue(store, DelayProcessor{}, rec, 2)
	stop := startQueue(t, q)

	jobs := seedAssets(t, store, "alice", 4)
	for _, j := range jobs {
		if _, err := q.Enqueue(context.Background(), j); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	eventually(t, "all jobs completed", allInState(store, jobs, StateCompleted))
	stop()

	if len(mismatch) > 0 {
		t.Fatalf("events published ahead of the store: %v", mismatch)
	}
	events := rec.forAsset("a1")
	want := []int{10, 30, 50, 90, 100}
	if len(events) != len(want) {
		t.Fatalf("got %d events for a1, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Progress != want[i] {
			t.Fatalf("event %d progress %d, want %d", i, ev.Progress, want[i])
		}
	}
	if events[4].Kind != EventComplete || events[4].Classification != ClassificationSafe {
		t.Fatalf("final event = %+v", events[4])
	}
}

func TestQueue_FailureIsTerminal(t *testing.T) {
	store := NewMemoryStore()
	rec := &recorder{}
	q := newTestQueue(store, failingProcessor{at: 50}, rec, 3)
	stop := startQueue(t, q)
	defer stop()

	jobs := seedAssets(t, store, "alice", 1)
	if _, err := q.Enqueue(context.Background(), jobs[0]); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	eventually(t, "job failed", allInState(store, jobs, StateFailed))

	a, _ := store.Get(context.Background(), "a1")
	if a.Progress != 0 || !strings.Contains(a.Error, "decoder error") {
		t.Fatalf("failed asset = %+v", a)
	}

	eventually(t, "failed event", func() bool {
		evs := rec.forAsset("a1")
		return len(evs) > 0 && evs[len(evs)-1].Kind == EventFailed
	})
	events := rec.forAsset("a1")
	if len(events) != 3 {
		t.Fatalf("events = %+v, want progress 10, 30 and failed", events)
	}
	last := events[2]
	if last.Progress != 0 || last.State != StateFailed || last.Error == "" {
		t.Fatalf("failed event = %+v", last)
	}

	// Failed jobs are not retried automatically.
	time.Sleep(20 * time.Millisecond)
	if n := len(rec.forAsset("a1")); n != 3 {
		t.Fatalf("job was retried: %d events", n)
	}
}

func TestQueue_PanicBecomesFailure(t *testing.T) {
	store := NewMemoryStore()
	rec := &recorder{}
	q := newTestQueue(store, failingProcessor{at: 30, panic: true}, rec, 1)
	stop := startQueue(t, q)
	defer stop()

	jobs := seedAssets(t, store, "alice", 2)
	for _, j := range jobs {
		if _, err := q.Enqueue(context.Background(), j); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	eventually(t, "jobs failed", allInState(store, jobs, StateFailed))

	a, _ := store.Get(context.Background(), "a2")
	if !strings.Contains(a.Error, "panic") {
		t.Fatalf("error = %q, want panic message", a.Error)
	}
}

func TestQueue_MissingAssetFails(t *testing.T) {
	rec := &recorder{}
	q := newTestQueue(NewMemoryStore(), DelayProcessor{}, rec, 1)
	stop := startQueue(t, q)
	defer stop()

	if _, err := q.Enqueue(context.Background(), Job{AssetID: "ghost", OwnerID: "alice"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	eventually(t, "failed event", func() bool {
		evs := rec.forAsset("ghost")
		return len(evs) == 1 && evs[0].Kind == EventFailed
	})
}

func TestQueue_RejectsDuplicateEnqueue(t *testing.T) {
	store := NewMemoryStore()
	proc := &gateProcessor{release: make(chan struct{})}
	q := newTestQueue(store, proc, nil, 1)
	stop := startQueue(t, q)
	defer stop()

	jobs := seedAssets(t, store, "alice", 2)
	ctx := context.Background()
	for _, j := range jobs {
		if _, err := q.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	// a1 is running, a2 is pending.
	for _, j := range jobs {
		if _, err := q.Enqueue(ctx, j); !errors.Is(err, ErrAlreadyQueued) {
			t.Fatalf("duplicate Enqueue(%s) = %v, want ErrAlreadyQueued", j.AssetID, err)
		}
	}

	close(proc.release)
	eventually(t, "jobs completed", allInState(store, jobs, StateCompleted))
	eventually(t, "queue idle", func() bool {
		st, err := q.Status(ctx)
		return err == nil && st.ActiveCount == 0
	})

	// Once finished the id is free again; the caller decides whether to rerun.
	if _, err := q.Enqueue(ctx, jobs[0]); err != nil {
		t.Fatalf("Enqueue after completion: %v", err)
	}
}

func TestQueue_Recover(t *testing.T) {
	store := NewMemoryStore()
	rec := &recorder{}
	q := newTestQueue(store, DelayProcessor{}, rec, 3)

	jobs := seedAssets(t, store, "alice", 3)
	running := StateRunning
	progress := 50
	if _, err := store.Update(context.Background(), "a1", AssetUpdate{State: &running, Progress: &progress}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	stop := startQueue(t, q)
	defer stop()

	n, err := q.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("requeued %d, want 2", n)
	}

	orphan, _ := store.Get(context.Background(), "a1")
	if orphan.State != StateFailed || orphan.Progress != 0 || !strings.Contains(orphan.Error, "restart") {
		t.Fatalf("orphan = %+v", orphan)
	}
	eventually(t, "requeued jobs completed", allInState(store, jobs[1:], StateCompleted))
}

func TestQueue_RecoverLeavesLiveJobsAlone(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewMemoryStore()
	rec := &recorder{}
	proc := &gateProcessor{release: make(chan struct{})}
	q := newTestQueue(store, proc, rec, 1)
	stop := startQueue(t, q)
	defer stop()

	ctx := context.Background()
	jobs := seedAssets(t, store, "alice", 2)
	for _, j := range jobs {
		if _, err := q.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue(%s): %v", j.AssetID, err)
		}
	}
	eventually(t, "a1 running", allInState(store, jobs[:1], StateRunning))

	n, err := q.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 0 {
		t.Fatalf("requeued %d, want 0", n)
	}
	a1, _ := store.Get(ctx, "a1")
	if a1.State != StateRunning {
		t.Fatalf("a1 state after Recover = %s, want running", a1.State)
	}

	terminal := func(id AssetID) []EventKind {
		var kinds []EventKind
		for _, ev := range rec.forAsset(id) {
			if ev.Kind == EventComplete || ev.Kind == EventFailed {
				kinds = append(kinds, ev.Kind)
			}
		}
		return kinds
	}

	close(proc.release)
	eventually(t, "terminal events", func() bool {
		return len(terminal("a1")) > 0 && len(terminal("a2")) > 0
	})
	eventually(t, "jobs completed", allInState(store, jobs, StateCompleted))

	for _, j := range jobs {
		if kinds := terminal(j.AssetID); len(kinds) != 1 || kinds[0] != EventComplete {
			t.Fatalf("terminal events for %s = %v, want [complete]", j.AssetID, kinds)
		}
	}
}

func TestQueue_ShutdownFailsRunningJobs(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewMemoryStore()
	rec := &recorder{}
	proc := &gateProcessor{release: make(chan struct{})}
	q := newTestQueue(store, proc, rec, 1)
	stop := startQueue(t, q)

	jobs := seedAssets(t, store, "alice", 2)
	for _, j := range jobs {
		if _, err := q.Enqueue(context.Background(), j); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	eventually(t, "a1 running", func() bool {
		a, _ := store.Get(context.Background(), "a1")
		return a.State == StateRunning
	})

	stop()

	a1, _ := store.Get(context.Background(), "a1")
	if a1.State != StateFailed {
		t.Fatalf("running job after shutdown = %s, want failed", a1.State)
	}
	a2, _ := store.Get(context.Background(), "a2")
	if a2.State != StateQueued {
		t.Fatalf("pending job after shutdown = %s, want queued", a2.State)
	}

	if _, err := q.Enqueue(context.Background(), jobs[1]); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Enqueue after stop = %v, want ErrQueueClosed", err)
	}
	if _, err := q.Status(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Status after stop = %v, want ErrQueueClosed", err)
	}
	if err := q.Run(context.Background()); err == nil {
		t.Fatal("second Run should fail")
	}
}

func TestNewQueue_Defaults(t *testing.T) {
	q := NewQueue(NewMemoryStore(), DelayProcessor{}, nil, QueueConfig{Checkpoints: []int{50, 30, 100}})
	if q.Capacity() != DefaultCapacity {
		t.Errorf("capacity = %d, want %d", q.Capacity(), DefaultCapacity)
	}
	if len(q.checkpoints) != len(DefaultCheckpoints) {
		t.Errorf("invalid checkpoints were not replaced: %v", q.checkpoints)
	}

	for _, cps := range [][]int{nil, {10, 90}, {0, 100}, {10, 10, 100}, {50, 120}} {
		if validCheckpoints(cps) {
			t.Errorf("validCheckpoints(%v) = true", cps)
		}
	}
	if !validCheckpoints([]int{25, 50, 100}) {
		t.Error("validCheckpoints([25 50 100]) = false")
	}
}

func TestDelayProcessor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (DelayProcessor{Step: time.Hour}).Advance(ctx, Job{}, 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("Advance on cancelled ctx = %v", err)
	}
	class, err := DelayProcessor{}.Classify(context.Background(), Job{})
	if err != nil || class != ClassificationSafe {
		t.Fatalf("Classify = %s, %v", class, err)
	}
}

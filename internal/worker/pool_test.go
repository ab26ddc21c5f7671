package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tendant/simple-prover/internal/cache"
	"github.com/tendant/simple-prover/internal/jobstore"
	"github.com/tendant/simple-prover/internal/notify"
	"github.com/tendant/simple-prover/internal/process"
	"github.com/tendant/simple-prover/internal/prover"
	"github.com/tendant/simple-prover/internal/queue"
	"github.com/tendant/simple-prover/pkg/schema"
)

const genomeDoc = `{"patientId":"u1","markers":{"BRCA1_185delAG":false,"BRCA2_5266dupC":false,"CYP2D6":{"activityScore":1.5}},"traits":{"BRCA1":{"mutation_present":false,"confidence":0.98}}}`

type staticInputs struct{ doc string }

func (s staticInputs) LatestFor(_ context.Context, owner string) (process.PinRecord, []byte, error) {
	if s.doc == "" {
		return process.PinRecord{}, nil, process.NotFound("test", "pin record")
	}
	return process.PinRecord{ContentID: "bafy-" + owner, OwnerID: owner, CommitmentHash: "0xc0ffee", Durable: true}, []byte(s.doc), nil
}

type memArtifacts struct {
	mu       sync.Mutex
	byHash   map[string]*process.Artifact
	failures int
	calls    int
}

func newMemArtifacts() *memArtifacts { return &memArtifacts{byHash: map[string]*process.Artifact{}} }

func (m *memArtifacts) InsertArtifact(_ context.Context, a *process.Artifact) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return false, process.Transient("test.insert", errors.New("database is locked"))
	}
	if _, ok := m.byHash[a.ContentHash]; ok {
		return false, nil
	}
	c := *a
	m.byHash[a.ContentHash] = &c
	return true, nil
}

func (m *memArtifacts) GetArtifactByHash(_ context.Context, h string) (*process.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byHash[h]
	if !ok {
		return nil, process.NotFound("test.get", "artifact")
	}
	c := *a
	return &c, nil
}

// fakeProver tracks concurrent calls and optionally blocks until released.
type fakeProver struct {
	delay   time.Duration
	release chan struct{}
	err     error
	panics  bool

	calls   atomic.Int32
	running atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeProver) Prove(ctx context.Context, in prover.Input, progress prover.ProgressFunc) (prover.Output, error) {
	f.calls.Add(1)
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.panics {
		panic("prover exploded")
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return prover.Output{}, process.Prover("fake", ctx.Err())
		}
	}
	if progress != nil {
		progress(50)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return prover.Output{}, f.err
	}
	return prover.Output{
		ContentHash:     "0x" + in.SubjectID + "-" + in.Trait,
		PublicInputs:    map[string]any{"trait": in.Trait},
		VerificationKey: "vk",
		Status:          "valid",
	}, nil
}

func (f *fakeProver) Verify(context.Context, prover.Output) (bool, error) { return true, nil }

type harness struct {
	t         *testing.T
	queue     *queue.Memory
	jobs      *jobstore.Memory
	cache     *cache.Memory
	hub       *notify.Hub
	artifacts *memArtifacts
	prover    *fakeProver
	pool      *Pool
	cancel    context.CancelFunc
	done      chan error
}

func newHarness(t *testing.T, p *fakeProver, cfg Config, inputs InputSource) *harness {
	t.Helper()
	if inputs == nil {
		inputs = staticInputs{doc: genomeDoc}
	}
	h := &harness{
		t:         t,
		queue:     queue.NewMemory(64),
		jobs:      jobstore.NewMemory(time.Hour),
		cache:     cache.NewMemory(),
		hub:       notify.NewHub(256),
		artifacts: newMemArtifacts(),
		prover:    p,
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 2 * time.Millisecond
	}
	if cfg.PersistDelay == 0 {
		cfg.PersistDelay = time.Millisecond
	}
	h.pool = New(Deps{
		Queue:     h.queue,
		Jobs:      h.jobs,
		Cache:     h.cache,
		Inputs:    inputs,
		Artifacts: h.artifacts,
		Prover:    p,
		Publisher: h.hub,
	}, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.pool.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.pool.Run(ctx) }()
	h.t.Cleanup(func() {
		cancel()
		<-h.done
	})
}

func (h *harness) submit(id, subject, trait string) *process.Job {
	h.t.Helper()
	job, _, err := h.jobs.Create(context.Background(), process.NewJob(id, process.NewFingerprint(subject, trait, nil), time.Now()))
	if err != nil {
		h.t.Fatalf("Create: %v", err)
	}
	if err := h.queue.Enqueue(context.Background(), job.ID); err != nil {
		h.t.Fatalf("Enqueue: %v", err)
	}
	return job
}

func (h *harness) waitTerminal(id string) *process.Job {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := h.jobs.Get(context.Background(), id)
		if err == nil && j.Status.Terminal() {
			return j
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("job %s did not finish", id)
	return nil
}

func TestBRCA1Scenario(t *testing.T) {
	h := newHarness(t, &fakeProver{delay: 20 * time.Millisecond}, Config{Concurrency: 3}, nil)
	sub := h.hub.Subscribe("u1", notify.KindProgress)
	defer sub.Close()
	h.start()

	job := h.submit("job-1", "u1", "BRCA1")
	final := h.waitTerminal(job.ID)
	if final.Status != process.JobStatusComplete || final.Result == nil || final.Result.ContentHash == "" {
		t.Fatalf("unexpected final job: %+v", final)
	}
	if final.Result.CommitmentHash != "0xc0ffee" {
		t.Fatalf("artifact should carry the input commitment, got %q", final.Result.CommitmentHash)
	}

	var seen []int
	timeout := time.After(2 * time.Second)
collect:
	for {
		select {
		case ev := <-sub.C():
			u := ev.Payload.(schema.ProgressUpdate)
			seen = append(seen, u.Progress)
			if u.Progress == 100 {
				break collect
			}
		case <-timeout:
			t.Fatalf("progress stream incomplete: %v", seen)
		}
	}

	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("progress decreased: %v", seen)
		}
	}
	have := map[int]bool{}
	for _, p := range seen {
		if p < 0 || p > 100 {
			t.Fatalf("progress out of range: %v", seen)
		}
		have[p] = true
	}
	for _, want := range []int{10, 20, 30, 80, 90, 100} {
		if !have[want] {
			t.Fatalf("checkpoint %d missing from %v", want, seen)
		}
	}
	if h.prover.calls.Load() != 1 {
		t.Fatalf("expected one prover call, got %d", h.prover.calls.Load())
	}
}

func TestNeverMoreThanConcurrencyProcessing(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, &fakeProver{release: release}, Config{Concurrency: 2}, nil)
	h.start()

	var ids []string
	for i, subject := range []string{"a", "b", "c", "d", "e", "f"} {
		j := h.submit("job-"+string(rune('0'+i)), subject, "BRCA1")
		ids = append(ids, j.ID)
	}

	deadline := time.Now().Add(time.Second)
	for h.prover.running.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	processing := 0
	for _, id := range ids {
		j, _ := h.jobs.Get(context.Background(), id)
		if j.Status == process.JobStatusProcessing {
			processing++
		}
	}
	if processing > 2 {
		t.Fatalf("%d jobs processing with concurrency 2", processing)
	}
	if s := h.pool.Stats(); s.Active > 2 || s.Capacity != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}

	close(release)
	for _, id := range ids {
		if j := h.waitTerminal(id); j.Status != process.JobStatusComplete {
			t.Fatalf("job %s: %+v", id, j)
		}
	}
	if got := h.prover.maxSeen.Load(); got > 2 {
		t.Fatalf("prover saw %d concurrent calls", got)
	}
	if s := h.pool.Stats(); s.Processed != 6 || s.Failed != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestCacheRecheckSkipsProver(t *testing.T) {
	h := newHarness(t, &fakeProver{}, Config{Concurrency: 1}, nil)
	fp := process.NewFingerprint("u1", "BRCA1", nil)
	_ = h.cache.Put(context.Background(), fp, &process.Artifact{ContentHash: "0xcached"}, time.Hour)
	h.start()

	job := h.submit("job-1", "u1", "BRCA1")
	final := h.waitTerminal(job.ID)
	if final.Status != process.JobStatusComplete || final.Result.ContentHash != "0xcached" {
		t.Fatalf("expected cached result, got %+v", final)
	}
	if h.prover.calls.Load() != 0 {
		t.Fatalf("prover should not run on a cache hit, got %d calls", h.prover.calls.Load())
	}
}

func TestProverFailureFailsJob(t *testing.T) {
	h := newHarness(t, &fakeProver{err: process.Prover("fake", errors.New("constraint unsatisfied"))}, Config{Concurrency: 1}, nil)
	sub := h.hub.Subscribe("u1", notify.KindJobError)
	defer sub.Close()
	h.start()

	job := h.submit("job-1", "u1", "BRCA1")
	final := h.waitTerminal(job.ID)
	if final.Status != process.JobStatusFailed || final.ErrorCode != schema.CodeProofGenerationFailed {
		t.Fatalf("unexpected final job: %+v", final)
	}

	select {
	case ev := <-sub.C():
		e := ev.Payload.(schema.JobError)
		if e.Code != schema.CodeProofGenerationFailed || e.FailureType != schema.FailureTypePermanent {
			t.Fatalf("unexpected error event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no error event")
	}
	if _, err := h.jobs.FindInflight(context.Background(), process.NewFingerprint("u1", "BRCA1", nil)); !errors.Is(err, process.ErrNotFound) {
		t.Fatalf("failed job should release the inflight entry, got %v", err)
	}
}

func TestValidationFailure(t *testing.T) {
	h := newHarness(t, &fakeProver{}, Config{Concurrency: 1}, staticInputs{doc: `{"patientId":"u1"}`})
	h.start()

	job := h.submit("job-1", "u1", "BRCA2")
	final := h.waitTerminal(job.ID)
	if final.Status != process.JobStatusFailed || final.ErrorCode != schema.CodeValidationFailed {
		t.Fatalf("unexpected final job: %+v", final)
	}
	if h.prover.calls.Load() != 0 {
		t.Fatal("prover must not run on invalid input")
	}
}

func TestMissingInput(t *testing.T) {
	h := newHarness(t, &fakeProver{}, Config{Concurrency: 1}, staticInputs{})
	h.start()

	final := h.waitTerminal(h.submit("job-1", "u1", "BRCA1").ID)
	if final.ErrorCode != schema.CodeInputUnavailable {
		t.Fatalf("unexpected error code %q", final.ErrorCode)
	}
}

func TestPersistRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, &fakeProver{}, Config{Concurrency: 1, PersistAttempts: 3}, nil)
	h.artifacts.failures = 2
	h.start()

	final := h.waitTerminal(h.submit("job-1", "u1", "BRCA1").ID)
	if final.Status != process.JobStatusComplete {
		t.Fatalf("expected completion after retries, got %+v", final)
	}
	if h.artifacts.calls != 3 {
		t.Fatalf("expected 3 insert attempts, got %d", h.artifacts.calls)
	}
}

func TestPersistExhaustion(t *testing.T) {
	h := newHarness(t, &fakeProver{}, Config{Concurrency: 1, PersistAttempts: 3}, nil)
	h.artifacts.failures = 10
	h.start()

	final := h.waitTerminal(h.submit("job-1", "u1", "BRCA1").ID)
	if final.Status != process.JobStatusFailed || final.ErrorCode != schema.CodePersistenceFailed {
		t.Fatalf("unexpected final job: %+v", final)
	}
}

func TestPanicIsIsolated(t *testing.T) {
	p := &fakeProver{panics: true}
	h := newHarness(t, p, Config{Concurrency: 1}, nil)
	h.start()

	final := h.waitTerminal(h.submit("job-1", "u1", "BRCA1").ID)
	if final.Status != process.JobStatusFailed {
		t.Fatalf("panicking job should fail, got %+v", final)
	}

	p.panics = false
	if next := h.waitTerminal(h.submit("job-2", "u2", "BRCA1").ID); next.Status != process.JobStatusComplete {
		t.Fatalf("pool should keep working after a panic, got %+v", next)
	}
}

func TestRunDrainsInflightJobs(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, &fakeProver{release: release}, Config{Concurrency: 1, ShutdownTimeout: 5 * time.Second}, nil)
	h.start()

	job := h.submit("job-1", "u1", "BRCA1")
	deadline := time.Now().Add(time.Second)
	for h.prover.running.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	h.cancel()
	close(release)

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		h.done <- nil
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after drain")
	}
	if j, _ := h.jobs.Get(context.Background(), job.ID); j.Status != process.JobStatusComplete {
		t.Fatalf("in-flight job should finish during drain, got %+v", j)
	}
}

func TestRunDrainTimeout(t *testing.T) {
	h := newHarness(t, &fakeProver{release: make(chan struct{})}, Config{Concurrency: 1, ShutdownTimeout: 20 * time.Millisecond}, nil)
	h.start()

	job := h.submit("job-1", "u1", "BRCA1")
	deadline := time.Now().Add(time.Second)
	for h.prover.running.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	h.cancel()

	select {
	case err := <-h.done:
		if !errors.Is(err, ErrDrainTimeout) {
			t.Fatalf("expected ErrDrainTimeout, got %v", err)
		}
		h.done <- nil
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	if j, _ := h.jobs.Get(context.Background(), job.ID); j.Status != process.JobStatusFailed {
		t.Fatalf("cancelled job should be failed, got %+v", j)
	}
}

func TestInterpolate(t *testing.T) {
	tests := []struct {
		elapsed, expected time.Duration
		want              int
	}{
		{0, 10 * time.Second, 30},
		{5 * time.Second, 10 * time.Second, 55},
		{10 * time.Second, 10 * time.Second, 79},
		{time.Minute, 10 * time.Second, 79},
		{time.Second, 0, 30},
	}
	for _, tt := range tests {
		if got := interpolate(tt.elapsed, tt.expected); got != tt.want {
			t.Fatalf("interpolate(%v, %v) = %d, want %d", tt.elapsed, tt.expected, got, tt.want)
		}
	}
}

// flakyJobs fails the first failWrites Fail calls with a transient error and
// panics on proving updates while panicProving is set.
type flakyJobs struct {
	*jobstore.Memory
	failWrites   atomic.Int32
	failCalls    atomic.Int32
	panicProving atomic.Bool
}

func (f *flakyJobs) Fail(ctx context.Context, id, msg, code string) (*process.Job, error) {
	f.failCalls.Add(1)
	if f.failWrites.Add(-1) >= 0 {
		return nil, process.Transient("test.fail", errors.New("connection reset"))
	}
	return f.Memory.Fail(ctx, id, msg, code)
}

func (f *flakyJobs) UpdateProgress(ctx context.Context, id string, progress int, stage string) (*process.Job, bool, error) {
	if f.panicProving.Load() && stage == string(schema.StageProving) {
		panic("progress store exploded")
	}
	return f.Memory.UpdateProgress(ctx, id, progress, stage)
}

func TestFailRetriesTransientStoreErrors(t *testing.T) {
	h := newHarness(t, &fakeProver{err: process.Prover("fake", errors.New("bad witness"))}, Config{Concurrency: 1, PersistAttempts: 3}, nil)
	jobs := &flakyJobs{Memory: h.jobs}
	jobs.failWrites.Store(1)
	h.pool.deps.Jobs = jobs
	h.start()

	final := h.waitTerminal(h.submit("job-1", "u1", "BRCA1").ID)
	if final.Status != process.JobStatusFailed || final.ErrorCode != schema.CodeProofGenerationFailed {
		t.Fatalf("unexpected final job: %+v", final)
	}
	if n := jobs.failCalls.Load(); n != 2 {
		t.Fatalf("expected 2 Fail calls, got %d", n)
	}
	if _, err := h.jobs.FindInflight(context.Background(), process.NewFingerprint("u1", "BRCA1", nil)); !errors.Is(err, process.ErrNotFound) {
		t.Fatalf("failed job should release the inflight entry, got %v", err)
	}
}

func TestTickerPanicFailsJob(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, &fakeProver{release: release}, Config{Concurrency: 1}, nil)
	jobs := &flakyJobs{Memory: h.jobs}
	jobs.panicProving.Store(true)
	h.pool.deps.Jobs = jobs
	h.start()

	final := h.waitTerminal(h.submit("job-1", "u1", "BRCA1").ID)
	if final.Status != process.JobStatusFailed {
		t.Fatalf("job should fail after a ticker panic, got %+v", final)
	}

	jobs.panicProving.Store(false)
	close(release)
	if next := h.waitTerminal(h.submit("job-2", "u2", "BRCA1").ID); next.Status != process.JobStatusComplete {
		t.Fatalf("pool should keep working after a ticker panic, got %+v", next)
	}
}

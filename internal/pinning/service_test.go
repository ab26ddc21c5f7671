package pinning

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tendant/simple-prover/internal/process"
)

type fakePinata struct {
	failWrites int32
	writes     atomic.Int32
	unpinned   atomic.Int32
	server     *httptest.Server

	// verifyMisses is how many pin listings report the content as absent.
	verifyMisses atomic.Int32
	verifies     atomic.Int32
}

func newFakePinata(t *testing.T, failWrites int32) *fakePinata {
	f := &fakePinata{failWrites: failWrites}
	mux := http.NewServeMux()
	mux.HandleFunc("/pinning/pinFileToIPFS", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("pinata_api_key") != "key" || r.Header.Get("pinata_secret_api_key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := f.writes.Add(1)
		if n <= f.failWrites {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b, _ := io.ReadAll(file)
		id, _ := ContentID(b)
		_, _ = io.WriteString(w, `{"IpfsHash":"`+id+`","PinSize":1}`)
	})
	mux.HandleFunc("/data/pinList", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("hashContains") != "" {
			f.verifies.Add(1)
			if f.verifyMisses.Add(-1) >= 0 {
				_, _ = io.WriteString(w, `{"count":0,"rows":[]}`)
				return
			}
			_, _ = io.WriteString(w, `{"count":1,"rows":[{"ipfs_pin_hash":"x","size":10}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"count":2,"rows":[{"size":10},{"size":32}]}`)
	})
	mux.HandleFunc("/pinning/unpin/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		f.unpinned.Add(1)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPinFailsTwiceThenDurable(t *testing.T) {
	f := newFakePinata(t, 2)
	rec := &sleepRecorder{}
	svc := New(NewPinata(f.server.URL, "key", "secret", f.server.Client()), nil,
		Config{RetryDelay: 10 * time.Millisecond, Gateways: []string{}}, quietLogger(), WithSleep(rec.sleep))

	res := svc.Pin(context.Background(), "genome", []byte("payload"))
	if !res.Durable {
		t.Fatalf("expected durable pin, got %+v", res)
	}
	if res.Attempts != 3 || f.writes.Load() != 3 {
		t.Fatalf("expected 3 write attempts, got result=%d server=%d", res.Attempts, f.writes.Load())
	}
	want, _ := ContentID([]byte("payload"))
	if res.ContentID != want {
		t.Fatalf("content id = %s, want %s", res.ContentID, want)
	}
	if len(rec.delays) != 2 || rec.delays[1] <= rec.delays[0] {
		t.Fatalf("backoff must strictly increase, got %v", rec.delays)
	}
}

func TestPinFailsThreeTimesDegrades(t *testing.T) {
	f := newFakePinata(t, 3)
	rec := &sleepRecorder{}
	svc := New(NewPinata(f.server.URL, "key", "secret", f.server.Client()), nil,
		Config{RetryDelay: 10 * time.Millisecond, Gateways: []string{}}, quietLogger(), WithSleep(rec.sleep))

	res := svc.Pin(context.Background(), "genome", []byte("payload"))
	if res.Durable {
		t.Fatal("a degraded pin must never be reported durable")
	}
	if res.ContentID == "" || res.Err == nil {
		t.Fatalf("expected local id with cause, got %+v", res)
	}
	if f.writes.Load() != 3 {
		t.Fatalf("expected exactly 3 write attempts, got %d", f.writes.Load())
	}
	if len(rec.delays) != 2 {
		t.Fatalf("expected 2 waits between 3 attempts, got %v", rec.delays)
	}

	b, err := svc.Get(context.Background(), res.ContentID)
	if err != nil || string(b) != "payload" {
		t.Fatalf("local fallback read failed: %q %v", b, err)
	}
}

func TestPinVerifyRecoversAfterMisses(t *testing.T) {
	f := newFakePinata(t, 0)
	f.verifyMisses.Store(2)
	rec := &sleepRecorder{}
	svc := New(NewPinata(f.server.URL, "key", "secret", f.server.Client()), nil,
		Config{RetryDelay: 10 * time.Millisecond, VerifyAttempts: 3, Gateways: []string{}}, quietLogger(), WithSleep(rec.sleep))

	res := svc.Pin(context.Background(), "genome", []byte("payload"))
	if !res.Durable || res.Attempts != 1 {
		t.Fatalf("expected durable pin on the first write, got %+v", res)
	}
	if f.writes.Load() != 1 || f.verifies.Load() != 3 {
		t.Fatalf("expected 1 write and 3 verifications, got %d and %d", f.writes.Load(), f.verifies.Load())
	}
	if len(rec.delays) != 2 || rec.delays[1] <= rec.delays[0] {
		t.Fatalf("verify backoff must strictly increase, got %v", rec.delays)
	}
}

func TestPinVerifyExhaustionRewrites(t *testing.T) {
	f := newFakePinata(t, 0)
	f.verifyMisses.Store(3)
	svc := New(NewPinata(f.server.URL, "key", "secret", f.server.Client()), nil,
		Config{RetryDelay: time.Millisecond, VerifyAttempts: 3, Gateways: []string{}}, quietLogger(), WithSleep((&sleepRecorder{}).sleep))

	res := svc.Pin(context.Background(), "genome", []byte("payload"))
	if !res.Durable || res.Attempts != 2 || f.writes.Load() != 2 {
		t.Fatalf("expected durable pin on the second write, got %+v after %d writes", res, f.writes.Load())
	}
}

func TestPinNeverVerifiedDegrades(t *testing.T) {
	f := newFakePinata(t, 0)
	f.verifyMisses.Store(1 << 20)
	svc := New(NewPinata(f.server.URL, "key", "secret", f.server.Client()), nil,
		Config{RetryDelay: time.Millisecond, WriteAttempts: 3, VerifyAttempts: 3, Gateways: []string{}}, quietLogger(), WithSleep((&sleepRecorder{}).sleep))

	res := svc.Pin(context.Background(), "genome", []byte("payload"))
	if res.Durable {
		t.Fatalf("an unverified pin must not be durable: %+v", res)
	}
	if !errors.Is(res.Err, errNotPinned) {
		t.Fatalf("expected not-pinned cause, got %v", res.Err)
	}
	if f.writes.Load() != 3 || f.verifies.Load() != 9 {
		t.Fatalf("expected 3 writes and 9 verifications, got %d and %d", f.writes.Load(), f.verifies.Load())
	}
	if b, err := svc.Get(context.Background(), res.ContentID); err != nil || string(b) != "payload" {
		t.Fatalf("local fallback read failed: %q %v", b, err)
	}
}

func TestPinWithoutRemoteIsDegraded(t *testing.T) {
	svc := New(nil, nil, Config{Gateways: []string{}}, quietLogger())
	res := svc.Pin(context.Background(), "x", []byte("abc"))
	if res.Durable || res.ContentID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.HasPrefix(res.ContentID, "b") {
		t.Fatalf("expected base32 CIDv1, got %s", res.ContentID)
	}
}

func TestGetTriesGatewaysInOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	handler := func(name string, status int) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			w.WriteHeader(status)
			if status == http.StatusOK {
				_, _ = io.WriteString(w, name)
			}
		}
	}
	first := httptest.NewServer(handler("first", http.StatusServiceUnavailable))
	defer first.Close()
	second := httptest.NewServer(handler("second", http.StatusOK))
	defer second.Close()
	third := httptest.NewServer(handler("third", http.StatusOK))
	defer third.Close()

	svc := New(nil, nil, Config{Gateways: []string{first.URL, second.URL, third.URL}}, quietLogger())
	b, err := svc.Get(context.Background(), "bafyexample")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(b) != "second" {
		t.Fatalf("expected second gateway to win, got %q", b)
	}
	if strings.Join(order, ",") != "first,second" {
		t.Fatalf("gateways tried out of order or past first success: %v", order)
	}
}

func TestGetNotFound(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer down.Close()

	svc := New(nil, nil, Config{Gateways: []string{down.URL}}, quietLogger())
	if _, err := svc.Get(context.Background(), "bafymissing"); !errors.Is(err, process.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPinOwnedSavesRecord(t *testing.T) {
	f := newFakePinata(t, 0)
	records := NewMemoryRecords()
	now := time.UnixMilli(1_700_000_000_000)
	svc := New(NewPinata(f.server.URL, "key", "secret", f.server.Client()), records,
		Config{Gateways: []string{}}, quietLogger(), WithClock(func() time.Time { return now }))

	rec, err := svc.PinOwned(context.Background(), "u1", []byte(`{"markers":{}}`))
	if err != nil {
		t.Fatalf("PinOwned: %v", err)
	}
	if !rec.Durable || rec.VerifiedAt == nil {
		t.Fatalf("expected durable verified record: %+v", rec)
	}
	if rec.CommitmentHash != Commitment("u1", rec.ContentID, now) || !strings.HasPrefix(rec.CommitmentHash, "0x") {
		t.Fatalf("unexpected commitment %s", rec.CommitmentHash)
	}

	latest, payload, err := svc.LatestFor(context.Background(), "u1")
	if err != nil {
		t.Fatalf("LatestFor: %v", err)
	}
	if latest.ContentID != rec.ContentID || string(payload) != `{"markers":{}}` {
		t.Fatalf("unexpected latest %+v %q", latest, payload)
	}
}

func TestMaintenanceResults(t *testing.T) {
	f := newFakePinata(t, 0)
	svc := New(NewPinata(f.server.URL, "key", "secret", f.server.Client()), nil, Config{Gateways: []string{}}, quietLogger())
	ctx := context.Background()

	if r := svc.Verify(ctx, "bafy1"); !r.OK || r.Degraded || r.Err != nil {
		t.Fatalf("Verify: %+v", r)
	}
	if r := svc.Unpin(ctx, "bafy1"); !r.OK || f.unpinned.Load() != 1 {
		t.Fatalf("Unpin: %+v", r)
	}
	st := svc.Stats(ctx)
	if st.Count != 2 || st.Size != 42 || st.Err != nil {
		t.Fatalf("Stats: %+v", st)
	}

	broken := New(NewPinata("http://127.0.0.1:1", "key", "secret", nil), nil, Config{Gateways: []string{}, ReadTimeout: time.Second}, quietLogger())
	if r := broken.Verify(ctx, "bafy1"); r.OK || r.Err == nil {
		t.Fatalf("expected hard failure result, got %+v", r)
	}
	if st := broken.Stats(ctx); st.Err == nil {
		t.Fatalf("expected stats error, got %+v", st)
	}

	offline := New(nil, nil, Config{Gateways: []string{}}, quietLogger())
	if r := offline.Unpin(ctx, "bafy1"); !r.Degraded {
		t.Fatalf("expected degraded unpin, got %+v", r)
	}
}

// Package pinning stores opaque payloads in content-addressed storage. Writes
// go to one pinning endpoint and are verified before they count as durable;
// reads try an ordered list of gateways. When the network is unavailable the
// service degrades to a process-local store and says so.
package pinning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tendant/simple-prover/internal/process"
	"github.com/tendant/simple-prover/internal/retry"
)

var DefaultGateways = []string{
	"https://gateway.pinata.cloud/ipfs",
	"https://ipfs.io/ipfs",
}

var errNotPinned = errors.New("pin not visible on endpoint")

type Config struct {
	WriteAttempts  int
	VerifyAttempts int
	RetryDelay     time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	Gateways       []string
}

func (c Config) withDefaults() Config {
	if c.WriteAttempts <= 0 {
		c.WriteAttempts = 3
	}
	if c.VerifyAttempts <= 0 {
		c.VerifyAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.Gateways == nil {
		c.Gateways = DefaultGateways
	}
	return c
}

// PinResult describes a pin. Durable is true only when the write endpoint
// acknowledged the content and a later listing confirmed it.
type PinResult struct {
	ContentID string
	Durable   bool
	Attempts  int
	Err       error
}

// MaintenanceResult is the outcome of a best-effort operation. Degraded means
// the call was handled without the remote endpoint; Err is set on hard failure.
type MaintenanceResult struct {
	OK       bool
	Degraded bool
	Err      error
}

type Stats struct {
	Count    int
	Size     int64
	Local    int
	Degraded bool
	Err      error
}

// RecordStore persists pin records.
type RecordStore interface {
	SavePin(ctx context.Context, rec process.PinRecord) error
	LatestPin(ctx context.Context, ownerID string) (process.PinRecord, error)
	MarkPinVerified(ctx context.Context, contentID string, at time.Time) error
}

type Service struct {
	cfg     Config
	remote  Remote
	records RecordStore
	local   *Local
	http    *http.Client
	logger  *slog.Logger
	sleep   retry.SleepFunc
	now     func() time.Time
}

type Option func(*Service)

// WithHTTPClient sets the client used for gateway reads.
func WithHTTPClient(c *http.Client) Option { return func(s *Service) { s.http = c } }

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(fn retry.SleepFunc) Option { return func(s *Service) { s.sleep = fn } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New builds a Service. A nil remote runs permanently in degraded mode.
func New(remote Remote, records RecordStore, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:     cfg.withDefaults(),
		remote:  remote,
		records: records,
		local:   NewLocal(),
		http:    http.DefaultClient,
		logger:  logger,
		sleep:   retry.Sleep,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) policy(attempts int) retry.Policy {
	return retry.Policy{Attempts: attempts, Initial: s.cfg.RetryDelay, Multiplier: 2, Max: 30 * s.cfg.RetryDelay}
}

// Pin writes payload and verifies it. After WriteAttempts failed write or
// verify rounds the payload is kept locally and the result is not durable.
func (s *Service) Pin(ctx context.Context, name string, payload []byte) PinResult {
	logger := s.logger.With("pin_name", name, "size", len(payload))

	if s.remote != nil {
		var contentID string
		runner := retry.Runner{
			Policy: s.policy(s.cfg.WriteAttempts),
			Sleep:  s.sleep,
			OnRetry: func(attempt int, err error, delay time.Duration) {
				logger.Warn("pin attempt failed", "attempt", attempt, "error", err, "retry_in", delay)
			},
		}
		attempts, err := runner.Do(ctx, func(ctx context.Context, _ int) error {
			id, err := s.write(ctx, name, payload)
			if err != nil {
				return err
			}
			if err := s.verify(ctx, id); err != nil {
				return fmt.Errorf("verify %s: %w", id, err)
			}
			contentID = id
			return nil
		})
		if err == nil {
			s.local.Remember(contentID, payload)
			logger.Info("payload pinned", "content_id", contentID, "attempts", attempts)
			return PinResult{ContentID: contentID, Durable: true, Attempts: attempts}
		}
		logger.Error("all pin attempts failed, using local store", "attempts", attempts, "error", err)
		return s.degraded(payload, attempts, err)
	}
	return s.degraded(payload, 0, nil)
}

func (s *Service) degraded(payload []byte, attempts int, cause error) PinResult {
	id, err := s.local.Put(payload)
	if err != nil {
		return PinResult{Attempts: attempts, Err: fmt.Errorf("local pin: %w", err)}
	}
	return PinResult{ContentID: id, Durable: false, Attempts: attempts, Err: cause}
}

func (s *Service) write(ctx context.Context, name string, payload []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return s.remote.PinFile(ctx, name, payload)
}

// verify polls the pin listing with its own bounded backoff.
func (s *Service) verify(ctx context.Context, contentID string) error {
	runner := retry.Runner{
		Policy: s.policy(s.cfg.VerifyAttempts),
		Sleep:  s.sleep,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			s.logger.Debug("pin not listed yet", "content_id", contentID, "attempt", attempt, "error", err, "retry_in", delay)
		},
	}
	_, err := runner.Do(ctx, func(ctx context.Context, _ int) error {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
		defer cancel()
		ok, err := s.remote.IsPinned(ctx, contentID)
		if err != nil {
			return err
		}
		if !ok {
			return errNotPinned
		}
		return nil
	})
	return err
}

// PinOwned pins payload for owner and records the commitment binding the
// owner to the content.
func (s *Service) PinOwned(ctx context.Context, ownerID string, payload []byte) (process.PinRecord, error) {
	now := s.now()
	res := s.Pin(ctx, fmt.Sprintf("genome_%s_%d", ownerID, now.UnixMilli()), payload)
	if res.ContentID == "" {
		return process.PinRecord{}, process.Transient("pinning.pin_owned", res.Err)
	}

	rec := process.PinRecord{
		ContentID:      res.ContentID,
		OwnerID:        ownerID,
		CommitmentHash: Commitment(ownerID, res.ContentID, now),
		Durable:        res.Durable,
		CreatedAt:      now,
	}
	if res.Durable {
		rec.VerifiedAt = &now
	}
	if s.records != nil {
		if err := s.records.SavePin(ctx, rec); err != nil {
			return rec, fmt.Errorf("save pin record: %w", err)
		}
	}
	return rec, nil
}

// Commitment is 0x-prefixed hex sha256 of {ownerId, contentId, ts}.
func Commitment(ownerID, contentID string, ts time.Time) string {
	b, _ := json.Marshal(struct {
		OwnerID   string `json:"ownerId"`
		ContentID string `json:"contentId"`
		Timestamp int64  `json:"timestamp"`
	}{ownerID, contentID, ts.UnixMilli()})
	sum := sha256.Sum256(b)
	return "0x" + hex.EncodeToString(sum[:])
}

// LatestFor returns the payload of owner's most recent pin.
func (s *Service) LatestFor(ctx context.Context, ownerID string) (process.PinRecord, []byte, error) {
	if s.records == nil {
		return process.PinRecord{}, nil, process.NotFound("pinning.latest", "pin record for "+ownerID)
	}
	rec, err := s.records.LatestPin(ctx, ownerID)
	if err != nil {
		return process.PinRecord{}, nil, err
	}
	payload, err := s.Get(ctx, rec.ContentID)
	if err != nil {
		return rec, nil, err
	}
	return rec, payload, nil
}

// Get reads contentID from the gateways in declared order, then from the
// local store.
func (s *Service) Get(ctx context.Context, contentID string) ([]byte, error) {
	for _, gw := range s.cfg.Gateways {
		b, err := s.fetch(ctx, gw, contentID)
		if err == nil {
			return b, nil
		}
		s.logger.Warn("gateway failed", "gateway", gw, "content_id", contentID, "error", err)
	}
	if b, ok := s.local.Get(contentID); ok {
		s.logger.Info("served from local store", "content_id", contentID)
		return b, nil
	}
	return nil, process.NotFound("pinning.get", "content "+contentID)
}

func (s *Service) fetch(ctx context.Context, gateway, contentID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()
	u := strings.TrimRight(gateway, "/") + "/" + contentID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: u, Code: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

func (s *Service) Unpin(ctx context.Context, contentID string) MaintenanceResult {
	removed := s.local.Delete(contentID)
	if s.remote == nil {
		return MaintenanceResult{OK: removed, Degraded: true}
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.remote.Unpin(ctx, contentID); err != nil {
		s.logger.Warn("unpin failed", "content_id", contentID, "error", err)
		return MaintenanceResult{Err: err}
	}
	return MaintenanceResult{OK: true}
}

// Verify checks the remote listing and stamps the pin record when found.
func (s *Service) Verify(ctx context.Context, contentID string) MaintenanceResult {
	if s.remote == nil {
		_, ok := s.local.Get(contentID)
		return MaintenanceResult{OK: ok, Degraded: true}
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()
	ok, err := s.remote.IsPinned(ctx, contentID)
	if err != nil {
		s.logger.Warn("verify failed", "content_id", contentID, "error", err)
		return MaintenanceResult{Err: err}
	}
	if ok && s.records != nil {
		if err := s.records.MarkPinVerified(ctx, contentID, s.now()); err != nil {
			s.logger.Warn("mark pin verified failed", "content_id", contentID, "error", err)
		}
	}
	return MaintenanceResult{OK: ok}
}

func (s *Service) Stats(ctx context.Context) Stats {
	st := Stats{Local: s.local.Len()}
	if s.remote == nil {
		st.Degraded = true
		return st
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()
	count, size, err := s.remote.Usage(ctx)
	if err != nil {
		st.Err = err
		return st
	}
	st.Count, st.Size = count, size
	return st
}

// Package registration coordinates fingerprinting, content storage and ledger
// submission for uploaded audio, and verifies stored content against the
// ledger.
//
// Registrations for one fingerprint are collapsed into a single flight: the
// first caller starts it, later callers join it and receive its outcome. A
// flight runs detached from the callers' contexts, so a caller that gives up
// does not abort a transaction that has already been sent.
package registration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/echocrypt/pkg/contentstore"
	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
	"github.com/Mindburn-Labs/echocrypt/pkg/fingerprint"
	"github.com/Mindburn-Labs/echocrypt/pkg/ledger"
	"github.com/Mindburn-Labs/echocrypt/pkg/observability"
	"github.com/Mindburn-Labs/echocrypt/pkg/registrycache"
	"github.com/Mindburn-Labs/echocrypt/pkg/retry"
)

// Config tunes a Coordinator.
type Config struct {
	// MaxPayloadSize is the largest accepted upload in bytes.
	MaxPayloadSize int64
	// ConfirmTimeout bounds a single AwaitConfirmation call.
	ConfirmTimeout time.Duration
	// ConfirmPolls is how many TIMED_OUT waits are tolerated before
	// Register returns ErrTimedOut.
	ConfirmPolls int
	// PendingStaleness is how long a cached PENDING entry is trusted
	// before the ledger is asked again.
	PendingStaleness time.Duration
	// FlightTimeout bounds the detached work of one flight.
	FlightTimeout time.Duration
	Retry         retry.Policy
	// SubmitRate limits ledger submissions per second. Zero is unlimited.
	SubmitRate  rate.Limit
	SubmitBurst int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxPayloadSize:   fingerprint.DefaultMaxSize,
		ConfirmTimeout:   30 * time.Second,
		ConfirmPolls:     4,
		PendingStaleness: 30 * time.Second,
		FlightTimeout:    10 * time.Minute,
		Retry:            retry.DefaultPolicy,
		SubmitRate:       20,
		SubmitBurst:      5,
	}
}

// Deps are the collaborators of a Coordinator. Store and Ledger are required.
type Deps struct {
	Store     contentstore.Store
	Ledger    ledger.Client
	Cache     registrycache.Cache
	Telemetry *observability.Provider
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Receipt is the result of Register.
type Receipt struct {
	Registration contracts.Registration `json:"registration"`
	// Reused is set when this call did not submit a new transaction.
	Reused bool `json:"reused"`
	// OwnerConflict is set when the fingerprint is registered to a
	// different owner than the caller. Registration is the original.
	OwnerConflict bool `json:"owner_conflict"`
}

// Coordinator implements Register, Verify and Status.
type Coordinator struct {
	hasher    *fingerprint.Hasher
	store     contentstore.Store
	ledger    ledger.Client
	cache     registrycache.Cache
	telemetry *observability.Provider
	limiter   *rate.Limiter
	logger    *slog.Logger
	now       func() time.Time
	cfg       Config

	mu      sync.Mutex
	flights map[fingerprint.Fingerprint]*flight
}

// New builds a Coordinator. Zero Config fields take DefaultConfig values.
func New(deps Deps, cfg Config) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, errors.New("registration: content store is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("registration: ledger client is required")
	}

	def := DefaultConfig()
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = def.MaxPayloadSize
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.ConfirmPolls <= 0 {
		cfg.ConfirmPolls = def.ConfirmPolls
	}
	if cfg.PendingStaleness <= 0 {
		cfg.PendingStaleness = def.PendingStaleness
	}
	if cfg.FlightTimeout <= 0 {
		cfg.FlightTimeout = def.FlightTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}

	limit := cfg.SubmitRate
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.SubmitBurst
	if burst <= 0 {
		burst = 1
	}

	cache := deps.Cache
	if cache == nil {
		cache = registrycache.Nop{}
	}
	telemetry := deps.Telemetry
	if telemetry == nil {
		telemetry, _ = observability.New(context.Background(), &observability.Config{Enabled: false})
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	return &Coordinator{
		hasher:    fingerprint.NewHasher(cfg.MaxPayloadSize),
		store:     deps.Store,
		ledger:    deps.Ledger,
		cache:     cache,
		telemetry: telemetry,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger.With("component", "registration"),
		now:       now,
		cfg:       cfg,
		flights:   make(map[fingerprint.Fingerprint]*flight),
	}, nil
}

// request is one flight's input, taken from the caller that started it.
type request struct {
	id    string
	fp    fingerprint.Fingerprint
	owner contracts.Owner
	data  []byte
	name  string
}

// flight is the exclusion token for one fingerprint.
type flight struct {
	done chan struct{}
	// removal marks a token held by Remove; registrations wait it out.
	removal bool

	mu      sync.Mutex
	current contracts.Registration

	// Written once before done is closed.
	receipt Receipt
	err     error
}

func (f *flight) observe(reg contracts.Registration) {
	f.mu.Lock()
	f.current = reg
	f.mu.Unlock()
}

func (f *flight) snapshot() contracts.Registration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Register fingerprints payload and records it for owner, or returns the
// existing registration of the same content.
func (c *Coordinator) Register(ctx context.Context, payload io.Reader, owner contracts.Owner, suggestedName string) (rcpt Receipt, err error) {
	ctx, done := c.telemetry.TrackOperation(ctx, "registration.register")
	defer func() { done(err) }()

	req := request{id: uuid.NewString(), owner: owner.Normalize(), name: suggestedName}
	logger := c.logger.With("request_id", req.id)
	if req.owner == "" {
		return Receipt{}, ErrInvalidOwner
	}

	var buf bytes.Buffer
	fp, size, err := c.hasher.Digest(io.TeeReader(payload, &buf))
	if err != nil {
		logger.InfoContext(ctx, "payload rejected", "error", err)
		return Receipt{}, err
	}
	req.fp, req.data = fp, buf.Bytes()
	logger = logger.With("fingerprint", fp.String())
	logger.DebugContext(ctx, "payload fingerprinted", "size", size, "owner", req.owner)

	f, joined, err := c.join(ctx, req)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if joined {
		logger.DebugContext(ctx, "joined registration in flight")
	}

	select {
	case <-f.done:
	case <-ctx.Done():
		snap := f.snapshot()
		logger.InfoContext(ctx, "caller left before registration settled",
			"status", snap.Status, "tx_id", snap.TransactionID)
		c.telemetry.RecordRegistration(ctx, "cancelled")
		return Receipt{Registration: snap}, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}

	rcpt, err = f.receipt, f.err
	if joined {
		rcpt.Reused = true
	}
	if rcpt.Registration.Active() && !rcpt.Registration.Owner.SameAs(req.owner) {
		rcpt.OwnerConflict = true
		logger.WarnContext(ctx, "fingerprint already registered to another owner",
			"registered_owner", rcpt.Registration.Owner)
	}
	c.telemetry.RecordRegistration(ctx, outcome(rcpt, err))
	return rcpt, err
}

func outcome(rcpt Receipt, err error) string {
	switch {
	case errors.Is(err, ErrTimedOut):
		return "pending"
	case err != nil:
		return "failed"
	case rcpt.OwnerConflict:
		return "conflict"
	case rcpt.Reused:
		return "reused"
	default:
		return "registered"
	}
}

// join returns the flight for req.fp, starting one if none is running.
func (c *Coordinator) join(ctx context.Context, req request) (*flight, bool, error) {
	for {
		c.mu.Lock()
		f, ok := c.flights[req.fp]
		if !ok {
			f = &flight{done: make(chan struct{})}
			c.flights[req.fp] = f
			c.mu.Unlock()
			go c.fly(context.WithoutCancel(ctx), f, req)
			return f, false, nil
		}
		c.mu.Unlock()
		if !f.removal {
			return f, true, nil
		}
		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

func (c *Coordinator) fly(ctx context.Context, f *flight, req request) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FlightTimeout)
	defer cancel()

	rcpt, err := c.settle(ctx, f, req)
	if rcpt.Registration.Status != "" {
		f.observe(rcpt.Registration)
	}

	c.mu.Lock()
	delete(c.flights, req.fp)
	c.mu.Unlock()

	f.receipt, f.err = rcpt, err
	close(f.done)
}

// inFlight returns the latest state of a running flight for fp.
func (c *Coordinator) inFlight(fp fingerprint.Fingerprint) (contracts.Registration, bool) {
	c.mu.Lock()
	f, ok := c.flights[fp]
	c.mu.Unlock()
	if !ok {
		return contracts.Registration{}, false
	}
	if f.removal {
		return contracts.Registration{}, false
	}
	snap := f.snapshot()
	return snap, snap.Status != ""
}

// settle runs inside the flight: reuse, attach or submit.
func (c *Coordinator) settle(ctx context.Context, f *flight, req request) (Receipt, error) {
	logger := c.logger.With("request_id", req.id, "fingerprint", req.fp.String())

	existing, err := c.lookup(ctx, req.fp)
	switch {
	case errors.Is(err, ErrNotRegistered):
	case err != nil:
		return Receipt{}, err
	case existing.Status == contracts.StatusConfirmed:
		logger.DebugContext(ctx, "fingerprint already confirmed", "tx_id", existing.TransactionID)
		return Receipt{Registration: existing, Reused: true}, nil
	case existing.Status == contracts.StatusPending && existing.TransactionID != "":
		logger.DebugContext(ctx, "attaching to pending transaction", "tx_id", existing.TransactionID)
		f.observe(existing)
		reg, err := c.confirm(ctx, f, existing)
		if !errors.Is(err, ledger.ErrUnknownTransaction) {
			return Receipt{Registration: reg, Reused: true}, err
		}
		// The ledger never saw it; submit afresh.
		logger.InfoContext(ctx, "pending transaction unknown to ledger", "tx_id", existing.TransactionID)
		if err := c.cache.Invalidate(ctx, req.fp); err != nil {
			logger.WarnContext(ctx, "cache invalidate failed", "error", err)
		}
	case existing.Status == contracts.StatusPending:
		// Included on-chain but the transaction is not known: never resubmit.
		logger.InfoContext(ctx, "pending registration without transaction id, following ledger")
		f.observe(existing)
		reg, err := c.follow(ctx, existing)
		return Receipt{Registration: reg, Reused: true}, err
	}

	return c.submit(ctx, f, req, logger)
}

// follow re-reads the ledger entry for reg until it is final.
func (c *Coordinator) follow(ctx context.Context, reg contracts.Registration) (contracts.Registration, error) {
	latest := reg
	for poll := 0; poll < c.cfg.ConfirmPolls; poll++ {
		out, err := ledger.Poll(ctx, c.logger, ledger.DefaultPollInterval, c.cfg.ConfirmTimeout,
			func(ctx context.Context) (ledger.Outcome, bool, error) {
				got, err := c.ledger.QueryRegistration(ctx, reg.Fingerprint)
				if err != nil {
					return ledger.Outcome{}, false, err
				}
				latest = got
				switch got.Status {
				case contracts.StatusConfirmed:
					return ledger.Outcome{State: ledger.OutcomeConfirmed, BlockNumber: got.BlockNumber}, true, nil
				case contracts.StatusFailed:
					return ledger.Outcome{State: ledger.OutcomeFailed, Reason: got.FailureReason}, true, nil
				}
				return ledger.Outcome{}, false, nil
			})
		if err != nil {
			return latest, fmt.Errorf("registration: follow ledger entry: %w", err)
		}
		switch out.State {
		case ledger.OutcomeConfirmed:
			c.remember(ctx, latest, true)
			return latest, nil
		case ledger.OutcomeFailed:
			c.remember(ctx, latest, true)
			return latest, fmt.Errorf("%w: %s", ErrTransactionFailed, out.Reason)
		case ledger.OutcomeCancelled:
			return latest, ErrTimedOut
		}
	}
	return latest, ErrTimedOut
}

// lookup finds an active registration for fp, or returns ErrNotRegistered.
func (c *Coordinator) lookup(ctx context.Context, fp fingerprint.Fingerprint) (contracts.Registration, error) {
	entry, hit := c.cached(ctx, fp)
	if hit {
		reg := entry.Registration
		switch {
		case reg.Status == contracts.StatusConfirmed && entry.Corroborated:
			return reg, nil
		case reg.Status == contracts.StatusPending && !entry.Stale(c.now(), c.cfg.PendingStaleness):
			return reg, nil
		}
	}

	reg, err := c.queryLedger(ctx, fp)
	switch {
	case err == nil:
		c.remember(ctx, reg, true)
		return reg, nil
	case errors.Is(err, ledger.ErrNotRegistered):
		if hit && entry.Registration.Status == contracts.StatusPending && entry.Registration.TransactionID != "" {
			// Sent but not yet included anywhere the ledger can read.
			return entry.Registration, nil
		}
		if hit && entry.Registration.Status == contracts.StatusConfirmed {
			if err := c.cache.Invalidate(ctx, fp); err != nil {
				c.logger.WarnContext(ctx, "cache invalidate failed", "fingerprint", fp.String(), "error", err)
			}
		}
		return contracts.Registration{}, ErrNotRegistered
	default:
		return contracts.Registration{}, fmt.Errorf("registration: query ledger: %w", err)
	}
}

func (c *Coordinator) submit(ctx context.Context, f *flight, req request, logger *slog.Logger) (Receipt, error) {
	base := contracts.Registration{
		Fingerprint: req.fp,
		Owner:       req.owner,
		SubmittedAt: c.now().UTC(),
		Status:      contracts.StatusPending,
	}

	var ref contracts.StorageRef
	err := retry.Do(ctx, c.cfg.Retry, retry.Params{Operation: "store.put", Key: req.fp.Hex()}, retryableStore,
		func(ctx context.Context, attempt int) error {
			var err error
			ref, err = c.store.Put(ctx, req.data, req.name)
			if err != nil {
				logger.WarnContext(ctx, "store put failed", "attempt", attempt, "error", err)
			}
			return err
		})
	if err != nil {
		return Receipt{Registration: base.Fail(err.Error())}, fmt.Errorf("registration: store content: %w", err)
	}
	if got, err := ref.Fingerprint(); err != nil || !got.Equal(req.fp) {
		return Receipt{}, fmt.Errorf("registration: store returned reference %q for %s", ref, req.fp)
	}
	base.StorageRef = ref

	if err := c.limiter.Wait(ctx); err != nil {
		return Receipt{Registration: base.Fail(err.Error())}, fmt.Errorf("registration: submit throttle: %w", err)
	}

	base.SubmittedAt = c.now().UTC()
	var txID contracts.TransactionID
	err = retry.Do(ctx, c.cfg.Retry, retry.Params{Operation: "ledger.submit", Key: req.fp.Hex()}, retryableLedger,
		func(ctx context.Context, attempt int) error {
			var err error
			txID, err = c.ledger.Submit(ctx, req.fp, req.owner, ref)
			if err != nil {
				logger.WarnContext(ctx, "ledger submit failed", "attempt", attempt, "error", err)
			}
			return err
		})
	if err != nil {
		reg := base.Fail(err.Error())
		c.remember(ctx, reg, false)
		return Receipt{Registration: reg}, fmt.Errorf("registration: submit: %w", err)
	}

	reg := base
	reg.TransactionID = txID
	c.remember(ctx, reg, false)
	f.observe(reg)
	logger.InfoContext(ctx, "registration submitted", "tx_id", txID, "storage_ref", ref)

	settled, err := c.confirm(ctx, f, reg)
	return Receipt{Registration: settled, Reused: settled.TransactionID != txID}, err
}

// confirm waits for reg's transaction. If it reverted because another
// transaction holds the fingerprint, the winner is followed instead.
func (c *Coordinator) confirm(ctx context.Context, f *flight, reg contracts.Registration) (contracts.Registration, error) {
	for poll := 0; poll < c.cfg.ConfirmPolls; poll++ {
		logger := c.logger.With("fingerprint", reg.Fingerprint.String(), "tx_id", reg.TransactionID)

		var out ledger.Outcome
		err := retry.Do(ctx, c.cfg.Retry, retry.Params{Operation: "ledger.await", Key: string(reg.TransactionID)}, retryableLedger,
			func(ctx context.Context, _ int) error {
				var err error
				out, err = c.ledger.AwaitConfirmation(ctx, reg.TransactionID, c.cfg.ConfirmTimeout)
				return err
			})
		if err != nil {
			return reg, fmt.Errorf("registration: await confirmation: %w", err)
		}

		switch out.State {
		case ledger.OutcomeConfirmed:
			reg = reg.Confirm(out.BlockNumber)
			c.remember(ctx, reg, true)
			logger.InfoContext(ctx, "registration confirmed", "block", out.BlockNumber)
			return reg, nil

		case ledger.OutcomeFailed:
			failed := reg.Fail(out.Reason)
			c.remember(ctx, failed, true)
			winner, qerr := c.queryLedger(ctx, reg.Fingerprint)
			if qerr != nil || !winner.Active() || winner.TransactionID == reg.TransactionID {
				logger.WarnContext(ctx, "registration failed", "reason", out.Reason)
				return failed, fmt.Errorf("%w: %s", ErrTransactionFailed, out.Reason)
			}
			logger.InfoContext(ctx, "fingerprint held by another transaction", "winner_tx", winner.TransactionID)
			c.remember(ctx, winner, true)
			if winner.Status == contracts.StatusConfirmed {
				return winner, nil
			}
			reg = winner
			f.observe(reg)

		case ledger.OutcomeTimedOut:
			logger.DebugContext(ctx, "confirmation not final yet", "poll", poll+1)

		case ledger.OutcomeCancelled:
			// Only the flight deadline can cancel here.
			return reg, ErrTimedOut
		}
	}
	return reg, ErrTimedOut
}

// Status returns the last known registration for fp.
func (c *Coordinator) Status(ctx context.Context, fp fingerprint.Fingerprint) (reg contracts.Registration, err error) {
	ctx, done := c.telemetry.TrackOperation(ctx, "registration.status", attribute.String("fingerprint", fp.String()))
	defer func() { done(err) }()

	entry, hit := c.cached(ctx, fp)
	if hit && entry.Corroborated && entry.Registration.Status == contracts.StatusConfirmed {
		return entry.Registration, nil
	}

	reg, err = c.queryLedger(ctx, fp)
	if err == nil {
		c.remember(ctx, reg, true)
		return reg, nil
	}
	if !errors.Is(err, ledger.ErrNotRegistered) {
		c.logger.WarnContext(ctx, "ledger query failed", "fingerprint", fp.String(), "error", err)
	}
	if snap, ok := c.inFlight(fp); ok {
		return snap, nil
	}
	if hit && entry.Registration.Status != contracts.StatusConfirmed && (entry.Corroborated || entry.Registration.TransactionID != "") {
		return entry.Registration, nil
	}
	if errors.Is(err, ledger.ErrNotRegistered) {
		return contracts.Registration{}, ErrNotRegistered
	}
	return contracts.Registration{}, fmt.Errorf("registration: query ledger: %w", err)
}

// Health checks each collaborator.
func (c *Coordinator) Health(ctx context.Context) map[string]error {
	out := map[string]error{
		"ledger": c.ledger.Health(ctx),
	}
	_, err := c.store.Exists(ctx, contracts.RefFor(fingerprint.Sum(nil)))
	out["store"] = err
	if p, ok := c.cache.(interface{ Ping(context.Context) error }); ok {
		out["cache"] = p.Ping(ctx)
	}
	return out
}

func (c *Coordinator) queryLedger(ctx context.Context, fp fingerprint.Fingerprint) (contracts.Registration, error) {
	var reg contracts.Registration
	err := retry.Do(ctx, c.cfg.Retry, retry.Params{Operation: "ledger.query", Key: fp.Hex()}, retryableLedger,
		func(ctx context.Context, _ int) error {
			var err error
			reg, err = c.ledger.QueryRegistration(ctx, fp)
			return err
		})
	return reg, err
}

// cached reads the cache. Backend failures are logged and read as a miss.
func (c *Coordinator) cached(ctx context.Context, fp fingerprint.Fingerprint) (registrycache.Entry, bool) {
	entry, ok, err := c.cache.Get(ctx, fp)
	if err != nil {
		c.logger.WarnContext(ctx, "cache read failed", "fingerprint", fp.String(), "error", err)
		return registrycache.Entry{}, false
	}
	return entry, ok
}

func (c *Coordinator) remember(ctx context.Context, reg contracts.Registration, corroborated bool) {
	err := c.cache.Put(ctx, registrycache.Entry{
		Registration: reg,
		CachedAt:     c.now(),
		Corroborated: corroborated,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "cache write failed", "fingerprint", reg.Fingerprint.String(), "error", err)
	}
}

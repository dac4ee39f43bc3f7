package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arlo-systems/eventbus/pkg/broker"
	"github.com/arlo-systems/eventbus/pkg/clock"
	"github.com/arlo-systems/eventbus/pkg/db/models"
	"github.com/arlo-systems/eventbus/pkg/enums"
	appErrors "github.com/arlo-systems/eventbus/pkg/errors"
	"github.com/arlo-systems/eventbus/pkg/logger"
	"github.com/arlo-systems/eventbus/pkg/observe"
)

const (
	defaultBatchSize  = 50
	defaultMaxRetries = 10
	defaultPoolSize   = 8
	defaultPoll       = 500 * time.Millisecond
	defaultSweep      = 30 * time.Second
	defaultLease      = 2 * time.Minute
	defaultSendTime   = 15 * time.Second
)

// DispatcherConfig tunes one dispatcher worker instance.
type DispatcherConfig struct {
	WorkerID       string
	BatchSize      int
	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64
	LeaseTimeout   time.Duration
	WorkerPoolSize int
	PollInterval   time.Duration
	SweepInterval  time.Duration
	SendTimeout    time.Duration
}

func (c *DispatcherConfig) normalize() {
	if c.WorkerID == "" {
		c.WorkerID = "dispatcher-0"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = defaultPoolSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPoll
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweep
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = defaultLease
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTime
	}
}

// Dispatcher drains the outbox store and publishes claimed records through
// the broker driver. Multiple instances may run concurrently against the same
// store; correctness rests on the repository's conditional claim, not on
// in-process locking.
type Dispatcher struct {
	repo    *Repository
	driver  broker.Driver
	clk     clock.Clock
	logg    *logger.Logger
	emitter observe.Emitter
	backoff *Backoff
	cfg     DispatcherConfig
}

func NewDispatcher(repo *Repository, driver broker.Driver, clk clock.Clock, logg *logger.Logger, emitter observe.Emitter, cfg DispatcherConfig) (*Dispatcher, error) {
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	if driver == nil {
		return nil, errors.New("broker driver is required")
	}
	if clk == nil {
		clk = clock.New()
	}
	if emitter == nil {
		emitter = observe.Nop()
	}
	cfg.normalize()

	return &Dispatcher{
		repo:    repo,
		driver:  driver,
		clk:     clk,
		logg:    logg,
		emitter: emitter,
		backoff: NewBackoff(cfg.BaseBackoff, cfg.MaxBackoff, cfg.JitterFraction),
		cfg:     cfg,
	}, nil
}

// Run executes the dispatch loop until ctx is cancelled. Broker failures feed
// the backoff/dead-letter path and never stop the loop; a store failure is
// fatal and returned to the supervisor.
func (d *Dispatcher) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	sweepDone := make(chan error, 1)
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go func() {
		sweepDone <- d.runSweep(sweepCtx)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sweepDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("lease sweep failed: %w", err)
			}
		default:
		}

		processed, err := d.RunOnce(ctx)
		if err != nil {
			return err
		}
		if processed > 0 {
			continue
		}
		if err := d.sleep(ctx, d.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// RunOnce claims and dispatches a single batch, returning how many records
// were processed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	now := d.clk.Now()
	batch, err := d.repo.ClaimBatch(ctx, d.cfg.WorkerID, d.cfg.BatchSize, now)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	jobs := make(chan models.OutboxRecord)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fatalErr error
	)

	recordFatal := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if fatalErr == nil {
			fatalErr = err
		}
	}

	for i := 0; i < d.cfg.WorkerPoolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for record := range jobs {
				if err := d.dispatchRecord(ctx, record); err != nil {
					recordFatal(err)
				}
			}
		}()
	}

	for _, record := range batch {
		jobs <- record
	}
	close(jobs)
	wg.Wait()

	return len(batch), fatalErr
}

// dispatchRecord publishes one claimed record and persists the outcome.
// Only store errors are returned; broker errors are absorbed into the retry
// state machine. A cancelled context leaves the row CLAIMED for the lease
// sweep.
func (d *Dispatcher) dispatchRecord(ctx context.Context, record models.OutboxRecord) error {
	logCtx := d.fieldsCtx(ctx, record)

	env, err := EnvelopeFromRecord(&record)
	if err != nil {
		// undecodable payload: terminal, no number of retries will fix it
		return d.deadLetter(ctx, logCtx, record, enums.DeadLetterNonRetryable, err)
	}

	d.emitter.Emit(logCtx, observe.EventDispatchAttempt, map[string]any{
		"event_id": record.ID.String(),
		"topic":    record.Topic,
		"attempt":  record.AttemptCount + 1,
	})

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	sendStart := time.Now()
	_, sendErr := d.driver.Send(sendCtx, record.Topic, env)
	sendDuration := time.Since(sendStart)
	cancel()

	if sendErr == nil {
		if err := d.repo.MarkSent(ctx, record.ID, d.clk.Now()); err != nil {
			return d.ignoreLostLease(logCtx, err)
		}
		d.emitter.Emit(logCtx, observe.EventDispatchSuccess, map[string]any{
			"event_id": record.ID.String(),
			"topic":    record.Topic,
			"duration": sendDuration,
		})
		return nil
	}

	if ctx.Err() != nil {
		// cancelled mid-flight: leave CLAIMED, the sweep will reclaim it
		return nil
	}

	attempt := record.AttemptCount + 1
	d.emitter.Emit(logCtx, observe.EventDispatchFailure, map[string]any{
		"event_id": record.ID.String(),
		"topic":    record.Topic,
		"attempt":  attempt,
		"duration": sendDuration,
		"error":    sendErr.Error(),
	})

	if attempt >= d.cfg.MaxRetries {
		cause := fmt.Errorf("max publish attempts reached: %w", sendErr)
		return d.deadLetter(ctx, logCtx, record, enums.DeadLetterMaxAttempts, cause)
	}

	nextAttemptAt := d.clk.Now().Add(d.backoff.Next(attempt))
	if d.logg != nil {
		d.logg.Warn(d.logg.WithField(logCtx, "error", sendErr.Error()), "outbox publish failed")
	}
	if err := d.repo.MarkFailed(ctx, record.ID, attempt, nextAttemptAt, sendErr); err != nil {
		return d.ignoreLostLease(logCtx, err)
	}
	return nil
}

// ignoreLostLease downgrades a lost-lease state conflict: the sweep reclaimed
// the row mid-flight and another worker owns it now. At-least-once delivery
// tolerates the duplicate; anything else is a store failure and stays fatal.
func (d *Dispatcher) ignoreLostLease(ctx context.Context, err error) error {
	if appErrors.HasCode(err, appErrors.CodeStateConflict) {
		if d.logg != nil {
			d.logg.Warn(d.logg.WithField(ctx, "error", err.Error()), "outbox lease lost mid-dispatch")
		}
		return nil
	}
	return err
}

// deadLetter parks the record and emits the audit event. A state conflict
// means the lease sweep already returned the row to another worker, which is
// the same lost-lease race MarkSent and MarkFailed tolerate.
func (d *Dispatcher) deadLetter(ctx, logCtx context.Context, record models.OutboxRecord, reason enums.DeadLetterReason, cause error) error {
	if err := d.repo.MarkDeadLetter(ctx, &record, reason, cause, d.clk.Now()); err != nil {
		return d.ignoreLostLease(logCtx, err)
	}
	d.emitDeadLetter(logCtx, record, reason, cause)
	return nil
}

func (d *Dispatcher) emitDeadLetter(ctx context.Context, record models.OutboxRecord, reason enums.DeadLetterReason, cause error) {
	attrs := map[string]any{
		"event_id": record.ID.String(),
		"topic":    record.Topic,
		"reason":   string(reason),
	}
	if cause != nil {
		attrs["error"] = cause.Error()
	}
	d.emitter.Emit(ctx, observe.EventDeadLetter, attrs)
	if d.logg != nil {
		d.logg.Warn(d.logg.WithFields(ctx, attrs), "outbox record dead-lettered")
	}
}

// runSweep periodically reclaims rows whose lease expired because a worker
// crashed or was cancelled mid-dispatch.
func (d *Dispatcher) runSweep(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			reclaimed, err := d.SweepOnce(ctx)
			if err != nil {
				return err
			}
			if reclaimed > 0 && d.logg != nil {
				d.logg.Info(d.logg.WithField(ctx, "reclaimed", reclaimed), "expired outbox leases reclaimed")
			}
		}
	}
}

// SweepOnce runs a single lease-expiry pass.
func (d *Dispatcher) SweepOnce(ctx context.Context) (int64, error) {
	reclaimed, err := d.repo.ReclaimExpired(ctx, d.cfg.LeaseTimeout, d.clk.Now())
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		d.emitter.Emit(ctx, observe.EventLeaseReclaimed, map[string]any{"count": reclaimed})
	}
	return reclaimed, nil
}

func (d *Dispatcher) fieldsCtx(ctx context.Context, record models.OutboxRecord) context.Context {
	if d.logg == nil {
		return ctx
	}
	return d.logg.WithFields(ctx, map[string]any{
		"event_id":   record.ID.String(),
		"event_type": record.EventType,
		"topic":      record.Topic,
		"worker_id":  d.cfg.WorkerID,
	})
}

func (d *Dispatcher) sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const tickInterval = time.Second

// Config holds the tunables of a tracking session.
type Config struct {
	Thresholds Thresholds
	PaceWindow int
	Subscribe  SubscribeOptions
}

func DefaultConfig() Config {
	return Config{
		Thresholds: DefaultThresholds(),
		PaceWindow: defaultPaceWindow,
		Subscribe: SubscribeOptions{
			MinDistanceM: 5,
			MinInterval:  2000 * time.Millisecond,
		},
	}
}

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver registers fn to receive a snapshot after every change. fn runs
// on the session loop and must not call back into the controller.
func WithObserver(fn func(Snapshot)) Option {
	return func(c *Controller) { c.observer = fn }
}

func WithSessionID(id string) Option {
	return func(c *Controller) { c.id = id }
}

func WithUserID(id string) Option {
	return func(c *Controller) { c.userID = id }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithTicker replaces the once-per-second refresh timer. Ticks only trigger a
// snapshot; elapsed time is read from the clock.
func WithTicker(fn func(time.Duration) (<-chan time.Time, func())) Option {
	return func(c *Controller) { c.newTicker = fn }
}

type request struct {
	fn   func() error
	errc chan error
}

// Controller drives one tracking session. Samples, elapsed ticks and commands
// are all applied by a single loop goroutine; the fields below the divider are
// only touched from that goroutine.
type Controller struct {
	id        string
	userID    string
	cfg       Config
	provider  LocationProvider
	recorder  Recorder
	validator Validator
	logger    *slog.Logger
	observer  func(Snapshot)
	now       func() time.Time
	newTicker func(time.Duration) (<-chan time.Time, func())

	requests chan request
	samples  chan RawSample
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
	last     atomic.Pointer[Snapshot]

	// ---- loop owned
	status       Status
	starting     bool
	path         *Path
	startedAt    time.Time
	runningSince time.Time
	accumulated  time.Duration
	sub          Subscription
	subClosed    chan struct{}
	tickC        <-chan time.Time
	stopTick     func()
}

func NewController(provider LocationProvider, recorder Recorder, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		id:        uuid.NewString(),
		cfg:       cfg,
		provider:  provider,
		recorder:  recorder,
		validator: NewValidator(cfg.Thresholds),
		logger:    slog.Default(),
		now:       time.Now,
		newTicker: realTicker,
		requests:  make(chan request),
		samples:   make(chan RawSample, 64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		status:    StatusIdle,
		path:      NewPath(cfg.PaceWindow),
	}
	for _, opt := range opts {
		opt(c)
	}
	snap := c.snapshot()
	c.last.Store(&snap)

	go c.loop()
	return c
}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

func (c *Controller) ID() string { return c.id }

// Done is closed once the session loop has exited.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case req := <-c.requests:
			c.drainSamples()
			req.errc <- req.fn()
		case s := <-c.samples:
			c.handleSample(s)
		case <-c.tickC:
			c.handleTick()
		}
	}
}

// drainSamples applies samples already delivered before a command runs, so a
// command never overtakes a fix that arrived ahead of it.
func (c *Controller) drainSamples() {
	for {
		select {
		case s := <-c.samples:
			c.handleSample(s)
		default:
			return
		}
	}
}

func (c *Controller) do(fn func() error) error {
	req := request{fn: fn, errc: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-c.done:
		return fmt.Errorf("%w: session %s is closed", ErrInvalidTransition, c.id)
	}
	return <-req.errc
}

func (c *Controller) handleSample(s RawSample) {
	if c.status != StatusRunning && c.status != StatusPaused {
		return
	}
	if err := c.validator.Check(s, c.path.Last()); err != nil {
		c.logger.Debug("sample dropped", "session_id", c.id, "reason", err)
		return
	}
	c.path.Add(s, c.status == StatusRunning)
	c.publish()
}

func (c *Controller) handleTick() {
	if c.status != StatusRunning {
		return
	}
	c.publish()
}

// elapsedSeconds sums the clock time spent Running. Missed ticks do not lose
// time.
func (c *Controller) elapsedSeconds() int64 {
	d := c.accumulated
	if c.status == StatusRunning {
		d += c.now().Sub(c.runningSince)
	}
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

func (c *Controller) snapshot() Snapshot {
	snap := Snapshot{
		SessionID:      c.id,
		Status:         c.status,
		DistanceMeters: c.path.DistanceMeters(),
		ElapsedSeconds: c.elapsedSeconds(),
		PaceKmh:        c.path.PaceKmh(),
		PointCount:     c.path.Len(),
	}
	if last := c.path.Last(); last != nil {
		pos := last.Display
		snap.LastPosition = &pos
	}
	return snap
}

func (c *Controller) publish() {
	snap := c.snapshot()
	c.last.Store(&snap)
	if c.observer != nil {
		c.observer(snap)
	}
}

func (c *Controller) invalid(op string) error {
	c.logger.Warn("ignored session transition", "session_id", c.id, "op", op, "status", string(c.status))
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidTransition, op, c.status)
}

func (c *Controller) stopTicker() {
	if c.stopTick != nil {
		c.stopTick()
	}
	c.tickC, c.stopTick = nil, nil
}

// closeSubscription must run on the loop. Closing subClosed first releases a
// provider callback blocked on the sample queue; Unsubscribe then waits for
// callbacks already running.
func (c *Controller) closeSubscription() {
	if c.subClosed != nil {
		close(c.subClosed)
		c.subClosed = nil
	}
	if c.sub != nil {
		c.sub.Unsubscribe()
		c.sub = nil
	}
}

// Snapshot returns the current session state.
func (c *Controller) Snapshot() Snapshot {
	var snap Snapshot
	if err := c.do(func() error {
		snap = c.snapshot()
		return nil
	}); err != nil {
		return *c.last.Load()
	}
	return snap
}

// Start asks for location permission, records the initial fix and opens the
// location subscription.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.do(func() error {
		if c.status != StatusIdle || c.starting {
			return c.invalid("start")
		}
		c.starting = true
		return nil
	}); err != nil {
		return err
	}

	granted, err := c.provider.RequestPermission(ctx)
	if err != nil || !granted {
		_ = c.do(func() error {
			c.starting = false
			return nil
		})
		if err != nil {
			c.logger.Warn("location permission request failed", "session_id", c.id, "error", err)
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return ErrPermissionDenied
	}

	fix, fixErr := c.provider.CurrentFix(ctx)
	if fixErr != nil {
		c.logger.Warn("initial fix unavailable", "session_id", c.id, "error", fixErr)
	}

	closed := make(chan struct{})
	_ = c.do(func() error {
		c.starting = false
		c.status = StatusRunning
		c.startedAt = c.now()
		c.runningSince = c.startedAt
		c.accumulated = 0
		c.subClosed = closed
		c.tickC, c.stopTick = c.newTicker(tickInterval)
		if fixErr == nil {
			c.handleSample(fix)
		}
		c.publish()
		return nil
	})

	sub, err := c.provider.Subscribe(ctx, c.cfg.Subscribe, func(s RawSample) {
		select {
		case c.samples <- s:
		case <-closed:
		case <-c.done:
		}
	})
	if err != nil {
		_ = c.do(func() error {
			c.stopTicker()
			c.subClosed = nil
			c.status = StatusIdle
			c.path = NewPath(c.cfg.PaceWindow)
			c.publish()
			return nil
		})
		return fmt.Errorf("subscribe to location updates: %w", err)
	}

	return c.do(func() error {
		if c.status != StatusRunning && c.status != StatusPaused {
			// stopped or closed while subscribing
			sub.Unsubscribe()
			return nil
		}
		c.sub = sub
		c.logger.Info("run session started", "session_id", c.id, "user_id", c.userID)
		return nil
	})
}

func (c *Controller) Pause() error {
	return c.do(func() error {
		if c.status != StatusRunning {
			return c.invalid("pause")
		}
		c.accumulated += c.now().Sub(c.runningSince)
		c.status = StatusPaused
		c.publish()
		return nil
	})
}

// Resume re-enters Running. The subscription stays open across pauses.
func (c *Controller) Resume() error {
	return c.do(func() error {
		if c.status != StatusPaused {
			return c.invalid("resume")
		}
		c.runningSince = c.now()
		c.status = StatusRunning
		c.publish()
		return nil
	})
}

// Stop ends the session once confirm agrees. The subscription is closed before
// the record is frozen and handed to the recorder; live metrics reset after.
// A nil confirm means the caller already confirmed.
func (c *Controller) Stop(ctx context.Context, confirm Confirmer) (PersistResult, error) {
	if err := c.do(func() error {
		if c.status != StatusRunning && c.status != StatusPaused {
			return c.invalid("stop")
		}
		return nil
	}); err != nil {
		return PersistResult{}, err
	}

	if confirm == nil {
		confirm = AlwaysConfirm
	}
	ok, err := confirm.ConfirmStop(ctx)
	if err != nil {
		return PersistResult{}, fmt.Errorf("confirm stop: %w", err)
	}
	if !ok {
		return PersistResult{}, ErrStopNotConfirmed
	}

	var (
		result     PersistResult
		persistErr error
	)
	if err := c.do(func() error {
		if c.status != StatusRunning && c.status != StatusPaused {
			return c.invalid("stop")
		}
		elapsed := c.elapsedSeconds()
		c.status = StatusStopped
		c.stopTicker()
		c.closeSubscription()

		record := freeze(c.id, c.userID, c.startedAt, c.path, elapsed)
		result = PersistResult{Record: record}
		if c.recorder != nil {
			res, err := c.recorder.Persist(ctx, record)
			if err != nil {
				c.logger.Error("run record not persisted", "session_id", c.id, "error", err)
				persistErr = err
			} else {
				result = res
			}
		}

		c.path = NewPath(c.cfg.PaceWindow)
		c.accumulated = 0
		c.publish()
		c.logger.Info("run session stopped", "session_id", c.id,
			"distance_km", record.DistanceKm, "time", record.Time, "synced", result.Synced)
		return nil
	}); err != nil {
		return PersistResult{}, err
	}

	c.quitOnce.Do(func() { close(c.quit) })
	return result, persistErr
}

// Close discards an unfinished session and releases its loop.
func (c *Controller) Close() {
	_ = c.do(func() error {
		if c.status == StatusRunning || c.status == StatusPaused {
			c.logger.Warn("discarding unfinished run session", "session_id", c.id)
		}
		c.stopTicker()
		c.closeSubscription()
		c.status = StatusStopped
		c.publish()
		return nil
	})
	c.quitOnce.Do(func() { close(c.quit) })
	<-c.done
}

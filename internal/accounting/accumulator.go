package accounting

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	"worktrack-collector/internal/logicalday"
	"worktrack-collector/internal/metrics"
	"worktrack-collector/internal/models"
)

var (
	DefaultFlushInterval  = 5 * time.Minute
	DefaultFlushThreshold = 5
	DefaultIdleTTL        = 30 * time.Minute
	DefaultMaxClockSkew   = 5 * time.Minute
)

const (
	flushTimeout = 30 * time.Second
	resetBackoff = 50 * time.Millisecond
)

type entryState int

const (
	stateUninitialized entryState = iota
	stateSeeded
	stateAccumulating
)

type entryKey struct {
	deviceID string
	day      string
}

type pendingMinute struct {
	at       time.Time
	snapshot models.ActivitySnapshot
	// attempted is set when a write failed without a clear outcome. If the
	// ledger later reports the minute as present, the entry can no longer
	// tell whether it was already part of the seed.
	attempted bool
}

// entry is the in-memory state for one device and logical day. Every field
// is guarded by mu, which is also held across the entry's ledger calls.
type entry struct {
	mu       sync.Mutex
	key      entryKey
	dayStart time.Time
	state    entryState
	evicted  bool

	// accumulated == persisted + len(pending) at all times.
	accumulated int
	persisted   int
	pending     []pendingMinute
	counted     map[int64]struct{}

	lastSnapshot  models.ActivitySnapshot
	lastHeartbeat time.Time
	lastReported  int
	hasReported   bool
}

func (e *entry) guardState() GuardState {
	return GuardState{
		Total:        e.accumulated,
		LastReported: e.lastReported,
		HasReported:  e.hasReported,
	}
}

// count credits up to n whole minutes ending at the minute containing at.
// Minutes already counted and minutes before the start of the day are
// skipped, so the result may be smaller than n.
func (e *entry) count(n int, at time.Time, snapshot models.ActivitySnapshot) int {
	if n <= 0 {
		return 0
	}
	minute := at.UTC().Truncate(time.Minute)
	added := 0
	for i := 0; i < n; i++ {
		m := minute.Add(-time.Duration(i) * time.Minute)
		if m.Before(e.dayStart) {
			break
		}
		k := m.Unix()
		if _, ok := e.counted[k]; ok {
			continue
		}
		e.counted[k] = struct{}{}
		e.pending = append(e.pending, pendingMinute{at: m, snapshot: snapshot})
		added++
	}
	e.accumulated += added
	if added > 0 && e.state == stateSeeded {
		e.state = stateAccumulating
	}
	return added
}

func (e *entry) observe(sig AgentSignal, now time.Time, snapshot models.ActivitySnapshot) {
	if legacy, ok := sig.(LegacyAbsolute); ok {
		e.lastReported = legacy.CumulativeMinutes
		e.hasReported = true
	}
	e.lastHeartbeat = now
	e.lastSnapshot = snapshot
}

func (e *entry) clear() {
	e.accumulated = 0
	e.persisted = 0
	e.pending = nil
	e.counted = make(map[int64]struct{})
	e.lastReported = 0
	e.hasReported = false
	e.state = stateSeeded
}

type options struct {
	clock     quartz.Clock
	log       *slog.Logger
	metrics   *metrics.Metrics
	publisher Publisher
	tickCh    <-chan time.Time
	stopTick  func()
	flushCh   chan int
}

type Option func(*options)

func WithClock(c quartz.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithPublisher sets where live usage updates are sent.
func WithPublisher(p Publisher) Option {
	return func(o *options) {
		o.publisher = p
	}
}

// WithTickChannel allows passing a channel to replace the flush ticker.
// For testing only and will panic if used outside of tests.
func WithTickChannel(c chan time.Time) Option {
	if flag.Lookup("test.v") == nil {
		panic("developer error: WithTickChannel is not to be used outside of tests.")
	}
	return func(o *options) {
		o.tickCh = c
		o.stopTick = func() {}
	}
}

// WithFlushChannel allows passing a channel that receives the number of
// minutes written after every background flush.
// For testing only and will panic if used outside of tests.
func WithFlushChannel(c chan int) Option {
	if flag.Lookup("test.v") == nil {
		panic("developer error: WithFlushChannel is not to be used outside of tests.")
	}
	return func(o *options) {
		o.flushCh = c
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock: quartz.NewReal(),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.publisher == nil {
		o.publisher = NopPublisher{}
	}
	return o
}

type StoreConfig struct {
	OffsetMinutes  int
	FlushThreshold int
	FlushInterval  time.Duration
	IdleTTL        time.Duration
	// CeilingMinutes bounds a day's total once the ledger baseline is known.
	// Zero disables the bound.
	CeilingMinutes int
}

// AccumulatorStore holds the live daily totals and writes counted minutes to
// the ledger in batches. It is the caller's responsibility to call Close.
type AccumulatorStore struct {
	ledger  Ledger
	clock   quartz.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	cfg     StoreConfig

	mu      sync.RWMutex
	entries map[entryKey]*entry

	flushLock sync.Mutex       // one flush pass at a time
	lever     chan struct{}    // wakes the loop when enough minutes are pending
	tickCh    <-chan time.Time // controls flush interval
	stopTick  func()
	stopCh    chan struct{}
	stopOnce  sync.Once
	doneCh    chan struct{}
	started   atomic.Bool
	flushCh   chan int // used for testing.
}

func NewAccumulatorStore(ledger Ledger, cfg StoreConfig, opts ...Option) (*AccumulatorStore, error) {
	if err := logicalday.Validate(cfg.OffsetMinutes); err != nil {
		return nil, err
	}
	return newAccumulatorStore(ledger, cfg, buildOptions(opts)), nil
}

func newAccumulatorStore(ledger Ledger, cfg StoreConfig, o options) *AccumulatorStore {
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultFlushThreshold
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	s := &AccumulatorStore{
		ledger:   ledger,
		clock:    o.clock,
		log:      o.log,
		metrics:  o.metrics,
		cfg:      cfg,
		entries:  make(map[entryKey]*entry),
		lever:    make(chan struct{}, 1),
		tickCh:   o.tickCh,
		stopTick: o.stopTick,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		flushCh:  o.flushCh,
	}
	if s.tickCh == nil {
		ticker := s.clock.NewTicker(cfg.FlushInterval, "accumulator", "flush")
		s.tickCh = ticker.C
		s.stopTick = func() { ticker.Stop() }
	}
	return s
}

// update runs fn against the entry for deviceID and day with the entry
// locked. A new entry is seeded from the ledger first. A failed seed is
// logged and retried on the next touch or flush.
func (s *AccumulatorStore) update(ctx context.Context, deviceID, day string, fn func(*entry) error) error {
	for {
		e, err := s.getOrCreate(entryKey{deviceID: deviceID, day: day})
		if err != nil {
			return err
		}
		e.mu.Lock()
		if e.evicted {
			// Lost a race with eviction; the map no longer holds e.
			e.mu.Unlock()
			continue
		}
		if e.state == stateUninitialized {
			if err := s.seed(ctx, e); err != nil {
				s.log.Warn("seeding daily total failed, counting without ledger baseline",
					slog.String("device_id", deviceID),
					slog.String("logical_day", day),
					slog.Any("err", err),
				)
			}
		}
		err = fn(e)
		e.mu.Unlock()
		return err
	}
}

func (s *AccumulatorStore) getOrCreate(key entryKey) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}

	dayStart, err := logicalday.Start(key.day, s.cfg.OffsetMinutes)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e, nil
	}
	e = &entry{
		key:      key,
		dayStart: dayStart,
		counted:  make(map[int64]struct{}),
	}
	s.entries[key] = e
	return e, nil
}

// seed adds the ledger's total to the entry. Minutes counted while the entry
// was unseeded are still pending, so both counters move together. Those
// minutes were never checked against the ceiling; the newest ones that do
// not fit are dropped.
func (s *AccumulatorStore) seed(ctx context.Context, e *entry) error {
	total, err := s.ledger.DailyTotal(ctx, e.key.deviceID, e.key.day)
	if err != nil {
		return persistenceErr("daily_total", err)
	}
	e.accumulated += total
	e.persisted += total
	if dropped := s.trimToCeiling(e); dropped > 0 {
		s.log.Warn("daily ceiling reached while seeding, dropping unseeded minutes",
			slog.String("device_id", e.key.deviceID),
			slog.String("logical_day", e.key.day),
			slog.String("kind", string(AnomalyCapReached)),
			slog.Int("dropped", dropped),
			slog.Int("total", e.accumulated),
		)
		s.metrics.Anomaly(string(AnomalyCapReached))
	}
	if len(e.pending) > 0 {
		e.state = stateAccumulating
	} else {
		e.state = stateSeeded
	}
	return nil
}

func (s *AccumulatorStore) trimToCeiling(e *entry) int {
	if s.cfg.CeilingMinutes <= 0 {
		return 0
	}
	room := max(s.cfg.CeilingMinutes-e.persisted, 0)
	if len(e.pending) <= room {
		return 0
	}
	dropped := e.pending[room:]
	for _, p := range dropped {
		delete(e.counted, p.at.Unix())
	}
	e.pending = e.pending[:room:room]
	e.accumulated -= len(dropped)
	return len(dropped)
}

// reconcile replaces the entry's persisted count with the ledger's. It is
// used when the outcome of an earlier write is unknown.
func (s *AccumulatorStore) reconcile(ctx context.Context, e *entry) error {
	total, err := s.ledger.DailyTotal(ctx, e.key.deviceID, e.key.day)
	if err != nil {
		return persistenceErr("daily_total", err)
	}
	e.persisted = total
	e.accumulated = total + len(e.pending)
	return nil
}

// resetEntry purges the key in the ledger and clears the entry. Conflicts
// with concurrent writers are retried until ctx is done.
func (s *AccumulatorStore) resetEntry(ctx context.Context, e *entry) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = s.ledger.ResetDailyTotal(ctx, e.key.deviceID, e.key.day)
		if !errors.Is(err, ErrConflictOnReset) {
			break
		}
		s.log.Warn("daily total reset conflicted, retrying",
			slog.String("device_id", e.key.deviceID),
			slog.String("logical_day", e.key.day),
			slog.Int("attempt", attempt),
		)
		if ctxErr := s.wait(ctx, resetBackoff); ctxErr != nil {
			err = errors.Join(err, ctxErr)
			break
		}
	}
	if err != nil {
		return persistenceErr("reset_daily_total", err)
	}
	e.clear()
	s.metrics.Reset()
	return nil
}

func (s *AccumulatorStore) wait(ctx context.Context, d time.Duration) error {
	t := s.clock.NewTimer(d, "accumulator", "reset_backoff")
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// peek returns the live total for a seeded entry.
func (s *AccumulatorStore) peek(deviceID, day string) (int, bool) {
	s.mu.RLock()
	e, ok := s.entries[entryKey{deviceID: deviceID, day: day}]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted || e.state == stateUninitialized {
		return 0, false
	}
	return e.accumulated, true
}

// Len returns the number of entries currently held.
func (s *AccumulatorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// signalFlush asks the loop for an early flush without blocking.
func (s *AccumulatorStore) signalFlush() {
	select {
	case s.lever <- struct{}{}:
	default:
	}
}

type FlushResult struct {
	Persisted  int
	Duplicates int
	Pending    int
	Evicted    int
}

// Flush writes every pending minute to the ledger. A failing entry keeps its
// remaining minutes for the next pass; other entries are still flushed.
func (s *AccumulatorStore) Flush(ctx context.Context) (FlushResult, error) {
	s.flushLock.Lock()
	defer s.flushLock.Unlock()

	start := s.clock.Now()
	today, err := logicalday.For(start, s.cfg.OffsetMinutes)
	if err != nil {
		return FlushResult{}, err
	}

	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var (
		res  FlushResult
		errs []error
	)
	for _, e := range entries {
		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		persisted, duplicates, err := s.flushEntry(ctx, e)
		res.Persisted += persisted
		res.Duplicates += duplicates
		if err != nil {
			errs = append(errs, err)
		} else if len(e.pending) == 0 && (e.key.day != today || start.Sub(e.lastHeartbeat) > s.cfg.IdleTTL) {
			e.evicted = true
			s.mu.Lock()
			delete(s.entries, e.key)
			s.mu.Unlock()
			res.Evicted++
		}
		res.Pending += len(e.pending)
		e.mu.Unlock()
	}

	err = errors.Join(errs...)
	s.metrics.Flushed(res.Persisted, res.Duplicates, res.Pending, s.Len(), s.clock.Now().Sub(start).Seconds(), err)
	return res, err
}

func (s *AccumulatorStore) flushEntry(ctx context.Context, e *entry) (persisted, duplicates int, err error) {
	if e.state == stateUninitialized {
		// Writing before the baseline is known would count these minutes twice.
		if err := s.seed(ctx, e); err != nil {
			return 0, 0, err
		}
	}
	unsure := false
	defer func() {
		if !unsure {
			return
		}
		if rerr := s.reconcile(ctx, e); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	for len(e.pending) > 0 {
		p := &e.pending[0]
		inserted, err := s.ledger.RecordMinute(ctx, e.key.deviceID, p.at, p.snapshot)
		if err != nil {
			p.attempted = true
			return persisted, duplicates, persistenceErr("record_minute", err)
		}
		switch {
		case inserted:
			e.persisted++
			persisted++
		default:
			// Already in the ledger. Unless an earlier write of ours may have
			// put it there, it is already in the seed.
			e.accumulated--
			duplicates++
			if p.attempted {
				unsure = true
			}
		}
		e.pending[0] = pendingMinute{}
		e.pending = e.pending[1:]
	}
	e.pending = nil
	return persisted, duplicates, nil
}

// Start launches the background flush loop.
func (s *AccumulatorStore) Start() {
	select {
	case <-s.stopCh:
		panic("developer error: Start called after Close")
	default:
	}
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.loop()
}

func (s *AccumulatorStore) loop() {
	defer close(s.doneCh)
	defer s.log.Debug("accumulator flush loop exited")
	for {
		select {
		case <-s.stopCh:
			return
		case _, ok := <-s.tickCh:
			if !ok {
				return
			}
			s.flushInBackground("interval")
		case <-s.lever:
			s.flushInBackground("threshold")
		}
	}
}

func (s *AccumulatorStore) flushInBackground(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	res, err := s.Flush(ctx)
	if s.flushCh != nil { // only used for testing
		defer func() {
			s.flushCh <- res.Persisted + res.Duplicates
		}()
	}
	if err != nil {
		s.log.Error("flushing minutes failed",
			slog.String("reason", reason),
			slog.Int("persisted", res.Persisted),
			slog.Int("pending", res.Pending),
			slog.Any("err", err),
		)
		return
	}
	if res.Persisted+res.Duplicates+res.Evicted == 0 {
		return
	}
	s.log.Info("flushed minutes",
		slog.String("reason", reason),
		slog.Int("persisted", res.Persisted),
		slog.Int("duplicates", res.Duplicates),
		slog.Int("evicted", res.Evicted),
	)
}

// Close stops the loop and performs a final flush. Minutes that cannot be
// written before ctx expires are lost; the agents' next heartbeats re-seed
// from the ledger.
func (s *AccumulatorStore) Close(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.stopTick()
		if s.started.Load() {
			<-s.doneCh
		}
		var res FlushResult
		res, err = s.Flush(ctx)
		if err != nil {
			s.log.Error("final flush failed", slog.Int("pending", res.Pending), slog.Any("err", err))
			return
		}
		s.log.Info("final flush complete", slog.Int("persisted", res.Persisted))
	})
	return err
}

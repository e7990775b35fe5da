// Package session holds the operator-side view of one counter and keeps it
// in step with the dispatch service by polling and by refetching after each
// mutation. Several sessions may run in one process; they share a Views
// cache so invalidation by one is observed by all.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"qms/dispatch-service/internal/cache"
	"qms/dispatch-service/internal/dispatch"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

const (
	DefaultPollInterval     = 10 * time.Second
	DefaultRefetchDelay     = 500 * time.Millisecond
	DefaultCountersInterval = 30 * time.Second
	DefaultRequestTimeout   = 5 * time.Second
)

var (
	ErrNoCounterSelected  = errors.New("no counter selected")
	ErrCounterUnavailable = errors.New("counter is not active")
	ErrNothingToSkip      = errors.New("no called ticket to skip")
	ErrNothingToRelease   = errors.New("no claimed or called ticket to release")
	ErrNothingToServe     = errors.New("no called ticket to serve")
	ErrClosed             = errors.New("session closed")
)

// API is the dispatch service as seen by a session.
type API interface {
	ClaimNext(ctx context.Context, counterID, requestID string) (models.Ticket, error)
	Skip(ctx context.Context, counterID string, queueNumber int64) (models.Ticket, error)
	Release(ctx context.Context, counterID string, queueNumber int64) (models.Ticket, error)
	Serve(ctx context.Context, counterID string, queueNumber int64) (models.Ticket, error)
	CurrentQueues(ctx context.Context) ([]models.CurrentQueue, error)
	RecentTickets(ctx context.Context) ([]models.Ticket, error)
	Metrics(ctx context.Context) (models.QueueMetrics, error)
	Counters(ctx context.Context, activeOnly bool) ([]models.Counter, error)
}

// Views caches the current-queues, all-queues and metrics projections.
type Views interface {
	Load(ctx context.Context, key string, dest interface{}, fill func(context.Context) (interface{}, error)) error
	Refresh(ctx context.Context, key string, dest interface{}, fill func(context.Context) (interface{}, error)) error
	Invalidate(ctx context.Context) error
}

// NewViews returns an in-process Views for sessions of one process.
func NewViews(ttl time.Duration, logger zerolog.Logger) *cache.ProjectionCache {
	return cache.New(cache.NewMemoryBackend(), ttl, logger, dispatch.KeyCurrent, dispatch.KeyAll, dispatch.KeyMetrics)
}

type Options struct {
	PollInterval     time.Duration
	RefetchDelay     time.Duration
	CountersInterval time.Duration
	RequestTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.RefetchDelay <= 0 {
		o.RefetchDelay = DefaultRefetchDelay
	}
	if o.CountersInterval <= 0 {
		o.CountersInterval = DefaultCountersInterval
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	return o
}

// Snapshot is a copy of the session state at one instant.
type Snapshot struct {
	CounterID      string
	Counter        models.Counter
	CounterActive  bool
	Current        models.CurrentQueue
	Queues         []models.CurrentQueue
	ActiveCounters []models.Counter
	Busy           bool
	LastOutcome    dispatch.Outcome
	Message        string
	SyncError      string
	RefreshedAt    time.Time
}

func (s Snapshot) Selected() bool {
	return s.CounterID != ""
}

// CanSkip is true only while the counter's current ticket is CALLED.
func (s Snapshot) CanSkip() bool {
	return s.Selected() && s.Current.Status == models.StatusCalled
}

func (s Snapshot) CanRelease() bool {
	return s.Selected() && (s.Current.Status == models.StatusClaimed || s.Current.Status == models.StatusCalled)
}

type Result struct {
	Outcome dispatch.Outcome
	Ticket  models.Ticket
}

type Session struct {
	api    API
	views  Views
	opts   Options
	logger zerolog.Logger
	subs   *subscribers
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      Snapshot
	generation uint64
	applied    uint64
	pollCancel context.CancelFunc
	refetch    *time.Timer
	started    bool
	closed     bool
}

func New(api API, views Views, logger zerolog.Logger, opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.With().Str("component", "session").Logger()
	return &Session{
		api:    api,
		views:  views,
		opts:   opts.withDefaults(),
		logger: logger,
		subs:   newSubscribers(logger),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins refreshing the active counter list. The first fetch runs
// synchronously and its error is returned; the loop keeps running either way.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.wg.Add(1)
	s.mu.Unlock()

	err := s.refreshCounters(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("initial counter refresh failed")
	}

	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.CountersInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if err := s.refreshCounters(s.ctx); err != nil {
					s.logger.Warn().Err(err).Msg("counter refresh failed")
				}
			}
		}
	}()
	return err
}

// Select binds the session to an active counter and starts polling.
func (s *Session) Select(ctx context.Context, counterID string) error {
	counter, ok := s.findActiveCounter(counterID)
	if !ok {
		if err := s.refreshCounters(ctx); err != nil {
			return err
		}
		if counter, ok = s.findActiveCounter(counterID); !ok {
			return fmt.Errorf("%w: %s", ErrCounterUnavailable, counterID)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.stopLocked()
	s.generation++
	gen := s.generation
	s.state.CounterID = counter.CounterID
	s.state.Counter = counter
	s.state.CounterActive = true
	s.state.Current = models.CurrentQueue{CounterID: counter.CounterID, CounterName: counter.Name}
	s.state.LastOutcome = dispatch.OutcomeOK
	s.state.Message = ""
	s.state.SyncError = ""
	pollCtx, cancel := context.WithCancel(s.ctx)
	s.pollCancel = cancel
	snapshot := s.snapshotLocked()
	s.wg.Add(1)
	s.mu.Unlock()

	s.subs.broadcast(snapshot)
	go s.poll(pollCtx, gen)
	s.logger.Info().Str("counter_id", counter.CounterID).Str("counter", counter.Name).Msg("counter selected")
	return nil
}

// Deselect stops polling and forgets the counter.
func (s *Session) Deselect() {
	s.mu.Lock()
	if !s.state.Selected() {
		s.mu.Unlock()
		return
	}
	s.stopLocked()
	s.generation++
	s.state.CounterID = ""
	s.state.Counter = models.Counter{}
	s.state.CounterActive = false
	s.state.Current = models.CurrentQueue{}
	s.state.Queues = nil
	s.state.Message = ""
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.subs.broadcast(snapshot)
}

// Close stops every background activity and closes subscriber channels.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopLocked()
	s.generation++
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.subs.closeAll()
}

// Subscribe delivers a snapshot after every state change. The returned func
// unsubscribes and closes the channel.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	id, ch := s.subs.register(8)
	return ch, func() { s.subs.unregister(id) }
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) ClaimNext(ctx context.Context) (Result, error) {
	requestID := uuid.NewString()
	return s.mutate(ctx, "claim", func(ctx context.Context, counterID string) (models.Ticket, error) {
		return s.api.ClaimNext(ctx, counterID, requestID)
	})
}

// Skip skips the counter's current ticket. It is offered only while that
// ticket is CALLED.
func (s *Session) Skip(ctx context.Context) (Result, error) {
	snapshot := s.Snapshot()
	if !snapshot.Selected() {
		return Result{}, ErrNoCounterSelected
	}
	if !snapshot.CanSkip() {
		return Result{}, ErrNothingToSkip
	}
	queueNumber := snapshot.Current.QueueNumber
	return s.mutate(ctx, "skip", func(ctx context.Context, counterID string) (models.Ticket, error) {
		return s.api.Skip(ctx, counterID, queueNumber)
	})
}

// Release releases queueNumber, or the current ticket when queueNumber is 0.
func (s *Session) Release(ctx context.Context, queueNumber int64) (Result, error) {
	snapshot := s.Snapshot()
	if !snapshot.Selected() {
		return Result{}, ErrNoCounterSelected
	}
	if queueNumber <= 0 {
		if !snapshot.CanRelease() {
			return Result{}, ErrNothingToRelease
		}
		queueNumber = snapshot.Current.QueueNumber
	}
	return s.mutate(ctx, "release", func(ctx context.Context, counterID string) (models.Ticket, error) {
		return s.api.Release(ctx, counterID, queueNumber)
	})
}

func (s *Session) Serve(ctx context.Context) (Result, error) {
	snapshot := s.Snapshot()
	if !snapshot.Selected() {
		return Result{}, ErrNoCounterSelected
	}
	if snapshot.Current.Status != models.StatusCalled {
		return Result{}, ErrNothingToServe
	}
	queueNumber := snapshot.Current.QueueNumber
	return s.mutate(ctx, "serve", func(ctx context.Context, counterID string) (models.Ticket, error) {
		return s.api.Serve(ctx, counterID, queueNumber)
	})
}

// Refresh re-fetches the current-queues projection now.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	return s.refresh(ctx, gen)
}

func (s *Session) RecentTickets(ctx context.Context) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := s.views.Load(ctx, dispatch.KeyAll, &tickets, func(ctx context.Context) (interface{}, error) {
		return s.api.RecentTickets(ctx)
	})
	return tickets, err
}

func (s *Session) Metrics(ctx context.Context) (models.QueueMetrics, error) {
	var metrics models.QueueMetrics
	err := s.views.Load(ctx, dispatch.KeyMetrics, &metrics, func(ctx context.Context) (interface{}, error) {
		return s.api.Metrics(ctx)
	})
	return metrics, err
}

func (s *Session) mutate(ctx context.Context, action string, call func(context.Context, string) (models.Ticket, error)) (Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{}, ErrClosed
	}
	counterID := s.state.CounterID
	if counterID == "" {
		s.mu.Unlock()
		return Result{}, ErrNoCounterSelected
	}
	gen := s.generation
	s.state.Busy = true
	busy := s.snapshotLocked()
	s.mu.Unlock()
	s.subs.broadcast(busy)

	ticket, err := call(ctx, counterID)
	outcome := dispatch.Classify(err)

	s.mu.Lock()
	s.state.Busy = false
	if gen == s.generation {
		s.state.LastOutcome = outcome
		s.state.Message = outcomeMessage(action, outcome, ticket, err)
		if outcome == dispatch.OutcomeOK {
			s.applyLocked(ticket)
		}
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.subs.broadcast(snapshot)

	event := s.logger.Info()
	if outcome == dispatch.OutcomeFailure {
		event = s.logger.Warn().Err(err)
	}
	event.Str("action", action).Str("counter_id", counterID).Str("outcome", outcome.String()).Msg("counter action")

	switch outcome {
	case dispatch.OutcomeOK:
		if invErr := s.views.Invalidate(ctx); invErr != nil {
			s.logger.Warn().Err(invErr).Msg("view invalidation failed")
		}
		s.scheduleRefetch(gen)
	case dispatch.OutcomeConflict:
		if refreshErr := s.refresh(ctx, gen); refreshErr != nil {
			s.logger.Warn().Err(refreshErr).Msg("refresh after conflict failed")
		}
	}
	return Result{Outcome: outcome, Ticket: ticket}, err
}

// applyLocked folds the authoritative post-mutation ticket into the view so
// the operator sees it before the delayed refetch lands.
func (s *Session) applyLocked(ticket models.Ticket) {
	s.applied++
	entry := models.CurrentQueue{CounterID: s.state.CounterID, CounterName: s.state.Counter.Name}
	if ticket.CounterID != nil && *ticket.CounterID == s.state.CounterID {
		entry.QueueNumber = ticket.QueueNumber
		entry.Status = ticket.Status
		entry.TicketID = ticket.TicketID
	}
	s.state.Current = entry
	for i := range s.state.Queues {
		if s.state.Queues[i].CounterID == entry.CounterID {
			s.state.Queues[i] = entry
			return
		}
	}
	s.state.Queues = append(s.state.Queues, entry)
}

func (s *Session) scheduleRefetch(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.generation {
		return
	}
	if s.refetch != nil {
		s.refetch.Stop()
	}
	s.refetch = time.AfterFunc(s.opts.RefetchDelay, func() {
		if err := s.refresh(s.ctx, gen); err != nil && s.ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("delayed refetch failed")
		}
	})
}

func (s *Session) poll(ctx context.Context, gen uint64) {
	defer s.wg.Done()
	if err := s.refresh(ctx, gen); err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Msg("poll failed")
	}
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.refresh(ctx, gen); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("poll failed")
			}
		}
	}
}

// refresh re-reads the current-queues projection. Results for a generation
// that is no longer current are dropped, as are results fetched while a
// mutation was applied; the refetch scheduled by that mutation supersedes them.
func (s *Session) refresh(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	applied := s.applied
	s.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	var queues []models.CurrentQueue
	err := s.views.Refresh(reqCtx, dispatch.KeyCurrent, &queues, func(ctx context.Context) (interface{}, error) {
		return s.api.CurrentQueues(ctx)
	})

	s.mu.Lock()
	if gen != s.generation || s.closed || applied != s.applied {
		s.mu.Unlock()
		return err
	}
	if err != nil {
		s.state.SyncError = err.Error()
	} else {
		s.state.SyncError = ""
		s.state.Queues = queues
		s.state.Current = models.CurrentQueue{CounterID: s.state.CounterID, CounterName: s.state.Counter.Name}
		for _, queue := range queues {
			if queue.CounterID == s.state.CounterID {
				s.state.Current = queue
				break
			}
		}
		s.state.RefreshedAt = s.now()
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.subs.broadcast(snapshot)
	return err
}

func (s *Session) refreshCounters(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	counters, err := s.api.Counters(reqCtx, true)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.state.ActiveCounters = counters
	if s.state.Selected() {
		s.state.CounterActive = false
		for _, counter := range counters {
			if counter.CounterID == s.state.CounterID {
				s.state.CounterActive = true
				s.state.Counter = counter
				break
			}
		}
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.subs.broadcast(snapshot)
	return nil
}

func (s *Session) findActiveCounter(counterID string) (models.Counter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, counter := range s.state.ActiveCounters {
		if counter.CounterID == counterID {
			return counter, true
		}
	}
	return models.Counter{}, false
}

func (s *Session) stopLocked() {
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
	if s.refetch != nil {
		s.refetch.Stop()
		s.refetch = nil
	}
}

func (s *Session) snapshotLocked() Snapshot {
	snapshot := s.state
	snapshot.Queues = append([]models.CurrentQueue(nil), s.state.Queues...)
	snapshot.ActiveCounters = append([]models.Counter(nil), s.state.ActiveCounters...)
	return snapshot
}

func outcomeMessage(action string, outcome dispatch.Outcome, ticket models.Ticket, err error) string {
	switch outcome {
	case dispatch.OutcomeOK:
		return fmt.Sprintf("%s: ticket %d is %s", action, ticket.QueueNumber, ticket.Status)
	case dispatch.OutcomeEmpty:
		return "no waiting ticket"
	case dispatch.OutcomeConflict:
		if errors.Is(err, store.ErrCounterInactive) {
			return "counter inactive"
		}
		return "ticket already handled, view refreshed"
	default:
		return fmt.Sprintf("%s failed, retry: %v", action, err)
	}
}

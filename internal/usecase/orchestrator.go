package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/shyguy/internal/blob"
	"github.com/example/shyguy/internal/logging"
	"github.com/example/shyguy/internal/mosaic"
	"github.com/example/shyguy/internal/repository"
)

const historyTimeout = 5 * time.Second

// HistoryRecorder persists the outcome of finished submissions.
type HistoryRecorder interface {
	Record(ctx context.Context, log *repository.SubmissionLog) error
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithHistory records every terminal outcome under sessionID.
func WithHistory(recorder HistoryRecorder, sessionID string) Option {
	return func(o *Orchestrator) {
		o.history = recorder
		o.sessionID = sessionID
	}
}

// WithMaxUploadSize overrides mosaic.MaxUploadSize.
func WithMaxUploadSize(limit int64) Option {
	return func(o *Orchestrator) {
		if limit > 0 {
			o.maxUploadSize = limit
		}
	}
}

// attempt is the lifetime of one in-flight request. It is invalidated by
// cancelling its context and dropping it as the live attempt; completions
// compare pointer identity against the live attempt before touching state.
type attempt struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
}

// Orchestrator turns submissions into at most one authoritative in-flight
// request and publishes the resulting RequestState.
//
// Every mutation of the state, the live attempt and the tracked handle
// happens under mu, so a completion observed after a newer Submit, Reset
// or Close is discarded regardless of arrival order.
type Orchestrator struct {
	client        mosaic.Client
	tracker       *blob.Tracker
	history       HistoryRecorder
	sessionID     string
	logger        *zap.Logger
	maxUploadSize int64

	mu          sync.Mutex
	state       RequestState
	live        *attempt
	closed      bool
	subscribers map[int]chan RequestState
	nextSubID   int

	inflight sync.WaitGroup
}

// NewOrchestrator constructs an idle orchestrator. The tracker must not be
// shared with another orchestrator.
func NewOrchestrator(client mosaic.Client, tracker *blob.Tracker, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:        client,
		tracker:       tracker,
		logger:        logger.Named("orchestrator"),
		maxUploadSize: mosaic.MaxUploadSize,
		state:         idleState(),
		subscribers:   make(map[int]chan RequestState),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit starts processing candidate and returns without waiting for the
// outcome, which is published as state. Any previous in-flight request is
// cancelled and the previously held result released before the new request
// is issued.
//
// A candidate above the upload limit moves the state to Failed and returns
// ErrFileTooLarge without touching the in-flight request or the held result.
func (o *Orchestrator) Submit(candidate mosaic.Candidate, params mosaic.Parameters) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}

	if candidate.Size() > o.maxUploadSize {
		rejectedID := uuid.NewString()
		o.setStateLocked(failedState("", MessageFileTooLarge))
		o.inflight.Add(1)
		o.mu.Unlock()

		o.logger.Info("rejected oversized upload",
			zap.Int64("size", candidate.Size()),
			zap.Int64("limit", o.maxUploadSize))
		go func() {
			defer o.inflight.Done()
			o.record(&repository.SubmissionLog{
				AttemptID:   rejectedID,
				Status:      string(StatusFailed),
				FailureKind: KindValidation.String(),
				Message:     MessageFileTooLarge,
			}, candidate, params)
		}()
		return ErrFileTooLarge
	}

	if o.live != nil {
		o.live.cancel()
		o.logger.Debug("superseded in-flight attempt", zap.String("attempt_id", o.live.id))
	}
	o.tracker.ReleaseIfAny(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	att := &attempt{id: uuid.NewString(), ctx: ctx, cancel: cancel, started: time.Now()}
	o.live = att
	o.setStateLocked(loadingState(att.id))
	o.inflight.Add(1)
	o.mu.Unlock()

	go o.run(att, candidate, params)
	return nil
}

// Reset cancels any in-flight request, releases the held result and
// returns to Idle.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.invalidateLocked()
	o.setStateLocked(idleState())
}

// Close tears the orchestrator down: like Reset, then no further state
// transitions happen and every subscription channel is closed. It is safe
// to call more than once.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.invalidateLocked()
	o.setStateLocked(idleState())
	o.closed = true
	for id, ch := range o.subscribers {
		close(ch)
		delete(o.subscribers, id)
	}
	return nil
}

// State returns the current snapshot.
func (o *Orchestrator) State() RequestState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Subscribe returns a channel that receives the current state and every
// later one. The channel holds a single snapshot: a slow reader only sees
// the newest state. The returned func unsubscribes and closes the channel.
func (o *Orchestrator) Subscribe() (<-chan RequestState, func()) {
	ch := make(chan RequestState, 1)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		close(ch)
		return ch, func() {}
	}
	id := o.nextSubID
	o.nextSubID++
	o.subscribers[id] = ch
	ch <- o.state

	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if sub, ok := o.subscribers[id]; ok {
			delete(o.subscribers, id)
			close(sub)
		}
	}
}

// Wait blocks until every started attempt has finished, including those
// whose outcome was discarded.
func (o *Orchestrator) Wait() {
	o.inflight.Wait()
}

func (o *Orchestrator) run(att *attempt, candidate mosaic.Candidate, params mosaic.Parameters) {
	defer o.inflight.Done()
	opLogger := logging.WithOperation(o.logger, "usecase.submit", att.id)

	resp, err := o.client.Process(att.ctx, candidate, params)

	o.mu.Lock()
	if o.live != att {
		o.mu.Unlock()
		opLogger.Debug("discarded stale completion", zap.Bool("failed", err != nil))
		return
	}

	var (
		next    RequestState
		failure Failure
	)
	if err != nil {
		failure = Classify(att.ctx, err)
	} else {
		result, buildErr := BuildResult(att.ctx, o.tracker, resp)
		if buildErr != nil {
			err = logging.NewOperationError("usecase.build_result", att.id, buildErr)
			failure = Classify(att.ctx, buildErr)
		} else {
			next = successState(att.id, result)
		}
	}

	if failure.Kind == KindCancelled {
		o.live = nil
		o.mu.Unlock()
		att.cancel()
		opLogger.Debug("attempt cancelled")
		return
	}
	if err != nil {
		next = failedState(att.id, failure.Message)
	}

	o.live = nil
	o.setStateLocked(next)
	o.mu.Unlock()
	att.cancel()

	latency := time.Since(att.started)
	entry := &repository.SubmissionLog{AttemptID: att.id, Status: string(next.Status), LatencyMs: latency.Milliseconds()}
	if err != nil {
		opLogger.Warn("mosaic attempt failed",
			zap.Error(err),
			zap.String("kind", failure.Kind.String()),
			zap.Duration("latency", latency))
		entry.FailureKind = failure.Kind.String()
		entry.Message = failure.Message
	} else {
		opLogger.Info("mosaic attempt succeeded",
			zap.Int("faces_detected", next.Result.FacesDetected),
			zap.String("media_type", next.Result.MediaType),
			zap.Duration("latency", latency))
		entry.FacesDetected = next.Result.FacesDetected
		entry.MediaType = next.Result.MediaType
	}
	o.record(entry, candidate, params)
}

func (o *Orchestrator) invalidateLocked() {
	if o.live != nil {
		o.live.cancel()
		o.live = nil
	}
	o.tracker.ReleaseIfAny(context.Background())
}

func (o *Orchestrator) setStateLocked(state RequestState) {
	o.state = state
	for _, ch := range o.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- state
	}
}

func (o *Orchestrator) record(entry *repository.SubmissionLog, candidate mosaic.Candidate, params mosaic.Parameters) {
	if o.history == nil {
		return
	}
	entry.SessionID = o.sessionID
	entry.PixelSize = params.PixelSize
	entry.ScoreThreshold = params.ScoreThreshold
	entry.InputBytes = candidate.Size()

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := o.history.Record(ctx, entry); err != nil {
		o.logger.Warn("failed to record submission", zap.String("attempt_id", entry.AttemptID), zap.Error(err))
	}
}

// internal/poll/engine.go
// Package poll keeps the local work queue in sync with the remote worklist.
// The engine owns its timer and cycle state; one cycle authenticates, lists
// the worklist, diffs it against the queue, and downloads what is new.
package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/photonic-rad/photonic-agent/internal/download"
	errordefs "github.com/photonic-rad/photonic-agent/internal/errors"
	"github.com/photonic-rad/photonic-agent/internal/event"
	"github.com/photonic-rad/photonic-agent/internal/metrics"
	"github.com/photonic-rad/photonic-agent/internal/model"
	"github.com/photonic-rad/photonic-agent/internal/pacs"
	"github.com/photonic-rad/photonic-agent/internal/storage"
)

// maxConsecutiveFailures pauses the scheduler once this many cycles in a row
// fail; a paused scheduler needs an explicit Restart.
const maxConsecutiveFailures = 3

// State is the engine's current phase, exposed for the control API.
type State string

const (
	StateIdle           State = "IDLE"
	StateAuthenticating State = "AUTHENTICATING"
	StateListing        State = "LISTING"
	StateDiffing        State = "DIFFING"
	StateDownloading    State = "DOWNLOADING"
)

// Lister is the slice of the PACS client the engine needs.
type Lister interface {
	Authenticate(ctx context.Context) error
	ListWorklist(ctx context.Context, pageSize, pageNum int) ([]model.StudyDescriptor, error)
}

// Status is a snapshot of the engine for the control API.
type Status struct {
	State               State      `json:"state"`
	Busy                bool       `json:"busy"`
	Paused              bool       `json:"paused"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastPollAt          *time.Time `json:"lastPollAt,omitempty"`
	LastCycleID         string     `json:"lastCycleId,omitempty"`
}

// Engine polls the remote worklist and feeds the download orchestrator.
type Engine struct {
	provider Lister
	queue    storage.QueueStore
	objects  storage.ObjectStore
	orch     *download.Orchestrator
	events   event.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger

	restart chan struct{}

	mu          sync.Mutex
	state       State
	busy        bool
	paused      bool
	failures    int
	lastPollAt  *time.Time
	lastCycleID string
}

// NewEngine creates a poll engine.
func NewEngine(provider Lister, queue storage.QueueStore, objects storage.ObjectStore, orch *download.Orchestrator, events event.Publisher, m *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		provider: provider,
		queue:    queue,
		objects:  objects,
		orch:     orch,
		events:   events,
		metrics:  m,
		logger:   logger.With(slog.String("component", "poll_engine")),
		restart:  make(chan struct{}, 1),
		state:    StateIdle,
	}
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:               e.state,
		Busy:                e.busy,
		Paused:              e.paused,
		ConsecutiveFailures: e.failures,
		LastPollAt:          e.lastPollAt,
		LastCycleID:         e.lastCycleID,
	}
}

// Restart clears the failure counter, unpauses the scheduler and wakes the
// run loop so a new interval takes effect immediately.
func (e *Engine) Restart() {
	e.mu.Lock()
	e.failures = 0
	e.paused = false
	e.mu.Unlock()

	select {
	case e.restart <- struct{}{}:
	default:
	}
}

// Run drives scheduled poll cycles until the context is canceled. The
// interval and the auto-polling switch are re-read from settings every lap,
// so settings changes apply without a process restart.
func (e *Engine) Run(ctx context.Context) {
	for {
		interval, auto := e.schedule(ctx)

		var tick <-chan time.Time
		var timer *time.Timer
		if auto && !e.Status().Paused {
			timer = time.NewTimer(interval)
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-e.restart:
			if timer != nil {
				timer.Stop()
			}
		case <-tick:
			if _, err := e.SyncOnce(ctx); err != nil {
				// Overlap with a manual cycle is not a scheduler failure.
				if errordefs.CodeOf(err) != errordefs.PH_BUSY {
					e.recordFailure(ctx, err)
				}
			}
		}
	}
}

// schedule reads the current poll interval and auto-polling switch.
func (e *Engine) schedule(ctx context.Context) (time.Duration, bool) {
	settings, err := e.queue.LoadSettings(ctx)
	if err != nil {
		e.logger.Warn("failed to load settings, keeping default interval",
			slog.String("error", err.Error()))
		return 5 * time.Minute, true
	}
	return time.Duration(settings.PollIntervalSec) * time.Second, settings.AutoPolling
}

// recordFailure bumps the consecutive-failure counter and pauses the
// scheduler once the ceiling is hit. Pausing is escalated as a poll.failed
// event so the user sees it: repeated silent failures are the one thing the
// agent must not do.
func (e *Engine) recordFailure(ctx context.Context, cause error) {
	e.mu.Lock()
	e.failures++
	failures := e.failures
	if failures >= maxConsecutiveFailures {
		e.paused = true
	}
	paused := e.paused
	cycleID := e.lastCycleID
	e.mu.Unlock()

	e.logger.Error("poll cycle failed",
		slog.Int("consecutive_failures", failures),
		slog.Bool("scheduler_paused", paused),
		slog.String("error", cause.Error()),
	)
	if paused {
		if err := e.events.PublishPollFailed(ctx, cycleID, cause); err != nil {
			e.logger.Warn("failed to publish poll failure event", slog.String("error", err.Error()))
		}
	}
}

// begin marks the engine busy, failing with PH_BUSY when a cycle or a manual
// operation is already running.
func (e *Engine) begin() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		return "", errordefs.New(errordefs.PH_BUSY, "a sync cycle is already running", "")
	}
	e.busy = true
	cycleID := ulid.Make().String()
	e.lastCycleID = cycleID
	return cycleID, nil
}

// Exclusive runs one manual operation under the same busy flag that guards
// poll cycles, so a manual bulk action and a sync cycle can never overlap.
// Overlapping callers are rejected with PH_BUSY rather than queued.
func (e *Engine) Exclusive(fn func() error) error {
	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		return errordefs.New(errordefs.PH_BUSY, "another operation is already running", "")
	}
	e.busy = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.busy = false
		e.mu.Unlock()
	}()
	return fn()
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// finish releases the busy flag and records the cycle outcome.
func (e *Engine) finish(ok bool) {
	now := time.Now().UTC()
	e.mu.Lock()
	e.busy = false
	e.state = StateIdle
	e.lastPollAt = &now
	if ok {
		e.failures = 0
	}
	e.mu.Unlock()
}

// SyncOnce runs one full poll cycle: authenticate, list, diff, download.
// The cycle is idempotent — a worklist entry already known to the queue is
// left alone, so rerunning a cycle never re-downloads or resets anything.
// The one exception is a DOWNLOADED record whose blob has been evicted,
// which is re-enqueued and fetched again.
func (e *Engine) SyncOnce(ctx context.Context) (model.BulkResult, error) {
	cycleID, err := e.begin()
	if err != nil {
		return model.BulkResult{}, err
	}
	ok := false
	defer func() { e.finish(ok) }()

	ctx, span := otel.Tracer("photonic-agent").Start(ctx, "SyncOnce")
	defer span.End()
	span.SetAttributes(attribute.String("cycle_id", cycleID))

	started := time.Now()
	logger := e.logger.With(slog.String("cycle_id", cycleID))
	logger.Info("poll cycle started")

	settings, err := e.queue.LoadSettings(ctx)
	if err != nil {
		return e.cycleFailed(ctx, cycleID, started,
			errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "failed to load settings: %v", err))
	}

	e.setState(StateAuthenticating)
	if err := e.provider.Authenticate(ctx); err != nil {
		return e.cycleFailed(ctx, cycleID, started, err)
	}

	e.setState(StateListing)
	descriptors, err := e.provider.ListWorklist(ctx, pacs.DefaultPageSize, pacs.DefaultPageNum)
	if err != nil {
		return e.cycleFailed(ctx, cycleID, started, err)
	}

	e.setState(StateDiffing)
	fresh, err := e.diff(ctx, descriptors, settings.StatusFilter)
	if err != nil {
		return e.cycleFailed(ctx, cycleID, started, err)
	}
	logger.Info("worklist diffed",
		slog.Int("remote_studies", len(descriptors)),
		slog.Int("new_studies", len(fresh)),
	)

	e.setState(StateDownloading)
	result, err := e.orch.DownloadBatch(ctx, fresh)
	if err != nil {
		return result, e.abort(ctx, cycleID, started, err)
	}

	span.SetAttributes(
		attribute.Int("total", result.Total),
		attribute.Int("succeeded", result.Succeeded),
		attribute.Int("failed", result.Failed),
	)

	elapsed := time.Since(started)
	e.metrics.PollCycleTotal.WithLabelValues("success").Inc()
	e.metrics.PollCycleDuration.WithLabelValues("success").Observe(elapsed.Seconds())
	logger.Info("poll cycle completed",
		slog.Int("total", result.Total),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
		slog.Duration("elapsed", elapsed),
	)
	if err := e.events.PublishPollCompleted(ctx, cycleID, result); err != nil {
		logger.Warn("failed to publish poll event", slog.String("error", err.Error()))
	}

	ok = true
	return result, nil
}

func (e *Engine) cycleFailed(ctx context.Context, cycleID string, started time.Time, cause error) (model.BulkResult, error) {
	return model.BulkResult{}, e.abort(ctx, cycleID, started, cause)
}

func (e *Engine) abort(ctx context.Context, cycleID string, started time.Time, cause error) error {
	trace.SpanFromContext(ctx).SetStatus(codes.Error, cause.Error())
	e.metrics.PollCycleTotal.WithLabelValues("error").Inc()
	e.metrics.PollCycleDuration.WithLabelValues("error").Observe(time.Since(started).Seconds())
	e.logger.Error("poll cycle aborted",
		slog.String("cycle_id", cycleID),
		slog.String("error", cause.Error()),
	)
	return cause
}

// diff registers unseen worklist entries as PENDING records and returns
// their ids. Entries already in the queue are untouched. The status filter,
// when set, admits only entries carrying that remote status.
func (e *Engine) diff(ctx context.Context, descriptors []model.StudyDescriptor, statusFilter string) ([]string, error) {
	var fresh []string
	now := time.Now().UTC()

	for _, d := range descriptors {
		if d.StudyInstanceUID == "" {
			e.logger.Warn("worklist entry without study instance UID skipped",
				slog.String("patient_name", d.PatientName))
			continue
		}
		if statusFilter != "" && d.Status != statusFilter {
			continue
		}

		existing, err := e.queue.Get(ctx, d.StudyInstanceUID)
		if err == nil {
			if id, ok := e.requeueIfEvicted(ctx, existing); ok {
				fresh = append(fresh, id)
			}
			continue
		}
		if !isNotFound(err) {
			return nil, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "work queue unavailable: %v", err)
		}

		record := model.StudyRecord{
			StudyID:          d.StudyInstanceUID,
			PatientName:      d.PatientName,
			PatientID:        d.PatientID,
			Facility:         d.Facility,
			Status:           model.StatusPending,
			StudyInstanceUID: d.StudyInstanceUID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := e.queue.Put(ctx, record); err != nil {
			return nil, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "failed to register study: %v", err)
		}
		fresh = append(fresh, record.StudyID)
	}
	return fresh, nil
}

// requeueIfEvicted re-enqueues a DOWNLOADED record whose cached blob has
// been evicted since, so polling heals the cache instead of leaving the
// study stale until a manual re-download. Records in any other status are
// left alone: SKIPPED, ERROR and DELETED are deliberate outcomes.
func (e *Engine) requeueIfEvicted(ctx context.Context, record *model.StudyRecord) (string, bool) {
	if record.Status != model.StatusDownloaded {
		return "", false
	}
	cached, err := e.objects.Has(ctx, record.StudyInstanceUID)
	if err != nil || cached {
		return "", false
	}
	empty := ""
	var zero int64
	if _, err := e.queue.UpdateStatus(ctx, record.StudyID, model.StatusPending, &model.RecordPatch{
		FilePath: &empty,
		FileSize: &zero,
	}); err != nil {
		e.logger.Warn("failed to re-queue evicted study",
			slog.String("study_id", record.StudyID),
			slog.String("error", err.Error()),
		)
		return "", false
	}
	e.logger.Info("evicted study re-queued", slog.String("study_id", record.StudyID))
	return record.StudyID, true
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errordefs.CodeOf(err) == errordefs.PH_NOT_FOUND
}

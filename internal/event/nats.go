// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams study lifecycle and poll cycle events so downstream viewers and
// audit consumers can react to cache changes in real time.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/photonic-rad/photonic-agent/internal/metrics"
	"github.com/photonic-rad/photonic-agent/internal/model"
)

// Publisher interface defines the event publishing operations required by the agent.
type Publisher interface {
	// Study lifecycle events
	PublishStudyDownloaded(ctx context.Context, record model.StudyRecord) error
	PublishCacheEvicted(ctx context.Context, studyUID, reason string) error

	// Poll cycle events
	PublishPollCompleted(ctx context.Context, cycleID string, result model.BulkResult) error
	PublishPollFailed(ctx context.Context, cycleID string, cause error) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
// It allows the agent to run standalone without event streaming.
type noop struct{}

// Close implements Publisher
func (n *noop) Close() error { return nil }

// PublishStudyDownloaded implements Publisher
func (n *noop) PublishStudyDownloaded(ctx context.Context, record model.StudyRecord) error {
	return nil
}

// PublishCacheEvicted implements Publisher
func (n *noop) PublishCacheEvicted(ctx context.Context, studyUID, reason string) error {
	return nil
}

// PublishPollCompleted implements Publisher
func (n *noop) PublishPollCompleted(ctx context.Context, cycleID string, result model.BulkResult) error {
	return nil
}

// PublishPollFailed implements Publisher
func (n *noop) PublishPollFailed(ctx context.Context, cycleID string, cause error) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	metrics *metrics.Metrics

	// Deduplication: the poll engine may re-announce the same study when a
	// cycle races a manual operation; suppress repeats inside a short window.
	studyDedup map[string]time.Time
	mutex      sync.RWMutex
}

// NewPublisher creates a publisher for the given NATS URL. An empty URL or a
// failed connection yields a no-op publisher so event streaming stays optional.
func NewPublisher(url string, m *metrics.Metrics) Publisher {
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{
		nc:         nc,
		js:         js,
		metrics:    m,
		studyDedup: make(map[string]time.Time),
	}
}

// initStreams initializes the required NATS streams.
func initStreams(js nats.JetStreamContext) error {
	// Study lifecycle events: downloads, evictions, deletions.
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "PHOTONIC_STUDIES",
		Subjects:  []string{"photonic.studies.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create PHOTONIC_STUDIES stream: %w", err)
	}

	// Poll cycle events for audit and monitoring.
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      "PHOTONIC_POLL",
		Subjects:  []string{"photonic.poll.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create PHOTONIC_POLL stream: %w", err)
	}

	return nil
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId"`
	Payload       interface{} `json:"payload"`
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// shouldDedup checks if a study event should be suppressed based on the
// 2-minute window.
func (p *natsPub) shouldDedup(key string) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if lastTime, exists := p.studyDedup[key]; exists {
		return time.Since(lastTime) < 2*time.Minute
	}
	return false
}

// updateDedup updates the deduplication map with the current time for a key,
// pruning stale entries as it goes.
func (p *natsPub) updateDedup(key string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cutoff := time.Now().Add(-5 * time.Minute)
	for k, t := range p.studyDedup {
		if t.Before(cutoff) {
			delete(p.studyDedup, k)
		}
	}
	p.studyDedup[key] = time.Now()
}

// publish wraps a payload in the standard envelope and publishes it.
func (p *natsPub) publish(ctx context.Context, subject, eventType string, payload interface{}) error {
	envelope := EventEnvelope{
		Type:          eventType,
		Version:       "1.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.NewString(),
		Payload:       payload,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	started := time.Now()
	_, err = p.js.Publish(subject, data, nats.Context(ctx))
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.EventPublishTotal.WithLabelValues(eventType, status).Inc()
	p.metrics.EventPublishDuration.WithLabelValues(eventType, status).Observe(time.Since(started).Seconds())
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	return nil
}

// PublishStudyDownloaded publishes a study downloaded event.
func (p *natsPub) PublishStudyDownloaded(ctx context.Context, record model.StudyRecord) error {
	key := "downloaded:" + record.StudyID
	if p.shouldDedup(key) {
		return nil
	}
	if err := p.publish(ctx, "photonic.studies.downloaded", "study.downloaded", record); err != nil {
		return err
	}
	p.updateDedup(key)
	return nil
}

// PublishCacheEvicted publishes a cache eviction event.
func (p *natsPub) PublishCacheEvicted(ctx context.Context, studyUID, reason string) error {
	return p.publish(ctx, "photonic.studies.evicted", "cache.evicted", map[string]string{
		"study_uid": studyUID,
		"reason":    reason,
	})
}

// PublishPollCompleted publishes a poll cycle completion event.
func (p *natsPub) PublishPollCompleted(ctx context.Context, cycleID string, result model.BulkResult) error {
	return p.publish(ctx, "photonic.poll.completed", "poll.completed", map[string]interface{}{
		"cycle_id": cycleID,
		"result":   result,
	})
}

// PublishPollFailed publishes a poll cycle failure event.
func (p *natsPub) PublishPollFailed(ctx context.Context, cycleID string, cause error) error {
	return p.publish(ctx, "photonic.poll.failed", "poll.failed", map[string]string{
		"cycle_id": cycleID,
		"error":    cause.Error(),
	})
}

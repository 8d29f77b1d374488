// internal/event/nats.go
// Package event provides the NATS JetStream implementation for event
// publishing. It streams funding workflow and registry events to support
// downstream consumers and audit trails.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Pawar-007/healthfund-go/internal/model"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Publisher defines the event publishing operations used by the HealthFund
// service. Publishing is best-effort: handlers log failures and move on, the
// store remains the source of truth.
type Publisher interface {
	// Funding workflow events
	PublishRequestCreated(ctx context.Context, req model.FundingRequest) error
	PublishRequestVerified(ctx context.Context, req model.FundingRequest, step model.VerificationStep) error
	PublishDonationAccepted(ctx context.Context, d model.Donation) error
	PublishFundsReleased(ctx context.Context, req model.FundingRequest) error

	// Registry events
	PublishHospitalRegistered(ctx context.Context, h model.Hospital) error
	PublishRecordUploaded(ctx context.Context, rec model.MedicalRecord) error

	// Close closes the publisher connection
	Close() error
}

// noop is used when NATS is not configured; the service runs without event
// streaming.
type noop struct{}

func (n *noop) Close() error { return nil }
func (n *noop) PublishRequestCreated(ctx context.Context, req model.FundingRequest) error {
	return nil
}
func (n *noop) PublishRequestVerified(ctx context.Context, req model.FundingRequest, step model.VerificationStep) error {
	return nil
}
func (n *noop) PublishDonationAccepted(ctx context.Context, d model.Donation) error { return nil }
func (n *noop) PublishFundsReleased(ctx context.Context, req model.FundingRequest) error {
	return nil
}
func (n *noop) PublishHospitalRegistered(ctx context.Context, h model.Hospital) error { return nil }
func (n *noop) PublishRecordUploaded(ctx context.Context, rec model.MedicalRecord) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn
	js nats.JetStreamContext

	// Deduplication: key -> last publish time
	dedup map[string]time.Time
	mutex sync.RWMutex
}

// NewPublisher connects to NATS at the given URL and initializes the required
// streams. An empty URL, a failed connection, or a failed stream init all fall
// back to a no-op publisher with a warning.
func NewPublisher(url string) Publisher {
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
		nc:    nc,
		js:    js,
		dedup: make(map[string]time.Time),
	}
}

// initStreams creates the JetStream streams the service publishes to.
func initStreams(js nats.JetStreamContext) error {
	// HF_FUND carries the funding workflow events: created, verified,
	// donated, released.
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "HF_FUND",
		Subjects:  []string{"fund.requests.*", "fund.donations.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create HF_FUND stream: %w", err)
	}

	// HF_REGISTRY carries hospital registry and medical record events.
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      "HF_REGISTRY",
		Subjects:  []string{"fund.hospitals.*", "fund.records.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create HF_REGISTRY stream: %w", err)
	}

	return nil
}

// EventEnvelope is the standard envelope wrapping every published event.
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

// shouldDedup reports whether key was published within the 2-minute window.
func (p *natsPub) shouldDedup(key string) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if lastTime, exists := p.dedup[key]; exists {
		return time.Since(lastTime) < 2*time.Minute
	}
	return false
}

// updateDedup records a successful publish and evicts stale entries.
func (p *natsPub) updateDedup(key string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cutoff := time.Now().Add(-5 * time.Minute)
	for k, t := range p.dedup {
		if t.Before(cutoff) {
			delete(p.dedup, k)
		}
	}
	p.dedup[key] = time.Now()
}

// publish wraps payload in an envelope and sends it to subject, applying the
// dedup window keyed by dedupKey.
func (p *natsPub) publish(subject, eventType, dedupKey string, payload interface{}) error {
	if p.shouldDedup(dedupKey) {
		return nil
	}

	envelope := EventEnvelope{
		Type:          eventType,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	if _, err := p.js.Publish(subject, b); err != nil {
		return err
	}

	p.updateDedup(dedupKey)
	return nil
}

// PublishRequestCreated publishes a funding request creation event.
func (p *natsPub) PublishRequestCreated(ctx context.Context, req model.FundingRequest) error {
	return p.publish("fund.requests.created", "fund.requests.created",
		"created:"+req.Patient, req)
}

// PublishRequestVerified publishes one verification step advancement.
func (p *natsPub) PublishRequestVerified(ctx context.Context, req model.FundingRequest, step model.VerificationStep) error {
	return p.publish("fund.requests.verified", "fund.requests.verified",
		fmt.Sprintf("verified:%s:%s", req.Patient, step), req)
}

// PublishDonationAccepted publishes an accepted donation. Dedup keys on the
// donation ULID so distinct donations to the same request all go out.
func (p *natsPub) PublishDonationAccepted(ctx context.Context, d model.Donation) error {
	return p.publish("fund.donations.accepted", "fund.donations.accepted",
		"donation:"+d.ID, d)
}

// PublishFundsReleased publishes the terminal release event.
func (p *natsPub) PublishFundsReleased(ctx context.Context, req model.FundingRequest) error {
	return p.publish("fund.requests.released", "fund.requests.released",
		"released:"+req.Patient, req)
}

// PublishHospitalRegistered publishes a hospital registry event.
func (p *natsPub) PublishHospitalRegistered(ctx context.Context, h model.Hospital) error {
	return p.publish("fund.hospitals.registered", "fund.hospitals.registered",
		"hospital:"+h.Wallet, h)
}

// PublishRecordUploaded publishes a medical record upload event.
func (p *natsPub) PublishRecordUploaded(ctx context.Context, rec model.MedicalRecord) error {
	return p.publish("fund.records.uploaded", "fund.records.uploaded",
		fmt.Sprintf("record:%s:%d", rec.Owner, rec.Index), rec)
}

// Package worker consumes inbound bus topics: asynchronous decision requests
// and the compliance entity sync feed.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// GlobalTenantID is the subscription tenant used when no tenant list is
// configured. Messages published under it name their tenant in the payload.
const GlobalTenantID = "_global"

// Decider makes decisions for the worker.
type Decider interface {
	MakeDecision(ctx context.Context, req *domain.DecisionRequest) (*domain.AggregatedDecision, error)
}

// EntitySink accepts synced compliance entities.
type EntitySink interface {
	UpsertEntity(ctx context.Context, tenantID string, e *domain.ComplianceEntity) error
}

// Worker processes bus messages in the background.
type Worker struct {
	bus      domain.EventBus
	engine   Decider
	entities EntitySink

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to subscribe for (empty = global subscription)
	TenantIDs []string
}

// NewWorker creates a new worker. entities may be nil, in which case the
// sync feed is not consumed.
func NewWorker(bus domain.EventBus, engine Decider, entities EntitySink) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		engine:   engine,
		entities: entities,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes for the given tenants.
func (w *Worker) Start(cfg Config) error {
	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{GlobalTenantID}
	}

	var errs []error
	for _, tenantID := range tenants {
		if err := w.subscribeTenant(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	if len(errs) == len(tenants) {
		return fmt.Errorf("no worker subscription could be started: %w", errors.Join(errs...))
	}

	slog.Info("workers started", "tenant_count", len(tenants))
	return nil
}

func (w *Worker) subscribeTenant(tenantID string) error {
	handlers := map[string]domain.MessageHandler{
		domain.TopicDecisionRequested: func(ctx context.Context, msg *domain.Message) error {
			return w.processDecision(ctx, tenantID, msg)
		},
	}
	if w.entities != nil {
		handlers[domain.TopicEntitySynced] = func(ctx context.Context, msg *domain.Message) error {
			return w.processEntity(ctx, tenantID, msg)
		}
	}

	for topic, handler := range handlers {
		sub, err := w.bus.Subscribe(w.ctx, tenantID, topic, handler)
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()

		slog.Info("tenant worker started", "tenant_id", tenantID, "topic", topic)
	}
	return nil
}

// DecisionReply is the response sent for a request-reply decision message.
type DecisionReply struct {
	Decision *domain.AggregatedDecision `json:"decision,omitempty"`
	Error    string                     `json:"error,omitempty"`
}

// processDecision runs one asynchronous decision and replies when the
// message was sent with Request.
func (w *Worker) processDecision(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var req domain.DecisionRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse decision request",
			"message_id", msg.ID,
			"error", err,
		)
		w.reply(ctx, msg, DecisionReply{Error: err.Error()})
		return err
	}
	if tenantID != GlobalTenantID {
		req.TenantID = tenantID
	}

	d, err := w.engine.MakeDecision(ctx, &req)
	if err != nil {
		slog.Warn("async decision failed",
			"message_id", msg.ID,
			"tenant_id", req.TenantID,
			"error", err,
		)
		w.reply(ctx, msg, DecisionReply{Error: err.Error()})
		return err
	}
	w.reply(ctx, msg, DecisionReply{Decision: d})

	slog.Info("async decision processed",
		"decision_id", d.ID,
		"tenant_id", req.TenantID,
		"label", d.Label,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// EntityMessage is the payload of the entity sync feed.
type EntityMessage struct {
	TenantID string                  `json:"tenantId,omitempty"`
	Entity   domain.ComplianceEntity `json:"entity"`
}

func (w *Worker) processEntity(ctx context.Context, tenantID string, msg *domain.Message) error {
	var em EntityMessage
	if err := json.Unmarshal(msg.Payload, &em); err != nil {
		slog.Error("failed to parse entity message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if tenantID == GlobalTenantID {
		tenantID = em.TenantID
	}

	if err := w.entities.UpsertEntity(ctx, tenantID, &em.Entity); err != nil {
		slog.Warn("entity sync rejected",
			"tenant_id", tenantID,
			"entity_id", em.Entity.ID,
			"error", err,
		)
		return err
	}
	return nil
}

func (w *Worker) reply(ctx context.Context, msg *domain.Message, r DecisionReply) {
	if msg.ReplyTo == "" {
		return
	}
	payload, err := json.Marshal(r)
	if err != nil {
		slog.Error("failed to encode decision reply", "message_id", msg.ID, "error", err)
		return
	}
	if err := w.bus.Respond(ctx, msg, payload); err != nil {
		slog.Error("failed to send decision reply", "message_id", msg.ID, "error", err)
	}
}

// Stop cancels the subscriptions.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}

package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"coupon-redemption-api/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventCouponValidated is emitted after every validation, applied or rejected
	EventCouponValidated EventType = "coupon.validated"
	// EventCouponCommitted is emitted when a staged redemption is committed
	EventCouponCommitted EventType = "coupon.committed"
	// EventPersistenceFailed is emitted when the durable store refuses a write
	EventPersistenceFailed EventType = "persistence.failed"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// CouponValidatedData contains data for coupon validated events.
type CouponValidatedData struct {
	ProjectID  string
	CouponCode string
	Status     models.Status
}

// CouponCommittedData contains data for coupon committed events.
type CouponCommittedData struct {
	CouponID string
	Record   models.RedemptionRecord
}

// PersistenceFailedData contains data for persistence failure events.
type PersistenceFailedData struct {
	Operation string
	ProjectID string
	Err       error
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewManager creates a new event manager.
func NewManager(enabled bool, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
		logger:   logger,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish publishes an event to all subscribed handlers. Handlers run in their
// own goroutines and never block the publisher.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	if m == nil {
		return
	}

	m.mu.RLock()
	enabled := m.enabled
	handlers := m.handlers[eventType]
	m.mu.RUnlock()

	if !enabled || len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	// Handlers outlive the request that published the event.
	ctx = context.WithoutCancel(ctx)
	for _, handler := range handlers {
		m.wg.Add(1)
		go func(h Handler) {
			defer m.wg.Done()
			if err := h(ctx, event); err != nil {
				m.logger.Warn("event handler failed", zap.String("event", string(eventType)), zap.Error(err))
			}
		}(handler)
	}
}

// PublishCouponValidated publishes a coupon validated event.
func (m *Manager) PublishCouponValidated(ctx context.Context, projectID, code string, status models.Status) {
	m.Publish(ctx, EventCouponValidated, CouponValidatedData{
		ProjectID:  projectID,
		CouponCode: code,
		Status:     status,
	})
}

// PublishCouponCommitted publishes a coupon committed event.
func (m *Manager) PublishCouponCommitted(ctx context.Context, couponID string, rec models.RedemptionRecord) {
	m.Publish(ctx, EventCouponCommitted, CouponCommittedData{CouponID: couponID, Record: rec})
}

// PublishPersistenceFailed publishes a persistence failure event.
func (m *Manager) PublishPersistenceFailed(ctx context.Context, op, projectID string, err error) {
	m.Publish(ctx, EventPersistenceFailed, PersistenceFailedData{
		Operation: op,
		ProjectID: projectID,
		Err:       err,
	})
}

// Shutdown stops accepting events and waits for running handlers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.mu.Unlock()

	m.wg.Wait()
}

// Package intake durably records webhook deliveries before any interpretation.
package intake

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
	"github.com/TallManCycles/challenge-sub001/internal/observability"
)

// Notifier is woken after a delivery is stored.
type Notifier interface {
	Trigger()
}

// Service stores raw notifications.
type Service struct {
	store    domain.NotificationRepository
	notifier Notifier
	ids      domain.IDProvider
	clock    func() time.Time
	logger   *zap.Logger
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Store      domain.NotificationRepository
	Notifier   Notifier
	IDProvider domain.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// NewService validates cfg.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, domain.NewServiceError("intake", "missing_store", nil)
	}
	if cfg.IDProvider == nil {
		cfg.IDProvider = domain.NewUUIDProvider()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		ids:      cfg.IDProvider,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// Receive persists body unchanged as an unprocessed notification and returns its id. Unknown
// kinds are stored too so their failure is visible to operators.
func (s *Service) Receive(ctx context.Context, rawKind string, mode domain.DeliveryMode, body []byte) (string, error) {
	kind, known := domain.ParseKind(rawKind)
	if kind == "" {
		return "", fmt.Errorf("%w: empty notification kind", domain.ErrUnknownKind)
	}

	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate notification id: %w", err)
	}

	payload := make([]byte, len(body))
	copy(payload, body)

	n := domain.RawNotification{
		ID:         id,
		Kind:       kind,
		Mode:       mode,
		Payload:    payload,
		ReceivedAt: s.clock().UTC(),
		Status:     domain.StatusUnprocessed,
	}
	if err := s.store.InsertNotification(ctx, n); err != nil {
		return "", fmt.Errorf("store notification: %w", err)
	}

	observability.RecordNotificationReceived(string(kind), string(mode))
	if !known {
		s.logger.Warn("stored notification with unknown kind", zap.String("notification_id", id), zap.String("kind", string(kind)))
	}
	if s.notifier != nil {
		s.notifier.Trigger()
	}
	return id, nil
}

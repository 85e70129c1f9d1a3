package normalize

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
)

// Reconcile records link and promotes every activity awaiting that external account to owned.
// The promoted activities are returned so the caller can aggregate them.
func (n *Normalizer) Reconcile(ctx context.Context, link domain.AccountLink) ([]domain.CanonicalActivity, error) {
	if strings.TrimSpace(link.ExternalUserID) == "" || strings.TrimSpace(link.UserID) == "" {
		return nil, fmt.Errorf("%w: link requires external and platform user ids", domain.ErrMalformedPayload)
	}
	if link.Provider == "" {
		link.Provider = n.provider
	}
	if link.LinkedAt.IsZero() {
		link.LinkedAt = n.clock().UTC()
	}

	if err := n.store.UpsertAccountLink(ctx, link); err != nil {
		return nil, fmt.Errorf("upsert account link: %w", err)
	}

	promoted, err := n.store.PromoteAwaitingOwner(ctx, link.Provider, link.ExternalUserID, link.UserID)
	if err != nil {
		return nil, fmt.Errorf("promote awaiting activities: %w", err)
	}

	n.logger.Info("account linked",
		zap.String("provider", link.Provider),
		zap.String("external_user_id", link.ExternalUserID),
		zap.String("user_id", link.UserID),
		zap.Int("promoted", len(promoted)),
	)
	return promoted, nil
}

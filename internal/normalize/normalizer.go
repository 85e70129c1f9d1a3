// Package normalize converts source-specific activity data into CanonicalActivity rows.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
	"github.com/TallManCycles/challenge-sub001/internal/observability"
)

// DefaultProvider names the wearable platform that delivers webhooks.
const DefaultProvider = "wearable"

// Store is the persistence surface the normalizer needs.
type Store interface {
	domain.ActivityRepository
	domain.AccountRepository
}

// Config wires a Normalizer.
type Config struct {
	Store      Store
	Fetcher    Fetcher
	Decoder    FileDecoder
	Provider   string
	Clock      func() time.Time
	IDProvider domain.IDProvider
	Logger     *zap.Logger
}

// Normalizer maps raw deliveries, uploads and manual entries to canonical activities.
type Normalizer struct {
	store    Store
	fetcher  Fetcher
	decoder  FileDecoder
	provider string
	clock    func() time.Time
	ids      domain.IDProvider
	logger   *zap.Logger
	schemas  *entrySchemas
}

// Outcome summarises one normalization pass.
type Outcome struct {
	Stored     []domain.CanonicalActivity
	Duplicates int
	Unresolved int
}

// Owned returns the stored activities that are ready for aggregation.
func (o Outcome) Owned() []domain.CanonicalActivity {
	owned := make([]domain.CanonicalActivity, 0, len(o.Stored))
	for _, a := range o.Stored {
		if a.Owned() {
			owned = append(owned, a)
		}
	}
	return owned
}

// NewNormalizer validates cfg and returns a ready Normalizer.
func NewNormalizer(cfg Config) (*Normalizer, error) {
	if cfg.Store == nil {
		return nil, domain.NewServiceError("normalize", "missing_store", nil)
	}
	if cfg.Logger == nil {
		return nil, domain.NewServiceError("normalize", "missing_logger", nil)
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = NewHTTPFetcher(HTTPFetcherConfig{})
	}
	if cfg.Decoder == nil {
		cfg.Decoder = JSONFileDecoder{}
	}
	if cfg.Provider == "" {
		cfg.Provider = DefaultProvider
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.IDProvider == nil {
		cfg.IDProvider = domain.NewUUIDProvider()
	}

	schemas, err := compileEntrySchemas()
	if err != nil {
		return nil, domain.NewServiceError("normalize", "schema", err)
	}

	return &Normalizer{
		store:    cfg.Store,
		fetcher:  cfg.Fetcher,
		decoder:  cfg.Decoder,
		provider: cfg.Provider,
		clock:    cfg.Clock,
		ids:      cfg.IDProvider,
		logger:   cfg.Logger,
		schemas:  schemas,
	}, nil
}

// Normalize interprets notification and durably stores every embedded activity. The returned error, if any,
// is classified with domain.Permanent or domain.Transient; the caller must only mark it processed
// when err is nil.
func (n *Normalizer) Normalize(ctx context.Context, notification domain.RawNotification) (Outcome, error) {
	layout, ok := kindLayouts[notification.Kind]
	if !ok {
		observability.RecordActivity(string(domain.SourceWearablePush), "unknown_kind")
		return Outcome{}, domain.Permanent(fmt.Errorf("%w: %q", domain.ErrUnknownKind, notification.Kind))
	}

	drafts, err := n.interpret(ctx, layout, notification)
	if err != nil {
		observability.RecordActivity(string(domain.SourceWearablePush), "rejected")
		return Outcome{}, classify(err)
	}

	var outcome Outcome
	for _, draft := range drafts {
		draft.Source = domain.SourceWearablePush
		draft.NotificationID = notification.ID
		stored, created, err := n.persist(ctx, draft)
		if err != nil {
			return outcome, classify(err)
		}
		if !created {
			outcome.Duplicates++
			continue
		}
		if !stored.Owned() {
			outcome.Unresolved++
		}
		outcome.Stored = append(outcome.Stored, stored)
	}

	n.logger.Debug("notification normalized",
		zap.String("notification_id", notification.ID),
		zap.String("kind", string(notification.Kind)),
		zap.Int("stored", len(outcome.Stored)),
		zap.Int("duplicates", outcome.Duplicates),
		zap.Int("unresolved", outcome.Unresolved),
	)
	return outcome, nil
}

func (n *Normalizer) interpret(ctx context.Context, layout kindLayout, notification domain.RawNotification) ([]domain.CanonicalActivity, error) {
	entries, err := extractEntries(layout.listKey, notification.Payload)
	if err != nil {
		return nil, err
	}

	fallback := notification.ReceivedAt
	if fallback.IsZero() {
		fallback = n.clock()
	}

	var drafts []domain.CanonicalActivity
	for _, raw := range entries {
		switch {
		case layout.fetchesFile:
			activity, err := n.fetchFile(ctx, raw, fallback)
			if err != nil {
				return nil, err
			}
			drafts = append(drafts, activity)
		case notification.Mode == domain.DeliveryPing:
			fetched, err := n.fetchCallback(ctx, layout, raw, fallback)
			if err != nil {
				return nil, err
			}
			drafts = append(drafts, fetched...)
		default:
			activity, err := n.parseEntry(layout, raw, fallback)
			if err != nil {
				return nil, err
			}
			drafts = append(drafts, activity)
		}
	}
	return drafts, nil
}

func (n *Normalizer) parseEntry(layout kindLayout, raw []byte, fallback time.Time) (domain.CanonicalActivity, error) {
	if err := n.schemas.validateActivity(raw); err != nil {
		return domain.CanonicalActivity{}, err
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		return domain.CanonicalActivity{}, err
	}
	return layout.parse(entry, fallback)
}

// fetchCallback resolves a ping entry by fetching its callback and parsing the response as an
// inline delivery of the same kind.
func (n *Normalizer) fetchCallback(ctx context.Context, layout kindLayout, raw []byte, fallback time.Time) ([]domain.CanonicalActivity, error) {
	if err := n.schemas.validateCallback(raw); err != nil {
		return nil, err
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		return nil, err
	}

	body, err := n.fetcher.Fetch(ctx, entry.CallbackURL)
	if err != nil {
		return nil, err
	}

	fetched, err := extractEntries(layout.listKey, body)
	if err != nil {
		return nil, err
	}
	drafts := make([]domain.CanonicalActivity, 0, len(fetched))
	for _, item := range fetched {
		activity, err := n.parseEntry(layout, item, fallback)
		if err != nil {
			return nil, err
		}
		if activity.ExternalUserID == "" {
			activity.ExternalUserID = string(entry.UserID)
		}
		drafts = append(drafts, activity)
	}
	return drafts, nil
}

func (n *Normalizer) fetchFile(ctx context.Context, raw []byte, fallback time.Time) (domain.CanonicalActivity, error) {
	if err := n.schemas.validateCallback(raw); err != nil {
		return domain.CanonicalActivity{}, err
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		return domain.CanonicalActivity{}, err
	}

	body, err := n.fetcher.Fetch(ctx, entry.CallbackURL)
	if err != nil {
		return domain.CanonicalActivity{}, err
	}

	decoded, err := n.decoder.Decode(entry.FileType, body)
	if err != nil {
		return domain.CanonicalActivity{}, err
	}
	if decoded.SourceID == "" {
		decoded.SourceID = entry.sourceID()
	}
	if decoded.SourceID == "" {
		return domain.CanonicalActivity{}, fmt.Errorf("%w: activity file has no identifier", domain.ErrMalformedPayload)
	}
	if decoded.ExternalUserID == "" {
		decoded.ExternalUserID = string(entry.UserID)
	}
	if decoded.StartTime.IsZero() {
		decoded.StartTime = fallback.UTC()
	}
	return decoded, nil
}

// persist deduplicates by (source, source id), resolves the owner and inserts the activity.
// created is false when an equivalent activity already exists.
func (n *Normalizer) persist(ctx context.Context, draft domain.CanonicalActivity) (domain.CanonicalActivity, bool, error) {
	existing, err := n.store.FindActivityBySource(ctx, draft.Source, draft.SourceID)
	if err != nil {
		return domain.CanonicalActivity{}, false, domain.Transient(fmt.Errorf("dedup lookup: %w", err))
	}
	if existing != nil {
		observability.RecordActivity(string(draft.Source), "duplicate")
		return *existing, false, nil
	}

	if draft.Provider == "" {
		draft.Provider = n.provider
	}
	if draft.UserID == "" {
		if err := n.resolveOwner(ctx, &draft); err != nil {
			return domain.CanonicalActivity{}, false, err
		}
	} else {
		draft.OwnerStatus = domain.OwnerOwned
	}

	id, err := n.ids.NewID()
	if err != nil {
		return domain.CanonicalActivity{}, false, domain.Transient(fmt.Errorf("generate activity id: %w", err))
	}
	draft.ID = id
	draft.CreatedAt = n.clock().UTC()

	created, err := n.store.InsertActivity(ctx, draft)
	if err != nil {
		return domain.CanonicalActivity{}, false, domain.Transient(fmt.Errorf("insert activity: %w", err))
	}
	if !created {
		// Lost a race with a concurrent insert of the same source id; report the stored row.
		observability.RecordActivity(string(draft.Source), "duplicate")
		winner, err := n.store.FindActivityBySource(ctx, draft.Source, draft.SourceID)
		if err != nil {
			return domain.CanonicalActivity{}, false, domain.Transient(fmt.Errorf("reload duplicate: %w", err))
		}
		if winner == nil {
			return domain.CanonicalActivity{}, false, domain.Transient(fmt.Errorf("activity %s/%s vanished after conflict", draft.Source, draft.SourceID))
		}
		return *winner, false, nil
	}

	result := "owned"
	if !draft.Owned() {
		result = "awaiting_owner"
	}
	observability.RecordActivity(string(draft.Source), result)
	observability.RecordActivityPersisted(draft.CreatedAt)
	return draft, true, nil
}

func (n *Normalizer) resolveOwner(ctx context.Context, draft *domain.CanonicalActivity) error {
	draft.OwnerStatus = domain.OwnerAwaitingMatch
	if strings.TrimSpace(draft.ExternalUserID) == "" {
		return nil
	}
	link, err := n.store.FindAccountLink(ctx, draft.Provider, draft.ExternalUserID)
	if err != nil {
		return domain.Transient(fmt.Errorf("account lookup: %w", err))
	}
	if link != nil {
		draft.UserID = link.UserID
		draft.OwnerStatus = domain.OwnerOwned
	}
	return nil
}

// classify guarantees every error leaving the package carries a failure kind.
func classify(err error) error {
	var perr *domain.ProcessingError
	if errors.As(err, &perr) {
		return err
	}
	if domain.Classify(err) == domain.FailurePermanent {
		return domain.Permanent(err)
	}
	return domain.Transient(err)
}

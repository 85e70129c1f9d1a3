// Package api exposes the pipeline's HTTP surface: webhook intake, uploads, manual entries,
// challenge administration and leaderboard reads.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/TallManCycles/challenge-sub001/internal/auth"
	"github.com/TallManCycles/challenge-sub001/internal/domain"
	"github.com/TallManCycles/challenge-sub001/internal/leaderboard"
	"github.com/TallManCycles/challenge-sub001/internal/normalize"
)

// Receiver durably records webhook deliveries.
type Receiver interface {
	Receive(ctx context.Context, rawKind string, mode domain.DeliveryMode, body []byte) (string, error)
}

// ActivityNormalizer turns uploads, manual entries and account links into canonical activities.
type ActivityNormalizer interface {
	NormalizeUpload(ctx context.Context, rec normalize.UploadedFileRecord) (domain.CanonicalActivity, bool, error)
	NormalizeManual(ctx context.Context, entry normalize.ManualEntry) (domain.CanonicalActivity, bool, error)
	Reconcile(ctx context.Context, link domain.AccountLink) ([]domain.CanonicalActivity, error)
}

// ProgressService applies activities and derives per-day series.
type ProgressService interface {
	Apply(ctx context.Context, activity domain.CanonicalActivity) ([]domain.ParticipantProgress, error)
	DailySeries(ctx context.Context, challengeID, userID string, now time.Time) ([]domain.DailyProgressPoint, error)
}

// Leaderboard ranks challenge participants.
type Leaderboard interface {
	Rank(ctx context.Context, challengeID string) ([]leaderboard.Standing, error)
	Invalidate(ctx context.Context, challengeID string) error
}

// Pipeline controls the background retry scheduler.
type Pipeline interface {
	Trigger()
	Reprocess(ctx context.Context, includePermanent bool) (int, error)
}

// Store is the read and seeding surface the handlers touch directly.
type Store interface {
	ListFailed(ctx context.Context, cursor *domain.Cursor, limit int) ([]domain.RawNotification, *domain.Cursor, error)
	SaveChallenge(ctx context.Context, c domain.Challenge) error
	GetChallenge(ctx context.Context, id string) (*domain.Challenge, error)
	JoinChallenge(ctx context.Context, challengeID, userID string, at time.Time) (*domain.ParticipantProgress, error)
}

// Config wires a Handler.
type Config struct {
	Intake        Receiver
	Normalizer    ActivityNormalizer
	Progress      ProgressService
	Leaderboard   Leaderboard
	Pipeline      Pipeline
	Store         Store
	WebhookHeader string
	UploadSecret  string
	MaxBodyBytes  int64
	// WebhookMaxBodyBytes bounds webhook deliveries, which cannot be resized by the sender.
	WebhookMaxBodyBytes int64
	Clock               func() time.Time
	Logger              *zap.Logger
}

// Handler coordinates HTTP requests with the pipeline services.
type Handler struct {
	intake              Receiver
	normalizer          ActivityNormalizer
	progress            ProgressService
	leaderboard         Leaderboard
	pipeline            Pipeline
	store               Store
	webhookHeader       string
	uploadSecret        string
	maxBodyBytes        int64
	webhookMaxBodyBytes int64
	clock               func() time.Time
	logger              *zap.Logger
}

// NewHandler validates cfg and builds a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	switch {
	case cfg.Intake == nil:
		return nil, domain.NewServiceError("api", "missing_intake", nil)
	case cfg.Normalizer == nil:
		return nil, domain.NewServiceError("api", "missing_normalizer", nil)
	case cfg.Progress == nil:
		return nil, domain.NewServiceError("api", "missing_progress", nil)
	case cfg.Leaderboard == nil:
		return nil, domain.NewServiceError("api", "missing_leaderboard", nil)
	case cfg.Pipeline == nil:
		return nil, domain.NewServiceError("api", "missing_pipeline", nil)
	case cfg.Store == nil:
		return nil, domain.NewServiceError("api", "missing_store", nil)
	case cfg.WebhookHeader == "":
		return nil, domain.NewServiceError("api", "missing_webhook_header", nil)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.WebhookMaxBodyBytes < cfg.MaxBodyBytes {
		cfg.WebhookMaxBodyBytes = max(cfg.MaxBodyBytes, 64<<20)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Handler{
		intake:              cfg.Intake,
		normalizer:          cfg.Normalizer,
		progress:            cfg.Progress,
		leaderboard:         cfg.Leaderboard,
		pipeline:            cfg.Pipeline,
		store:               cfg.Store,
		webhookHeader:       cfg.WebhookHeader,
		uploadSecret:        cfg.UploadSecret,
		maxBodyBytes:        cfg.MaxBodyBytes,
		webhookMaxBodyBytes: cfg.WebhookMaxBodyBytes,
		clock:               cfg.Clock,
		logger:              cfg.Logger,
	}, nil
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/webhooks/push/{kind}", h.webhook(domain.DeliveryPush))
	mux.HandleFunc("POST /v1/webhooks/ping/{kind}", h.webhook(domain.DeliveryPing))
	mux.HandleFunc("POST /v1/uploads", h.upload)
	mux.HandleFunc("POST /v1/activities", h.createManualActivity)
	mux.HandleFunc("POST /v1/accounts/links", h.linkAccount)

	mux.HandleFunc("POST /v1/admin/reprocess", h.reprocess)
	mux.HandleFunc("GET /v1/admin/notifications/failed", h.listFailed)

	mux.HandleFunc("PUT /v1/challenges/{id}", h.saveChallenge)
	mux.HandleFunc("POST /v1/challenges/{id}/participants", h.joinChallenge)
	mux.HandleFunc("GET /v1/challenges/{id}/leaderboard", h.getLeaderboard)
	mux.HandleFunc("GET /v1/challenges/{id}/participants/{userID}/series", h.getSeries)

	mux.HandleFunc("GET /healthz", healthz)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Routes returns the mux wrapped with request logging and body limits. Authentication is
// layered on by the caller.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return requestLogger(h.logger, limitBody(h.maxBodyBytes, h.webhookMaxBodyBytes, mux))
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// requireScope writes 401/403 and returns nil when the caller lacks scope.
func requireScope(w http.ResponseWriter, r *http.Request, scope string) *auth.Claims {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil
	}
	if !claims.HasScope(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return nil
	}
	return claims
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeServiceError maps pipeline errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, normalize.ErrUnsupportedFormat):
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_format", err.Error())
	case errors.Is(err, domain.ErrMalformedPayload), errors.Is(err, domain.ErrUnknownKind), errors.Is(err, domain.ErrUnknownDimension):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrVersionConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		h.logger.Error("request failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "unavailable", "temporarily unable to complete request")
	}
}

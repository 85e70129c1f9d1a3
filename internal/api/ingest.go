package api

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TallManCycles/challenge-sub001/internal/auth"
	"github.com/TallManCycles/challenge-sub001/internal/domain"
	"github.com/TallManCycles/challenge-sub001/internal/normalize"
)

const (
	uploadSecretHeader   = "X-Upload-Secret"
	idempotencyKeyHeader = "Idempotency-Key"
	maxUploadMemory      = 8 << 20
)

// webhook stores the delivery before answering. The wearable platform only ever sees
// success, except when storage fails and a redelivery is wanted.
func (h *Handler) webhook(mode domain.DeliveryMode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get(h.webhookHeader)) == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+h.webhookHeader+" header")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				h.logger.Error("webhook delivery exceeds body limit; not stored",
					zap.String("kind", r.PathValue("kind")),
					zap.String("mode", string(mode)),
					zap.Int64("limit", tooLarge.Limit),
				)
			}
			h.writeServiceError(w, "webhook.read", err)
			return
		}

		id, err := h.intake.Receive(r.Context(), r.PathValue("kind"), mode, body)
		if err != nil {
			if errors.Is(err, domain.ErrUnknownKind) {
				writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
				return
			}
			h.writeServiceError(w, "webhook.receive", err)
			return
		}
		writeJSON(w, http.StatusOK, WebhookResponse{ID: id})
	}
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	presented := r.Header.Get(uploadSecretHeader)
	if h.uploadSecret == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(h.uploadSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid upload secret")
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			h.writeServiceError(w, "upload.parse", err)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "expected multipart form")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeServiceError(w, "upload.read", err)
		return
	}

	rec := normalize.UploadedFileRecord{
		Provider:       strings.TrimSpace(r.FormValue("provider")),
		ExternalUserID: strings.TrimSpace(r.FormValue("external_user_id")),
		SourceID:       strings.TrimSpace(r.FormValue("source_id")),
		FileType:       strings.TrimSpace(r.FormValue("file_type")),
		Data:           data,
		UploadedAt:     h.clock().UTC(),
	}
	if rec.Provider == "" || rec.ExternalUserID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "provider and external_user_id are required")
		return
	}

	activity, created, err := h.normalizer.NormalizeUpload(r.Context(), rec)
	if err != nil {
		h.writeServiceError(w, "upload.normalize", err)
		return
	}
	if created {
		h.aggregate(r, activity)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toActivityView(activity, !created))
}

func (h *Handler) createManualActivity(w http.ResponseWriter, r *http.Request) {
	claims := requireScope(w, r, auth.ScopeActivitiesWrite)
	if claims == nil {
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	if key == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "Idempotency-Key header is required")
		return
	}

	var req ManualActivityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = claims.Subject
	}

	activity, replay, err := h.normalizer.NormalizeManual(r.Context(), normalize.ManualEntry{
		UserID:              userID,
		IdempotencyKey:      key,
		ActivityType:        req.ActivityType,
		StartTime:           req.StartTime,
		Duration:            time.Duration(req.DurationSeconds * float64(time.Second)),
		DistanceMeters:      req.DistanceMeters,
		ElevationGainMeters: req.ElevationGainMeters,
		AvgHeartRate:        req.AvgHeartRate,
	})
	if err != nil {
		h.writeServiceError(w, "manual.normalize", err)
		return
	}
	if !replay {
		h.aggregate(r, activity)
	}

	status := http.StatusAccepted
	if replay {
		status = http.StatusOK
	}
	writeJSON(w, status, toActivityView(activity, replay))
}

func (h *Handler) linkAccount(w http.ResponseWriter, r *http.Request) {
	if claims := requireScope(w, r, auth.ScopeActivitiesWrite); claims == nil {
		return
	}

	var req AccountLinkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	promoted, err := h.normalizer.Reconcile(r.Context(), domain.AccountLink{
		Provider:       strings.TrimSpace(req.Provider),
		ExternalUserID: strings.TrimSpace(req.ExternalUserID),
		UserID:         strings.TrimSpace(req.UserID),
		LinkedAt:       h.clock().UTC(),
	})
	if err != nil {
		h.writeServiceError(w, "accounts.link", err)
		return
	}
	if len(promoted) > 0 {
		h.pipeline.Trigger()
	}
	writeJSON(w, http.StatusOK, AccountLinkResponse{Promoted: len(promoted)})
}

// aggregate applies a freshly stored activity. Failures are left to the scheduler's sweep.
func (h *Handler) aggregate(r *http.Request, activity domain.CanonicalActivity) {
	if !activity.Owned() {
		return
	}
	if _, err := h.progress.Apply(r.Context(), activity); err != nil {
		h.logger.Warn("inline aggregation failed; deferring to sweep",
			zap.String("activity_id", activity.ID),
			zap.Error(err),
		)
		h.pipeline.Trigger()
	}
}

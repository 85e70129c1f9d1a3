package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TallManCycles/challenge-sub001/internal/auth"
	"github.com/TallManCycles/challenge-sub001/internal/domain"
	"github.com/TallManCycles/challenge-sub001/internal/persistence"
)

const dateLayout = "2006-01-02"

func (h *Handler) saveChallenge(w http.ResponseWriter, r *http.Request) {
	if claims := requireScope(w, r, auth.ScopePipelineAdmin); claims == nil {
		return
	}

	var req ChallengeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	challenge, err := req.toDomain(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	if err := h.store.SaveChallenge(r.Context(), challenge); err != nil {
		h.writeServiceError(w, "challenges.save", err)
		return
	}
	h.invalidate(r, challenge.ID)
	writeJSON(w, http.StatusOK, toChallengeView(challenge))
}

func (h *Handler) joinChallenge(w http.ResponseWriter, r *http.Request) {
	if claims := requireScope(w, r, auth.ScopePipelineAdmin); claims == nil {
		return
	}

	var req JoinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "user_id is required")
		return
	}

	challengeID := r.PathValue("id")
	if _, err := h.store.GetChallenge(r.Context(), challengeID); err != nil {
		h.writeServiceError(w, "challenges.get", err)
		return
	}

	joinedAt := h.clock().UTC()
	if req.JoinedAt != nil {
		joinedAt = req.JoinedAt.UTC()
	}
	progress, err := h.store.JoinChallenge(r.Context(), challengeID, userID, joinedAt)
	if err != nil {
		h.writeServiceError(w, "challenges.join", err)
		return
	}
	h.invalidate(r, challengeID)
	writeJSON(w, http.StatusCreated, toParticipantView(*progress))
}

func (h *Handler) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	if claims := requireScope(w, r, auth.ScopeChallengesRead); claims == nil {
		return
	}

	challengeID := r.PathValue("id")
	standings, err := h.leaderboard.Rank(r.Context(), challengeID)
	if err != nil {
		h.writeServiceError(w, "leaderboard.rank", err)
		return
	}
	writeJSON(w, http.StatusOK, LeaderboardResponse{ChallengeID: challengeID, Standings: standings})
}

func (h *Handler) getSeries(w http.ResponseWriter, r *http.Request) {
	if claims := requireScope(w, r, auth.ScopeChallengesRead); claims == nil {
		return
	}

	challengeID, userID := r.PathValue("id"), r.PathValue("userID")
	points, err := h.progress.DailySeries(r.Context(), challengeID, userID, h.clock())
	if err != nil {
		h.writeServiceError(w, "progress.series", err)
		return
	}

	resp := SeriesResponse{
		ChallengeID: challengeID,
		UserID:      userID,
		Points:      make([]SeriesPointView, 0, len(points)),
	}
	for _, p := range points {
		resp.Points = append(resp.Points, SeriesPointView{
			Date:       p.Date.Format(dateLayout),
			Value:      p.Value,
			Cumulative: p.Cumulative,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) reprocess(w http.ResponseWriter, r *http.Request) {
	if claims := requireScope(w, r, auth.ScopePipelineAdmin); claims == nil {
		return
	}

	includePermanent := false
	if raw := r.URL.Query().Get("include_permanent"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "include_permanent must be a boolean")
			return
		}
		includePermanent = parsed
	}

	requeued, err := h.pipeline.Reprocess(r.Context(), includePermanent)
	if err != nil {
		h.writeServiceError(w, "admin.reprocess", err)
		return
	}
	writeJSON(w, http.StatusAccepted, ReprocessResponse{Requeued: requeued})
}

func (h *Handler) listFailed(w http.ResponseWriter, r *http.Request) {
	if claims := requireScope(w, r, auth.ScopePipelineAdmin); claims == nil {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > 200 {
				parsed = 200
			}
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	notifications, next, err := h.store.ListFailed(r.Context(), cursor, limit)
	if err != nil {
		h.writeServiceError(w, "admin.list_failed", err)
		return
	}

	resp := FailedNotificationsResponse{
		Items:      make([]NotificationView, 0, len(notifications)),
		NextCursor: persistence.EncodeCursor(next),
	}
	for _, n := range notifications {
		resp.Items = append(resp.Items, toNotificationView(n))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) invalidate(r *http.Request, challengeID string) {
	if err := h.leaderboard.Invalidate(r.Context(), challengeID); err != nil {
		h.logger.Warn("leaderboard invalidation failed", zap.String("challenge_id", challengeID), zap.Error(err))
	}
}

func parseDate(field, raw string) (time.Time, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, &fieldError{field: field, msg: "must be a YYYY-MM-DD date"}
	}
	return t, nil
}

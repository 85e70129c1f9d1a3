package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TallManCycles/challenge-sub001/internal/auth"
	"github.com/TallManCycles/challenge-sub001/internal/domain"
	"github.com/TallManCycles/challenge-sub001/internal/intake"
	"github.com/TallManCycles/challenge-sub001/internal/leaderboard"
	"github.com/TallManCycles/challenge-sub001/internal/normalize"
	"github.com/TallManCycles/challenge-sub001/internal/persistence/sqlite"
	"github.com/TallManCycles/challenge-sub001/internal/progress"
)

var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type stubPipeline struct {
	mu               sync.Mutex
	triggers         int
	includePermanent []bool
	requeued         int
}

func (s *stubPipeline) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers++
}

func (s *stubPipeline) Reprocess(_ context.Context, includePermanent bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.includePermanent = append(s.includePermanent, includePermanent)
	return s.requeued, nil
}

func (s *stubPipeline) triggerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggers
}

type receiverFunc func(ctx context.Context, rawKind string, mode domain.DeliveryMode, body []byte) (string, error)

func (f receiverFunc) Receive(ctx context.Context, rawKind string, mode domain.DeliveryMode, body []byte) (string, error) {
	return f(ctx, rawKind, mode, body)
}

type harness struct {
	store    *sqlite.Store
	pipeline *stubPipeline
	handler  *Handler
	routes   http.Handler
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	logger := zap.NewNop()
	clock := func() time.Time { return now }

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pipeline := &stubPipeline{}
	intakeSvc, err := intake.NewService(intake.ServiceConfig{Store: store, Notifier: pipeline, Clock: clock, Logger: logger})
	require.NoError(t, err)

	normalizer, err := normalize.NewNormalizer(normalize.Config{Store: store, Clock: clock, Logger: logger})
	require.NoError(t, err)

	ranker, err := leaderboard.NewRanker(store, nil, logger)
	require.NoError(t, err)

	aggregator, err := progress.NewAggregator(progress.Config{Store: store, Invalidator: ranker, Clock: clock, Logger: logger})
	require.NoError(t, err)

	cfg := Config{
		Intake:        intakeSvc,
		Normalizer:    normalizer,
		Progress:      aggregator,
		Leaderboard:   ranker,
		Pipeline:      pipeline,
		Store:         store,
		WebhookHeader: "X-Webhook-Source",
		UploadSecret:  "upload-secret",
		MaxBodyBytes:  1 << 20,
		Clock:         clock,
		Logger:        logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	handler, err := NewHandler(cfg)
	require.NoError(t, err)
	return &harness{store: store, pipeline: pipeline, handler: handler, routes: handler.Routes()}
}

func withScopes(req *http.Request, subject string, scopes ...string) *http.Request {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{
		Subject:   subject,
		Scopes:    set,
		ExpiresAt: now.Add(time.Hour),
	}))
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.routes.ServeHTTP(rr, req)
	return rr
}

func (h *harness) seedChallenge(t *testing.T, id string, users ...string) {
	t.Helper()
	body := `{"name":"March 50k","dimension":"distance","target":50000,"start_date":"2024-03-01","end_date":"2024-03-31"}`
	rr := h.do(withScopes(httptest.NewRequest(http.MethodPut, "/v1/challenges/"+id, strings.NewReader(body)), "admin", auth.ScopePipelineAdmin))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	for i, user := range users {
		joined := now.AddDate(0, 0, -9).Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		req := httptest.NewRequest(http.MethodPost, "/v1/challenges/"+id+"/participants",
			strings.NewReader(`{"user_id":"`+user+`","joined_at":"`+joined+`"}`))
		rr := h.do(withScopes(req, "admin", auth.ScopePipelineAdmin))
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	}
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestNewHandlerRequiresDependencies(t *testing.T) {
	_, err := NewHandler(Config{})
	var svcErr *domain.ServiceError
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, "api.missing_intake", svcErr.Code())
}

func TestWebhookWithoutRequiredHeaderStoresNothing(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/push/activity-summary", strings.NewReader(`{"activities":[]}`))
	rr := h.do(req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Zero(t, h.pipeline.triggerCount())
}

func TestWebhookStoresPayloadVerbatim(t *testing.T) {
	h := newHarness(t)
	body := `{"activities":[{"summaryId":"s-1","userId":"ext-1","distanceInMeters":1200}]}`

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/push/activity-summary", strings.NewReader(body))
	req.Header.Set("X-Webhook-Source", "wearable")
	rr := h.do(req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[WebhookResponse](t, rr)
	require.NotEmpty(t, resp.ID)
	require.Equal(t, 1, h.pipeline.triggerCount())

	stored, err := h.store.GetNotification(context.Background(), resp.ID)
	require.NoError(t, err)
	require.Equal(t, body, string(stored.Payload))
	require.Equal(t, domain.KindActivitySummary, stored.Kind)
	require.Equal(t, domain.DeliveryPush, stored.Mode)
	require.Equal(t, domain.StatusUnprocessed, stored.Status)
}

func TestWebhookAcceptsUnknownKind(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/ping/sleep-summary", strings.NewReader(`{}`))
	req.Header.Set("X-Webhook-Source", "wearable")
	rr := h.do(req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestWebhookStorageFailureIsUnavailable(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Intake = receiverFunc(func(context.Context, string, domain.DeliveryMode, []byte) (string, error) {
			return "", errors.New("database is locked")
		})
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/push/activity-detail", strings.NewReader(`{}`))
	req.Header.Set("X-Webhook-Source", "wearable")
	rr := h.do(req)

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decode[map[string]string](t, rr)
	require.Equal(t, "unavailable", body["type"])
}

func TestWebhookBodyLimit(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.MaxBodyBytes = 16
		cfg.WebhookMaxBodyBytes = 128
	})

	webhook := func(size int) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/push/activity-summary", strings.NewReader(strings.Repeat("x", size)))
		req.Header.Set("X-Webhook-Source", "wearable")
		return h.do(req)
	}

	rr := webhook(64)
	require.Equal(t, http.StatusOK, rr.Code, "webhooks use their own, larger limit")
	stored, err := h.store.GetNotification(context.Background(), decode[WebhookResponse](t, rr).ID)
	require.NoError(t, err)
	require.Len(t, stored.Payload, 64)

	require.Equal(t, http.StatusRequestEntityTooLarge, webhook(256).Code)

	manual := `{"activity_type":"run","start_time":"2024-03-09T07:00:00Z","duration_seconds":1800}`
	req := httptest.NewRequest(http.MethodPost, "/v1/activities", strings.NewReader(manual))
	req.Header.Set("Idempotency-Key", "k1")
	require.Equal(t, http.StatusRequestEntityTooLarge, h.do(withScopes(req, "alice", auth.ScopeActivitiesWrite)).Code)
}

func TestManualActivityAggregatesAndReplays(t *testing.T) {
	h := newHarness(t)
	h.seedChallenge(t, "march", "alice", "bob")

	body := `{"activity_type":"run","start_time":"2024-03-09T07:00:00Z","duration_seconds":1800,"distance_meters":5000}`
	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/activities", strings.NewReader(body))
		req.Header.Set("Idempotency-Key", "run-1")
		return h.do(withScopes(req, "alice", auth.ScopeActivitiesWrite))
	}

	rr := post()
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	created := decode[ActivityView](t, rr)
	require.Equal(t, "alice", created.UserID)
	require.Equal(t, "manual", created.Source)
	require.False(t, created.Replay)

	rr = post()
	require.Equal(t, http.StatusOK, rr.Code)
	replayed := decode[ActivityView](t, rr)
	require.True(t, replayed.Replay)
	require.Equal(t, created.ActivityID, replayed.ActivityID)

	rr = h.do(withScopes(httptest.NewRequest(http.MethodGet, "/v1/challenges/march/leaderboard", nil), "viewer", auth.ScopeChallengesRead))
	require.Equal(t, http.StatusOK, rr.Code)
	board := decode[LeaderboardResponse](t, rr)
	require.Len(t, board.Standings, 2)
	require.Equal(t, "alice", board.Standings[0].UserID)
	require.Equal(t, 5000.0, board.Standings[0].Value)
	require.Equal(t, "bob", board.Standings[1].UserID)
	require.Equal(t, 2, board.Standings[1].Position)

	rr = h.do(withScopes(httptest.NewRequest(http.MethodGet, "/v1/challenges/march/participants/alice/series", nil), "viewer", auth.ScopeChallengesRead))
	require.Equal(t, http.StatusOK, rr.Code)
	series := decode[SeriesResponse](t, rr)
	require.Len(t, series.Points, 10)
	require.Equal(t, "2024-03-10", series.Points[9].Date)
	require.Equal(t, 5000.0, series.Points[9].Cumulative)
	require.Equal(t, 5000.0, series.Points[8].Value)
}

func TestManualActivityAuthorization(t *testing.T) {
	h := newHarness(t)
	body := `{"activity_type":"run","start_time":"2024-03-09T07:00:00Z","duration_seconds":60}`

	rr := h.do(httptest.NewRequest(http.MethodPost, "/v1/activities", strings.NewReader(body)))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/activities", strings.NewReader(body))
	req.Header.Set("Idempotency-Key", "k")
	rr = h.do(withScopes(req, "alice", auth.ScopeChallengesRead))
	require.Equal(t, http.StatusForbidden, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/activities", strings.NewReader(body))
	rr = h.do(withScopes(req, "alice", auth.ScopeActivitiesWrite))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func uploadRequest(t *testing.T, secret string, fields map[string]string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("file", "activity.json")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if secret != "" {
		req.Header.Set("X-Upload-Secret", secret)
	}
	return req
}

func TestUploadAwaitsOwnerThenLinkPromotes(t *testing.T) {
	h := newHarness(t)
	data := []byte(`{"activityType":"ride","startTime":"2024-03-09T07:00:00Z","distanceMeters":20000,"durationSeconds":3600}`)
	fields := map[string]string{"provider": "strava", "external_user_id": "handle-7"}

	rr := h.do(uploadRequest(t, "wrong", fields, data))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = h.do(uploadRequest(t, "upload-secret", fields, data))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	view := decode[ActivityView](t, rr)
	require.Equal(t, "awaiting_owner", view.OwnerStatus)
	require.Equal(t, "uploaded-file", view.Source)

	rr = h.do(uploadRequest(t, "upload-secret", fields, data))
	require.Equal(t, http.StatusOK, rr.Code)

	link := `{"provider":"strava","external_user_id":"handle-7","user_id":"carol"}`
	rr = h.do(withScopes(httptest.NewRequest(http.MethodPost, "/v1/accounts/links", strings.NewReader(link)), "carol", auth.ScopeActivitiesWrite))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, 1, decode[AccountLinkResponse](t, rr).Promoted)
	require.Equal(t, 1, h.pipeline.triggerCount())
}

func TestUploadRejectsUnsupportedFormat(t *testing.T) {
	h := newHarness(t)
	fields := map[string]string{"provider": "garmin", "external_user_id": "x", "file_type": "fit"}

	rr := h.do(uploadRequest(t, "upload-secret", fields, []byte{0x0e, 0x10, 0x43}))
	require.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
}

func TestChallengeValidationAndNotFound(t *testing.T) {
	h := newHarness(t)
	admin := func(req *http.Request) *http.Request { return withScopes(req, "admin", auth.ScopePipelineAdmin) }
	reader := func(req *http.Request) *http.Request { return withScopes(req, "viewer", auth.ScopeChallengesRead) }

	bad := `{"name":"x","dimension":"steps","start_date":"2024-03-01","end_date":"2024-03-31"}`
	rr := h.do(admin(httptest.NewRequest(http.MethodPut, "/v1/challenges/c1", strings.NewReader(bad))))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	reversed := `{"name":"x","dimension":"distance","start_date":"2024-03-31","end_date":"2024-03-01"}`
	rr = h.do(admin(httptest.NewRequest(http.MethodPut, "/v1/challenges/c1", strings.NewReader(reversed))))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(admin(httptest.NewRequest(http.MethodPost, "/v1/challenges/missing/participants", strings.NewReader(`{"user_id":"u"}`))))
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = h.do(reader(httptest.NewRequest(http.MethodGet, "/v1/challenges/missing/leaderboard", nil)))
	require.Equal(t, http.StatusNotFound, rr.Code)

	h.seedChallenge(t, "c2")
	rr = h.do(reader(httptest.NewRequest(http.MethodGet, "/v1/challenges/c2/participants/nobody/series", nil)))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestReprocessPassesFlag(t *testing.T) {
	h := newHarness(t)
	h.pipeline.requeued = 3

	rr := h.do(withScopes(httptest.NewRequest(http.MethodPost, "/v1/admin/reprocess?include_permanent=true", nil), "ops", auth.ScopePipelineAdmin))
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, 3, decode[ReprocessResponse](t, rr).Requeued)
	require.Equal(t, []bool{true}, h.pipeline.includePermanent)

	rr = h.do(withScopes(httptest.NewRequest(http.MethodPost, "/v1/admin/reprocess?include_permanent=maybe", nil), "ops", auth.ScopePipelineAdmin))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListFailedPaginates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i, id := range []string{"n-1", "n-2", "n-3"} {
		require.NoError(t, h.store.InsertNotification(ctx, domain.RawNotification{
			ID:         id,
			Kind:       domain.KindActivitySummary,
			Mode:       domain.DeliveryPush,
			Payload:    []byte(`{}`),
			ReceivedAt: now.Add(time.Duration(i) * time.Minute),
			Status:     domain.StatusInFlight,
		}))
		require.NoError(t, h.store.MarkFailed(ctx, id, domain.Failure{
			Kind:     domain.FailurePermanent,
			Attempts: 1,
			Reason:   "malformed payload",
			At:       now,
		}))
	}

	rr := h.do(withScopes(httptest.NewRequest(http.MethodGet, "/v1/admin/notifications/failed?limit=2", nil), "ops", auth.ScopePipelineAdmin))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	page := decode[FailedNotificationsResponse](t, rr)
	require.Len(t, page.Items, 2)
	require.Equal(t, "n-3", page.Items[0].ID)
	require.Equal(t, "permanent", page.Items[0].FailureKind)
	require.NotEmpty(t, page.NextCursor)

	rr = h.do(withScopes(httptest.NewRequest(http.MethodGet, "/v1/admin/notifications/failed?limit=2&cursor="+url.QueryEscape(page.NextCursor), nil), "ops", auth.ScopePipelineAdmin))
	require.Equal(t, http.StatusOK, rr.Code)
	page = decode[FailedNotificationsResponse](t, rr)
	require.Len(t, page.Items, 1)
	require.Equal(t, "n-1", page.Items[0].ID)
	require.Empty(t, page.NextCursor)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rr := h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/internal/deeplink"
	"companion/internal/domain"
	"companion/internal/storage"
)

const testAPIToken = "s3cret-token"

func setupRouter(t *testing.T, webhook http.Handler) (http.Handler, *storage.BadgerRepository) {
	t.Helper()
	return setupRouterWithToken(t, webhook, testAPIToken)
}

func setupRouterWithToken(t *testing.T, webhook http.Handler, token string) (http.Handler, *storage.BadgerRepository) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	repo, err := storage.NewBadgerRepository(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	issuer := deeplink.NewIssuer(repo, "CompanionBot", "https://t.me/companion_channel", time.Hour, logger)
	return Router(Deps{Webhook: webhook, Issuer: issuer, Links: repo, Due: repo, APIToken: token}, logger), repo
}

// do sends an authenticated request.
func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return doAs(t, h, APIUser, testAPIToken, method, path, body)
}

// doAs sends a request with the given basic-auth credentials; an empty user
// sends none.
func doAs(t *testing.T, h http.Handler, user, password, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.SetBasicAuth(user, password)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouterHealthz(t *testing.T) {
	r, _ := setupRouter(t, nil)
	rec := do(t, r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRouterWebhook(t *testing.T) {
	t.Run("mounted", func(t *testing.T) {
		var hits int
		r, _ := setupRouter(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits++
			w.WriteHeader(http.StatusOK)
		}))
		rec := do(t, r, http.MethodPost, "/telegram/webhook", `{"update_id":1}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, hits)

		rec = do(t, r, http.MethodGet, "/telegram/webhook", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("polling mode", func(t *testing.T) {
		r, _ := setupRouter(t, nil)
		rec := do(t, r, http.MethodPost, "/telegram/webhook", `{"update_id":1}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRouterIssueAndGetDeepLink(t *testing.T) {
	r, _ := setupRouter(t, nil)

	rec := do(t, r, http.MethodPost, "/api/deeplinks", `{"flow":"plan_7d","topic":"anxiety","source_page":"/articles/calm"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var issued deeplink.Issued
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	assert.Equal(t, domain.FlowPlan7D, issued.Link.Flow)
	assert.Equal(t, domain.TargetBot, issued.Link.Target)
	assert.True(t, strings.HasPrefix(issued.URL, "https://t.me/CompanionBot?start="))

	payload, err := deeplink.Decode(issued.Token)
	require.NoError(t, err)
	assert.Equal(t, issued.Link.ID, payload.DL)

	rec = do(t, r, http.MethodGet, "/api/deeplinks/"+issued.Link.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.DeepLink
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, issued.Link.ID, got.ID)
	assert.Equal(t, "anxiety", got.Topic)
}

func TestRouterIssueChannelLink(t *testing.T) {
	r, _ := setupRouter(t, nil)

	rec := do(t, r, http.MethodPost, "/api/deeplinks", `{"flow":"prep","target":"channel"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var issued deeplink.Issued
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	assert.Equal(t, "https://t.me/companion_channel", issued.URL)
	assert.Empty(t, issued.Token)
}

func TestRouterIssueRejectsBadInput(t *testing.T) {
	r, _ := setupRouter(t, nil)

	for name, body := range map[string]string{
		"not json":      `{flow`,
		"unknown field": `{"flow":"prep","color":"red"}`,
		"missing flow":  `{"target":"bot"}`,
		"bad target":    `{"flow":"prep","target":"email"}`,
		"unknown flow":  `{"flow":"mystery"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, r, http.MethodPost, "/api/deeplinks", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestRouterGetDeepLinkNotFound(t *testing.T) {
	r, repo := setupRouter(t, nil)

	now := time.Now().UTC()
	require.NoError(t, repo.CreateDeepLink(context.Background(), domain.DeepLink{
		ID: "expired01", Flow: domain.FlowPrep, Target: domain.TargetBot,
		CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))

	for _, id := range []string{"missing01", "expired01", "bad!id"} {
		rec := do(t, r, http.MethodGet, "/api/deeplinks/"+id, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, id)
	}
}

func TestRouterDueSessions(t *testing.T) {
	r, repo := setupRouter(t, nil)
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	for i, next := range []*time.Time{&past, &future, nil} {
		require.NoError(t, repo.StartSession(context.Background(), domain.Session{
			ID:             "s" + strconv.Itoa(i),
			TelegramUserID: int64(100 + i),
			State:          domain.StateIdle,
			Flow:           domain.FlowPlan7D,
			Target:         domain.TargetBot,
			SeriesType:     "plan_7d",
			SeriesStep:     1,
			NextSendAt:     next,
			IsActive:       true,
			CreatedAt:      now,
		}))
	}

	rec := do(t, r, http.MethodGet, "/api/sessions/due?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []domain.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "s0", got[0].ID)

	rec = do(t, r, http.MethodGet, "/api/sessions/due?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouterAPIRequiresToken(t *testing.T) {
	r, _ := setupRouter(t, nil)

	cases := []struct {
		name, user, password string
	}{
		{name: "no credentials"},
		{name: "wrong password", user: APIUser, password: "guess"},
		{name: "wrong user", user: "admin", password: testAPIToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doAs(t, r, tc.user, tc.password, http.MethodPost, "/api/deeplinks", `{"flow":"prep"}`)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			rec = doAs(t, r, tc.user, tc.password, http.MethodGet, "/api/sessions/due", "")
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	rec := doAs(t, r, "", "", http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterAPIDisabledWithoutToken(t *testing.T) {
	r, _ := setupRouterWithToken(t, nil, "")

	rec := do(t, r, http.MethodPost, "/api/deeplinks", `{"flow":"prep"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hookline/hookline/pkg/broker"
	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/log"
	"github.com/hookline/hookline/pkg/notify"
	"github.com/hookline/hookline/pkg/rules"
	"github.com/hookline/hookline/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, secrets Secrets) (*Server, *broker.Broker) {
	t.Helper()
	log.Init(log.Config{Level: "error"})

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := config.NewRegistry(store)
	_, result, err := registry.Update("eng", &config.TeamConfig{
		TeamID:          "eng",
		FallbackChannel: "#eng",
		Ownership:       config.Ownership{ProjectKeys: []string{"ENG"}},
		Rules: []*rules.Rule{{
			ID: "all", Enabled: true, Action: rules.ActionRoute, Channels: []string{"#eng"},
		}},
	}, "test")
	require.NoError(t, err)
	require.True(t, result.OK())

	b := broker.New(broker.Options{QueueDepth: 4}, store, registry, notify.TextRenderer{}, notify.NewLogTransport())
	return NewServer(":0", b, secrets), b
}

func trackerPayload() string {
	return `{
		"webhookEvent": "jira:issue_updated",
		"issue": {
			"key": "ENG-42",
			"fields": {"summary": "Fix the deploy", "priority": {"name": "High"}}
		}
	}`
}

func doRequest(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestWebhookAccepted(t *testing.T) {
	s, _ := newTestServer(t, Secrets{})

	rec := doRequest(s, http.MethodPost, "/webhooks/jira", trackerPayload(), nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "issue_updated")
}

func TestInvalidPayloadRejected(t *testing.T) {
	s, _ := newTestServer(t, Secrets{})

	rec := doRequest(s, http.MethodPost, "/webhooks/jira", `{"webhookEvent":"jira:issue_updated"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, http.MethodPost, "/webhooks/jira", "{broken", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignatureValidation(t *testing.T) {
	secret := "s3cret"
	s, _ := newTestServer(t, Secrets{SourceControl: secret, Tracker: secret})

	// Tracker uses a shared token header
	rec := doRequest(s, http.MethodPost, "/webhooks/jira", trackerPayload(), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(s, http.MethodPost, "/webhooks/jira", trackerPayload(),
		map[string]string{"X-Webhook-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(s, http.MethodPost, "/webhooks/jira", trackerPayload(),
		map[string]string{"X-Webhook-Token": secret})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// Source control uses an HMAC signature header
	body := `{
		"action": "opened",
		"repository": {"full_name": "ENG/api"},
		"pull_request": {"number": 7, "title": "Add retries", "user": {"login": "bob"}}
	}`
	rec = doRequest(s, http.MethodPost, "/webhooks/github", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	rec = doRequest(s, http.MethodPost, "/webhooks/github", body,
		map[string]string{"X-Hub-Signature-256": sig})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestBackpressureReturns429(t *testing.T) {
	s, b := newTestServer(t, Secrets{})
	_ = b // the broker is never started, so the queue (depth 4) fills up

	full := false
	for i := 0; i < 10; i++ {
		rec := doRequest(s, http.MethodPost, "/webhooks/jira", trackerPayload(), nil)
		if rec.Code == http.StatusTooManyRequests {
			full = true
			break
		}
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	assert.True(t, full, "a full queue must answer 429")
}

func TestDeliveryIDHeaderBecomesEventID(t *testing.T) {
	s, _ := newTestServer(t, Secrets{})

	rec := doRequest(s, http.MethodPost, "/webhooks/jira", trackerPayload(),
		map[string]string{"X-Delivery-ID": "delivery-77"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "delivery-77")
}

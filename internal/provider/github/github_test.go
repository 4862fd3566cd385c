package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/snapcrafters/snapwatcher/internal/provider"
)

const pushEventPayload = `{
  "ref": "refs/heads/main",
  "after": "8ad9dec4298f6b8f020997373cf4fe22005f2c06",
  "repository": {
    "name": "mysnap",
    "default_branch": "main",
    "owner": {
      "login": "snapcrafters"
    }
  }
}`

func newPushEventHTTPReq(payload string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/listener/github", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Github-Event", "push")
	req.Header.Set("X-Github-Delivery", "3355fab0-b22c-11eb-9936-51d9540c0cdc")

	return req
}

func TestHTTPHandlerPushEvent(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	evChan := make(chan *provider.Event, 1)
	t.Cleanup(func() { close(evChan) })

	p := New(evChan)

	respRecorder := httptest.NewRecorder()
	p.HTTPHandler(respRecorder, newPushEventHTTPReq(pushEventPayload))
	require.Equal(t, http.StatusOK, respRecorder.Code)

	event := <-evChan

	assert.Equal(t, "github", event.Provider)
	assert.Equal(t, "push", event.EventType)
	assert.Equal(t, "3355fab0-b22c-11eb-9936-51d9540c0cdc", event.DeliveryID)
	assert.Equal(t, "snapcrafters", event.Owner)
	assert.Equal(t, "mysnap", event.Repository)
	assert.Equal(t, "main", event.Branch)
	assert.Equal(t, "8ad9dec4298f6b8f020997373cf4fe22005f2c06", event.CommitID)
	assert.NotEmpty(t, event.JSON)
}

func TestHTTPHandlerIgnoresUnsupportedEvents(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	evChan := make(chan *provider.Event, 1)

	p := New(evChan)

	req := newPushEventHTTPReq(`{"zen": "Design for failure."}`)
	req.Header.Set("X-Github-Event", "ping")

	respRecorder := httptest.NewRecorder()
	p.HTTPHandler(respRecorder, req)

	require.Equal(t, http.StatusOK, respRecorder.Code)
	assert.Empty(t, evChan)
}

func TestHTTPHandlerRejectsInvalidSignature(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	evChan := make(chan *provider.Event, 1)

	p := New(evChan, WithPayloadSecret("hook-secret"))

	req := newPushEventHTTPReq(pushEventPayload)
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")

	respRecorder := httptest.NewRecorder()
	p.HTTPHandler(respRecorder, req)

	require.Equal(t, http.StatusBadRequest, respRecorder.Code)
	assert.Empty(t, evChan)
}

func TestHTTPHandlerAcceptsValidSignature(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	const secret = "hook-secret"

	evChan := make(chan *provider.Event, 1)
	t.Cleanup(func() { close(evChan) })

	p := New(evChan, WithPayloadSecret(secret))

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(pushEventPayload))

	req := newPushEventHTTPReq(pushEventPayload)
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	respRecorder := httptest.NewRecorder()
	p.HTTPHandler(respRecorder, req)

	require.Equal(t, http.StatusOK, respRecorder.Code)

	event := <-evChan
	assert.Equal(t, "mysnap", event.Repository)
}

func TestHTTPHandlerFullQueue(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	// unbuffered channel without a reader, forwarding would block
	evChan := make(chan *provider.Event)

	p := New(evChan)

	respRecorder := httptest.NewRecorder()
	p.HTTPHandler(respRecorder, newPushEventHTTPReq(pushEventPayload))

	require.Equal(t, http.StatusServiceUnavailable, respRecorder.Code)
}

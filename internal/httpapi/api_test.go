package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamsock/beamd/internal/apps"
	"github.com/beamsock/beamd/internal/auth"
	"github.com/beamsock/beamd/internal/channels"
	"github.com/beamsock/beamd/internal/protocol"
)

type fakeSub struct {
	id string

	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeSub) SocketID() string { return f.id }
func (f *fakeSub) Send(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeSub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

const (
	testAppID  = "1234"
	testKey    = "test-key"
	testSecret = "test-secret"
)

func testRouter(t *testing.T) (*gin.Engine, *channels.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := apps.NewMemoryRegistry([]apps.App{{
		ID: testAppID, Key: testKey, Secret: testSecret, StatisticsEnabled: false,
	}})
	chans := channels.NewRegistry(zerolog.Nop())

	router := gin.New()
	New(reg, chans, nil, zerolog.Nop()).Register(router)
	return router, chans
}

// signedRequest builds a request carrying a valid auth_signature for the
// given path, query and body.
func signedRequest(t *testing.T, method, path string, query url.Values, body []byte) *http.Request {
	t.Helper()
	if query == nil {
		query = url.Values{}
	}
	query.Set("auth_key", testKey)
	query.Set("auth_timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	query.Set("auth_version", "1.0")
	query.Set("auth_signature", auth.RequestSignature(testSecret, method, path, query, body))

	req := httptest.NewRequest(method, path+"?"+query.Encode(), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func do(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func subscribePublic(t *testing.T, chans *channels.Registry, sub *fakeSub, channel string) {
	t.Helper()
	app := &apps.App{ID: testAppID, Key: testKey, Secret: testSecret}
	chans.Register(app.ID, sub)
	require.NoError(t, chans.Subscribe(app, sub, channels.SubscribePayload{Channel: channel}))
}

func subscribePresence(t *testing.T, chans *channels.Registry, sub *fakeSub, channel, userID string) {
	t.Helper()
	app := &apps.App{ID: testAppID, Key: testKey, Secret: testSecret}
	chans.Register(app.ID, sub)
	channelData := fmt.Sprintf(`{"user_id":%q}`, userID)
	sig := auth.ChannelSignature(testSecret, sub.id, channel, channelData)
	require.NoError(t, chans.Subscribe(app, sub, channels.SubscribePayload{
		Channel:     channel,
		Auth:        testKey + ":" + sig,
		ChannelData: channelData,
	}))
}

func TestTriggerEventDeliversToChannel(t *testing.T) {
	router, chans := testRouter(t)
	sub := &fakeSub{id: "1.1"}
	subscribePublic(t, chans, sub, "orders")
	before := sub.count()

	body, _ := json.Marshal(map[string]any{
		"name":    "order-created",
		"channel": "orders",
		"data":    map[string]int{"id": 7},
	})
	w := do(router, signedRequest(t, http.MethodPost, "/apps/1234/events", nil, body))

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, before+1, sub.count())

	ev, err := protocol.Decode(sub.frames[len(sub.frames)-1])
	require.NoError(t, err)
	assert.Equal(t, "order-created", ev.Event)
	assert.Equal(t, "orders", ev.Channel)
}

func TestTriggerEventMultipleChannelsAndExclusion(t *testing.T) {
	router, chans := testRouter(t)
	a := &fakeSub{id: "1.1"}
	b := &fakeSub{id: "2.2"}
	subscribePublic(t, chans, a, "one")
	subscribePublic(t, chans, b, "two")
	beforeA, beforeB := a.count(), b.count()

	body, _ := json.Marshal(map[string]any{
		"name":      "sync",
		"channels":  []string{"one", "two"},
		"socket_id": "2.2",
	})
	w := do(router, signedRequest(t, http.MethodPost, "/apps/1234/events", nil, body))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, beforeA+1, a.count())
	assert.Equal(t, beforeB, b.count(), "excluded socket must not receive the event")
}

func TestTriggerEventValidation(t *testing.T) {
	router, _ := testRouter(t)

	body, _ := json.Marshal(map[string]any{"channel": "orders"})
	w := do(router, signedRequest(t, http.MethodPost, "/apps/1234/events", nil, body))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body, _ = json.Marshal(map[string]any{"name": "x"})
	w = do(router, signedRequest(t, http.MethodPost, "/apps/1234/events", nil, body))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRejectsBadSignature(t *testing.T) {
	router, _ := testRouter(t)

	query := url.Values{}
	query.Set("auth_key", testKey)
	query.Set("auth_signature", "deadbeef")
	req := httptest.NewRequest(http.MethodPost, "/apps/1234/events?"+query.Encode(),
		bytes.NewReader([]byte(`{"name":"x","channel":"c"}`)))

	w := do(router, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRejectsTamperedBody(t *testing.T) {
	router, _ := testRouter(t)

	body, _ := json.Marshal(map[string]any{"name": "x", "channel": "c"})
	req := signedRequest(t, http.MethodPost, "/apps/1234/events", nil, body)
	req.Body = http.NoBody // signature covered the original body

	w := do(router, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUnknownAppIndistinguishableFromBadSignature(t *testing.T) {
	router, _ := testRouter(t)

	w := do(router, signedRequest(t, http.MethodGet, "/apps/9999/channels", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListChannels(t *testing.T) {
	router, chans := testRouter(t)
	subscribePublic(t, chans, &fakeSub{id: "1.1"}, "news")
	subscribePresence(t, chans, &fakeSub{id: "2.2"}, "presence-room", "u1")

	w := do(router, signedRequest(t, http.MethodGet, "/apps/1234/channels", nil, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Channels map[string]map[string]any `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Channels, "news")
	assert.Contains(t, resp.Channels, "presence-room")

	query := url.Values{}
	query.Set("filter_by_prefix", "presence-")
	query.Set("info", "user_count")
	w = do(router, signedRequest(t, http.MethodGet, "/apps/1234/channels", query, nil))
	require.Equal(t, http.StatusOK, w.Code)
	resp.Channels = nil // Unmarshal merges into a non-nil map, keeping stale entries
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotContains(t, resp.Channels, "news")
	assert.Equal(t, float64(1), resp.Channels["presence-room"]["user_count"])
}

func TestChannelInfo(t *testing.T) {
	router, chans := testRouter(t)
	subscribePresence(t, chans, &fakeSub{id: "1.1"}, "presence-room", "u1")
	subscribePresence(t, chans, &fakeSub{id: "2.2"}, "presence-room", "u1")

	w := do(router, signedRequest(t, http.MethodGet, "/apps/1234/channels/presence-room", nil, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["occupied"])
	assert.Equal(t, float64(2), resp["subscription_count"])
	assert.Equal(t, float64(1), resp["user_count"])

	w = do(router, signedRequest(t, http.MethodGet, "/apps/1234/channels/ghost", nil, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["occupied"])
}

func TestChannelUsers(t *testing.T) {
	router, chans := testRouter(t)
	subscribePresence(t, chans, &fakeSub{id: "1.1"}, "presence-room", "u1")
	subscribePresence(t, chans, &fakeSub{id: "2.2"}, "presence-room", "u2")

	w := do(router, signedRequest(t, http.MethodGet, "/apps/1234/channels/presence-room/users", nil, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Users []struct {
			ID string `json:"id"`
		} `json:"users"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	ids := []string{resp.Users[0].ID, resp.Users[1].ID}
	assert.ElementsMatch(t, []string{"u1", "u2"}, ids)

	w = do(router, signedRequest(t, http.MethodGet, "/apps/1234/channels/news/users", nil, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

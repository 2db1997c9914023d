// Package httpapi implements the signed HTTP API: server-side processes
// trigger events and inspect channels with HMAC-signed requests, Pusher
// style.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/beamsock/beamd/internal/apps"
	"github.com/beamsock/beamd/internal/auth"
	"github.com/beamsock/beamd/internal/channels"
	"github.com/beamsock/beamd/internal/protocol"
	"github.com/beamsock/beamd/internal/stats"
)

// maxBodyBytes bounds a trigger request body.
const maxBodyBytes = 10 << 20

// API serves the /apps/:appId routes.
type API struct {
	apps     apps.Registry
	registry *channels.Registry
	sink     stats.Sink
	logger   zerolog.Logger
}

func New(reg apps.Registry, chans *channels.Registry, sink stats.Sink, logger zerolog.Logger) *API {
	if sink == nil {
		sink = stats.Noop{}
	}
	return &API{
		apps:     reg,
		registry: chans,
		sink:     sink,
		logger:   logger.With().Str("component", "httpapi").Logger(),
	}
}

// Register mounts the API routes on the router.
func (a *API) Register(r gin.IRouter) {
	group := r.Group("/apps/:appId", a.authenticate)
	group.POST("/events", a.triggerEvent)
	group.GET("/channels", a.listChannels)
	group.GET("/channels/:channelName", a.channelInfo)
	group.GET("/channels/:channelName/users", a.channelUsers)
}

// authenticate resolves the app and verifies the request signature. The body
// is buffered so the signature can cover it and the handler can re-read it.
func (a *API) authenticate(c *gin.Context) {
	app, err := a.apps.FindByID(c.Request.Context(), c.Param("appId"))
	if err != nil {
		if errors.Is(err, apps.ErrNotFound) {
			// Same status as a bad signature, so callers cannot probe for
			// which app ids exist.
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid auth signature"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "App lookup failed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Unreadable body"})
		return
	}

	if !auth.VerifyRequest(app.Secret, c.Request.Method, c.Request.URL.Path, c.Request.URL.Query(), body) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid auth signature"})
		return
	}

	c.Set("app", app)
	c.Set("body", body)
	c.Next()
}

func currentApp(c *gin.Context) *apps.App {
	return c.MustGet("app").(*apps.App)
}

type triggerRequest struct {
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data"`
	Channel  string          `json:"channel,omitempty"`
	Channels []string        `json:"channels,omitempty"`

	// SocketID is excluded from delivery; the Pusher client convention for
	// "everyone but me".
	SocketID string `json:"socket_id,omitempty"`
}

func (a *API) triggerEvent(c *gin.Context) {
	app := currentApp(c)
	body := c.MustGet("body").([]byte)

	var req triggerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	targets := req.Channels
	if req.Channel != "" {
		targets = append(targets, req.Channel)
	}
	if len(targets) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel or channels is required"})
		return
	}

	var except map[string]struct{}
	if req.SocketID != "" {
		except = map[string]struct{}{req.SocketID: {}}
	}

	for _, channel := range targets {
		frame := protocol.ChannelEvent(req.Name, channel, req.Data)
		a.registry.Broadcast(app.ID, channel, frame, except)
	}
	if app.StatisticsEnabled {
		a.sink.APIMessage(app.ID)
	}

	a.logger.Debug().
		Str("app", app.ID).
		Str("event", req.Name).
		Strs("channels", targets).
		Msg("api event triggered")
	c.JSON(http.StatusOK, gin.H{})
}

func (a *API) listChannels(c *gin.Context) {
	app := currentApp(c)
	prefix := c.Query("filter_by_prefix")
	wantUserCount := strings.Contains(c.Query("info"), "user_count")

	out := make(map[string]gin.H)
	for _, ch := range a.registry.Channels(app.ID) {
		if prefix != "" && !strings.HasPrefix(ch.Name(), prefix) {
			continue
		}
		info := gin.H{}
		if wantUserCount && ch.Kind() == channels.Presence {
			info["user_count"] = ch.UserCount()
		}
		out[ch.Name()] = info
	}
	c.JSON(http.StatusOK, gin.H{"channels": out})
}

func (a *API) channelInfo(c *gin.Context) {
	app := currentApp(c)
	name := c.Param("channelName")

	ch := a.registry.Find(app.ID, name)
	if ch == nil {
		c.JSON(http.StatusOK, gin.H{"occupied": false, "subscription_count": 0})
		return
	}

	resp := gin.H{
		"occupied":           true,
		"subscription_count": ch.ConnectionCount(),
	}
	if ch.Kind() == channels.Presence {
		resp["user_count"] = ch.UserCount()
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) channelUsers(c *gin.Context) {
	app := currentApp(c)
	name := c.Param("channelName")

	if channels.KindOf(name) != channels.Presence {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Users can only be retrieved for presence channels"})
		return
	}

	users := []gin.H{}
	if ch := a.registry.Find(app.ID, name); ch != nil {
		for _, member := range ch.Members() {
			users = append(users, gin.H{"id": member.UserID})
		}
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

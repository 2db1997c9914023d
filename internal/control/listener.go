// Package control implements the local broadcast socket: a unix domain
// socket accepting newline-delimited JSON publish requests from co-located
// processes, bypassing the signed HTTP API.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/beamsock/beamd/internal/apps"
	"github.com/beamsock/beamd/internal/channels"
	"github.com/beamsock/beamd/internal/metrics"
	"github.com/beamsock/beamd/internal/protocol"
)

// DefaultSocketPath is where the listener binds unless configured otherwise.
const DefaultSocketPath = "/tmp/beamd-broadcast.sock"

// maxLineBytes bounds one request line. Local callers sending more than this
// get a parse error, not a hung scanner.
const maxLineBytes = 1 << 20

// Request is one publish command. AppID defaults to the first registered app,
// which keeps single-app deployments zero-config.
type Request struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`

	// Sockets switches from channel broadcast to a targeted whisper. When a
	// channel is named, only its current members can be reached.
	Sockets []string `json:"sockets,omitempty"`

	// ExcludeSockets are skipped during channel broadcast.
	ExcludeSockets []string `json:"exclude_sockets,omitempty"`

	AppID string `json:"app_id,omitempty"`
}

// Response is the one-line reply to each request.
type Response struct {
	Success bool   `json:"success"`
	Warning string `json:"warning,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Listener owns the unix socket. A Listener that fails to start disables the
// feature; the broker itself keeps running.
type Listener struct {
	path     string
	apps     apps.Registry
	registry *channels.Registry
	logger   zerolog.Logger

	ln net.Listener
	wg sync.WaitGroup
}

func NewListener(path string, reg apps.Registry, chans *channels.Registry, logger zerolog.Logger) *Listener {
	if path == "" {
		path = DefaultSocketPath
	}
	return &Listener{
		path:     path,
		apps:     reg,
		registry: chans,
		logger:   logger.With().Str("component", "control").Logger(),
	}
}

// Start binds the socket and begins accepting. A stale socket file from a
// previous run is removed first. The file is made world-writable so unrelated
// local users (PHP-FPM workers, cron jobs) can publish.
func (l *Listener) Start(ctx context.Context) error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", l.path)
	if err != nil {
		return err
	}
	if err := os.Chmod(l.path, 0o666); err != nil {
		ln.Close()
		return err
	}
	l.ln = ln

	l.wg.Add(1)
	go l.acceptLoop(ctx)

	l.logger.Info().Str("path", l.path).Msg("control socket listening")
	return nil
}

// Close stops accepting and removes the socket file.
func (l *Listener) Close() {
	if l.ln != nil {
		l.ln.Close()
	}
	l.wg.Wait()
	os.Remove(l.path)
}

func (l *Listener) acceptLoop(ctx context.Context) {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		l.wg.Add(1)
		go l.serve(ctx, conn)
	}
}

// serve handles one caller: a sequence of request lines, each answered with
// one response line. A malformed line gets an error response; the connection
// stays open.
func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		var resp Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = Response{Error: "invalid JSON: " + err.Error()}
		} else {
			resp = l.handle(ctx, req)
		}

		switch {
		case resp.Error != "":
			metrics.ControlRequests.WithLabelValues("error").Inc()
		case resp.Warning != "":
			metrics.ControlRequests.WithLabelValues("warning").Inc()
		default:
			metrics.ControlRequests.WithLabelValues("ok").Inc()
		}

		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (l *Listener) handle(ctx context.Context, req Request) Response {
	if req.Event == "" {
		return Response{Error: "event is required"}
	}
	if req.Channel == "" && len(req.Sockets) == 0 {
		return Response{Error: "channel or sockets is required"}
	}

	appID := req.AppID
	if appID == "" {
		all, err := l.apps.All(ctx)
		if err != nil || len(all) == 0 {
			return Response{Error: "no app configured"}
		}
		appID = all[0].ID
	} else if _, err := l.apps.FindByID(ctx, appID); err != nil {
		return Response{Error: "unknown app_id " + appID}
	}

	frame := protocol.ChannelEvent(req.Event, req.Channel, req.Data)

	var delivered int
	if len(req.Sockets) > 0 {
		targets := req.Sockets
		if req.Channel != "" {
			// Whispers are scoped to the channel: ids that never joined (or
			// already left) are skipped, not delivered app-wide.
			targets = make([]string, 0, len(req.Sockets))
			if ch := l.registry.Find(appID, req.Channel); ch != nil {
				for _, id := range req.Sockets {
					if ch.Has(id) {
						targets = append(targets, id)
					}
				}
			}
		}
		delivered = l.registry.Whisper(appID, targets, frame)
	} else {
		except := make(map[string]struct{}, len(req.ExcludeSockets))
		for _, id := range req.ExcludeSockets {
			except[id] = struct{}{}
		}
		delivered = l.registry.Broadcast(appID, req.Channel, frame, except)
	}

	l.logger.Debug().
		Str("event", req.Event).
		Str("channel", req.Channel).
		Str("app", appID).
		Int("delivered", delivered).
		Msg("control publish")

	if delivered == 0 {
		return Response{Success: true, Warning: "No channel subscribers"}
	}
	return Response{Success: true}
}

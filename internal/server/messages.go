package server

import (
	"encoding/json"
	"errors"

	"github.com/beamsock/beamd/internal/channels"
	"github.com/beamsock/beamd/internal/protocol"
)

// handleMessage is the per-frame protocol state machine. Reserved events
// (both the "pusher:" and "pusher." spellings) are handled inline; client
// events fan out to channel members; everything else goes to the dispatch
// engine.
func (s *Server) handleMessage(c *Connection, raw []byte) {
	ev, err := protocol.Decode(raw)
	if err != nil {
		s.logger.Debug().
			Str("socket_id", c.socketID).
			Err(err).
			Msg("undecodable frame dropped")
		c.Send(protocol.ErrorFrame("Invalid message format", 4009))
		return
	}

	if protocol.IsReserved(ev.Event) {
		s.handleReserved(c, ev)
		return
	}

	if protocol.IsClientEvent(ev.Event) {
		s.handleClientEvent(c, ev)
		return
	}

	// Channel-scoped custom events require an established subscription.
	if ev.Channel != "" && !c.subscribedTo(ev.Channel) {
		c.Send(protocol.EventError(ev.Event, map[string]any{
			"message": "Subscription not established",
		}))
		return
	}

	s.engine.Dispatch(c, ev.Event, ev.Data, ev.Channel)
}

func (s *Server) handleReserved(c *Connection, ev protocol.Event) {
	switch protocol.Action(ev.Event) {
	case "ping":
		c.Send(protocol.PongFrame)

	case "pong":
		c.touch()

	case "subscribe":
		var payload channels.SubscribePayload
		if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.Channel == "" {
			c.Send(protocol.ErrorFrame("Invalid subscribe payload", protocol.CodeInvalidSignature))
			return
		}
		if err := s.registry.Subscribe(c.app, c, payload); err != nil {
			s.logger.Debug().
				Str("socket_id", c.socketID).
				Str("channel", payload.Channel).
				Err(err).
				Msg("subscription rejected")
			c.Send(protocol.ErrorFrame(subscribeErrorMessage(err), protocol.CodeInvalidSignature))
			return
		}
		c.markSubscribed(payload.Channel)

	case "unsubscribe":
		var payload struct {
			Channel string `json:"channel"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.Channel == "" {
			return
		}
		s.registry.Unsubscribe(c.app.ID, c, payload.Channel)
		c.markUnsubscribed(payload.Channel)

	default:
		// Unknown reserved action; tolerated for forward compatibility.
		s.logger.Debug().
			Str("socket_id", c.socketID).
			Str("event", ev.Event).
			Msg("unhandled reserved event")
	}
}

// handleClientEvent relays a client-* event to the other members of its
// channel. Policy violations (feature disabled, not subscribed, no channel)
// drop the event without feedback, so a probing client learns nothing.
func (s *Server) handleClientEvent(c *Connection, ev protocol.Event) {
	if !c.app.ClientMessagesEnabled {
		return
	}
	if ev.Channel == "" || !c.subscribedTo(ev.Channel) {
		return
	}

	frame := protocol.ChannelEvent(ev.Event, ev.Channel, ev.Data)
	s.registry.Broadcast(c.app.ID, ev.Channel, frame, map[string]struct{}{c.socketID: {}})
}

func subscribeErrorMessage(err error) string {
	switch {
	case errors.Is(err, channels.ErrInvalidSignature):
		return "Invalid auth signature"
	case errors.Is(err, channels.ErrPresenceDataMissing):
		return "Presence channel_data missing or invalid"
	default:
		return "Subscription failed"
	}
}

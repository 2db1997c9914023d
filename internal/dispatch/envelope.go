// Package dispatch routes non-protocol events to handler controllers,
// isolates their execution and merges their reply envelopes back into the
// connection stream.
package dispatch

import "errors"

// Kind discriminates the reply envelope variants a handler may produce.
type Kind int

const (
	KindSuccess Kind = iota
	KindProgress
	KindError
	KindBroadcast
	KindWhisper
)

// Envelope is one structured reply produced by a handler. Success, progress
// and error target the originating connection; broadcast targets a channel;
// whisper targets specific socket ids.
type Envelope struct {
	Kind    Kind
	Payload any

	// Channel overrides the contextual channel for broadcast and whisper.
	Channel string

	// IncludingSelf delivers a broadcast to the sender too. Ignored for
	// other kinds.
	IncludingSelf bool

	// SocketIDs are the whisper targets.
	SocketIDs []string
}

// Success builds the terminal success envelope ("<event>:response").
func Success(payload any) Envelope {
	return Envelope{Kind: KindSuccess, Payload: payload}
}

// Progress builds a non-terminal progress envelope ("<event>:progress").
// Any number may precede the terminal envelope.
func Progress(payload any) Envelope {
	return Envelope{Kind: KindProgress, Payload: payload}
}

// Fail builds the terminal error envelope ("<event>:error").
func Fail(payload any) Envelope {
	return Envelope{Kind: KindError, Payload: payload}
}

// Broadcast builds a channel broadcast envelope. The channel defaults to the
// dispatch's contextual channel; the sender is excluded unless includingSelf.
func Broadcast(payload any, channel string, includingSelf bool) Envelope {
	return Envelope{Kind: KindBroadcast, Payload: payload, Channel: channel, IncludingSelf: includingSelf}
}

// Whisper builds an envelope delivered only to the given socket ids.
func Whisper(payload any, socketIDs ...string) Envelope {
	return Envelope{Kind: KindWhisper, Payload: payload, SocketIDs: socketIDs}
}

// Handled is the sentinel a handler returns when it already emitted its own
// terminal envelope; it suppresses the automatic success reply.
var Handled = &handledSentinel{}

type handledSentinel struct{}

// ErrStop is returned by boot hooks to halt the dispatch silently: no
// envelope is emitted and the handler method never runs.
var ErrStop = errors.New("dispatch stopped by hook")

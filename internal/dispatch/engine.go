package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beamsock/beamd/internal/metrics"
	"github.com/beamsock/beamd/internal/protocol"
)

// User-facing messages for message-scoped failures.
const (
	msgEventNotFound  = "Event could not be associated"
	msgMethodNotFound = "Event could not be handled"
	msgUnauthorized   = "Unauthorized"
)

// DefaultHandlerTimeout bounds the wait for a handler's terminal envelope.
const DefaultHandlerTimeout = 60 * time.Second

// Telemetry receives handler exceptions for out-of-band reporting. Optional.
type Telemetry interface {
	HandlerError(event, socketID string, err error)
}

// Engine resolves, isolates and executes handlers for non-protocol events and
// merges their reply envelopes back into the connection stream.
//
// Ordering: envelopes from one invocation are delivered in production order
// because they are emitted synchronously from the handler's own task.
// Envelopes from distinct dispatches on the same connection may interleave.
type Engine struct {
	resolver    *Resolver
	broadcaster Broadcaster
	logger      zerolog.Logger
	telemetry   Telemetry
	timeout     time.Duration
	pool        *Pool

	cancel context.CancelFunc
}

// Option configures the engine.
type Option func(*Engine)

// WithTimeout overrides the terminal-envelope timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithTelemetry installs a handler-exception sink.
func WithTelemetry(t Telemetry) Option {
	return func(e *Engine) { e.telemetry = t }
}

// WithPoolSize overrides the worker pool dimensions.
func WithPoolSize(workers, queue int) Option {
	return func(e *Engine) { e.pool = NewPool(workers, queue, e.logger) }
}

func NewEngine(resolver *Resolver, broadcaster Broadcaster, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		resolver:    resolver,
		broadcaster: broadcaster,
		logger:      logger.With().Str("component", "dispatch").Logger(),
		timeout:     DefaultHandlerTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pool == nil {
		e.pool = NewPool(0, 0, e.logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.pool.Start(ctx)
	return e
}

// Close stops the worker pool. In-flight handlers finish their current task.
func (e *Engine) Close() {
	e.cancel()
	e.pool.Stop()
}

// dispatchState tracks the terminal/timeout race of one invocation.
type dispatchState struct {
	sink    Sink
	event   string
	channel string
	appID   string

	// 0 = running, 1 = terminal delivered, 2 = timed out
	phase atomic.Int32
	timer *time.Timer
}

// Dispatch schedules one handler invocation. It never blocks the caller's
// read loop: resolution failures reply synchronously (cheap), everything else
// runs on the worker pool, spilling to a fresh goroutine when the pool queue
// is full.
func (e *Engine) Dispatch(sink Sink, event string, data json.RawMessage, channel string) {
	prefix, method, ok := strings.Cut(event, ".")
	if !ok || prefix == "" || method == "" {
		sink.Send(protocol.EventError(event, errPayload(msgEventNotFound)))
		return
	}

	factory, found := e.resolver.Resolve(prefix)
	if !found {
		sink.Send(protocol.EventError(event, errPayload(msgEventNotFound)))
		return
	}

	// Connection snapshot taken now: a principal set after this point does
	// not leak into this dispatch.
	principal, hasPrinc := sink.Principal()

	st := &dispatchState{
		sink:    sink,
		event:   event,
		channel: channel,
		appID:   sink.AppID(),
	}
	ctx := &Context{
		id:        uuid.NewString(),
		event:     event,
		channel:   channel,
		socketID:  sink.SocketID(),
		appID:     st.appID,
		principal: principal,
		hasPrinc:  hasPrinc,
	}
	ctx.emit = func(env Envelope) { e.deliver(st, env) }

	metrics.DispatchesTotal.Inc()
	task := func() { e.run(st, ctx, factory, method, data) }
	if !e.pool.Submit(task) {
		go task()
	}
}

func (e *Engine) run(st *dispatchState, ctx *Context, factory Factory, method string, data json.RawMessage) {
	start := time.Now()
	defer func() {
		metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	controller := factory()

	m, ok := controller.Methods()[method]
	if !ok {
		e.terminalError(st, errPayload(msgMethodNotFound), "method_not_found")
		return
	}

	// Watchdog: a handler that produces no terminal envelope in time gets a
	// synthetic timeout error. Late envelopes may still be delivered
	// afterwards but never a second timeout.
	st.timer = time.AfterFunc(e.timeout, func() {
		if st.phase.CompareAndSwap(0, 2) {
			st.sink.Send(protocol.EventError(st.event, errPayload(st.event+" timeout")))
			metrics.DispatchErrors.WithLabelValues("timeout").Inc()
			e.logger.Warn().
				Str("event", st.event).
				Str("socket_id", st.sink.SocketID()).
				Dur("timeout", e.timeout).
				Msg("handler timeout")
		}
	})
	defer st.timer.Stop()

	if u, ok := controller.(Unbooter); ok {
		defer func() {
			defer func() { recover() }() // unboot is best-effort
			u.Unboot(ctx)
		}()
	}

	if b, ok := controller.(Booter); ok {
		if halted := e.runHook(st, ctx, b.Boot); halted {
			return
		}
	}

	requiresAuth := true
	if g, ok := controller.(GuestAccessor); ok {
		requiresAuth = !g.AllowsGuests()
	}
	if requiresAuth && !ctx.hasPrinc {
		e.terminalError(st, errPayload(msgUnauthorized), "unauthorized")
		return
	}

	if b, ok := controller.(BootedHook); ok {
		if halted := e.runHook(st, ctx, b.Booted); halted {
			return
		}
	}

	result, err := e.call(m, ctx, data, st.channel)
	switch {
	case err != nil:
		payload := map[string]any{
			"message": err.Error(),
			"meta":    map[string]any{"reported": true},
		}
		e.terminalError(st, payload, "handler_error")
		if e.telemetry != nil {
			e.telemetry.HandlerError(st.event, st.sink.SocketID(), err)
		}
	case result == Handled:
		// handler emitted its own terminal envelope
	default:
		if env, ok := result.(Envelope); ok {
			e.deliver(st, env)
		} else {
			e.deliver(st, Success(result))
		}
	}
}

// runHook executes a boot/booted hook. ErrStop halts silently; any other
// error is surfaced as a handler error. Returns whether the dispatch halted.
func (e *Engine) runHook(st *dispatchState, ctx *Context, hook func(*Context) error) bool {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("hook panic: %v", r)
			}
		}()
		return hook(ctx)
	}()
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStop) {
		st.phase.CompareAndSwap(0, 1)
		st.timer.Stop()
		return true
	}
	e.terminalError(st, map[string]any{
		"message": err.Error(),
		"meta":    map[string]any{"reported": true},
	}, "handler_error")
	return true
}

// call invokes the handler method with panic containment.
func (e *Engine) call(m Method, ctx *Context, data json.RawMessage, channel string) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("event", ctx.event).
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("handler panic recovered")
			result, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return m(ctx, data, channel)
}

func (e *Engine) terminalError(st *dispatchState, payload any, kind string) {
	e.deliver(st, Fail(payload))
	metrics.DispatchErrors.WithLabelValues(kind).Inc()
}

// deliver routes one envelope. Terminal envelopes flip the dispatch phase and
// stop the watchdog; envelopes arriving after a timeout are still forwarded.
func (e *Engine) deliver(st *dispatchState, env Envelope) {
	switch env.Kind {
	case KindSuccess, KindError:
		st.phase.CompareAndSwap(0, 1)
		if st.timer != nil {
			st.timer.Stop()
		}
		suffix := ":response"
		if env.Kind == KindError {
			suffix = ":error"
		}
		st.sink.Send(frame(st.event+suffix, "", env.Payload))

	case KindProgress:
		st.sink.Send(frame(st.event+":progress", "", env.Payload))

	case KindBroadcast:
		channel := env.Channel
		if channel == "" {
			channel = st.channel
		}
		if channel == "" || e.broadcaster == nil {
			return
		}
		except := map[string]struct{}{}
		if !env.IncludingSelf {
			except[st.sink.SocketID()] = struct{}{}
		}
		e.broadcaster.Broadcast(st.appID, channel, frame(st.event, channel, env.Payload), except)

	case KindWhisper:
		if e.broadcaster == nil || len(env.SocketIDs) == 0 {
			return
		}
		channel := env.Channel
		if channel == "" {
			channel = st.channel
		}
		e.broadcaster.Whisper(st.appID, env.SocketIDs, frame(st.event, channel, env.Payload))
	}
}

func frame(event, channel string, payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("null")
	}
	f, _ := protocol.Event{Event: event, Channel: channel, Data: data}.Encode()
	return f
}

func errPayload(message string) map[string]any {
	return map[string]any{"message": message}
}

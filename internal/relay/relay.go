// Package relay turns one authenticated voice platform event into a stream of
// speech events and a committed history update.
//
// Every event runs through a small state machine:
//
//	Received -> Validated -> {WelcomePath | Generating} -> Committed -> Ended
//
// with Failed reachable from any state before Committed. The session's
// history is only written on the way into Committed, and response.end is
// only sent on the way into Ended, so a caller that sees response.end can
// rely on the history reflecting the turn. A failed or abandoned turn leaves
// the history exactly as it was.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/qmuntal/stateless"

	"github.com/comigor/voice-relay/internal/apperr"
	"github.com/comigor/voice-relay/internal/logger"
	"github.com/comigor/voice-relay/internal/session"
	"github.com/comigor/voice-relay/internal/stream"
	"github.com/comigor/voice-relay/internal/webhook"
)

// Emitter delivers protocol events to the caller in order.
type Emitter interface {
	Send(ev stream.Event) error
}

// Archiver receives the turns of every committed event. Failures are logged
// and never affect the caller.
type Archiver interface {
	Record(ctx context.Context, sessionID, turnID string, turns []session.Turn) error
}

// Request is the raw inbound webhook.
type Request struct {
	Payload   []byte
	Signature string
}

type Options struct {
	Secret         string
	Verifier       webhook.Verifier
	WelcomeMessage string
	// UIData, when set, is sent as a response.data event ahead of the first
	// generated fragment.
	UIData  json.RawMessage
	Archive Archiver
}

// Relay processes webhook events against a session store.
type Relay struct {
	store *session.Store
	gen   *Generator
	opts  Options
}

func New(store *session.Store, gen *Generator, opts Options) *Relay {
	if opts.Verifier == nil {
		opts.Verifier = webhook.HMACVerifier{}
	}
	return &Relay{store: store, gen: gen, opts: opts}
}

// turn is the per-event working state.
type turn struct {
	fsm     *stateless.StateMachine
	ev      webhook.Event
	out     Emitter
	history session.History
	start   int // index of the first turn added by this event
}

func (t *turn) fire(ctx context.Context, trigger turnTrigger) error {
	return t.fsm.FireCtx(ctx, trigger)
}

// Handle runs one event to completion. It returns nil once response.end has
// been sent. Errors are apperr-classified, except caller cancellation which
// is returned as the context error.
func (r *Relay) Handle(ctx context.Context, req Request, out Emitter) error {
	t := &turn{fsm: newTurnMachine(), out: out}

	ev, err := webhook.Authenticate(r.opts.Verifier, req.Payload, req.Signature, r.opts.Secret)
	if err != nil {
		return r.fail(ctx, t, err)
	}
	kind, err := webhook.Classify(ev.Type)
	if err != nil {
		return r.fail(ctx, t, err)
	}
	t.ev = ev
	ctx = logger.With(ctx, "session_id", ev.SessionID, "turn_id", ev.TurnID)
	if err := t.fire(ctx, triggerValidated); err != nil {
		return r.fail(ctx, t, err)
	}

	release, err := r.store.Acquire(ctx, ev.SessionID)
	if err != nil {
		return r.fail(ctx, t, err)
	}
	defer release()

	t.history = r.store.Get(ev.SessionID)
	t.start = len(t.history)
	userTurn := session.TextTurn(session.RoleUser, ev.Text)
	userTurn.Opening = kind == webhook.KindStart
	t.history = append(t.history, userTurn)

	switch kind {
	case webhook.KindStart:
		err = r.welcome(ctx, t)
	default:
		err = r.generate(ctx, t)
	}
	if err != nil {
		return r.fail(ctx, t, err)
	}

	if err := r.commit(ctx, t); err != nil {
		return r.fail(ctx, t, err)
	}
	if err := t.fire(ctx, triggerEnd); err != nil {
		return err
	}
	if err := out.Send(stream.End(ev.TurnID)); err != nil {
		logger.From(ctx).Warn("response.end not delivered", "error", err)
		return err
	}
	r.archive(ctx, t)
	return nil
}

func (r *Relay) welcome(ctx context.Context, t *turn) error {
	if err := t.fire(ctx, triggerWelcome); err != nil {
		return err
	}
	if err := t.out.Send(stream.TTS(t.ev.TurnID, r.opts.WelcomeMessage)); err != nil {
		return err
	}
	t.history = append(t.history, session.TextTurn(session.RoleAssistant, r.opts.WelcomeMessage))
	return nil
}

func (r *Relay) generate(ctx context.Context, t *turn) error {
	if err := t.fire(ctx, triggerGenerate); err != nil {
		return err
	}

	gen, err := r.gen.Start(ctx, t.history)
	if err != nil {
		return err
	}
	defer gen.Close()

	if len(r.opts.UIData) > 0 {
		if err := t.out.Send(stream.Data(t.ev.TurnID, r.opts.UIData)); err != nil {
			return err
		}
	}

	fragments := 0
	for {
		fragment, err := gen.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.out.Send(stream.TTS(t.ev.TurnID, fragment)); err != nil {
			return err
		}
		fragments++
	}

	for _, reply := range gen.Replies() {
		t.history = append(t.history, session.NewTurn(reply.Role, reply.Content))
	}
	logger.From(ctx).Debug("generation finished", "fragments", fragments)
	return nil
}

// commit writes the working history back. The session lock is held, so no
// other turn has touched the session since it was read.
func (r *Relay) commit(ctx context.Context, t *turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.store.Replace(t.ev.SessionID, t.history)
	if err := t.fire(ctx, triggerCommitted); err != nil {
		return err
	}
	logger.From(ctx).Debug("history committed", "turns", len(t.history))
	return nil
}

func (r *Relay) archive(ctx context.Context, t *turn) {
	if r.opts.Archive == nil {
		return
	}
	if err := r.opts.Archive.Record(ctx, t.ev.SessionID, t.ev.TurnID, t.history[t.start:]); err != nil {
		logger.From(ctx).Warn("transcript archive failed", "error", err)
	}
}

func (r *Relay) fail(ctx context.Context, t *turn, err error) error {
	if fireErr := t.fire(ctx, triggerFail); fireErr != nil {
		logger.From(ctx).Warn("FSM fire error", "error", fireErr)
	}
	log := logger.From(ctx)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Info("turn abandoned by caller", "error", err)
	case apperr.KindOf(err) == "":
		log.Error("turn failed", "error", err)
	default:
		log.Warn("turn rejected", "kind", apperr.KindOf(err), "error", err)
	}
	return err
}

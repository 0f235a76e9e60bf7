package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/comigor/voice-relay/internal/apperr"
	"github.com/comigor/voice-relay/internal/llm"
	"github.com/comigor/voice-relay/internal/session"
	"github.com/comigor/voice-relay/internal/stream"
	"github.com/comigor/voice-relay/internal/webhook"
)

const (
	testSecret  = "whsec_test"
	testWelcome = "Welcome to Layercode. How can I help you today?"
)

// mockStream replays fragments, then err (io.EOF when nil).
type mockStream struct {
	ctx       context.Context
	fragments []string
	err       error
	block     bool // wait for ctx instead of finishing
	closed    atomic.Bool
}

func (m *mockStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if len(m.fragments) > 0 {
		f := m.fragments[0]
		m.fragments = m.fragments[1:]
		return openai.ChatCompletionStreamResponse{
			Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: f}}},
		}, nil
	}
	if m.block {
		<-m.ctx.Done()
		return openai.ChatCompletionStreamResponse{}, m.ctx.Err()
	}
	if m.err != nil {
		return openai.ChatCompletionStreamResponse{}, m.err
	}
	return openai.ChatCompletionStreamResponse{}, io.EOF
}

func (m *mockStream) Close() error {
	m.closed.Store(true)
	return nil
}

type mockLLM struct {
	mu       sync.Mutex
	calls    int
	requests []openai.ChatCompletionRequest
	err      error
	newFunc  func(ctx context.Context) *mockStream
	streams  []*mockStream
}

func (m *mockLLM) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (llm.ChatStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	s := m.newFunc(ctx)
	s.ctx = ctx
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func replying(fragments ...string) *mockLLM {
	return &mockLLM{newFunc: func(context.Context) *mockStream {
		return &mockStream{fragments: append([]string(nil), fragments...)}
	}}
}

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
	// failAt makes the n-th Send (1-based) fail, simulating a disconnect.
	failAt int
}

func (r *recorder) Send(ev stream.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.events)+1 >= r.failAt {
		return errors.New("broken pipe")
	}
	r.events = append(r.events, ev)
	return nil
}

func newRelay(client llm.Client, opts Options) (*Relay, *session.Store) {
	store := session.NewStore(session.Config{Capacity: 100, TTL: time.Hour})
	gen := NewGenerator(client, GeneratorConfig{Model: "gemini-2.0-flash-001", SystemPrompt: "be brief", Timeout: time.Second})
	opts.Secret = testSecret
	opts.Verifier = webhook.HMACVerifier{Tolerance: time.Minute}
	if opts.WelcomeMessage == "" {
		opts.WelcomeMessage = testWelcome
	}
	return New(store, gen, opts), store
}

func signed(t *testing.T, ev map[string]string) Request {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return Request{Payload: b, Signature: webhook.SignatureFor(b, time.Now(), testSecret)}
}

func startEvent(sessionID, turnID string) map[string]string {
	return map[string]string{"type": "session.start", "text": "", "session_id": sessionID, "turn_id": turnID}
}

func messageEvent(sessionID, turnID, text string) map[string]string {
	return map[string]string{"type": "message", "text": text, "session_id": sessionID, "turn_id": turnID}
}

func TestWelcomeThenGeneratedTurn(t *testing.T) {
	client := replying("Hel", "lo!")
	r, store := newRelay(client, Options{})
	ctx := context.Background()

	out := &recorder{}
	require.NoError(t, r.Handle(ctx, signed(t, startEvent("s1", "t1")), out))
	require.Equal(t, []stream.Event{
		stream.TTS("t1", testWelcome),
		stream.End("t1"),
	}, out.events)
	require.Equal(t, 0, client.callCount(), "welcome path must not call the model")

	h := store.Get("s1")
	require.Len(t, h, 2)
	opening := session.TextTurn(session.RoleUser, "")
	opening.Opening = true
	require.Equal(t, opening, h[0])
	require.Equal(t, session.TextTurn(session.RoleAssistant, testWelcome), h[1])

	out = &recorder{}
	require.NoError(t, r.Handle(ctx, signed(t, messageEvent("s1", "t2", "Hi")), out))
	require.Equal(t, []stream.Event{
		stream.TTS("t2", "Hel"),
		stream.TTS("t2", "lo!"),
		stream.End("t2"),
	}, out.events)

	h = store.Get("s1")
	require.Len(t, h, 4)
	require.Equal(t, session.TextTurn(session.RoleUser, "Hi"), h[2])
	last, err := json.Marshal(h[3])
	require.NoError(t, err)
	require.JSONEq(t, `{"role":"assistant","content":[{"type":"text","text":"Hello!"}]}`, string(last))

	require.Equal(t, 1, client.callCount())
	require.True(t, client.streams[0].closed.Load())

	req := client.requests[0]
	require.True(t, req.Stream)
	require.Equal(t, "gemini-2.0-flash-001", req.Model)
	require.Equal(t, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "be brief"},
		{Role: openai.ChatMessageRoleAssistant, Content: testWelcome},
		{Role: openai.ChatMessageRoleUser, Content: "Hi"},
	}, req.Messages)
}

func TestEmptyMessageReachesModel(t *testing.T) {
	client := replying("ok")
	r, store := newRelay(client, Options{})
	ctx := context.Background()

	require.NoError(t, r.Handle(ctx, signed(t, startEvent("s1", "t1")), &recorder{}))
	require.NoError(t, r.Handle(ctx, signed(t, messageEvent("s1", "t2", "")), &recorder{}))

	require.Equal(t, 1, client.callCount())
	require.Equal(t, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "be brief"},
		{Role: openai.ChatMessageRoleAssistant, Content: testWelcome},
		{Role: openai.ChatMessageRoleUser, Content: ""},
	}, client.requests[0].Messages)

	h := store.Get("s1")
	require.Len(t, h, 4)
	require.False(t, h[2].Opening)
	require.Equal(t, "ok", h[3].Text())
}

func TestWelcomeIgnoresText(t *testing.T) {
	r, store := newRelay(replying("x"), Options{})
	ev := startEvent("s1", "t1")
	ev["text"] = "something the user said"

	out := &recorder{}
	require.NoError(t, r.Handle(context.Background(), signed(t, ev), out))
	require.Equal(t, []stream.Event{stream.TTS("t1", testWelcome), stream.End("t1")}, out.events)
	require.Len(t, store.Get("s1"), 2)
}

func TestHistoryGrowsByTwoPerTurn(t *testing.T) {
	r, store := newRelay(replying("ok"), Options{})
	for n := 1; n <= 5; n++ {
		out := &recorder{}
		require.NoError(t, r.Handle(context.Background(), signed(t, messageEvent("s1", fmt.Sprintf("t%d", n), fmt.Sprintf("q%d", n))), out))
		h := store.Get("s1")
		require.Len(t, h, 2*n)
		require.Equal(t, fmt.Sprintf("q%d", n), h[2*n-2].Text())
		require.Equal(t, session.RoleAssistant, h[2*n-1].Role)
	}
}

func TestUIDataPrecedesFragments(t *testing.T) {
	r, _ := newRelay(replying("a", "b"), Options{UIData: json.RawMessage(`{"textToBeShown":"Hello, how can I help you today?"}`)})
	out := &recorder{}
	require.NoError(t, r.Handle(context.Background(), signed(t, messageEvent("s1", "t1", "Hi")), out))

	require.Len(t, out.events, 4)
	require.Equal(t, stream.TypeData, out.events[0].Type)
	require.Equal(t, stream.TTS("t1", "a"), out.events[1])
	require.Equal(t, stream.TTS("t1", "b"), out.events[2])
	require.Equal(t, stream.End("t1"), out.events[3])
}

func TestGenerationFailures(t *testing.T) {
	cases := map[string]*mockLLM{
		"call fails": {err: errors.New("quota exceeded")},
		"stream breaks": {newFunc: func(context.Context) *mockStream {
			return &mockStream{fragments: []string{"Hel"}, err: io.ErrUnexpectedEOF}
		}},
		"empty reply": {newFunc: func(context.Context) *mockStream {
			return &mockStream{fragments: []string{"", "  "}}
		}},
		"timeout": {newFunc: func(context.Context) *mockStream {
			return &mockStream{fragments: []string{"Hel"}, block: true}
		}},
	}
	for name, client := range cases {
		t.Run(name, func(t *testing.T) {
			r, store := newRelay(client, Options{})
			r.gen.cfg.Timeout = 50 * time.Millisecond
			require.NoError(t, r.Handle(context.Background(), signed(t, startEvent("s1", "t1")), &recorder{}))
			before := store.Get("s1")

			out := &recorder{}
			err := r.Handle(context.Background(), signed(t, messageEvent("s1", "t2", "Hi")), out)
			require.ErrorIs(t, err, apperr.Generation)
			for _, ev := range out.events {
				require.NotEqual(t, stream.TypeEnd, ev.Type)
			}
			require.Equal(t, before, store.Get("s1"), "failed turn must not touch history")
		})
	}
}

func TestTimeoutIsReportedAsGenerationError(t *testing.T) {
	client := &mockLLM{newFunc: func(context.Context) *mockStream { return &mockStream{block: true} }}
	r, _ := newRelay(client, Options{})
	r.gen.cfg.Timeout = 20 * time.Millisecond

	err := r.Handle(context.Background(), signed(t, messageEvent("s1", "t1", "Hi")), &recorder{})
	require.ErrorIs(t, err, apperr.Generation)
	require.Equal(t, "generation timed out", apperr.MessageOf(err))
}

func TestCallerDisconnectCommitsNothing(t *testing.T) {
	r, store := newRelay(replying("one", "two", "three"), Options{})

	out := &recorder{failAt: 2}
	err := r.Handle(context.Background(), signed(t, messageEvent("s1", "t1", "Hi")), out)
	require.Error(t, err)
	require.Equal(t, []stream.Event{stream.TTS("t1", "one")}, out.events)
	require.Empty(t, store.Get("s1"))
}

func TestCancelledContextCommitsNothing(t *testing.T) {
	client := &mockLLM{newFunc: func(context.Context) *mockStream { return &mockStream{fragments: []string{"Hel"}, block: true} }}
	r, store := newRelay(client, Options{})
	r.gen.cfg.Timeout = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	out := &recorder{}
	done := make(chan error, 1)
	go func() { done <- r.Handle(ctx, signed(t, messageEvent("s1", "t1", "Hi")), out) }()

	require.Eventually(t, func() bool {
		out.mu.Lock()
		defer out.mu.Unlock()
		return len(out.events) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, store.Get("s1"))
}

func TestRejectedEventsTouchNothing(t *testing.T) {
	cases := map[string]struct {
		req  func(t *testing.T) Request
		kind error
	}{
		"bad signature": {
			req: func(t *testing.T) Request {
				req := signed(t, messageEvent("s1", "t1", "Hi"))
				req.Signature = webhook.SignatureFor(req.Payload, time.Now(), "wrong")
				return req
			},
			kind: apperr.Authentication,
		},
		"missing signature": {
			req: func(t *testing.T) Request {
				req := signed(t, messageEvent("s1", "t1", "Hi"))
				req.Signature = ""
				return req
			},
			kind: apperr.Authentication,
		},
		"malformed body": {
			req: func(t *testing.T) Request {
				b := []byte(`{"type":"message",`)
				return Request{Payload: b, Signature: webhook.SignatureFor(b, time.Now(), testSecret)}
			},
			kind: apperr.Validation,
		},
		"unknown type": {
			req: func(t *testing.T) Request {
				ev := messageEvent("s1", "t1", "Hi")
				ev["type"] = "session.update"
				return signed(t, ev)
			},
			kind: apperr.Validation,
		},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			client := replying("x")
			r, store := newRelay(client, Options{})
			out := &recorder{}
			err := r.Handle(context.Background(), c.req(t), out)
			require.ErrorIs(t, err, c.kind)
			require.Empty(t, out.events)
			require.Equal(t, 0, client.callCount())
			require.Equal(t, 0, store.Len())
		})
	}
}

func TestConcurrentTurnsOnOneSessionAreSerialized(t *testing.T) {
	client := &mockLLM{newFunc: func(context.Context) *mockStream {
		return &mockStream{fragments: []string{"a", "b", "c"}}
	}}
	r, store := newRelay(client, Options{})

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := &recorder{}
			if err := r.Handle(context.Background(), signed(t, messageEvent("s1", fmt.Sprintf("t%d", i), fmt.Sprintf("q%d", i))), out); err != nil {
				t.Error(err)
				return
			}
			if out.events[len(out.events)-1].Type != stream.TypeEnd {
				t.Errorf("turn %d did not end last", i)
			}
		}(i)
	}
	wg.Wait()

	h := store.Get("s1")
	require.Len(t, h, 2*n)
	for i, turn := range h {
		if i%2 == 0 {
			require.Equal(t, session.RoleUser, turn.Role)
		} else {
			require.Equal(t, session.RoleAssistant, turn.Role)
			require.Equal(t, "abc", turn.Text())
		}
	}
}

func TestMachineRefusesEndBeforeCommit(t *testing.T) {
	ctx := context.Background()
	fsm := newTurnMachine()
	require.NoError(t, fsm.FireCtx(ctx, triggerValidated))
	require.NoError(t, fsm.FireCtx(ctx, triggerGenerate))
	require.Error(t, fsm.FireCtx(ctx, triggerEnd))

	require.NoError(t, fsm.FireCtx(ctx, triggerCommitted))
	require.Error(t, fsm.FireCtx(ctx, triggerFail), "a committed turn cannot fail")
	require.NoError(t, fsm.FireCtx(ctx, triggerEnd))
	require.Equal(t, StateEnded, fsm.MustState())
}

type memArchive struct {
	mu    sync.Mutex
	turns map[string][]session.Turn
}

func (m *memArchive) Record(_ context.Context, sessionID, turnID string, turns []session.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.turns == nil {
		m.turns = map[string][]session.Turn{}
	}
	m.turns[sessionID+"/"+turnID] = turns
	return nil
}

func TestArchiveReceivesOnlyNewTurns(t *testing.T) {
	archive := &memArchive{}
	r, _ := newRelay(replying("Hello!"), Options{Archive: archive})
	ctx := context.Background()

	require.NoError(t, r.Handle(ctx, signed(t, startEvent("s1", "t1")), &recorder{}))
	require.NoError(t, r.Handle(ctx, signed(t, messageEvent("s1", "t2", "Hi")), &recorder{}))

	require.Len(t, archive.turns["s1/t1"], 2)
	require.Equal(t, []session.Turn{
		session.TextTurn(session.RoleUser, "Hi"),
		session.TextTurn(session.RoleAssistant, "Hello!"),
	}, archive.turns["s1/t2"])
}

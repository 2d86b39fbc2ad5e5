package controllers

import (
	"chatrelay/chatrelay/services/llm"
	"chatrelay/chatrelay/types"
	"chatrelay/chatrelay/utils/apperrors"
	"chatrelay/chatrelay/utils/logging"
	"chatrelay/chatrelay/utils/sanitize"
	wire "chatrelay/chatrelay/utils/types"
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultGenerationTimeout = 60 * time.Second
	archiveTimeout           = 10 * time.Second
)

// State is a step of one chat request.
type State string

const (
	StateReceived       State = "RECEIVED"
	StateUserSaved      State = "USER_SAVED"
	StateGenerating     State = "GENERATING"
	StateStreamingChunk State = "STREAMING_CHUNK"
	StateAssistantSaved State = "ASSISTANT_SAVED"
	StateComplete       State = "COMPLETE"
	StateError          State = "ERROR"
)

var transitions = map[State][]State{
	StateReceived:       {StateUserSaved},
	StateUserSaved:      {StateGenerating},
	StateGenerating:     {StateStreamingChunk, StateAssistantSaved, StateError},
	StateStreamingChunk: {StateStreamingChunk, StateAssistantSaved, StateError},
	StateAssistantSaved: {StateComplete},
}

// ConversationStore is the slice of sources/memory the relay needs.
type ConversationStore interface {
	Append(id string, msg types.Message) (string, error)
	Get(id string) (types.ConversationRecord, bool)
	ListAll() []types.ConversationRecord
}

type Generator interface {
	Generate(ctx context.Context, msgs []types.Message) (string, error)
	GenerateStream(ctx context.Context, msgs []types.Message) (<-chan llm.Delta, error)
}

// Archiver receives a snapshot after every successful exchange.
type Archiver interface {
	Archive(ctx context.Context, rec types.ConversationRecord) error
}

type RelayOption func(*RelayController)

func WithArchiver(a Archiver) RelayOption {
	return func(c *RelayController) { c.archiver = a }
}

func WithSanitizer(s *sanitize.Sanitizer) RelayOption {
	return func(c *RelayController) { c.sanitizer = s }
}

// WithStateObserver is called on every state change; tests use it to
// check the path a request took.
func WithStateObserver(fn func(conversationID string, s State)) RelayOption {
	return func(c *RelayController) { c.observe = fn }
}

type RelayController struct {
	store     ConversationStore
	gen       Generator
	archiver  Archiver
	sanitizer *sanitize.Sanitizer
	timeout   time.Duration
	observe   func(string, State)
	now       func() time.Time

	archives sync.WaitGroup
	slotsMu  sync.Mutex
	slots    map[string]*archiveSlot
}

// archiveSlot serializes uploads for one conversation. written is the
// message count of the last snapshot that reached the archiver.
type archiveSlot struct {
	mu      sync.Mutex
	written int
}

func NewRelayController(store ConversationStore, gen Generator, timeout time.Duration, opts ...RelayOption) *RelayController {
	if timeout <= 0 {
		timeout = DefaultGenerationTimeout
	}
	c := &RelayController{
		store:     store,
		gen:       gen,
		sanitizer: sanitize.Default(),
		timeout:   timeout,
		now:       time.Now,
		slots:     make(map[string]*archiveSlot),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// request tracks one exchange through the state machine.
type request struct {
	c              *RelayController
	state          State
	conversationID string
}

func (r *request) advance(to State) {
	allowed := false
	for _, s := range transitions[r.state] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		// a bug in the relay, not in the caller's input
		logging.ErrorLogger.Error("illegal relay transition",
			zap.String("from", string(r.state)), zap.String("to", string(to)),
			zap.String("conversation_id", r.conversationID))
	}
	r.state = to
	if r.c.observe != nil {
		r.c.observe(r.conversationID, to)
	}
}

// begin validates and sanitizes req, then commits the user turn. It returns
// the sanitized history to send upstream.
func (c *RelayController) begin(req wire.ChatRequest) (*request, []types.Message, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	now := c.now()
	history := make([]types.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		history = append(history, types.Message{
			Role:      m.Role,
			Content:   c.sanitizer.Sanitize(m.Content),
			CreatedAt: now,
		})
	}

	r := &request{c: c, state: StateReceived, conversationID: req.ConversationID}
	id, err := c.store.Append(req.ConversationID, history[len(history)-1])
	if err != nil {
		logging.ErrorLogger.Error("user turn append failed", zap.Error(err))
		return nil, nil, err
	}
	r.conversationID = id
	r.advance(StateUserSaved)
	return r, history, nil
}

func (c *RelayController) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// commit appends the assistant turn and hands the snapshot to the archiver.
func (c *RelayController) commit(r *request, content string) error {
	_, err := c.store.Append(r.conversationID, types.Message{
		Role:      types.RoleAssistant,
		Content:   content,
		CreatedAt: c.now(),
	})
	if err != nil {
		return err
	}
	r.advance(StateAssistantSaved)
	c.archive(r.conversationID)
	return nil
}

func (c *RelayController) archive(id string) {
	if c.archiver == nil {
		return
	}
	c.archives.Add(1)
	go func() {
		defer c.archives.Done()
		slot := c.slot(id)
		slot.mu.Lock()
		defer slot.mu.Unlock()

		// read under the slot lock so a slower upload never lands after a
		// newer one
		rec, ok := c.store.Get(id)
		if !ok {
			c.dropSlot(id, slot)
			return
		}
		if len(rec.Messages) <= slot.written {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := c.archiver.Archive(ctx, rec); err != nil {
			logging.ErrorLogger.Error("transcript archive failed",
				zap.String("conversation_id", id), zap.Error(err))
			return
		}
		slot.written = len(rec.Messages)
	}()
}

func (c *RelayController) slot(id string) *archiveSlot {
	c.slotsMu.Lock()
	defer c.slotsMu.Unlock()
	s, ok := c.slots[id]
	if !ok {
		s = &archiveSlot{}
		c.slots[id] = s
	}
	return s
}

// dropSlot forgets a conversation the store has already swept.
func (c *RelayController) dropSlot(id string, s *archiveSlot) {
	c.slotsMu.Lock()
	defer c.slotsMu.Unlock()
	if c.slots[id] == s {
		delete(c.slots, id)
	}
}

// Wait blocks until in-flight archive uploads finish.
func (c *RelayController) Wait() {
	c.archives.Wait()
}

// Chat runs one non-streaming exchange. On any failure after the user turn
// is saved the conversation keeps only that turn.
func (c *RelayController) Chat(ctx context.Context, req wire.ChatRequest) (wire.ChatResponse, error) {
	defer logging.LogDuration(ctx, "relay_chat")()

	r, history, err := c.begin(req)
	if err != nil {
		return wire.ChatResponse{}, err
	}

	genCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	r.advance(StateGenerating)
	text, err := c.gen.Generate(genCtx, history)
	if err == nil && genCtx.Err() != nil {
		err = apperrors.FromContext(genCtx)
	}
	if err != nil {
		r.advance(StateError)
		c.logFailure(ctx, r, err)
		return wire.ChatResponse{}, err
	}

	if err := c.commit(r, text); err != nil {
		r.advance(StateError)
		c.logFailure(ctx, r, err)
		return wire.ChatResponse{}, err
	}
	r.advance(StateComplete)

	return wire.ChatResponse{
		Content:        text,
		ConversationID: r.conversationID,
		Timestamp:      c.now().UnixMilli(),
	}, nil
}

// ChatStream runs one streaming exchange. Validation and user-turn errors
// are returned directly; everything after that arrives on the channel,
// which always ends with exactly one terminal chunk unless ctx is cancelled
// first. A cancelled ctx gets no terminal chunk and nothing is persisted.
func (c *RelayController) ChatStream(ctx context.Context, req wire.ChatRequest) (<-chan wire.StreamChunk, error) {
	r, history, err := c.begin(req)
	if err != nil {
		return nil, err
	}
	out := make(chan wire.StreamChunk)
	go c.stream(ctx, r, history, out)
	return out, nil
}

func (c *RelayController) stream(ctx context.Context, r *request, history []types.Message, out chan<- wire.StreamChunk) {
	defer close(out)
	defer logging.LogDuration(ctx, "relay_chat_stream")()

	genCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	send := func(chunk wire.StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		r.advance(StateError)
		c.logFailure(ctx, r, err)
		if ctx.Err() != nil {
			return
		}
		send(wire.StreamChunk{Error: apperrors.PublicMessage(err), Done: true})
	}

	r.advance(StateGenerating)
	deltas, err := c.gen.GenerateStream(genCtx, history)
	if err != nil {
		fail(err)
		return
	}

	var sb strings.Builder
	for {
		select {
		case d, ok := <-deltas:
			if !ok {
				if genCtx.Err() != nil {
					fail(apperrors.FromContext(genCtx))
					return
				}
				c.finish(ctx, r, sb.String(), send, fail)
				return
			}
			if d.Err != nil {
				fail(d.Err)
				return
			}
			if d.Text == "" {
				continue
			}
			sb.WriteString(d.Text)
			r.advance(StateStreamingChunk)
			if !send(wire.StreamChunk{Chunk: d.Text}) {
				fail(ctx.Err())
				return
			}
		case <-genCtx.Done():
			fail(apperrors.FromContext(genCtx))
			return
		}
	}
}

func (c *RelayController) finish(ctx context.Context, r *request, content string, send func(wire.StreamChunk) bool, fail func(error)) {
	if content == "" {
		fail(apperrors.Upstream(nil, "stream completed without text"))
		return
	}
	// the caller may have left while the last fragment was in flight
	if ctx.Err() != nil {
		fail(ctx.Err())
		return
	}
	if err := c.commit(r, content); err != nil {
		fail(err)
		return
	}
	r.advance(StateComplete)
	send(wire.StreamChunk{Done: true, ConversationID: r.conversationID})
}

func (c *RelayController) logFailure(ctx context.Context, r *request, err error) {
	fields := []zap.Field{zap.String("conversation_id", r.conversationID), zap.Error(err)}
	if stderrors.Is(err, context.Canceled) || ctx.Err() != nil {
		logging.AppLogger.Info("chat request abandoned by caller", fields...)
		return
	}
	logging.ErrorLogger.Error("chat generation failed", fields...)
}

// History returns one conversation by id.
func (c *RelayController) History(id string) (types.ConversationRecord, bool) {
	return c.store.Get(id)
}

// Conversations lists every live conversation.
func (c *RelayController) Conversations() []types.ConversationRecord {
	return c.store.ListAll()
}

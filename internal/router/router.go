// Package router runs one turn: it picks the agent for an inbound message,
// invokes it with its chat-scoped memory, forwards progress events and
// commits the result.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/agentdesk/internal/agent"
	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/memory"
	"github.com/ashureev/agentdesk/internal/metrics"
	"github.com/ashureev/agentdesk/internal/protocol"
	"github.com/ashureev/agentdesk/internal/registry"
	"github.com/ashureev/agentdesk/internal/session"
	"github.com/ashureev/agentdesk/internal/store"
)

const commitTimeout = 10 * time.Second

// InboundMessage is the routed part of a turn frame.
type InboundMessage struct {
	Text      string
	Media     string
	Metadata  map[string]any
	Signature string
}

// Sink receives the events of a turn in order.
type Sink interface {
	Emit(ev protocol.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev protocol.Event)

// Emit implements Sink.
func (f SinkFunc) Emit(ev protocol.Event) { f(ev) }

// ChatLookup resolves the chat a turn targets.
type ChatLookup interface {
	GetChat(ctx context.Context, chatID string) (*domain.Chat, error)
}

// Titler is told about the first committed message of a chat.
type Titler interface {
	MaybeGenerateTitle(chatID, firstMessage string)
}

// Config bounds turn execution.
type Config struct {
	TurnTimeout     time.Duration
	ContextMaxBytes int
}

// Router routes turns to agents.
type Router struct {
	agents   *registry.Bound
	chats    ChatLookup
	memory   *memory.Store
	titler   Titler
	cfg      Config
	logger   *slog.Logger
}

// New creates a router. titler may be nil.
func New(agents *registry.Bound, chats ChatLookup, mem *memory.Store, titler Titler, cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 2 * time.Minute
	}
	if cfg.ContextMaxBytes <= 0 {
		cfg.ContextMaxBytes = 2000
	}
	return &Router{
		agents:   agents,
		chats:    chats,
		memory:   mem,
		titler:   titler,
		cfg:      cfg,
		logger:   logger.With("component", "router"),
	}
}

// Select returns the agent that handles in: a signature naming a registered
// agent wins, anything else is classified.
func (r *Router) Select(in InboundMessage) (registry.Spec, error) {
	if in.Signature != "" {
		if spec, ok := r.agents.Lookup(in.Signature); ok {
			return spec, nil
		}
		r.logger.Debug("unknown signature, classifying", "signature", in.Signature)
	}
	return r.agents.Classify(in.Text)
}

// Route runs one turn for the chat sess is bound to. Progress and the final
// chat_message go to sink; a failed turn emits exactly one chat_message
// carrying the error class and returns the classified error. When ctx is
// cancelled mid-turn nothing further is emitted and ctx's error is returned.
func (r *Router) Route(ctx context.Context, sess *session.Context, in InboundMessage, sink Sink) error {
	chatID := sess.ChatID()
	if chatID == "" {
		return r.fail(sink, "", "", protocol.NewError(protocol.ClassChatNotFound, "", nil))
	}
	start := time.Now()

	spec, err := r.Select(in)
	if err != nil {
		return r.fail(sink, chatID, "", protocol.NewError(protocol.ClassRouting, "", err))
	}
	a, ok := r.agents.Agent(spec.Name)
	if !ok {
		return r.fail(sink, chatID, spec.Name, protocol.NewError(protocol.ClassRouting, "", registry.ErrAgentNotFound))
	}
	logger := r.logger.With("chat_id", chatID, "session_id", sess.ID, "agent", spec.Name)

	chat, err := r.chats.GetChat(ctx, chatID)
	if err == nil && chat == nil {
		err = store.ErrChatNotFound
	}
	if err != nil {
		return r.fail(sink, chatID, spec.Name, classifyStoreError(err))
	}

	own := sess.Memory(spec.Name)
	req := agent.Request{
		ChatID:        chatID,
		UserID:        sess.UserID,
		Text:          in.Text,
		Media:         in.Media,
		Metadata:      in.Metadata,
		Memory:        own.Entries(),
		MemoryContext: own.Format(r.cfg.ContextMaxBytes),
	}
	if spec.CrossAgentContext {
		req.Siblings = sess.SiblingSummaries(spec.Name, r.cfg.ContextMaxBytes)
	}

	turnCtx, cancel := context.WithTimeout(ctx, r.cfg.TurnTimeout)
	defer cancel()

	emit := agent.EmitterFunc(func(status string) {
		if turnCtx.Err() != nil {
			return
		}
		sink.Emit(protocol.NewNanoMessage(spec.Name, status, sess.ID, chatID, time.Now()))
		metrics.RecordNano(spec.Name)
	})

	logger.Info("turn started", "override", in.Signature == spec.Name)
	res, err := a.Invoke(turnCtx, req, emit)
	if ctx.Err() != nil {
		// Cancelled by the connection; a result that made it back is still
		// durable, but nothing is emitted for it.
		if err == nil {
			_ = r.commit(ctx, sess, spec, chatID, in, res)
		}
		logger.Info("turn cancelled", "duration", time.Since(start))
		metrics.RecordTurn(spec.Name, "cancelled", time.Since(start))
		return ctx.Err()
	}
	if err != nil {
		msg := ""
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "That took too long. Please try again."
		}
		logger.Warn("agent failed", "error", err, "duration", time.Since(start))
		metrics.RecordTurn(spec.Name, string(protocol.ClassAgentExecution), time.Since(start))
		return r.fail(sink, chatID, spec.Name, protocol.NewError(protocol.ClassAgentExecution, msg, err))
	}

	if err := r.commit(ctx, sess, spec, chatID, in, res); err != nil {
		perr := classifyStoreError(err)
		logger.Error("turn commit failed", "error", err)
		metrics.RecordTurn(spec.Name, string(perr.Class), time.Since(start))
		return r.fail(sink, chatID, spec.Name, perr)
	}

	def, _ := r.agents.Default()
	sink.Emit(protocol.NewChatMessage(chatID, res.Text, spec.Name, spec.Name != def.Name, res.Payload))
	metrics.RecordTurn(spec.Name, "ok", time.Since(start))
	logger.Info("turn completed", "duration", time.Since(start))
	return nil
}

// commit writes the user message, the assistant message and the optional
// memory entry in one transaction, detached from the cancellation of ctx.
func (r *Router) commit(ctx context.Context, sess *session.Context, spec registry.Spec, chatID string, in InboundMessage, res agent.Result) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	rec := store.TurnRecord{
		UserMessage: &domain.Message{
			ChatID:   chatID,
			Role:     domain.RoleUser,
			Content:  in.Text,
			Media:    in.Media,
			Metadata: in.Metadata,
		},
		Message: &domain.Message{
			ChatID:   chatID,
			Role:     domain.RoleAssistant,
			Agent:    spec.Name,
			Content:  res.Text,
			Metadata: res.Payload,
		},
	}
	if spec.Memory && res.Remember != "" {
		rec.MemoryAgent = spec.Name
		rec.Memory = &memory.Entry{Content: res.Remember}
	}
	if err := r.memory.CommitTurn(cctx, rec); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	if rec.Memory != nil && sess.ChatID() == chatID {
		sess.Recorded(spec.Name, *rec.Memory)
	}
	if rec.UserMessage.Seq == 1 && r.titler != nil {
		r.titler.MaybeGenerateTitle(chatID, in.Text)
	}
	return nil
}

func (r *Router) fail(sink Sink, chatID, agentName string, e *protocol.Error) error {
	metrics.RecordError(string(e.Class))
	sink.Emit(protocol.NewChatError(chatID, agentName, e))
	return e
}

func classifyStoreError(err error) *protocol.Error {
	if errors.Is(err, store.ErrChatNotFound) {
		return protocol.NewError(protocol.ClassChatNotFound, "", err)
	}
	return protocol.NewError(protocol.ClassPersistence, "", err)
}

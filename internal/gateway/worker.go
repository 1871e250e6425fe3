package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/agentdesk/internal/auth"
	"github.com/ashureev/agentdesk/internal/bus"
	"github.com/ashureev/agentdesk/internal/chats"
	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/metrics"
	"github.com/ashureev/agentdesk/internal/protocol"
	"github.com/ashureev/agentdesk/internal/router"
	"github.com/ashureev/agentdesk/internal/session"
)

// worker owns the protocol state and the session of one connection and
// processes its frames one at a time.
type worker struct {
	c       *conn
	deps    Deps
	machine *protocol.Machine
	sess    *session.Context
	events  <-chan bus.Event
	unsub   func()
	logger  *slog.Logger
}

func newWorker(c *conn) *worker {
	return &worker{
		c:       c,
		deps:    c.h.deps,
		machine: protocol.NewMachine(),
		logger:  c.logger,
	}
}

func (w *worker) run(ctx context.Context) error {
	defer w.cleanup()
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-w.c.in:
			w.handle(ctx, item)
		case ev, ok := <-w.events:
			if !ok {
				w.events = nil
				continue
			}
			w.handleChatEvent(ev)
		}
	}
}

func (w *worker) cleanup() {
	w.machine.Close()
	if w.unsub != nil {
		w.unsub()
	}
	if w.sess != nil {
		w.deps.Sessions.Unregister(w.sess.ID)
		metrics.SessionClosed()
	}
}

func (w *worker) handle(ctx context.Context, item inbound) {
	if w.machine.State() == protocol.StateClosed {
		return
	}
	if item.err != nil {
		if w.machine.State() == protocol.StateUnauthenticated {
			w.fatal(protocol.NewError(protocol.ClassAuth, "Authentication required: the first frame must carry a token.", item.err))
			return
		}
		w.reject(protocol.AsError(item.err, protocol.ClassProtocol))
		return
	}

	frame := item.frame
	if err := w.machine.Accept(frame.Kind); err != nil {
		pe := protocol.AsError(err, protocol.ClassProtocol)
		if pe.Fatal() {
			w.fatal(pe)
			return
		}
		w.reject(pe)
		return
	}

	switch frame.Kind {
	case protocol.FrameAuth:
		w.authenticate(ctx, frame.Token)
	case protocol.FramePing:
		w.c.send(protocol.NewPong())
	case protocol.FrameCreateChat:
		w.createChat(ctx, frame.Title)
	case protocol.FrameSwitchChat:
		if pe := w.switchChat(ctx, frame.ChatID); pe != nil {
			w.reject(pe)
		}
	case protocol.FrameTurn:
		w.turn(ctx, frame)
	}
}

// fatal reports an auth-class error and closes the connection.
func (w *worker) fatal(pe *protocol.Error) {
	w.logger.Info("closing connection", "error", pe)
	w.machine.Close()
	w.c.authFail(pe.Message)
}

// reject reports a recoverable error outside a turn.
func (w *worker) reject(pe *protocol.Error) {
	w.logger.Debug("frame rejected", "error", pe)
	metrics.RecordError(string(pe.Class))
	w.c.send(protocol.NewErrorEvent(pe))
}

func (w *worker) authenticate(ctx context.Context, token string) {
	user, err := w.deps.Auth.Authenticate(ctx, token)
	if err != nil {
		if !auth.IsTokenError(err) {
			w.logger.Error("authentication failed", "error", err)
		}
		w.fatal(protocol.NewError(protocol.ClassAuth, "Invalid or expired token.", err))
		return
	}
	if err := w.machine.Authenticated(); err != nil {
		w.fatal(protocol.NewError(protocol.ClassAuth, "", err))
		return
	}

	w.sess = session.New(*user, w.deps.Memory)
	w.logger = w.logger.With("user_id", user.UserID, "session_id", w.sess.ID)
	w.deps.Sessions.Register(w.sess.ID, user.UserID)
	metrics.SessionOpened()
	w.events, w.unsub = w.deps.Bus.Subscribe(ctx, user.UserID)
	w.c.authed.Store(true)

	chatID := ""
	chat, err := w.defaultChat(ctx, user.UserID)
	if err == nil {
		err = w.bind(ctx, chat.ChatID)
	}
	if err == nil {
		chatID = chat.ChatID
	}

	w.c.send(protocol.NewAuthSuccess(w.sess.ID, chatID, protocol.UserInfo{
		ID:    user.UserID,
		Name:  user.DisplayName(),
		Email: user.Email,
	}))
	if err != nil {
		w.logger.Error("failed to bind default chat", "error", err)
		w.reject(protocol.NewError(protocol.ClassPersistence, "Could not open a chat. Please create one.", err))
	}
	w.logger.Info("session authenticated", "chat_id", chatID)
}

// defaultChat returns the user's most recently active chat, creating one
// for users without chats.
func (w *worker) defaultChat(ctx context.Context, userID string) (*domain.Chat, error) {
	chat, err := w.deps.Chats.Latest(ctx, userID)
	if err != nil || chat != nil {
		return chat, err
	}
	return w.deps.Chats.Create(ctx, userID, "")
}

func (w *worker) bind(ctx context.Context, chatID string) error {
	if err := w.sess.Bind(ctx, chatID); err != nil {
		return err
	}
	if err := w.machine.Bound(); err != nil {
		return err
	}
	w.deps.Sessions.Rebind(w.sess.ID, chatID)
	w.c.bound.Store(&chatID)
	return nil
}

func (w *worker) detach(chatID string) {
	if !w.sess.Detach(chatID) {
		return
	}
	_ = w.machine.Detached()
	w.deps.Sessions.Rebind(w.sess.ID, "")
	empty := ""
	w.c.bound.Store(&empty)
	w.logger.Info("session detached from deleted chat", "chat_id", chatID)
}

func (w *worker) createChat(ctx context.Context, title string) {
	chat, err := w.deps.Chats.Create(ctx, w.sess.UserID, title)
	if err != nil {
		w.reject(protocol.NewError(protocol.ClassPersistence, "", err))
		return
	}
	if err := w.bind(ctx, chat.ChatID); err != nil {
		w.reject(protocol.NewError(protocol.ClassPersistence, "", err))
		return
	}
	w.c.send(protocol.NewChatCreated(chat.ChatID, chat.Title))
}

// switchChat binds the session to chatID, creating the chat when it never
// existed. Deleted chats and chats of other users are not found.
func (w *worker) switchChat(ctx context.Context, chatID string) *protocol.Error {
	if chatID == w.sess.DetachedFrom() {
		return protocol.NewError(protocol.ClassChatNotFound, "", nil)
	}
	chat, created, err := w.deps.Chats.CreateWithID(ctx, w.sess.UserID, chatID, "")
	if err != nil {
		class := protocol.ClassPersistence
		if errors.Is(err, chats.ErrChatNotFound) {
			class = protocol.ClassChatNotFound
		}
		return protocol.NewError(class, "", err)
	}
	if err := w.bind(ctx, chat.ChatID); err != nil {
		return protocol.NewError(protocol.ClassPersistence, "", err)
	}
	if created {
		w.c.send(protocol.NewChatCreated(chat.ChatID, chat.Title))
	} else {
		w.c.send(protocol.NewChatSwitched(chat.ChatID))
	}
	w.logger.Info("chat switched", "chat_id", chat.ChatID, "created", created)
	return nil
}

func (w *worker) turn(ctx context.Context, frame protocol.Frame) {
	if frame.ChatID != "" && frame.ChatID != w.sess.ChatID() {
		if pe := w.switchChat(ctx, frame.ChatID); pe != nil {
			w.turnError(frame.ChatID, pe)
			return
		}
	}
	if !w.c.h.limiters.Allow(w.sess.UserID) {
		w.turnError(w.sess.ChatID(), protocol.NewError(protocol.ClassRouting, "You're sending messages too quickly. Please slow down.", nil))
		return
	}

	turnCtx, done := w.c.startTurn(ctx)
	sink := &turnSink{c: w.c, ctx: turnCtx}
	err := w.deps.Router.Route(turnCtx, w.sess, router.InboundMessage{
		Text:      frame.Text,
		Media:     frame.Media,
		Metadata:  frame.Metadata,
		Signature: frame.Signature,
	}, sink)
	sink.seal()
	done()

	if err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Debug("turn failed", "error", err)
	}
	w.sess.Touch()
	w.touchUser()
}

func (w *worker) turnError(chatID string, pe *protocol.Error) {
	metrics.RecordError(string(pe.Class))
	w.c.send(protocol.NewChatError(chatID, "", pe))
}

func (w *worker) handleChatEvent(ev bus.Event) {
	if w.sess == nil {
		return
	}
	switch ev.Kind {
	case bus.KindChatDeleted:
		w.detach(ev.ChatID)
		w.c.send(protocol.NewChatDeleted(ev.ChatID))
	case bus.KindTitleUpdated:
		w.c.send(protocol.NewTitleUpdated(ev.ChatID, ev.Title))
	}
}

// touchUser updates last seen asynchronously with a timeout.
func (w *worker) touchUser() {
	if w.deps.Users == nil {
		return
	}
	userID := w.sess.UserID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.deps.Users.UpdateLastSeen(ctx, userID, time.Now()); err != nil {
			slog.Warn("Failed to update last seen", "error", err, "user_id", userID)
		}
	}()
}

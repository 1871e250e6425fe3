package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/agentdesk/internal/metrics"
	"github.com/ashureev/agentdesk/internal/protocol"
)

var errClosed = errors.New("connection closed")

// outbound is one item of the write queue: an event, or a request to close
// the connection once everything queued before it was written.
type outbound struct {
	ev     protocol.Event
	close  bool
	code   websocket.StatusCode
	reason string
}

// inbound is one parsed frame, or the reason it could not be parsed.
type inbound struct {
	frame protocol.Frame
	err   error
}

// conn is one live connection. A reader goroutine decodes frames, a worker
// processes them strictly in order and a writer is the only goroutine that
// writes to the socket.
type conn struct {
	h      *Handler
	ws     *websocket.Conn
	logger *slog.Logger

	ctx context.Context
	out chan outbound
	in  chan inbound

	started  time.Time
	lastSeen atomic.Int64
	authed   atomic.Bool
	closing  atomic.Bool
	// bound mirrors the worker's bound chat for the reader.
	bound atomic.Pointer[string]

	turnMu     sync.Mutex
	turnCancel context.CancelFunc
}

func newConn(h *Handler, ws *websocket.Conn, logger *slog.Logger) *conn {
	c := &conn{
		h:       h,
		ws:      ws,
		logger:  logger,
		out:     make(chan outbound, h.cfg.OutboundQueueSize),
		in:      make(chan inbound, h.cfg.InboundQueueSize),
		started: time.Now(),
	}
	c.touch()
	empty := ""
	c.bound.Store(&empty)
	return c
}

func (c *conn) run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	c.ctx = gctx

	w := newWorker(c)
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return w.run(gctx) })
	g.Go(func() error { return c.watchdog(gctx) })

	err := g.Wait()
	c.logger.Info("connection ended", "reason", err)
}

func (c *conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// send queues ev for writing, blocking while the queue is full.
func (c *conn) send(ev protocol.Event) {
	if c.closing.Load() {
		return
	}
	select {
	case c.out <- outbound{ev: ev}:
	case <-c.ctx.Done():
	}
}

// closeWith queues a close after everything already queued. Later events
// are discarded.
func (c *conn) closeWith(code websocket.StatusCode, reason string) {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	select {
	case c.out <- outbound{close: true, code: code, reason: reason}:
	case <-c.ctx.Done():
	default:
		// Queue is full; close without flushing.
		go func() { _ = c.ws.Close(code, reason) }()
	}
}

// authFail reports an auth error and closes the connection.
func (c *conn) authFail(message string) {
	metrics.RecordError(string(protocol.ClassAuth))
	c.send(protocol.NewAuthError(message))
	c.closeWith(websocket.StatusPolicyViolation, "authentication failed")
}

func (c *conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-c.out:
			if item.close {
				if err := c.ws.Close(item.code, item.reason); err != nil {
					c.logger.Debug("close handshake failed", "error", err)
				}
				return errClosed
			}
			if err := c.writeJSON(ctx, item.ev); err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("WebSocket write error", "error", err)
				}
				return err
			}
		}
	}
}

func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageText, data)
}

func (c *conn) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				c.logger.Debug("WebSocket closed by client")
			} else if ctx.Err() == nil && !c.closing.Load() {
				c.logger.Warn("WebSocket read error", "error", err)
			}
			return errClosed
		}
		c.touch()

		frame, perr := protocol.ParseFrame(data)
		if perr == nil {
			metrics.RecordFrame(frame.Kind.String())
		}
		if perr == nil && c.authed.Load() {
			if frame.Kind == protocol.FramePing {
				c.send(protocol.NewPong())
				continue
			}
			if c.preempts(frame) {
				c.cancelTurn()
			}
		}

		select {
		case c.in <- inbound{frame: frame, err: perr}:
		default:
			busy := protocol.NewError(protocol.ClassRouting, "Too many messages in flight. Please wait for a reply.", nil)
			metrics.RecordError(string(busy.Class))
			c.send(protocol.NewErrorEvent(busy))
		}
	}
}

// preempts reports whether frame explicitly moves the connection to another
// chat, which cancels the turn in flight. Turns always queue, whatever chat
// they name.
func (c *conn) preempts(frame protocol.Frame) bool {
	switch frame.Kind {
	case protocol.FrameCreateChat:
		return true
	case protocol.FrameSwitchChat:
		return frame.ChatID != "" && frame.ChatID != *c.bound.Load()
	}
	return false
}

func (c *conn) startTurn(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	c.turnMu.Lock()
	c.turnCancel = cancel
	c.turnMu.Unlock()
	return ctx, func() {
		c.turnMu.Lock()
		c.turnCancel = nil
		c.turnMu.Unlock()
		cancel()
	}
}

func (c *conn) cancelTurn() {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if c.turnCancel != nil {
		c.logger.Debug("cancelling turn in flight")
		c.turnCancel()
	}
}

// watchdog enforces the auth grace period and the heartbeat timeout.
func (c *conn) watchdog(ctx context.Context) error {
	cfg := c.h.cfg
	tick := min(cfg.HeartbeatTimeout, cfg.AuthGracePeriod) / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if !c.authed.Load() && now.Sub(c.started) > cfg.AuthGracePeriod {
				c.logger.Info("authentication timed out")
				c.authFail("Authentication timed out.")
				return nil
			}
			if now.Sub(time.Unix(0, c.lastSeen.Load())) > cfg.HeartbeatTimeout {
				c.logger.Info("heartbeat timed out")
				c.closeWith(websocket.StatusPolicyViolation, "heartbeat timeout")
				return nil
			}
		}
	}
}

// turnSink forwards the events of one turn until it is sealed. Sealing
// happens before anything after the turn is queued, so no event of a
// finished or cancelled turn can follow it.
type turnSink struct {
	c      *conn
	ctx    context.Context
	mu     sync.Mutex
	sealed bool
}

func (s *turnSink) Emit(ev protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed || s.ctx.Err() != nil {
		return
	}
	s.c.send(ev)
}

func (s *turnSink) seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// InvokeMethod is the full gRPC method name remote agents serve. Requests and
// responses are google.protobuf.Struct messages; the response stream carries
// frames whose "type" is "nano", "final" or "error".
const InvokeMethod = "/agentdesk.agent.v1.AgentService/Invoke"

const (
	frameNano  = "nano"
	frameFinal = "final"
	frameError = "error"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNoFinalFrame             = errors.New("stream ended without a final frame")
)

var invokeStreamDesc = grpc.StreamDesc{
	StreamName:    "Invoke",
	ServerStreams: true,
}

// RemoteConfig holds configuration for a remote agent connection.
type RemoteConfig struct {
	Name             string
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	DialOptions      []grpc.DialOption
}

// DefaultRemoteConfig returns default connection settings for addr.
func DefaultRemoteConfig(name, addr string) RemoteConfig {
	return RemoteConfig{
		Name:             name,
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// RemoteAgent invokes an agent running in another process over gRPC.
type RemoteAgent struct {
	name   string
	conn   *grpc.ClientConn
	logger *slog.Logger
}

// NewRemoteAgent dials the remote agent and waits until the connection is
// ready so bad endpoints fail at startup.
func NewRemoteAgent(cfg RemoteConfig, logger *slog.Logger) (*RemoteAgent, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to agent %s at %s: %w", cfg.Name, cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent %s at %s not ready: %w", cfg.Name, cfg.Address, err)
	}

	logger.Info("connected to remote agent", "agent", cfg.Name, "address", cfg.Address)
	return &RemoteAgent{name: cfg.Name, conn: conn, logger: logger.With("agent", cfg.Name)}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (a *RemoteAgent) Close() error {
	if a.conn == nil {
		return nil
	}
	if err := a.conn.Close(); err != nil {
		return fmt.Errorf("close agent connection: %w", err)
	}
	return nil
}

// Invoke implements Agent.
func (a *RemoteAgent) Invoke(ctx context.Context, req Request, e Emitter) (Result, error) {
	in, err := encodeRequest(a.name, req)
	if err != nil {
		return Result{}, err
	}

	stream, err := a.conn.NewStream(ctx, &invokeStreamDesc, InvokeMethod)
	if err != nil {
		return Result{}, fmt.Errorf("open invoke stream: %w", err)
	}
	if err := stream.SendMsg(in); err != nil {
		return Result{}, fmt.Errorf("send invoke request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return Result{}, fmt.Errorf("close invoke send: %w", err)
	}

	for {
		frame := &structpb.Struct{}
		err := stream.RecvMsg(frame)
		if errors.Is(err, io.EOF) {
			return Result{}, errNoFinalFrame
		}
		if err != nil {
			return Result{}, fmt.Errorf("invoke stream error: %w", err)
		}

		fields := frame.AsMap()
		switch kind, _ := fields["type"].(string); kind {
		case frameNano:
			msg, _ := fields["message"].(string)
			e.Nano(msg)
		case frameFinal:
			return decodeResult(fields), nil
		case frameError:
			msg, _ := fields["message"].(string)
			return Result{}, fmt.Errorf("%w: %s", ErrAgentFailed, msg)
		default:
			a.logger.Warn("ignoring unknown agent frame", "type", kind)
		}
	}
}

func encodeRequest(name string, req Request) (*structpb.Struct, error) {
	memory := make([]any, 0, len(req.Memory))
	for _, m := range req.Memory {
		memory = append(memory, map[string]any{
			"seq":       m.Seq,
			"content":   m.Content,
			"timestamp": m.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	siblings := make(map[string]any, len(req.Siblings))
	for k, v := range req.Siblings {
		siblings[k] = v
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	s, err := structpb.NewStruct(map[string]any{
		"agent":          name,
		"chat_id":        req.ChatID,
		"user_id":        req.UserID,
		"text":           req.Text,
		"media":          req.Media,
		"metadata":       metadata,
		"memory":         memory,
		"memory_context": req.MemoryContext,
		"siblings":       siblings,
	})
	if err != nil {
		return nil, fmt.Errorf("encode invoke request: %w", err)
	}
	return s, nil
}

func decodeResult(fields map[string]any) Result {
	res := Result{}
	res.Text, _ = fields["text"].(string)
	res.Remember, _ = fields["remember"].(string)
	res.Payload, _ = fields["payload"].(map[string]any)
	return res
}

package agent

import (
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/agentdesk/internal/memory"
)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "agentdesk.agent.v1.AgentService",
	HandlerType: (*Agent)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Invoke",
		Handler:       invokeHandler,
		ServerStreams: true,
	}},
	Metadata: "agentdesk/agent/v1/agent.proto",
}

// Serve registers a so that it answers InvokeMethod on s. It lets an agent
// implemented in Go run out of process behind a RemoteAgent.
func Serve(s grpc.ServiceRegistrar, a Agent) {
	s.RegisterService(&serviceDesc, a)
}

func invokeHandler(srv any, stream grpc.ServerStream) error {
	in := &structpb.Struct{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}

	var sendErr error
	emit := EmitterFunc(func(status string) {
		if sendErr == nil {
			sendErr = sendFrame(stream, map[string]any{"type": frameNano, "message": status})
		}
	})

	res, err := srv.(Agent).Invoke(stream.Context(), decodeRequest(in.AsMap()), emit)
	if sendErr != nil {
		return sendErr
	}
	if err != nil {
		return sendFrame(stream, map[string]any{"type": frameError, "message": err.Error()})
	}

	payload := res.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return sendFrame(stream, map[string]any{
		"type":     frameFinal,
		"text":     res.Text,
		"payload":  payload,
		"remember": res.Remember,
	})
}

func sendFrame(stream grpc.ServerStream, fields map[string]any) error {
	frame, err := structpb.NewStruct(fields)
	if err != nil {
		return err
	}
	return stream.SendMsg(frame)
}

func decodeRequest(fields map[string]any) Request {
	req := Request{}
	req.ChatID, _ = fields["chat_id"].(string)
	req.UserID, _ = fields["user_id"].(string)
	req.Text, _ = fields["text"].(string)
	req.Media, _ = fields["media"].(string)
	req.MemoryContext, _ = fields["memory_context"].(string)
	if md, ok := fields["metadata"].(map[string]any); ok && len(md) > 0 {
		req.Metadata = md
	}

	if items, ok := fields["memory"].([]any); ok {
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			entry := memory.Entry{}
			entry.Content, _ = m["content"].(string)
			if seq, ok := m["seq"].(float64); ok {
				entry.Seq = int64(seq)
			}
			if ts, ok := m["timestamp"].(string); ok {
				entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
			}
			req.Memory = append(req.Memory, entry)
		}
	}

	if siblings, ok := fields["siblings"].(map[string]any); ok && len(siblings) > 0 {
		req.Siblings = make(map[string]string, len(siblings))
		for k, v := range siblings {
			if s, ok := v.(string); ok {
				req.Siblings[k] = s
			}
		}
	}
	return req
}

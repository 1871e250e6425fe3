package protocol

import (
	"time"

	"github.com/ashureev/agentdesk/internal/shared"
)

// RetryPolicy maps a reconnect attempt number to a delay. It holds no
// state, so clients can compute the next delay without timers.
type RetryPolicy = shared.Backoff

// ReconnectPolicy is sent to clients in auth_success: 1s doubling up to
// 30s with up to 20% jitter.
var ReconnectPolicy = RetryPolicy{Base: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0.2}

package chat

import (
	"context"
	"time"

	"github.com/termchat-project/termchat/internal/logger"
	"github.com/termchat-project/termchat/proto"
)

// RetryConfig controls send retry and ack timeout behavior.
type RetryConfig struct {
	// SendRetries is how many times a failed transport send is retried.
	SendRetries int

	// AckTimeout bounds one wait for a delivery ack.
	AckTimeout time.Duration

	// AckRetries is how many extra waits happen after the first timeout.
	AckRetries int

	sendBackoffStart time.Duration
	sendBackoffCap   time.Duration
}

// DefaultRetryConfig mirrors the defaults the client ships with.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		SendRetries: 1,
		AckTimeout:  10 * time.Second,
		AckRetries:  1,
	}.withDefaults()
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.sendBackoffStart <= 0 {
		c.sendBackoffStart = 100 * time.Millisecond
	}
	if c.sendBackoffCap <= 0 {
		c.sendBackoffCap = 2 * time.Second
	}
	return c
}

// AwaitAck waits for the delivery ack of a specific message. Each attempt
// pumps ReceiveOne for up to cfg.AckTimeout; non-ack envelopes received in
// the meantime are dispatched normally. After cfg.AckRetries extra attempts
// the status stays Sent. Receive errors end the current attempt and count
// as a timeout, never as a send failure.
func (m *Manager) AwaitAck(ctx context.Context, id proto.MessageID, cfg RetryConfig) proto.MessageStatus {
	cfg = cfg.withDefaults()

	for attempt := 0; attempt <= cfg.AckRetries; attempt++ {
		if m.isDelivered(id) {
			return proto.StatusDelivered
		}

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.AckTimeout)
		delivered := m.waitForAck(attemptCtx, id)
		cancel()

		if delivered {
			return proto.StatusDelivered
		}
		if ctx.Err() != nil {
			break
		}
		m.log.Debug("ack timeout expired",
			logger.Int("attempt", attempt),
			logger.Int("max_retries", cfg.AckRetries))
	}

	m.log.Info("no ack received after retries, status remains sent",
		logger.String("message_id", id.String()))
	return proto.StatusSent
}

// waitForAck keeps receiving until the matching ack arrives or the attempt
// context expires.
func (m *Manager) waitForAck(ctx context.Context, target proto.MessageID) bool {
	for {
		env, err := m.ReceiveOne(ctx)
		if err != nil {
			return m.isDelivered(target)
		}
		if ack, ok := env.(*proto.Ack); ok && ack.MessageID == target {
			return true
		}
	}
}

func (m *Manager) isDelivered(id proto.MessageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstanding[id] == proto.StatusDelivered
}

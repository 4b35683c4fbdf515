package notifier

import (
	"context"
	"log/slog"

	"github.com/suspectuso/pay-intake/internal/metrics"
	"github.com/suspectuso/pay-intake/internal/storage"
)

// Notifier delivers a best-effort notice about a recorded payment. It reports
// delivery but never retries; callers must not depend on it succeeding.
type Notifier interface {
	Notify(ctx context.Context, p *storage.Payment) bool
}

// Nop is used when no channel is configured.
type Nop struct{}

func (Nop) Notify(context.Context, *storage.Payment) bool { return false }

// Multi sends to every channel and reports whether any of them succeeded.
type Multi struct {
	channels []Notifier
	log      *slog.Logger
}

func NewMulti(log *slog.Logger, channels ...Notifier) *Multi {
	return &Multi{channels: channels, log: log}
}

func (m *Multi) Notify(ctx context.Context, p *storage.Payment) bool {
	delivered := false
	for _, ch := range m.channels {
		if ch.Notify(ctx, p) {
			delivered = true
		}
	}
	if !delivered && len(m.channels) > 0 {
		m.log.Warn("payment notification not delivered", "tx_hash", p.TxHash)
	}
	return delivered
}

func record(channel string, ok bool) bool {
	metrics.Notifications.WithLabelValues(channel, metrics.Result(ok)).Inc()
	return ok
}

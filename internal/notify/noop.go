package notify

import (
	"context"
	"log/slog"
)

// Noop is the channel used when no messaging backend is configured.
// It reports no destination so gateways fail open instead of waiting
// for answers that can never arrive.
type Noop struct {
	logger *slog.Logger
}

func NewNoop(logger *slog.Logger) *Noop {
	return &Noop{logger: logger.With("component", "notify")}
}

func (n *Noop) HasDestination(string) bool { return false }

func (n *Noop) Send(_ context.Context, destination, text string, _ []Action) (string, error) {
	n.logger.Debug("dropping message, no channel configured",
		"destination", destination, "text_len", len(text))
	return "", nil
}

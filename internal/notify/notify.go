package notify

import (
	"context"
	"strings"
)

// Action is one inline button offered with a message. Data is the
// callback payload written back by the inbound handler.
type Action struct {
	Label string
	Data  string
}

// Channel delivers messages to a human and returns a message
// reference usable for later correlation. Responses never arrive
// through the channel; a separate inbound handler writes them to the
// store and callers observe them by re-reading.
type Channel interface {
	Send(ctx context.Context, destination, text string, actions []Action) (messageRef string, err error)
	// HasDestination reports whether destination can actually receive
	// messages. Gateways fail open when it cannot.
	HasDestination(destination string) bool
}

// MaskSecrets blanks secret values out of a progress summary before it
// leaves the process.
func MaskSecrets(text string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		text = strings.ReplaceAll(text, secret, "••••••••")
	}
	return text
}

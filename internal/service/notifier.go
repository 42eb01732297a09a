package service

import "context"

// Notifier is the fire-and-forget notification sink. Implementations must
// never block approval or receipt operations on delivery; failures are
// the sink's concern.
type Notifier interface {
	Publish(ctx context.Context, eventType string, payload map[string]any)
}

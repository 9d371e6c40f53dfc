package queue

import "context"

// Invoker performs exactly one delivery attempt of an item's payload to the
// downstream system. Ordinary downstream failures (HTTP 4xx/5xx, timeouts)
// are reported as success=false with a human-readable detail, never as a
// panic or error: the coordinator records the detail in the item's reason.
type Invoker interface {
	Attempt(ctx context.Context, item *Item) (success bool, detail string)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, item *Item) (bool, string)

// Attempt calls f.
func (f InvokerFunc) Attempt(ctx context.Context, item *Item) (bool, string) {
	return f(ctx, item)
}

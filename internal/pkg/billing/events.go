package billing

import "context"

// EventCounter records ingestion outcomes per provider.
type EventCounter interface {
	Incr(ctx context.Context, provider, outcome string)
}

type noopCounter struct{}

func (noopCounter) Incr(context.Context, string, string) {}

package progress

import "context"

// Sink consumes batches of events. Implementations must honor ctx deadlines
// and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so the
// crawl workers stay agnostic about buffering and persistence.
type Emitter interface {
	Emit(evt Event)
}

package crawler

import (
	"context"
	"io"
	"time"
)

// Document is a live, navigated page owned by a renderer session.
type Document interface {
	// Location returns the URL the page currently shows, after redirects.
	Location(ctx context.Context) (string, error)
	// HTML returns the serialized DOM.
	HTML(ctx context.Context) (string, error)
	// Click clicks the first element matching the CSS selector.
	Click(ctx context.Context, selector string) error
	// Fill replaces the value of the matched input and optionally submits it with Enter.
	Fill(ctx context.Context, selector, value string, submit bool) error
	// Press sends a named key (for example "Escape") to the page.
	Press(ctx context.Context, key string) error
	// Evaluate runs a JavaScript expression and decodes its result into out.
	Evaluate(ctx context.Context, expression string, out any) error
}

// Renderer is one heavyweight browser (or fetcher) session.
type Renderer interface {
	Navigate(ctx context.Context, rawURL string) (Document, error)
	Close() error
}

// Screenshotter is implemented by renderers that can capture the page they
// currently show.
type Screenshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// RendererFactory creates a fresh Renderer session.
type RendererFactory func(ctx context.Context) (Renderer, error)

// ExtractFunc reads one field from a document. An empty value or an error
// means the field was not found.
type ExtractFunc func(ctx context.Context, doc Document) (string, error)

// FieldExtractor binds an extraction strategy to the field it fills.
type FieldExtractor struct {
	Field   string
	Extract ExtractFunc
}

// ActionFunc performs a best-effort page interaction. A nil error means the
// action succeeded or decided nothing was needed.
type ActionFunc func(ctx context.Context, doc Document) error

// Action is a named pre-extraction step.
type Action struct {
	Name string
	Run  ActionFunc
}

// TaskQueue hands pending tasks from the producer to the workers.
type TaskQueue interface {
	Enqueue(ctx context.Context, task Task) error
	// Dequeue returns ErrQueueClosed once the queue is closed and drained.
	Dequeue(ctx context.Context) (Task, error)
	Close()
}

// TaskSource yields the ordered input records.
type TaskSource interface {
	ReadTasks(ctx context.Context) ([]Task, error)
}

// ResultCodec serializes the full result set to and from a tabular stream.
type ResultCodec interface {
	EncodeResults(w io.Writer, fields []string, results []Result) error
	DecodeResults(r io.Reader) ([]Result, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and session identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Pauser sleeps for a delay unless the context ends first.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}

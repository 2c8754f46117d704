package fleet

import (
	"context"
	"time"

	"github.com/JakeFAU/crawlfleet/internal/bus"
	"github.com/JakeFAU/crawlfleet/internal/protocol"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces participant ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Transport is the participant's view of the bus. *bus.Adapter implements it.
type Transport interface {
	ParticipantID() string
	Publish(ctx context.Context, env protocol.Envelope) error
	OnMessage(h bus.Handler)
	Listen(ctx context.Context) error
	StopListening()
}

// Progress receives counters from a running fetch. Calls may come from any
// goroutine.
type Progress interface {
	LinksDiscovered(n int)
	PageProcessed(url string)
	PageFailed(url string)
}

// Fetcher runs one crawl job. It must return promptly once ctx is cancelled.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest, progress Progress) (protocol.ResultSummary, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher maps a page body to its content-addressed object path.
type Hasher interface {
	ObjectPath(site string, body []byte) (string, error)
}

// TargetStore persists the dispatcher's crawl targets.
type TargetStore interface {
	LoadTargets(ctx context.Context) ([]CrawlTarget, error)
	UpsertTarget(ctx context.Context, target CrawlTarget) error
	RecordDispatch(ctx context.Context, url string, at time.Time, workerID string) error
}

package crawler

import (
	"context"
	"io"
	"time"
)

// WorkQueue is the durable priority queue of crawl requests.
// ClaimNext must be atomic across concurrent callers, including callers in
// other processes sharing the same store.
type WorkQueue interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (int64, error)
	ClaimNext(ctx context.Context, project, claimant string) (QueueItem, bool, error)
	MarkComplete(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, message string) error
	// Release hands a processing item back to pending without counting a
	// retry. Items in any other status are left alone.
	Release(ctx context.Context, id int64) error
	Retry(ctx context.Context, id int64) error
	Remove(ctx context.Context, id int64) error
	BulkCleanup(ctx context.Context, statuses ...QueueStatus) (int64, error)
	Get(ctx context.Context, id int64) (QueueItem, error)
	List(ctx context.Context, filter ListFilter) ([]QueueItem, error)
	Stats(ctx context.Context, project string) (map[QueueStatus]int, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ArticleStore persists extracted articles. URLs are unique.
type ArticleStore interface {
	// ExistingURLs returns the subset of urls that are already stored.
	ExistingURLs(ctx context.Context, urls []string) (map[string]struct{}, error)
	// InsertBatch writes all articles in one transaction, skipping URLs that
	// already exist, and returns the URLs actually inserted.
	InsertBatch(ctx context.Context, articles []Article) ([]string, error)
}

// SpiderStore persists spider definitions.
type SpiderStore interface {
	GetSpider(ctx context.Context, name string) (SpiderConfig, error)
	SaveSpider(ctx context.Context, cfg SpiderConfig) error
	ListSpiders(ctx context.Context) ([]SpiderConfig, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL over plain HTTP and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Renderer loads a page in a real browser.
type Renderer interface {
	Render(ctx context.Context, request RenderRequest) (RenderResult, error)
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

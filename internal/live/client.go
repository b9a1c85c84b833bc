package live

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// Client is one attached consumer of a live stream. Chunks arrive in
// broadcast order through a bounded queue; Read blocks until data, context
// cancellation, or the stream's terminator.
type Client struct {
	ID          ulid.ULID
	Kind        string
	ConnectedAt time.Time

	queue chan []byte

	mu      sync.RWMutex
	closed  bool
	failure error
	once    sync.Once

	lastReadAt atomic.Int64 // unix nanos
	bytesRead  atomic.Uint64

	stream *LiveStream
}

func newClient(stream *LiveStream, kind string, queueChunks int) *Client {
	c := &Client{
		ID:          ulid.Make(),
		Kind:        kind,
		ConnectedAt: time.Now(),
		queue:       make(chan []byte, queueChunks),
		stream:      stream,
	}
	c.lastReadAt.Store(time.Now().UnixNano())
	return c
}

// Stream returns the live stream this client is attached to.
func (c *Client) Stream() *LiveStream {
	return c.stream
}

// Read returns the next chunk. It blocks until one is available or the
// context ends. After the stream terminates the client, reads drain the
// remaining queued chunks and then return io.EOF, or the eviction reason
// when the stream threw the client out.
func (c *Client) Read(ctx context.Context) ([]byte, error) {
	// A reader blocked here is not a stalled reader. Stamping on entry keeps
	// the stall sweep to clients that stopped calling Read.
	c.lastReadAt.Store(time.Now().UnixNano())

	select {
	case chunk, ok := <-c.queue:
		if !ok {
			return nil, c.terminalError()
		}
		c.lastReadAt.Store(time.Now().UnixNano())
		c.bytesRead.Add(uint64(len(chunk)))
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliver enqueues one chunk without blocking. The chunk must not be mutated
// afterwards. Reports false when the queue is full; delivery to an already
// terminated client is a no-op.
func (c *Client) deliver(chunk []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return true
	}
	select {
	case c.queue <- chunk:
		return true
	default:
		return false
	}
}

// terminate closes the queue. Queued chunks drain first; the closed channel
// is the terminator that turns subsequent reads into io.EOF.
func (c *Client) terminate() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.queue)
		c.mu.Unlock()
	})
}

// fail records why the stream evicted this client. Reads report the reason
// once the queue drains. The first cause wins; a client terminated without
// one reports io.EOF.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if !c.closed && c.failure == nil {
		c.failure = err
	}
	c.mu.Unlock()
}

func (c *Client) terminalError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.failure != nil {
		return c.failure
	}
	return io.EOF
}

func (c *Client) sinceLastRead(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastReadAt.Load()))
}

func (c *Client) stats() ClientStats {
	return ClientStats{
		ID:          c.ID.String(),
		Kind:        c.Kind,
		ConnectedAt: c.ConnectedAt,
		LastReadAt:  time.Unix(0, c.lastReadAt.Load()),
		BytesRead:   c.bytesRead.Load(),
		QueueLength: len(c.queue),
	}
}

package live

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/miyako-dev/tsubridge/internal/config"
	"github.com/miyako-dev/tsubridge/internal/metrics"
)

// fanout distributes encoded chunks to every attached client and evicts the
// ones that cannot keep up. The client slice is copy-on-write: broadcast
// snapshots it under a read lock and removals build a fresh slice, so a
// sweep never races a detach.
type fanout struct {
	cfg    config.StreamConfig
	logger *slog.Logger

	mu      sync.RWMutex
	clients []*Client

	// onEmpty fires after the last client detaches one by one. disconnectAll
	// never fires it; mass disconnection means the stream is ending, not
	// idling.
	onEmpty func()
}

func newFanout(cfg config.StreamConfig, logger *slog.Logger, onEmpty func()) *fanout {
	return &fanout{cfg: cfg, logger: logger, onEmpty: onEmpty}
}

func (f *fanout) connect(stream *LiveStream, kind string) *Client {
	c := newClient(stream, kind, f.cfg.ClientQueueChunks)
	f.mu.Lock()
	f.clients = append(f.clients, c)
	n := len(f.clients)
	f.mu.Unlock()

	metrics.IncClients()
	f.logger.Info("client connected",
		slog.String("client", c.ID.String()),
		slog.String("kind", kind),
		slog.Int("clients", n),
	)
	return c
}

// disconnect detaches and terminates one client. Unknown ids are a no-op, so
// disconnecting twice is safe.
func (f *fanout) disconnect(id ulid.ULID, reason string) {
	f.mu.Lock()
	var victim *Client
	for _, c := range f.clients {
		if c.ID == id {
			victim = c
			break
		}
	}
	if victim == nil {
		f.mu.Unlock()
		return
	}
	next := make([]*Client, 0, len(f.clients)-1)
	for _, c := range f.clients {
		if c.ID != id {
			next = append(next, c)
		}
	}
	f.clients = next
	n := len(next)
	f.mu.Unlock()

	victim.terminate()
	metrics.DecClients()
	f.logger.Info("client disconnected",
		slog.String("client", id.String()),
		slog.String("reason", reason),
		slog.Int("clients", n),
	)
	if n == 0 && f.onEmpty != nil {
		f.onEmpty()
	}
}

// disconnectAll terminates every client at once. Used when the stream goes
// Offline.
func (f *fanout) disconnectAll(reason string) {
	f.mu.Lock()
	victims := f.clients
	f.clients = nil
	f.mu.Unlock()

	if len(victims) == 0 {
		return
	}
	for _, c := range victims {
		c.terminate()
		metrics.DecClients()
	}
	f.logger.Info("all clients disconnected",
		slog.Int("clients", len(victims)),
		slog.String("reason", reason),
	)
}

// broadcast copies the chunk once and enqueues it on every client. A client
// whose queue is full is evicted on the spot; with sweepStalled set, clients
// that have not read for client_stall_timeout are evicted too.
func (f *fanout) broadcast(chunk []byte, sweepStalled bool) {
	f.mu.RLock()
	clients := f.clients
	f.mu.RUnlock()
	if len(clients) == 0 {
		return
	}

	// One copy shared by every queue; the caller reuses its buffer.
	data := make([]byte, len(chunk))
	copy(data, chunk)

	now := time.Now()
	type eviction struct {
		client *Client
		reason string
		cause  error
	}
	var evictions []eviction
	for _, c := range clients {
		if sweepStalled {
			if stalled := c.sinceLastRead(now); stalled > f.cfg.ClientStallTimeout {
				evictions = append(evictions, eviction{c, "stalled",
					fmt.Errorf("%w: no reads for %s", ErrClientStalled, stalled.Round(time.Millisecond))})
				f.logger.Warn("evicting stalled client",
					slog.String("client", c.ID.String()),
					slog.Duration("stalled", stalled.Round(time.Millisecond)),
				)
				continue
			}
		}
		if !c.deliver(data) {
			evictions = append(evictions, eviction{c, "overflow",
				fmt.Errorf("%w: queue overflow", ErrClientStalled)})
			f.logger.Warn("evicting client with full queue",
				slog.String("client", c.ID.String()),
				slog.Int("queued", len(c.queue)),
			)
		}
	}
	for _, e := range evictions {
		e.client.fail(e.cause)
		metrics.IncClientEviction(e.reason)
		f.disconnect(e.client.ID, e.reason)
	}
}

func (f *fanout) count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

func (f *fanout) stats() []ClientStats {
	f.mu.RLock()
	clients := f.clients
	f.mu.RUnlock()

	out := make([]ClientStats, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.stats())
	}
	return out
}

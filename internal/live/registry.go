package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miyako-dev/tsubridge/internal/config"
	"github.com/miyako-dev/tsubridge/internal/encoder"
	"github.com/miyako-dev/tsubridge/internal/metrics"
	"github.com/miyako-dev/tsubridge/internal/observability"
	"github.com/miyako-dev/tsubridge/internal/tuner"
)

// DefaultClientKind is assumed when a connect request does not say how the
// stream will be consumed.
const DefaultClientKind = "mpegts"

// Registry owns every live stream and arbitrates tuner access between them.
// Streams are created on first use and live for the life of the registry;
// an Offline stream is just an entry waiting for its next viewer.
type Registry struct {
	cfg     *config.Config
	backend tuner.Backend
	base    *slog.Logger
	logger  *slog.Logger

	mu      sync.RWMutex
	streams map[string]*LiveStream
}

// NewRegistry builds a registry on top of a tuner backend.
func NewRegistry(cfg *config.Config, backend tuner.Backend, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:     cfg,
		backend: backend,
		base:    logger,
		logger:  observability.WithComponent(logger, "registry"),
		streams: make(map[string]*LiveStream),
	}
}

// Connect resolves the channel, gets or creates the (channel, quality)
// stream, and attaches a client to it. An empty kind means DefaultClientKind.
func (r *Registry) Connect(ctx context.Context, channel, quality, kind string) (*Client, error) {
	if kind == "" {
		kind = DefaultClientKind
	}
	q, err := encoder.LookupQuality(quality)
	if err != nil {
		return nil, err
	}
	ch, err := r.backend.Resolve(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("resolving channel %q: %w", channel, err)
	}

	return r.lookupOrCreate(ch, q).Connect(ctx, kind)
}

func (r *Registry) lookupOrCreate(ch tuner.Channel, q encoder.Quality) *LiveStream {
	id := StreamID(ch.DisplayID(), q.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.streams[id]; ok {
		return s
	}
	s := newLiveStream(ch, q, r.cfg, r, r.base)
	r.streams[id] = s
	r.logger.Info("stream created", slog.String("stream", id))
	return s
}

// Disconnect detaches a client from its stream. Safe to call twice and with
// nil.
func (r *Registry) Disconnect(c *Client) {
	if c == nil || c.stream == nil {
		return
	}
	c.stream.Disconnect(c.ID)
}

// Lookup returns the stream with the given id, such as "gr011-1080p".
func (r *Registry) Lookup(id string) (*LiveStream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.streams[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
}

// ListStreams groups a snapshot of every stream by state name.
func (r *Registry) ListStreams() map[string]map[string]StreamStatus {
	out := make(map[string]map[string]StreamStatus)
	for _, s := range r.snapshot() {
		st := s.Status()
		group := out[st.Status.String()]
		if group == nil {
			group = make(map[string]StreamStatus)
			out[st.Status.String()] = group
		}
		group[st.ID] = st
	}
	return out
}

// GetStatus reports one (channel, quality) stream. A pair that never
// streamed reports Offline rather than an error.
func (r *Registry) GetStatus(channel, quality string) StreamStatus {
	id := StreamID(strings.ToLower(channel), quality)
	s, err := r.Lookup(id)
	if err != nil {
		return StreamStatus{
			ID:      id,
			Channel: strings.ToLower(channel),
			Quality: quality,
			Status:  StatusOffline,
			Detail:  "stream is offline",
		}
	}
	return s.Status()
}

// ViewerCount sums the clients attached to every quality of a channel.
func (r *Registry) ViewerCount(channel string) int {
	total := 0
	for _, s := range r.snapshot() {
		if strings.EqualFold(s.channel.DisplayID(), channel) {
			total += s.fanout.count()
		}
	}
	return total
}

// Shutdown takes every stream offline in parallel and closes the backend.
func (r *Registry) Shutdown(ctx context.Context) error {
	streams := r.snapshot()
	r.logger.Info("shutting down", slog.Int("streams", len(streams)))

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range streams {
		g.Go(func() error { return s.Shutdown(gctx) })
	}
	err := g.Wait()

	if cerr := r.backend.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (r *Registry) snapshot() []*LiveStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	streams := make([]*LiveStream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	return streams
}

// acquire opens a tuner for the requesting stream. When the backend is out
// of tuners it hunts for a stream to preempt instead of failing outright.
func (r *Registry) acquire(ctx context.Context, req *LiveStream) (*tuner.Handle, error) {
	h, err := r.open(ctx, req)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, tuner.ErrNoTunerAvailable) {
		return nil, err
	}
	return r.acquireByPreemption(ctx, req)
}

func (r *Registry) open(ctx context.Context, req *LiveStream) (*tuner.Handle, error) {
	start := time.Now()
	h, err := r.backend.Open(ctx, req.channel, req.ID)
	if err != nil {
		return nil, err
	}
	metrics.ObserveTunerOpen(r.cfg.Backend.Type, time.Since(start))
	return h, nil
}

// acquireByPreemption scans for a victim stream, takes its tuner, and hands
// it to the requester. Busy streams may idle out while we wait, so the scan
// repeats up to preempt_wait_attempts times before giving up.
func (r *Registry) acquireByPreemption(ctx context.Context, req *LiveStream) (*tuner.Handle, error) {
	logger := observability.WithStream(r.logger, req.ID)
	logger.Warn("no tuner available, looking for a stream to preempt")

	// An EDCB command session can be retuned and so can move between streams
	// in-process. HTTP sessions cannot; there the victim's release frees a
	// backend slot for a fresh open.
	direct := r.cfg.Backend.Type == "edcb" && !r.cfg.Backend.UseHTTPForTV()

	attempts := r.cfg.Stream.PreemptWaitAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.cfg.Stream.PreemptWaitInterval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		victim, anyOnAir := r.findVictim(req)
		if victim == nil {
			if anyOnAir {
				// Somebody is watching everything right now, but viewers
				// leave. Wait a slice and rescan.
				continue
			}
			// Nothing preemptible and nothing about to idle out. One last
			// fresh try in case a slot freed behind our back.
			h, err := r.open(ctx, req)
			if err == nil {
				return h, nil
			}
			if errors.Is(err, tuner.ErrNoTunerAvailable) {
				metrics.IncPreemption("exhausted")
				return nil, fmt.Errorf("all tuners in use: %w", tuner.ErrNoTunerAvailable)
			}
			return nil, err
		}

		moved, ok := victim.Preempt(req.ID, direct)
		if !ok {
			// Lost the claim race. Rescan.
			continue
		}

		if moved != nil {
			// The victim's session is ours now; it is still tuned to the
			// victim's service.
			rerr := moved.Retune(ctx, req.channel)
			if rerr == nil {
				logger.Info("adopted a preempted tuner", slog.String("victim", victim.ID))
				metrics.IncPreemption("handoff")
				return moved, nil
			}
			logger.Warn("could not retune the adopted tuner, reopening",
				slog.String("error", rerr.Error()))
			moved.Close()
		}

		// The victim's tuner went back to the backend; its slot should be
		// free for us.
		h, err := r.open(ctx, req)
		if err == nil {
			logger.Info("reopened a tuner after preemption", slog.String("victim", victim.ID))
			metrics.IncPreemption("reopen")
			return h, nil
		}
		if !errors.Is(err, tuner.ErrNoTunerAvailable) {
			return nil, err
		}
		// Someone else grabbed the freed slot. Keep hunting.
	}

	metrics.IncPreemption("exhausted")
	return nil, fmt.Errorf("no preemptible stream found: %w", tuner.ErrNoTunerAvailable)
}

// findVictim picks the stream whose tuner the requester may take: an
// adoptable state, no meaningful clients (Standby waiters do not count, they
// have received nothing yet), and a claimable handle. Idling streams go
// first, then Standby, then abandoned ONAir; ties break to the stream
// untouched the longest. anyOnAir reports whether some ONAir stream exists
// at all, preemptible or not.
func (r *Registry) findVictim(req *LiveStream) (victim *LiveStream, anyOnAir bool) {
	var (
		bestRank int
		bestAge  time.Time
	)
	for _, s := range r.snapshot() {
		if s == req {
			continue
		}
		st, clients, updated, claimable := s.preemptSnapshot()
		if st == StatusONAir {
			anyOnAir = true
		}

		var rank int
		switch st {
		case StatusIdling:
			rank = 0
		case StatusStandby:
			rank = 1
		case StatusONAir:
			rank = 2
		default:
			continue
		}
		if clients > 0 && st != StatusStandby {
			continue
		}
		if !claimable {
			continue
		}
		if victim == nil || rank < bestRank || (rank == bestRank && updated.Before(bestAge)) {
			victim, bestRank, bestAge = s, rank, updated
		}
	}
	return victim, anyOnAir
}

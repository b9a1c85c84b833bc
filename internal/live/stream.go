package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/miyako-dev/tsubridge/internal/config"
	"github.com/miyako-dev/tsubridge/internal/encoder"
	"github.com/miyako-dev/tsubridge/internal/metrics"
	"github.com/miyako-dev/tsubridge/internal/observability"
	"github.com/miyako-dev/tsubridge/internal/tuner"
)

// arbiter acquires tuner handles on behalf of a stream, preempting other
// streams when the backend is out of hardware. The registry implements it.
type arbiter interface {
	acquire(ctx context.Context, req *LiveStream) (*tuner.Handle, error)
}

// LiveStream is one shared (channel, quality) pipeline: a tuner session
// feeding an encoder feeding every attached client. The zero state is
// Offline; the first Connect brings it up and the stream winds itself back
// down when its viewers leave or its encoder dies for good.
//
// Locking: mu guards the state machine and is never held across tuner or
// encoder I/O. fanout has its own lock and may be entered with mu held, but
// never the other way around.
type LiveStream struct {
	ID      string
	channel tuner.Channel
	quality encoder.Quality

	cfg    *config.Config
	arb    arbiter
	logger *slog.Logger

	fanout     *fanout
	supervisor *encoder.Supervisor

	mu        sync.Mutex
	status    Status
	detail    string
	startedAt time.Time
	updatedAt time.Time
	restarts  int
	handle    *tuner.Handle

	starting  bool
	startDone chan struct{}
	startErr  error

	stopping   bool
	stopReason string
	runCancel  context.CancelFunc
	runDone    chan struct{}
	idleTimer  *time.Timer

	dataWrittenAt atomic.Int64
}

func newLiveStream(ch tuner.Channel, q encoder.Quality, cfg *config.Config, arb arbiter, logger *slog.Logger) *LiveStream {
	id := StreamID(ch.DisplayID(), q.Name)
	s := &LiveStream{
		ID:        id,
		channel:   ch,
		quality:   q,
		cfg:       cfg,
		arb:       arb,
		logger:    observability.WithStream(observability.WithComponent(logger, "live-stream"), id),
		status:    StatusOffline,
		detail:    "stream is offline",
		updatedAt: time.Now(),
		runDone:   closedChan(),
	}
	s.supervisor = encoder.NewSupervisor(cfg.Encoder, int(cfg.Stream.ChunkSize), s.logger)
	s.fanout = newFanout(cfg.Stream, s.logger, s.clientsEmptied)
	return s
}

// closedChan lets waiters treat "never ran" like "already finished".
func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// setStatusLocked applies one state machine edge with mu held. Repeating the
// current (status, detail) pair is a no-op that leaves updatedAt alone, and
// an Offline stream cannot go straight to Restart. Reports whether anything
// changed.
func (s *LiveStream) setStatusLocked(status Status, detail string) bool {
	if s.status == status && s.detail == detail {
		return false
	}
	if s.status == StatusOffline && status == StatusRestart {
		return false
	}

	prev := s.status
	if status == StatusStandby && prev != StatusStandby {
		s.startedAt = time.Now()
	}
	s.status = status
	s.detail = detail
	s.updatedAt = time.Now()

	if status != prev {
		metrics.MoveStreamStatus(prev.String(), status.String())
		s.logger.Info("status changed",
			slog.String("from", prev.String()),
			slog.String("to", status.String()),
			slog.String("detail", detail),
		)
	} else {
		s.logger.Debug("status detail",
			slog.String("status", status.String()),
			slog.String("detail", detail),
		)
	}
	return true
}

// Connect attaches a new client, starting the pipeline if the stream is
// Offline. Concurrent callers coalesce on a single start, and a failed start
// reports the same error to every waiter. Backend and encoder availability
// problems surface here; failures after the pipeline is up arrive as the
// stream going Offline instead.
func (s *LiveStream) Connect(ctx context.Context, kind string) (*Client, error) {
	for {
		s.mu.Lock()
		switch {
		case s.stopping:
			// The previous pipeline is on its way down. Wait it out and
			// reconsider.
			done := s.runDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case s.status == StatusOffline && s.starting:
			done := s.startDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			s.mu.Lock()
			err := s.startErr
			s.mu.Unlock()
			if err != nil {
				return nil, err
			}

		case s.status == StatusOffline:
			s.starting = true
			s.startDone = make(chan struct{})
			s.startErr = nil
			s.mu.Unlock()

			err := s.start(ctx)

			s.mu.Lock()
			s.starting = false
			s.startErr = err
			close(s.startDone)
			s.mu.Unlock()
			if err != nil {
				return nil, err
			}

		default:
			// Standby, ONAir, Idling or Restart all accept clients. Attaching
			// under the lock keeps a client from slipping onto a stream that
			// is concurrently going Offline.
			if s.status == StatusIdling {
				s.stopIdleTimerLocked()
				s.setStatusLocked(StatusONAir, "viewer reconnected")
			}
			c := s.fanout.connect(s, kind)
			s.mu.Unlock()
			return c, nil
		}
	}
}

// start brings the pipeline up: Offline to Standby, tuner acquisition, and
// the run loop launch. Runs on the connecting client's goroutine so that
// acquisition errors surface at Connect.
func (s *LiveStream) start(ctx context.Context) error {
	// The previous run's teardown may still be in flight.
	s.mu.Lock()
	prev := s.runDone
	s.mu.Unlock()
	select {
	case <-prev:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Surface a missing or unknown encoder binary before touching the
	// backend.
	if _, _, err := encoder.BuildCommand(s.cfg.Encoder, s.quality); err != nil {
		s.mu.Lock()
		s.setStatusLocked(StatusOffline, describeError(err))
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.restarts = 0
	s.stopping = false
	s.stopReason = ""
	s.setStatusLocked(StatusStandby, "starting tuner")
	s.mu.Unlock()

	handle, err := s.arb.acquire(ctx, s)
	if err != nil {
		s.mu.Lock()
		s.setStatusLocked(StatusOffline, describeError(err))
		s.mu.Unlock()
		s.fanout.disconnectAll("stream failed to start")
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.handle = handle
	s.runCancel = cancel
	s.runDone = done
	s.setStatusLocked(StatusStandby, "starting encoder")
	s.mu.Unlock()

	s.logger.Info("tuner acquired", slog.String("tuner", handle.Description()))
	go s.run(runCtx, handle, done)
	return nil
}

// run owns the pipeline from tuner acquisition to Offline. It supervises
// encoder runs until a final failure, cancellation, or idle shutdown, then
// tears everything down.
func (s *LiveStream) run(ctx context.Context, handle *tuner.Handle, done chan struct{}) {
	defer close(done)

	detail := s.superviseLoop(ctx, handle)

	s.stopIdleTimer()

	s.mu.Lock()
	// Preemption already moved the stream Offline with its own detail.
	if s.status != StatusOffline {
		s.setStatusLocked(StatusOffline, detail)
	}
	h := s.handle
	s.handle = nil
	s.runCancel = nil
	s.stopping = false
	s.stopReason = ""
	s.mu.Unlock()

	s.fanout.disconnectAll("stream went offline")
	if h != nil {
		if err := h.Close(); err != nil {
			s.logger.Warn("closing tuner", slog.String("error", err.Error()))
		}
	}
	s.logger.Info("stream is offline", slog.String("detail", detail))
}

// superviseLoop runs encoder processes over the tuner session, restarting
// after recoverable failures until the budget runs out, the failure is
// final, or the stream is cancelled. Returns the Offline detail.
func (s *LiveStream) superviseLoop(ctx context.Context, h *tuner.Handle) string {
	hooks := encoder.RunHooks{
		OnFirstOutput: s.onFirstOutput,
		OnProgress:    s.onProgress,
	}

	for {
		err := s.supervisor.Supervise(ctx, s.quality, &tunerReader{h: h}, &streamWriter{s: s}, hooks)

		// Cancellation wins over whatever the run reported.
		if ctx.Err() != nil {
			s.mu.Lock()
			reason := s.stopReason
			s.mu.Unlock()
			if reason == "" {
				reason = "stream cancelled"
			}
			return reason
		}

		switch {
		case errors.Is(err, encoder.ErrUnsupported),
			errors.Is(err, encoder.ErrStartFailed),
			errors.Is(err, encoder.ErrFatalLog):
			return describeError(err)
		}

		// Everything else is worth a restart: a freeze, an unexplained exit,
		// a sink failure, or the tuner stream ending.
		if err == nil {
			err = errors.New("tuner stream ended")
		}

		s.mu.Lock()
		s.restarts++
		attempt := s.restarts
		s.mu.Unlock()

		if attempt > s.cfg.Encoder.MaxRestarts {
			s.logger.Error("restart budget exhausted",
				slog.Int("restarts", attempt-1),
				slog.String("error", err.Error()),
			)
			return describeError(ErrRetryBudgetExhausted)
		}

		metrics.IncEncoderRestart(restartReason(err))
		s.mu.Lock()
		s.setStatusLocked(StatusRestart, "restarting encoder")
		s.mu.Unlock()

		// The session survives encoder restarts, but a dead one cannot feed
		// the next run.
		if h.Disconnected() {
			h.Close()
			s.mu.Lock()
			s.handle = nil
			s.mu.Unlock()

			fresh, aerr := s.arb.acquire(ctx, s)
			if aerr != nil {
				if ctx.Err() != nil {
					s.mu.Lock()
					reason := s.stopReason
					s.mu.Unlock()
					if reason == "" {
						reason = "stream cancelled"
					}
					return reason
				}
				return describeError(aerr)
			}
			h = fresh
			s.mu.Lock()
			s.handle = fresh
			s.mu.Unlock()
		}

		s.mu.Lock()
		s.setStatusLocked(StatusStandby,
			fmt.Sprintf("restarting encoder (attempt %d/%d)", attempt, s.cfg.Encoder.MaxRestarts))
		s.mu.Unlock()
	}
}

// onFirstOutput fires from the encoder's egress goroutine on the first byte
// of each run.
func (s *LiveStream) onFirstOutput() {
	s.mu.Lock()
	if s.status != StatusStandby {
		s.mu.Unlock()
		return
	}
	elapsed := time.Since(s.startedAt)
	s.setStatusLocked(StatusONAir, "stream is on air")
	if s.fanout.count() == 0 {
		// Every viewer left while the encoder was warming up.
		s.setStatusLocked(StatusIdling, "no viewers connected")
		s.armIdleTimerLocked()
	}
	s.mu.Unlock()

	s.logger.Info("stream is on air", slog.Duration("startup", elapsed))
}

// onProgress refreshes the Standby detail while the encoder reports startup
// progress.
func (s *LiveStream) onProgress(string) {
	s.mu.Lock()
	if s.status == StatusStandby {
		s.setStatusLocked(StatusStandby, "encoder is buffering")
	}
	s.mu.Unlock()
}

// clientsEmptied fires from the fanout after the last client detaches.
func (s *LiveStream) clientsEmptied() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || s.status != StatusONAir {
		return
	}
	if s.fanout.count() != 0 {
		// A new viewer raced in already.
		return
	}
	s.setStatusLocked(StatusIdling, "no viewers connected")
	s.armIdleTimerLocked()
}

func (s *LiveStream) armIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.cfg.Stream.MaxAliveTime, s.idleExpired)
}

func (s *LiveStream) stopIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *LiveStream) stopIdleTimer() {
	s.mu.Lock()
	s.stopIdleTimerLocked()
	s.mu.Unlock()
}

// idleExpired fires when the stream has been Idling for max_alive_time.
func (s *LiveStream) idleExpired() {
	s.mu.Lock()
	expired := s.status == StatusIdling && !s.stopping && s.fanout.count() == 0
	s.mu.Unlock()
	if !expired {
		return
	}

	s.logger.Info("no viewers, shutting the stream down",
		slog.Duration("idled", s.cfg.Stream.MaxAliveTime))
	s.requestStop("no viewers", true)
}

// requestStop cancels the run loop. closeHandle also closes the tuner handle
// so a read the encoder ingest is parked in returns immediately.
func (s *LiveStream) requestStop(reason string, closeHandle bool) {
	s.mu.Lock()
	if s.stopping || s.runCancel == nil {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.stopReason = reason
	cancel := s.runCancel
	h := s.handle
	s.mu.Unlock()

	cancel()
	if closeHandle && h != nil {
		h.Close()
	}
}

// Disconnect detaches one client. Unknown ids are a no-op.
func (s *LiveStream) Disconnect(id ulid.ULID) {
	s.fanout.disconnect(id, "client request")
}

// Preempt hands the stream's tuner over to another stream and takes this one
// Offline. With handoff set and the backend session able to move in-process,
// the detached handle is returned for the taker to adopt; otherwise the
// session is released so the taker can reopen. ok reports whether the tuner
// was given up at all.
func (s *LiveStream) Preempt(taker string, handoff bool) (moved *tuner.Handle, ok bool) {
	s.mu.Lock()
	h := s.handle
	if s.stopping || h == nil || !h.MarkCancelling() {
		s.mu.Unlock()
		return nil, false
	}
	s.stopping = true
	s.stopReason = "tuner handed off"
	s.handle = nil
	s.stopIdleTimerLocked()
	s.setStatusLocked(StatusOffline, "tuner handed off")
	cancel := s.runCancel
	s.mu.Unlock()

	s.fanout.disconnectAll("tuner handed off")

	if handoff {
		var err error
		moved, err = h.Handoff(taker)
		if err != nil {
			s.logger.Warn("handoff failed, releasing the tuner", slog.String("error", err.Error()))
			moved = nil
		}
	}
	if moved == nil {
		h.Close()
	}

	if cancel != nil {
		cancel()
	}
	s.waitRunDone(s.cfg.Stream.CancelWaitTimeout)
	return moved, true
}

func (s *LiveStream) waitRunDone(limit time.Duration) {
	s.mu.Lock()
	done := s.runDone
	s.mu.Unlock()
	select {
	case <-done:
	case <-time.After(limit):
		s.logger.Warn("run loop did not stop in time", slog.Duration("waited", limit))
	}
}

// Shutdown takes the stream Offline and waits for the pipeline to unwind.
// An unwind that outlasts cancel_wait_timeout is logged and abandoned.
func (s *LiveStream) Shutdown(ctx context.Context) error {
	s.requestStop("shutting down", true)

	s.mu.Lock()
	done := s.runDone
	s.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.Stream.CancelWaitTimeout):
		s.logger.Warn("stream did not stop within the cancel window")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeData fans one encoder output buffer out to the clients, split into
// chunks no larger than chunk_size. The stall sweep only runs while the
// stream is ONAir; Standby viewers are waiting, not stalled.
func (s *LiveStream) writeData(p []byte) {
	s.dataWrittenAt.Store(time.Now().UnixNano())
	metrics.AddOutputBytes(len(p))

	s.mu.Lock()
	onAir := s.status == StatusONAir
	s.mu.Unlock()

	size := int(s.cfg.Stream.ChunkSize)
	for off := 0; off < len(p); off += size {
		end := off + size
		if end > len(p) {
			end = len(p)
		}
		s.fanout.broadcast(p[off:end], onAir)
	}
}

// Status returns a point-in-time snapshot.
func (s *LiveStream) Status() StreamStatus {
	s.mu.Lock()
	st := StreamStatus{
		ID:          s.ID,
		Channel:     s.channel.DisplayID(),
		ChannelName: s.channel.Name,
		Quality:     s.quality.Name,
		Status:      s.status,
		Detail:      s.detail,
		StartedAt:   s.startedAt,
		UpdatedAt:   s.updatedAt,
		Restarts:    s.restarts,
	}
	active := s.status != StatusOffline
	s.mu.Unlock()

	st.ClientCount = s.fanout.count()
	if active {
		if at := s.dataWrittenAt.Load(); at != 0 {
			st.LastWriteAt = time.Unix(0, at)
		}
		es := s.supervisor.Stats()
		st.Encoder = &es
		st.Clients = s.fanout.stats()
	}
	return st
}

// preemptSnapshot reports what the arbiter needs to judge this stream as a
// preemption victim.
func (s *LiveStream) preemptSnapshot() (st Status, clients int, updated time.Time, claimable bool) {
	s.mu.Lock()
	st = s.status
	updated = s.updatedAt
	h := s.handle
	stopping := s.stopping
	s.mu.Unlock()

	clients = s.fanout.count()
	claimable = !stopping && h != nil && h.State() == tuner.HandleOpen
	return st, clients, updated, claimable
}

// tunerReader counts tuner bytes into metrics. It has no Close on purpose:
// the backend session outlives encoder runs and only the stream may end it.
type tunerReader struct {
	h *tuner.Handle
}

func (r *tunerReader) Read(p []byte) (int, error) {
	n, err := r.h.Read(p)
	if n > 0 {
		metrics.AddTunerBytes(n)
	}
	return n, err
}

// streamWriter is the supervisor's sink.
type streamWriter struct {
	s *LiveStream
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.s.writeData(p)
	return len(p), nil
}

// detailMax caps status details; ffmpeg can be wordy about dying.
const detailMax = 160

// describeError renders an error as a status detail line.
func describeError(err error) string {
	switch {
	case errors.Is(err, tuner.ErrNoTunerAvailable):
		return "no tuner available"
	case errors.Is(err, tuner.ErrChannelNotFound):
		return "channel not found"
	case errors.Is(err, tuner.ErrBackendUnreachable):
		return "tuner backend is unreachable"
	case errors.Is(err, encoder.ErrUnsupported):
		return "encoder is not available on this host"
	case errors.Is(err, encoder.ErrStartFailed):
		return "encoder failed to start"
	case errors.Is(err, ErrRetryBudgetExhausted):
		return "encoder retry budget exhausted"
	default:
		detail := err.Error()
		if len(detail) > detailMax {
			detail = detail[:detailMax] + "..."
		}
		return detail
	}
}

func restartReason(err error) string {
	switch {
	case errors.Is(err, encoder.ErrFroze):
		return "freeze"
	case errors.Is(err, encoder.ErrExited):
		return "exit"
	default:
		return "error"
	}
}

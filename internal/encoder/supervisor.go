package encoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/miyako-dev/tsubridge/internal/config"
	"github.com/miyako-dev/tsubridge/internal/observability"
)

const (
	// stderrKeep is the ring size for recent stderr lines.
	stderrKeep = 100
	// stderrReport is how much of the ring failure reports carry.
	stderrReport = 30
)

// RunHooks are callbacks into the owning stream. All fields are optional.
// OnFirstOutput and OnProgress fire from the run's own goroutines.
type RunHooks struct {
	OnFirstOutput func()
	OnProgress    func(detail string)
	OnRecoverable func(reason error, stderrTail []string)
	OnFatal       func(reason error, stderrTail []string)
}

// Supervisor launches encoder subprocesses and watches them. One Supervisor
// belongs to one stream; Supervise is called again for each restart.
type Supervisor struct {
	cfg    config.EncoderConfig
	chunk  int
	logger *slog.Logger

	build func(config.EncoderConfig, Quality) (string, []string, error)

	mu      sync.Mutex
	pid     int
	runID   string
	started time.Time
	runs    int
	tail    *tailBuffer

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// NewSupervisor returns a supervisor for the configured encoder. chunkSize
// is the ingest slice size in bytes.
func NewSupervisor(cfg config.EncoderConfig, chunkSize int, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		chunk:  chunkSize,
		logger: logger,
		build:  BuildCommand,
	}
}

// Stats is a point-in-time snapshot of the current or most recent run.
type Stats struct {
	PID        int             `json:"pid"`
	RunID      string          `json:"run_id"`
	Runs       int             `json:"runs"`
	Uptime     config.Duration `json:"uptime"`
	BytesIn    uint64          `json:"bytes_in"`
	BytesOut   uint64          `json:"bytes_out"`
	CPUPercent float64         `json:"cpu_percent"`
	MemoryRSS  uint64          `json:"memory_rss_bytes"`
	StderrTail []string        `json:"stderr_tail,omitempty"`
}

// Stats reports the running process. CPU and memory come back zero once the
// process is gone.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	st := Stats{PID: s.pid, RunID: s.runID, Runs: s.runs}
	if !s.started.IsZero() {
		st.Uptime = config.Duration(time.Since(s.started))
	}
	tail := s.tail
	s.mu.Unlock()

	st.BytesIn = s.bytesIn.Load()
	st.BytesOut = s.bytesOut.Load()
	if tail != nil {
		st.StderrTail = tail.tail(stderrReport)
	}
	if st.PID > 0 {
		if proc, err := process.NewProcess(int32(st.PID)); err == nil {
			if cpu, err := proc.CPUPercent(); err == nil {
				st.CPUPercent = cpu
			}
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				st.MemoryRSS = mem.RSS
			}
		}
	}
	return st
}

// Supervise runs one encoder subprocess to completion: src feeds stdin,
// stdout streams to sink, stderr is classified line by line, and a watchdog
// trips when output stalls. It returns after the child is reaped and the
// loops exit; a source read already in flight can delay the return until
// that read completes.
//
// Return values: nil for a clean end-to-end EOF, ErrFatalLog and ErrFroze
// for classified failures, ErrExited for an unexplained child exit, ctx.Err()
// when the caller cancelled, and ErrUnsupported or ErrStartFailed when no
// subprocess ever ran.
func (s *Supervisor) Supervise(ctx context.Context, q Quality, src io.Reader, sink io.Writer, hooks RunHooks) error {
	binary, args, err := s.build(s.cfg, q)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	logger := observability.WithRun(s.logger, runID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Not CommandContext: termination is the interrupt-grace-kill cascade
	// below, not a bare kill.
	cmd := exec.Command(binary, args...)
	setProcessGroup(cmd)

	// The pipes are managed here, not by exec: Wait runs concurrently with
	// the loops and must not close ends they are still reading.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", ErrStartFailed, err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return fmt.Errorf("%w: stdout pipe: %v", ErrStartFailed, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return fmt.Errorf("%w: stderr pipe: %v", ErrStartFailed, err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW} {
			f.Close()
		}
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	// The child holds its own copies of these ends now.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	tail := &tailBuffer{max: stderrKeep}
	start := time.Now()
	s.mu.Lock()
	s.pid = cmd.Process.Pid
	s.runID = runID
	s.started = start
	s.runs++
	s.tail = tail
	s.mu.Unlock()

	logger.Info("encoder started",
		slog.String("binary", binary),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("quality", q.Name),
	)

	exited := make(chan struct{})
	var exitErr error
	go func() {
		exitErr = cmd.Wait()
		close(exited)
	}()

	var (
		firstOutput atomic.Bool
		lastOutput  atomic.Int64
	)

	g, gctx := errgroup.WithContext(runCtx)

	// Ingest: tuner bytes into the encoder. Write failures mean the child
	// died and its exit will explain the run, so they end the loop quietly.
	g.Go(func() error {
		defer stdinW.Close()
		buf := make([]byte, s.chunk)
		for {
			n, rerr := src.Read(buf)
			if n > 0 {
				s.bytesIn.Add(uint64(n))
				if _, werr := stdinW.Write(buf[:n]); werr != nil {
					return nil
				}
			}
			if rerr != nil {
				if errors.Is(rerr, io.EOF) {
					// Closing stdin lets the child flush and exit.
					return nil
				}
				return fmt.Errorf("reading tuner: %w", rerr)
			}
			if gctx.Err() != nil {
				return nil
			}
		}
	})

	// Egress: transcoded TS to the sink. Stamps the watchdog clock.
	g.Go(func() error {
		buf := make([]byte, 64*1024)
		for {
			n, rerr := stdoutR.Read(buf)
			if n > 0 {
				if _, werr := sink.Write(buf[:n]); werr != nil {
					return fmt.Errorf("writing sink: %w", werr)
				}
				s.bytesOut.Add(uint64(n))
				lastOutput.Store(time.Now().UnixNano())
				if firstOutput.CompareAndSwap(false, true) {
					logger.Info("first encoder output", slog.Duration("startup", time.Since(start)))
					if hooks.OnFirstOutput != nil {
						hooks.OnFirstOutput()
					}
				}
			}
			if rerr != nil {
				// EOF once the child exits and the buffer drains. The exit
				// status tells the rest.
				if !errors.Is(rerr, io.EOF) {
					logger.Debug("stdout read ended", slog.String("error", rerr.Error()))
				}
				return nil
			}
		}
	})

	// Log: classify stderr. Progress callbacks are rate limited to two per
	// second.
	limiter := rate.NewLimiter(rate.Every(500*time.Millisecond), 1)
	g.Go(func() error {
		scanner := bufio.NewScanner(stderrR)
		scanner.Buffer(make([]byte, 64*1024), 256*1024)
		scanner.Split(scanLogLines)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			text := string(line)
			tail.add(text)
			switch Classify(text) {
			case SeverityFatal:
				logger.Error("fatal encoder log", slog.String("line", text))
				return fmt.Errorf("%w: %s", ErrFatalLog, text)
			case SeverityRecoverable:
				logger.Warn("encoder reported failure", slog.String("line", text))
			case SeverityProgress:
				if hooks.OnProgress != nil && limiter.Allow() {
					hooks.OnProgress(text)
				}
			default:
				logger.Debug("encoder log", slog.String("line", text))
			}
		}
		return nil
	})

	// Watchdog. Before the first output: startup grace plus the standby
	// window. After: the on-air window since the last output.
	g.Go(func() error {
		ticker := time.NewTicker(watchdogTick(s.cfg))
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-exited:
				return nil
			case <-ticker.C:
			}
			now := time.Now()
			if !firstOutput.Load() {
				window := s.cfg.StandbyFreezeGrace + s.cfg.StandbyFreezeTimeout
				if now.Sub(start) > window {
					logger.Error("encoder produced no output after start", slog.Duration("window", window))
					return fmt.Errorf("%w: no output %s after start", ErrFroze, window)
				}
				continue
			}
			stalled := now.Sub(time.Unix(0, lastOutput.Load()))
			if stalled > s.cfg.ONAirFreezeTimeout {
				logger.Error("encoder output froze", slog.Duration("stalled", stalled))
				return fmt.Errorf("%w: no output for %s", ErrFroze, stalled.Round(time.Millisecond))
			}
		}
	})

	// Terminator: fires the cascade once the run is over or doomed.
	termDone := make(chan struct{})
	go func() {
		defer close(termDone)
		select {
		case <-exited:
		case <-gctx.Done():
			s.terminate(logger, cmd, exited)
		}
	}()

	loopErr := g.Wait()
	cancel()
	<-exited
	<-termDone

	// The ingest defer closed stdinW already.
	stdoutR.Close()
	stderrR.Close()

	s.mu.Lock()
	s.pid = 0
	s.mu.Unlock()

	return s.finish(ctx, logger, hooks, tail, loopErr, exitErr, time.Since(start))
}

// finish folds the loop error and the exit status into the run's verdict.
func (s *Supervisor) finish(ctx context.Context, logger *slog.Logger, hooks RunHooks, tail *tailBuffer, loopErr, exitErr error, uptime time.Duration) error {
	lines := tail.tail(stderrReport)

	switch {
	case errors.Is(loopErr, ErrFatalLog):
		if hooks.OnFatal != nil {
			hooks.OnFatal(loopErr, lines)
		}
		logger.Error("encoder run ended", slog.String("reason", "fatal"), slog.Duration("uptime", uptime))
		return loopErr

	case ctx.Err() != nil:
		logger.Info("encoder run cancelled", slog.Duration("uptime", uptime))
		return ctx.Err()

	case loopErr != nil:
		// Freeze, a sink failure, or a tuner read failure. All are worth a
		// restart.
		if hooks.OnRecoverable != nil {
			hooks.OnRecoverable(loopErr, lines)
		}
		logger.Warn("encoder run failed", slog.String("error", loopErr.Error()), slog.Duration("uptime", uptime))
		return loopErr

	case exitErr != nil:
		err := fmt.Errorf("%w: %v", ErrExited, exitErr)
		if len(lines) > 0 {
			err = fmt.Errorf("%w: %v (last: %s)", ErrExited, exitErr, lines[len(lines)-1])
		}
		if hooks.OnRecoverable != nil {
			hooks.OnRecoverable(err, lines)
		}
		logger.Warn("encoder exited", slog.String("error", exitErr.Error()), slog.Duration("uptime", uptime))
		return err

	default:
		logger.Info("encoder run ended cleanly", slog.Duration("uptime", uptime))
		return nil
	}
}

// terminate interrupts the process group, waits the grace period, then
// kills. No-op when the child is already gone.
func (s *Supervisor) terminate(logger *slog.Logger, cmd *exec.Cmd, exited <-chan struct{}) {
	select {
	case <-exited:
		return
	default:
	}

	if err := interruptGroup(cmd.Process); err != nil {
		killGroup(cmd.Process)
		return
	}
	select {
	case <-exited:
	case <-time.After(s.cfg.TerminationGrace):
		logger.Warn("encoder ignored interrupt, killing group",
			slog.Duration("grace", s.cfg.TerminationGrace))
		killGroup(cmd.Process)
	}
}

// watchdogTick derives the check interval from the tightest freeze window.
func watchdogTick(cfg config.EncoderConfig) time.Duration {
	tick := cfg.StandbyFreezeTimeout
	if cfg.ONAirFreezeTimeout < tick {
		tick = cfg.ONAirFreezeTimeout
	}
	tick /= 5
	if tick < 20*time.Millisecond {
		tick = 20 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}
	return tick
}

// scanLogLines splits on LF or CR. Encoders terminate progress lines with a
// bare CR to redraw them in place.
func scanLogLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance := i + 1
		if data[i] == '\r' && advance < len(data) && data[advance] == '\n' {
			advance++
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tailBuffer keeps the most recent stderr lines.
type tailBuffer struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func (b *tailBuffer) add(line string) {
	b.mu.Lock()
	if len(b.lines) >= b.max {
		b.lines = b.lines[1:]
	}
	b.lines = append(b.lines, line)
	b.mu.Unlock()
}

func (b *tailBuffer) tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.lines) {
		n = len(b.lines)
	}
	out := make([]string, n)
	copy(out, b.lines[len(b.lines)-n:])
	return out
}

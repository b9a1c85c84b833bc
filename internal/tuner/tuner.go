// Package tuner reserves hardware tuners on an external backend and exposes
// the raw MPEG-TS byte stream of one service. Two backends are supported: an
// EDCB-like TCP command server and a Mirakurun-like HTTP streaming API.
package tuner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/miyako-dev/tsubridge/internal/config"
	"github.com/miyako-dev/tsubridge/internal/observability"
)

// Package errors returned by tuner operations.
var (
	// ErrNoTunerAvailable is returned when every backend tuner is busy.
	ErrNoTunerAvailable = errors.New("no tuner available")
	// ErrChannelNotFound is returned when the backend does not know the channel.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrBackendUnreachable is returned when the backend cannot be reached.
	ErrBackendUnreachable = errors.New("backend unreachable")
	// ErrProtocol is returned on malformed backend responses.
	ErrProtocol = errors.New("backend protocol error")
	// ErrHandleClosed is returned when reading from a closed or detached handle.
	ErrHandleClosed = errors.New("tuner handle closed")
	// ErrHandoffRefused is returned when a handle cannot be handed off.
	ErrHandoffRefused = errors.New("tuner handoff refused")
)

// Channel identifies one broadcast service.
type Channel struct {
	NetworkID          uint16 `json:"network_id"`
	TransportStreamID  uint16 `json:"transport_stream_id"`
	ServiceID          uint16 `json:"service_id"`
	RemoteControlKeyID int    `json:"remote_control_key_id"`
	Name               string `json:"name"`
	Type               string `json:"type"` // GR, BS, CS, CATV, SKY
}

// DisplayID returns the channel identifier users type, such as "gr011" or
// "bs101". Terrestrial channels use the remote control key, everything else
// uses the service id.
func (c Channel) DisplayID() string {
	number := int(c.ServiceID)
	if strings.EqualFold(c.Type, "GR") {
		number = c.RemoteControlKeyID
	}
	return fmt.Sprintf("%s%03d", strings.ToLower(c.Type), number)
}

// MirakurunServiceID returns the composite id the HTTP backend keys services by.
func (c Channel) MirakurunServiceID() int64 {
	return int64(c.NetworkID)*100000 + int64(c.ServiceID)
}

// matches reports whether the channel answers to the given query string.
// Accepted forms: display id ("gr011"), "networkID-serviceID", exact name.
func (c Channel) matches(query string) bool {
	if strings.EqualFold(query, c.DisplayID()) {
		return true
	}
	if query == fmt.Sprintf("%d-%d", c.NetworkID, c.ServiceID) {
		return true
	}
	return query == c.Name
}

// TunerInfo describes one physical tuner slot on the backend.
type TunerInfo struct {
	Name string `json:"name"`
	Busy bool   `json:"busy"`
}

// HandleState is the lifecycle state of a tuner handle.
type HandleState int32

const (
	// HandleOpening means the backend session is still being established.
	HandleOpening HandleState = iota
	// HandleOpen means the handle is delivering TS bytes.
	HandleOpen
	// HandleCancelling means an arbiter has claimed the handle for hand-off.
	HandleCancelling
	// HandleClosed means the handle is released or detached.
	HandleClosed
)

func (s HandleState) String() string {
	switch s {
	case HandleOpening:
		return "opening"
	case HandleOpen:
		return "open"
	case HandleCancelling:
		return "cancelling"
	case HandleClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session is the backend-specific half of a handle: the TS byte source and
// the release action that frees the tuner at the backend.
type session interface {
	io.Reader
	release() error
	describe() string
}

// retuner is implemented by sessions whose backend can switch an open
// reservation to another service in place.
type retuner interface {
	retune(ctx context.Context, ch Channel) error
}

// Handle is one reserved tuner. Reads deliver raw MPEG-TS with no framing
// guarantees; packet alignment is up to the consumer. A Handle survives
// encoder restarts and can be handed off between streams without closing the
// backend session.
type Handle struct {
	backend string
	owner   string

	mu    sync.Mutex
	state HandleState
	sess  session

	disconnected atomic.Bool
}

func newHandle(backend, owner string, sess session) *Handle {
	return &Handle{
		backend: backend,
		owner:   owner,
		state:   HandleOpening,
		sess:    sess,
	}
}

// promote moves an Opening handle to Open once the data path is established.
func (h *Handle) promote() {
	h.mu.Lock()
	if h.state == HandleOpening {
		h.state = HandleOpen
	}
	h.mu.Unlock()
}

// Read delivers raw TS bytes from the backend session.
func (h *Handle) Read(p []byte) (int, error) {
	h.mu.Lock()
	if h.state == HandleClosed || h.sess == nil {
		h.mu.Unlock()
		return 0, ErrHandleClosed
	}
	sess := h.sess
	h.mu.Unlock()

	n, err := sess.Read(p)
	if err != nil {
		h.disconnected.Store(true)
	}
	return n, err
}

// Close releases the tuner at the backend. Idempotent. A handle that has been
// handed off releases nothing.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.state == HandleClosed {
		h.mu.Unlock()
		return nil
	}
	h.state = HandleClosed
	sess := h.sess
	h.sess = nil
	h.mu.Unlock()

	h.disconnected.Store(true)
	if sess == nil {
		return nil
	}
	return sess.release()
}

// MarkCancelling claims the handle for an imminent hand-off. It fails when
// the handle is not Open, which keeps two arbiters from preempting the same
// tuner.
func (h *Handle) MarkCancelling() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != HandleOpen {
		return false
	}
	h.state = HandleCancelling
	return true
}

// Handoff moves the backend session to a new handle owned by the given
// stream. The old handle becomes inert: its Close no longer touches the
// backend. Allowed from Open or Cancelling only.
func (h *Handle) Handoff(to string) (*Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != HandleOpen && h.state != HandleCancelling {
		return nil, fmt.Errorf("%w: handle is %s", ErrHandoffRefused, h.state)
	}
	if h.sess == nil {
		return nil, fmt.Errorf("%w: no live session", ErrHandoffRefused)
	}

	next := &Handle{
		backend: h.backend,
		owner:   to,
		state:   HandleOpen,
		sess:    h.sess,
	}
	h.sess = nil
	h.state = HandleClosed
	h.disconnected.Store(true)
	return next, nil
}

// Retune switches the live session to another channel without giving up the
// backend reservation. Used after a hand-off, when the adopted tuner is still
// tuned to its previous owner's service. Command-protocol sessions only.
func (h *Handle) Retune(ctx context.Context, ch Channel) error {
	h.mu.Lock()
	if h.state != HandleOpen || h.sess == nil {
		h.mu.Unlock()
		return ErrHandleClosed
	}
	rt, ok := h.sess.(retuner)
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s sessions cannot retune", ErrHandoffRefused, h.backend)
	}
	return rt.retune(ctx, ch)
}

// State returns the current lifecycle state.
func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Owner returns the id of the stream the handle was opened or handed off to.
func (h *Handle) Owner() string {
	return h.owner
}

// Disconnected reports whether the handle has seen a read error or been
// closed. Used by status reporting; reads themselves surface the error.
func (h *Handle) Disconnected() bool {
	return h.disconnected.Load()
}

// Description returns a backend-specific description of the session.
func (h *Handle) Description() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sess == nil {
		return fmt.Sprintf("%s (released)", h.backend)
	}
	return h.sess.describe()
}

// NewHandle wraps an arbitrary backend byte stream in an Open handle. The
// stream's Close runs once, when whichever handle ends up owning the session
// is closed. Backends whose streams implement
// Retune(context.Context, Channel) error stay retunable through the handle.
func NewHandle(backend, owner, description string, rc io.ReadCloser) *Handle {
	return &Handle{
		backend: backend,
		owner:   owner,
		state:   HandleOpen,
		sess:    &readCloserSession{rc: rc, desc: description},
	}
}

// readCloserSession adapts a plain ReadCloser to the session contract.
type readCloserSession struct {
	rc   io.ReadCloser
	desc string
}

func (s *readCloserSession) Read(p []byte) (int, error) { return s.rc.Read(p) }

func (s *readCloserSession) release() error { return s.rc.Close() }

func (s *readCloserSession) describe() string { return s.desc }

func (s *readCloserSession) retune(ctx context.Context, ch Channel) error {
	if rt, ok := s.rc.(interface {
		Retune(context.Context, Channel) error
	}); ok {
		return rt.Retune(ctx, ch)
	}
	return fmt.Errorf("%w: session cannot retune", ErrHandoffRefused)
}

// Backend reserves tuners and enumerates services. Implementations are safe
// for concurrent use.
type Backend interface {
	// Open reserves a tuner for the channel and returns a live handle owned
	// by the given stream id.
	Open(ctx context.Context, ch Channel, owner string) (*Handle, error)
	// Resolve maps a user-facing channel query to a concrete channel.
	Resolve(ctx context.Context, query string) (Channel, error)
	// Services enumerates every service the backend knows.
	Services(ctx context.Context) ([]Channel, error)
	// Tuners enumerates the backend's physical tuner slots.
	Tuners(ctx context.Context) ([]TunerInfo, error)
	// Close releases backend resources. Open handles stay valid.
	Close() error
}

// New builds the backend described by the configuration. With an edcb backend
// and always_use_http_for_tv set, command operations keep using the EDCB
// connection while TV streams are received over the HTTP endpoint.
func New(cfg config.BackendConfig, logger *slog.Logger) (Backend, error) {
	switch cfg.Type {
	case "edcb":
		ctrl := NewEDCBClient(cfg, observability.WithComponent(logger, "edcb"))
		if !cfg.AlwaysUseHTTPForTV {
			return ctrl, nil
		}
		stream := NewMirakurunClient(cfg.StreamEndpoint(), cfg, observability.WithComponent(logger, "mirakurun"))
		return &hybridBackend{ctrl: ctrl, stream: stream}, nil
	case "mirakurun":
		return NewMirakurunClient(cfg.Endpoint, cfg, observability.WithComponent(logger, "mirakurun")), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}

// hybridBackend keeps service and tuner enumeration on the EDCB command
// connection while streaming TV over HTTP.
type hybridBackend struct {
	ctrl   *EDCBClient
	stream *MirakurunClient
}

func (b *hybridBackend) Open(ctx context.Context, ch Channel, owner string) (*Handle, error) {
	return b.stream.Open(ctx, ch, owner)
}

func (b *hybridBackend) Resolve(ctx context.Context, query string) (Channel, error) {
	return b.ctrl.Resolve(ctx, query)
}

func (b *hybridBackend) Services(ctx context.Context) ([]Channel, error) {
	return b.ctrl.Services(ctx)
}

func (b *hybridBackend) Tuners(ctx context.Context) ([]TunerInfo, error) {
	return b.ctrl.Tuners(ctx)
}

func (b *hybridBackend) Close() error {
	errCtrl := b.ctrl.Close()
	errStream := b.stream.Close()
	if errCtrl != nil {
		return errCtrl
	}
	return errStream
}

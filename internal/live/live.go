// Package live manages shared live TV streams. Each (channel, quality) pair
// runs at most one tuner and one encoder, fanned out to any number of
// attached clients through bounded per-client queues. A Registry owns the
// streams and arbitrates tuner contention between them, preempting idle
// streams when the backend runs out of hardware.
package live

import (
	"errors"
	"time"

	"github.com/miyako-dev/tsubridge/internal/encoder"
)

// Package errors returned by live stream operations.
var (
	// ErrStreamNotFound is returned by registry lookups for unknown stream ids.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrClientStalled is returned by Client.Read, once the queue drains,
	// for clients the stream evicted because they stopped keeping up:
	// no reads within the stall window, or an overflowing queue. Clients
	// detached any other way read io.EOF instead.
	ErrClientStalled = errors.New("client stalled")

	// ErrRetryBudgetExhausted means the encoder failed more times than the
	// restart budget allows and the stream was taken offline.
	ErrRetryBudgetExhausted = errors.New("encoder retry budget exhausted")
)

// Status is the lifecycle state of a LiveStream.
type Status int

const (
	// StatusOffline means no tuner or encoder is held and no clients remain.
	StatusOffline Status = iota
	// StatusStandby means the tuner is reserved and the encoder has not
	// produced output yet.
	StatusStandby
	// StatusONAir means encoded data is flowing to clients.
	StatusONAir
	// StatusIdling means the stream has no viewers and is waiting out
	// max_alive_time before shutting down.
	StatusIdling
	// StatusRestart is the transient state while a failed encoder run is
	// being replaced. The tuner session survives it.
	StatusRestart
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "Offline"
	case StatusStandby:
		return "Standby"
	case StatusONAir:
		return "ONAir"
	case StatusIdling:
		return "Idling"
	case StatusRestart:
		return "Restart"
	default:
		return "Unknown"
	}
}

// MarshalText renders the status by name in JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StreamID builds the public stream identifier from a display channel id and
// a quality name, for example "gr011-1080p".
func StreamID(channel, quality string) string {
	return channel + "-" + quality
}

// ClientStats is a point-in-time snapshot of one attached client.
type ClientStats struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	ConnectedAt time.Time `json:"connected_at"`
	LastReadAt  time.Time `json:"last_read_at"`
	BytesRead   uint64    `json:"bytes_read"`
	QueueLength int       `json:"queue_length"`
}

// StreamStatus is a point-in-time snapshot of one stream. Encoder and
// Clients are filled only while the stream is running.
type StreamStatus struct {
	ID          string         `json:"id"`
	Channel     string         `json:"channel"`
	ChannelName string         `json:"channel_name,omitempty"`
	Quality     string         `json:"quality"`
	Status      Status         `json:"status"`
	Detail      string         `json:"detail"`
	StartedAt   time.Time      `json:"started_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	LastWriteAt time.Time      `json:"last_write_at"`
	ClientCount int            `json:"client_count"`
	Restarts    int            `json:"restarts"`
	Encoder     *encoder.Stats `json:"encoder,omitempty"`
	Clients     []ClientStats  `json:"clients,omitempty"`
}

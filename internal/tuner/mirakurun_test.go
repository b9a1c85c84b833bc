package tuner

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyako-dev/tsubridge/internal/config"
)

const mirakurunServicesJSON = `[
  {
    "id": 3273601024,
    "serviceId": 1024,
    "networkId": 32736,
    "transportStreamId": 32736,
    "name": "NHK総合1・東京",
    "remoteControlKeyId": 1,
    "channel": {"type": "GR", "channel": "27"}
  },
  {
    "id": 400101,
    "serviceId": 101,
    "networkId": 4,
    "name": "NHK BS",
    "channel": {"type": "BS", "channel": "BS15_0"}
  }
]`

type mirakurunFixture struct {
	srv *httptest.Server

	mu          sync.Mutex
	streamHits  int
	priority    string
	userAgent   string
	streamBody  []byte
	streamState int // HTTP status for the stream route, 200 when zero
}

func newMirakurunFixture(t *testing.T) *mirakurunFixture {
	t.Helper()
	f := &mirakurunFixture{streamBody: []byte("0123456789abcdef")}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/services", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, mirakurunServicesJSON)
	})
	mux.HandleFunc("/api/tuners", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[
		  {"index": 0, "name": "PX4-T0", "types": ["GR"], "isUsing": true},
		  {"index": 1, "name": "PX4-T1", "types": ["GR"], "isUsing": false}
		]`)
	})
	mux.HandleFunc("/api/services/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/stream") {
			http.NotFound(w, r)
			return
		}
		f.mu.Lock()
		f.streamHits++
		f.priority = r.Header.Get("X-Mirakurun-Priority")
		f.userAgent = r.Header.Get("User-Agent")
		status := f.streamState
		body := f.streamBody
		f.mu.Unlock()

		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		// Hold the stream open until the client hangs up.
		<-r.Context().Done()
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *mirakurunFixture) client() *MirakurunClient {
	cfg := config.BackendConfig{
		Type:        "mirakurun",
		Endpoint:    f.srv.URL,
		OpenTimeout: 2 * time.Second,
	}
	return NewMirakurunClient(f.srv.URL, cfg, testLogger())
}

func TestMirakurunOpenReadClose(t *testing.T) {
	fixture := newMirakurunFixture(t)
	client := fixture.client()

	h, err := client.Open(context.Background(), testChannel(), "gr001/1080p")
	require.NoError(t, err)
	assert.Equal(t, HandleOpen, h.State())

	buf := make([]byte, len(fixture.streamBody))
	_, err = io.ReadFull(h, buf)
	require.NoError(t, err)
	assert.Equal(t, fixture.streamBody, buf)

	require.NoError(t, h.Close())

	fixture.mu.Lock()
	defer fixture.mu.Unlock()
	assert.Equal(t, 1, fixture.streamHits)
	assert.Equal(t, "0", fixture.priority)
	assert.Contains(t, fixture.userAgent, "tsubridge")
}

func TestMirakurunOpenChannelNotFound(t *testing.T) {
	fixture := newMirakurunFixture(t)
	fixture.streamState = http.StatusNotFound
	client := fixture.client()

	_, err := client.Open(context.Background(), testChannel(), "gr001/1080p")
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestMirakurunOpenNoTunerAvailable(t *testing.T) {
	fixture := newMirakurunFixture(t)
	fixture.streamState = http.StatusServiceUnavailable
	client := fixture.client()

	_, err := client.Open(context.Background(), testChannel(), "gr001/1080p")
	assert.ErrorIs(t, err, ErrNoTunerAvailable)
}

func TestMirakurunOpenBackendUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := "http://" + ln.Addr().String()
	ln.Close()

	cfg := config.BackendConfig{
		Type:        "mirakurun",
		Endpoint:    addr,
		OpenTimeout: time.Second,
	}
	client := NewMirakurunClient(addr, cfg, testLogger())

	_, err = client.Open(context.Background(), testChannel(), "gr001/1080p")
	assert.ErrorIs(t, err, ErrBackendUnreachable)
}

func TestMirakurunServices(t *testing.T) {
	fixture := newMirakurunFixture(t)
	client := fixture.client()

	services, err := client.Services(context.Background())
	require.NoError(t, err)
	require.Len(t, services, 2)

	assert.Equal(t, uint16(32736), services[0].NetworkID)
	assert.Equal(t, uint16(1024), services[0].ServiceID)
	assert.Equal(t, "gr001", services[0].DisplayID())
	assert.Equal(t, "NHK総合1・東京", services[0].Name)

	// transportStreamId is optional in the backend JSON.
	assert.Equal(t, uint16(0), services[1].TransportStreamID)
	assert.Equal(t, "bs101", services[1].DisplayID())
}

func TestMirakurunResolve(t *testing.T) {
	fixture := newMirakurunFixture(t)
	client := fixture.client()

	ch, err := client.Resolve(context.Background(), "gr001")
	require.NoError(t, err)
	assert.Equal(t, int64(3273601024), ch.MirakurunServiceID())

	_, err = client.Resolve(context.Background(), "gr099")
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestMirakurunTuners(t *testing.T) {
	fixture := newMirakurunFixture(t)
	client := fixture.client()

	tuners, err := client.Tuners(context.Background())
	require.NoError(t, err)
	require.Len(t, tuners, 2)
	assert.Equal(t, "PX4-T0", tuners[0].Name)
	assert.True(t, tuners[0].Busy)
	assert.False(t, tuners[1].Busy)
}

package tuner

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyako-dev/tsubridge/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEDCB is an in-process backend speaking the command protocol. One
// goroutine per accepted connection, one frame per connection.
type fakeEDCB struct {
	t      *testing.T
	cmdLn  net.Listener
	dataLn net.Listener

	mu           sync.Mutex
	services     []Channel
	tunerNames   []string
	setStatus    uint32
	pendingPolls int
	polls        int
	closes       int
	active       map[uint32]uint32 // logical id -> process id (0 until polled ready)
	nextProcess  uint32
	handshakes   []uint32
	payload      []byte
	tunes        []tuneFrame

	quit chan struct{}
	wg   sync.WaitGroup
}

func newFakeEDCB(t *testing.T) *fakeEDCB {
	t.Helper()

	cmdLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeEDCB{
		t:          t,
		cmdLn:      cmdLn,
		dataLn:     dataLn,
		tunerNames: []string{"PT3-T0", "PT3-T1"},
		active:     make(map[uint32]uint32),
		payload:    []byte("0123456789abcdef"),
		quit:       make(chan struct{}),
	}
	f.wg.Add(2)
	go f.serveCommands()
	go f.serveData()

	t.Cleanup(f.stop)
	return f
}

func (f *fakeEDCB) stop() {
	select {
	case <-f.quit:
		return
	default:
	}
	close(f.quit)
	f.cmdLn.Close()
	f.dataLn.Close()
	f.wg.Wait()
}

func (f *fakeEDCB) config() config.BackendConfig {
	return config.BackendConfig{
		Type:         "edcb",
		Endpoint:     "tcp://" + f.cmdLn.Addr().String(),
		OpenTimeout:  2 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}
}

func (f *fakeEDCB) client() *EDCBClient {
	return NewEDCBClient(f.config(), testLogger())
}

func (f *fakeEDCB) serveCommands() {
	defer f.wg.Done()
	for {
		conn, err := f.cmdLn.Accept()
		if err != nil {
			return
		}
		f.wg.Add(1)
		go func(c net.Conn) {
			defer f.wg.Done()
			defer c.Close()
			cmd, payload, err := readFrame(c)
			if err != nil {
				return
			}
			status, resp := f.handleCommand(cmd, payload)
			writeFrame(c, status, resp)
		}(conn)
	}
}

func (f *fakeEDCB) handleCommand(cmd uint32, payload []byte) (uint32, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd {
	case cmdEnumServices:
		return statusOK, buildServicesPayload(f.services)

	case cmdEnumTuners:
		busy := len(f.active)
		var buf bytes.Buffer
		writeUint16(&buf, uint16(len(f.tunerNames)))
		for i, name := range f.tunerNames {
			if i < busy {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
			writeUint16(&buf, uint16(len(name)))
			buf.WriteString(name)
		}
		return statusOK, buf.Bytes()

	case cmdSetChannel:
		if len(payload) != 11 {
			return statusError, nil
		}
		if f.setStatus != statusOK {
			return f.setStatus, nil
		}
		logicalID := binary.BigEndian.Uint32(payload[6:10])
		f.tunes = append(f.tunes, tuneFrame{
			networkID: binary.BigEndian.Uint16(payload[0:2]),
			serviceID: binary.BigEndian.Uint16(payload[4:6]),
			logicalID: logicalID,
		})
		// A second SetChannel with a known logical id retunes the running
		// process rather than reserving another tuner.
		if _, ok := f.active[logicalID]; !ok {
			f.active[logicalID] = 0
		}
		return statusOK, nil

	case cmdGetProcessID:
		if len(payload) != 4 {
			return statusError, nil
		}
		logicalID := binary.BigEndian.Uint32(payload)
		if _, ok := f.active[logicalID]; !ok {
			return statusNotFound, nil
		}
		f.polls++
		if f.pendingPolls > 0 {
			f.pendingPolls--
			return statusPending, nil
		}
		if f.active[logicalID] == 0 {
			f.nextProcess++
			f.active[logicalID] = f.nextProcess
		}
		resp := make([]byte, 6)
		binary.BigEndian.PutUint32(resp[0:4], f.active[logicalID])
		binary.BigEndian.PutUint16(resp[4:6], uint16(f.dataLn.Addr().(*net.TCPAddr).Port))
		return statusOK, resp

	case cmdCloseChannel:
		if len(payload) != 4 {
			return statusError, nil
		}
		logicalID := binary.BigEndian.Uint32(payload)
		if _, ok := f.active[logicalID]; !ok {
			return statusNotFound, nil
		}
		delete(f.active, logicalID)
		f.closes++
		return statusOK, nil

	default:
		return statusError, nil
	}
}

func (f *fakeEDCB) serveData() {
	defer f.wg.Done()
	for {
		conn, err := f.dataLn.Accept()
		if err != nil {
			return
		}
		f.wg.Add(1)
		go func(c net.Conn) {
			defer f.wg.Done()
			defer c.Close()
			hs := make([]byte, 4)
			if _, err := io.ReadFull(c, hs); err != nil {
				return
			}
			f.mu.Lock()
			f.handshakes = append(f.handshakes, binary.BigEndian.Uint32(hs))
			payload := f.payload
			f.mu.Unlock()
			c.Write(payload)
			// Keep the TS connection open like a live tuner would.
			<-f.quit
		}(conn)
	}
}

func (f *fakeEDCB) busyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

func (f *fakeEDCB) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeEDCB) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

// tuneFrame is a decoded SetChannel request as seen by the fake.
type tuneFrame struct {
	networkID uint16
	serviceID uint16
	logicalID uint32
}

func (f *fakeEDCB) tuneFrames() []tuneFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tuneFrame(nil), f.tunes...)
}

func buildServicesPayload(services []Channel) []byte {
	var buf bytes.Buffer
	writeUint16(&buf, uint16(len(services)))
	for _, ch := range services {
		writeUint16(&buf, ch.NetworkID)
		writeUint16(&buf, ch.TransportStreamID)
		writeUint16(&buf, ch.ServiceID)
		buf.WriteByte(byte(ch.RemoteControlKeyID))
		buf.WriteByte(byte(len(ch.Type)))
		buf.WriteString(ch.Type)
		writeUint16(&buf, uint16(len(ch.Name)))
		buf.WriteString(ch.Name)
	}
	return buf.Bytes()
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func testChannel() Channel {
	return Channel{
		NetworkID:          32736,
		TransportStreamID:  32736,
		ServiceID:          1024,
		RemoteControlKeyID: 1,
		Name:               "NHK総合1・東京",
		Type:               "GR",
	}
}

func TestEDCBOpenReadClose(t *testing.T) {
	fake := newFakeEDCB(t)
	client := fake.client()

	h, err := client.Open(context.Background(), testChannel(), "gr001/1080p")
	require.NoError(t, err)
	assert.Equal(t, HandleOpen, h.State())
	assert.Equal(t, "gr001/1080p", h.Owner())
	assert.Equal(t, 1, fake.busyCount())

	buf := make([]byte, len(fake.payload))
	_, err = io.ReadFull(h, buf)
	require.NoError(t, err)
	assert.Equal(t, fake.payload, buf)

	require.NoError(t, h.Close())
	assert.Equal(t, HandleClosed, h.State())

	// Closing the handle releases the reservation at the backend.
	assert.Equal(t, 0, fake.busyCount())
	assert.Equal(t, 1, fake.closeCount())

	fake.mu.Lock()
	handshakes := len(fake.handshakes)
	fake.mu.Unlock()
	assert.Equal(t, 1, handshakes)
}

func TestEDCBOpenPollsUntilReady(t *testing.T) {
	fake := newFakeEDCB(t)
	fake.mu.Lock()
	fake.pendingPolls = 3
	fake.mu.Unlock()
	client := fake.client()

	h, err := client.Open(context.Background(), testChannel(), "gr001/1080p")
	require.NoError(t, err)
	defer h.Close()

	// Three pending responses, then the one that carried the process id.
	assert.Equal(t, 4, fake.pollCount())
}

func TestEDCBOpenNoTunerAvailable(t *testing.T) {
	fake := newFakeEDCB(t)
	fake.mu.Lock()
	fake.setStatus = statusNoTuner
	fake.mu.Unlock()
	client := fake.client()

	_, err := client.Open(context.Background(), testChannel(), "gr001/1080p")
	assert.ErrorIs(t, err, ErrNoTunerAvailable)
	assert.Equal(t, 0, fake.busyCount())
	assert.Equal(t, 0, fake.closeCount())
}

func TestEDCBOpenChannelNotFound(t *testing.T) {
	fake := newFakeEDCB(t)
	fake.mu.Lock()
	fake.setStatus = statusNotFound
	fake.mu.Unlock()
	client := fake.client()

	_, err := client.Open(context.Background(), testChannel(), "gr001/1080p")
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestEDCBOpenTimeoutRollsBack(t *testing.T) {
	fake := newFakeEDCB(t)
	fake.mu.Lock()
	fake.pendingPolls = 1 << 30
	fake.mu.Unlock()

	cfg := fake.config()
	cfg.OpenTimeout = 100 * time.Millisecond
	client := NewEDCBClient(cfg, testLogger())

	_, err := client.Open(context.Background(), testChannel(), "gr001/1080p")
	assert.ErrorIs(t, err, ErrProtocol)

	// The half-open reservation was rolled back.
	assert.Equal(t, 0, fake.busyCount())
	assert.Equal(t, 1, fake.closeCount())
}

func TestEDCBOpenCancelledMidPoll(t *testing.T) {
	fake := newFakeEDCB(t)
	fake.mu.Lock()
	fake.pendingPolls = 1 << 30
	fake.mu.Unlock()
	client := fake.client()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := client.Open(ctx, testChannel(), "gr001/1080p")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, fake.busyCount())
}

func TestEDCBRetuneAfterHandoff(t *testing.T) {
	fake := newFakeEDCB(t)
	client := fake.client()

	h, err := client.Open(context.Background(), testChannel(), "gr001/1080p")
	require.NoError(t, err)
	require.True(t, h.MarkCancelling())

	moved, err := h.Handoff("gr011/1080p")
	require.NoError(t, err)

	next := Channel{
		NetworkID:         32736,
		TransportStreamID: 32736,
		ServiceID:         1032,
		Name:              "NHK Eテレ",
		Type:              "GR",
	}
	require.NoError(t, moved.Retune(context.Background(), next))

	// The retune reused the original reservation: same logical id, no second
	// tuner, nothing closed.
	frames := fake.tuneFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, frames[0].logicalID, frames[1].logicalID)
	assert.Equal(t, uint16(1032), frames[1].serviceID)
	assert.Equal(t, 1, fake.busyCount())
	assert.Equal(t, 0, fake.closeCount())

	// The data connection established at open keeps delivering.
	buf := make([]byte, len(fake.payload))
	_, err = io.ReadFull(moved, buf)
	require.NoError(t, err)
	assert.Equal(t, fake.payload, buf)

	require.NoError(t, moved.Close())
	assert.Equal(t, 0, fake.busyCount())
	assert.Equal(t, 1, fake.closeCount())
}

func TestEDCBServicesAndResolve(t *testing.T) {
	fake := newFakeEDCB(t)
	fake.mu.Lock()
	fake.services = []Channel{
		testChannel(),
		{
			NetworkID:         4,
			TransportStreamID: 16400,
			ServiceID:         101,
			Name:              "NHK BS",
			Type:              "BS",
		},
	}
	fake.mu.Unlock()
	client := fake.client()

	services, err := client.Services(context.Background())
	require.NoError(t, err)
	require.Len(t, services, 2)
	assert.Equal(t, "NHK総合1・東京", services[0].Name)
	assert.Equal(t, "bs101", services[1].DisplayID())

	ch, err := client.Resolve(context.Background(), "gr001")
	require.NoError(t, err)
	assert.Equal(t, uint16(1024), ch.ServiceID)

	ch, err = client.Resolve(context.Background(), "4-101")
	require.NoError(t, err)
	assert.Equal(t, "NHK BS", ch.Name)

	_, err = client.Resolve(context.Background(), "gr099")
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestEDCBTuners(t *testing.T) {
	fake := newFakeEDCB(t)
	client := fake.client()

	tuners, err := client.Tuners(context.Background())
	require.NoError(t, err)
	require.Len(t, tuners, 2)
	assert.Equal(t, "PT3-T0", tuners[0].Name)
	assert.False(t, tuners[0].Busy)

	h, err := client.Open(context.Background(), testChannel(), "gr001/1080p")
	require.NoError(t, err)

	tuners, err = client.Tuners(context.Background())
	require.NoError(t, err)
	assert.True(t, tuners[0].Busy)
	assert.False(t, tuners[1].Busy)

	require.NoError(t, h.Close())

	tuners, err = client.Tuners(context.Background())
	require.NoError(t, err)
	assert.False(t, tuners[0].Busy)
}

func TestEDCBBackendUnreachable(t *testing.T) {
	// Grab a port that nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	client := NewEDCBClient(config.BackendConfig{
		Type:         "edcb",
		Endpoint:     "tcp://" + addr,
		OpenTimeout:  time.Second,
		PollInterval: 10 * time.Millisecond,
	}, testLogger())

	_, err = client.Open(context.Background(), testChannel(), "gr001/1080p")
	assert.ErrorIs(t, err, ErrBackendUnreachable)

	_, err = client.Services(context.Background())
	assert.ErrorIs(t, err, ErrBackendUnreachable)
}

package live

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyako-dev/tsubridge/internal/encoder"
	"github.com/miyako-dev/tsubridge/internal/tuner"
)

func TestRegistryConnectUnknownChannel(t *testing.T) {
	cfg := testConfig(writeEncoderScript(t, "exec cat"))
	b := newFakeBackend(1)
	r := newTestRegistry(t, cfg, b)

	_, err := r.Connect(context.Background(), "gr999", "1080p", "")
	assert.ErrorIs(t, err, tuner.ErrChannelNotFound)
	assert.Equal(t, 0, b.openCount())
}

func TestRegistryConnectUnknownQuality(t *testing.T) {
	cfg := testConfig(writeEncoderScript(t, "exec cat"))
	b := newFakeBackend(1)
	r := newTestRegistry(t, cfg, b)

	_, err := r.Connect(context.Background(), "gr001", "4k", "")
	assert.ErrorIs(t, err, encoder.ErrUnknownQuality)
	assert.Equal(t, 0, b.openCount())
}

func TestRegistryConnectEncoderMissing(t *testing.T) {
	cfg := testConfig("/nonexistent/ffmpeg")
	b := newFakeBackend(1)
	r := newTestRegistry(t, cfg, b)

	_, err := r.Connect(context.Background(), "gr001", "1080p", "")
	assert.ErrorIs(t, err, encoder.ErrUnsupported)
	assert.Equal(t, 0, b.openCount(), "the encoder is validated before a tuner is spent")

	st := r.GetStatus("gr001", "1080p")
	assert.Equal(t, StatusOffline, st.Status)
	assert.Equal(t, "encoder is not available on this host", st.Detail)
}

// TestRegistryPreemptionHandoff exhausts the only tuner with an idling stream
// and expects the next viewer's stream to adopt its session in-process: no
// release, no reopen, one retune.
func TestRegistryPreemptionHandoff(t *testing.T) {
	script := writeEncoderScript(t, "exec cat")
	cfg := testConfig(script)
	cfg.Stream.MaxAliveTime = 5 * time.Second
	b := newFakeBackend(1)
	r := newTestRegistry(t, cfg, b)

	ctx := context.Background()
	c1, err := r.Connect(ctx, "gr001", "1080p", "")
	require.NoError(t, err)
	waitStatus(t, r, "gr001", "1080p", StatusONAir)
	r.Disconnect(c1)
	waitStatus(t, r, "gr001", "1080p", StatusIdling)

	c2, err := r.Connect(ctx, "gr002", "1080p", "")
	require.NoError(t, err)
	waitStatus(t, r, "gr002", "1080p", StatusONAir)
	assert.Equal(t, byte(0x47), readChunk(t, c2)[0])

	assert.Equal(t, 1, b.openCount(), "a handoff must not open a second session")
	assert.Equal(t, 0, b.releaseCount(), "a handoff must not close the session")
	retunes := b.retuned()
	require.Len(t, retunes, 1)
	assert.Equal(t, uint16(1032), retunes[0].ServiceID)

	st := r.GetStatus("gr001", "1080p")
	assert.Equal(t, StatusOffline, st.Status)
	assert.Equal(t, "tuner handed off", st.Detail)
	assert.Equal(t, 0, st.ClientCount)
	r.Disconnect(c2)
}

// TestRegistryPreemptionReopen runs the same takeover against an HTTP backend,
// where the session cannot move between processes: the victim releases and the
// taker opens fresh.
func TestRegistryPreemptionReopen(t *testing.T) {
	script := writeEncoderScript(t, "exec cat")
	cfg := testConfig(script)
	cfg.Backend.Type = "mirakurun"
	cfg.Stream.MaxAliveTime = 5 * time.Second
	b := newFakeBackend(1)
	r := newTestRegistry(t, cfg, b)

	ctx := context.Background()
	c1, err := r.Connect(ctx, "gr001", "1080p", "")
	require.NoError(t, err)
	waitStatus(t, r, "gr001", "1080p", StatusONAir)
	r.Disconnect(c1)
	waitStatus(t, r, "gr001", "1080p", StatusIdling)

	c2, err := r.Connect(ctx, "gr002", "1080p", "")
	require.NoError(t, err)
	waitStatus(t, r, "gr002", "1080p", StatusONAir)
	assert.Equal(t, byte(0x47), readChunk(t, c2)[0])

	assert.Equal(t, 2, b.openCount(), "an http session cannot move, the taker reopens")
	assert.Equal(t, 1, b.releaseCount(), "the victim's session is released first")
	assert.Empty(t, b.retuned())
	assert.Equal(t, StatusOffline, r.GetStatus("gr001", "1080p").Status)
	r.Disconnect(c2)
}

// TestRegistryPreemptionNoVictim verifies that an ONAir stream with a viewer
// is never robbed of its tuner.
func TestRegistryPreemptionNoVictim(t *testing.T) {
	script := writeEncoderScript(t, "exec cat")
	cfg := testConfig(script)
	cfg.Stream.ClientQueueChunks = 1024
	b := newFakeBackend(1)
	r := newTestRegistry(t, cfg, b)

	ctx := context.Background()
	c1, err := r.Connect(ctx, "gr001", "1080p", "")
	require.NoError(t, err)
	waitStatus(t, r, "gr001", "1080p", StatusONAir)

	_, err = r.Connect(ctx, "gr002", "1080p", "")
	assert.ErrorIs(t, err, tuner.ErrNoTunerAvailable)
	assert.ErrorContains(t, err, "no preemptible stream")

	st := r.GetStatus("gr001", "1080p")
	assert.Equal(t, StatusONAir, st.Status)
	assert.Equal(t, 1, st.ClientCount)
	assert.Equal(t, byte(0x47), readChunk(t, c1)[0])

	st = r.GetStatus("gr002", "1080p")
	assert.Equal(t, StatusOffline, st.Status)
	assert.Equal(t, "no tuner available", st.Detail)
	assert.Equal(t, 1, b.openCount())
	r.Disconnect(c1)
}

func TestRegistryListAndViewerCount(t *testing.T) {
	script := writeEncoderScript(t, "exec cat")
	cfg := testConfig(script)
	cfg.Stream.ClientQueueChunks = 1024
	b := newFakeBackend(2)
	b.feed = 5 * time.Millisecond
	r := newTestRegistry(t, cfg, b)

	ctx := context.Background()
	a1, err := r.Connect(ctx, "gr001", "1080p", "")
	require.NoError(t, err)
	a2, err := r.Connect(ctx, "gr001", "1080p", "psi")
	require.NoError(t, err)
	b1, err := r.Connect(ctx, "gr001", "720p", "")
	require.NoError(t, err)
	waitStatus(t, r, "gr001", "1080p", StatusONAir)
	waitStatus(t, r, "gr001", "720p", StatusONAir)

	// Viewer counts span every quality of the channel.
	assert.Equal(t, 3, r.ViewerCount("gr001"))
	assert.Equal(t, 3, r.ViewerCount("GR001"), "channel match is case-insensitive")
	assert.Equal(t, 0, r.ViewerCount("gr002"))

	groups := r.ListStreams()
	require.Len(t, groups["ONAir"], 2)
	assert.Contains(t, groups["ONAir"], "gr001-1080p")
	assert.Contains(t, groups["ONAir"], "gr001-720p")
	assert.Equal(t, 2, groups["ONAir"]["gr001-1080p"].ClientCount)

	_, err = r.Lookup("gr001-1080p")
	require.NoError(t, err)
	_, err = r.Lookup("gr003-1080p")
	assert.ErrorIs(t, err, ErrStreamNotFound)

	// Unknown streams get a synthesized Offline status, not an error.
	st := r.GetStatus("gr008", "1080p")
	assert.Equal(t, StatusOffline, st.Status)
	assert.Equal(t, "stream is offline", st.Detail)
	assert.Equal(t, "gr008-1080p", st.ID)

	// Disconnect tolerates strays and repeats.
	r.Disconnect(nil)
	r.Disconnect(a1)
	r.Disconnect(a1)
	assert.Equal(t, 2, r.ViewerCount("gr001"))
	r.Disconnect(a2)
	r.Disconnect(b1)
}

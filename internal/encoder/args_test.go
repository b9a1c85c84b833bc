package encoder

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyako-dev/tsubridge/internal/config"
)

// fakeBinary drops an executable stub so BuildCommand's PATH lookup succeeds.
func fakeBinary(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test binary stub is a shell script")
	}
	path := filepath.Join(t.TempDir(), "encoder-stub")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return path
}

func TestBuildCommandFFmpeg(t *testing.T) {
	cfg := config.EncoderConfig{Type: "ffmpeg", Path: fakeBinary(t)}
	q, err := LookupQuality("720p")
	require.NoError(t, err)

	binary, args, err := BuildCommand(cfg, q)
	require.NoError(t, err)
	assert.Equal(t, cfg.Path, binary)

	joined := " " + strings.Join(args, " ") + " "
	assert.Contains(t, joined, " -f mpegts -analyzeduration 500000 -i pipe:0 ")
	assert.Contains(t, joined, " -c:v libx264 ")
	assert.Contains(t, joined, " -b:v 4500k ")
	assert.Contains(t, joined, " -maxrate 6200k ")
	assert.Contains(t, joined, " scale=1280:720 ")
	assert.Contains(t, joined, " -b:a 192k ")
	assert.Equal(t, "pipe:1", args[len(args)-1])
}

func TestBuildCommandFFmpegHEVC60(t *testing.T) {
	cfg := config.EncoderConfig{Type: "ffmpeg", Path: fakeBinary(t)}
	q, err := LookupQuality("1080p-hevc-60fps")
	require.NoError(t, err)

	_, args, err := BuildCommand(cfg, q)
	require.NoError(t, err)

	joined := " " + strings.Join(args, " ") + " "
	assert.Contains(t, joined, " -c:v libx265 ")
	assert.Contains(t, joined, " -r 60000/1001 ")
	assert.Contains(t, joined, " yadif=mode=1:")
}

func TestBuildCommandHardware(t *testing.T) {
	cfg := config.EncoderConfig{Type: "nvencc", Path: fakeBinary(t)}
	q, err := LookupQuality("1080p")
	require.NoError(t, err)

	_, args, err := BuildCommand(cfg, q)
	require.NoError(t, err)

	joined := " " + strings.Join(args, " ") + " "
	assert.Contains(t, joined, " --input-format mpegts ")
	assert.Contains(t, joined, " --output-format mpegts ")
	assert.Contains(t, joined, " --codec h264 ")
	assert.Contains(t, joined, " --vbr 6500 ")
	assert.Contains(t, joined, " --output-res 1440x1080 ")
	assert.Contains(t, joined, " --vpp-deinterlace normal ")
}

func TestBuildCommandHardwareHEVC60(t *testing.T) {
	cfg := config.EncoderConfig{Type: "qsvencc", Path: fakeBinary(t)}
	q, err := LookupQuality("1080p-hevc-60fps")
	require.NoError(t, err)

	_, args, err := BuildCommand(cfg, q)
	require.NoError(t, err)

	joined := " " + strings.Join(args, " ") + " "
	assert.Contains(t, joined, " --codec hevc ")
	assert.Contains(t, joined, " --vpp-deinterlace bob ")
}

func TestBuildCommandUnknownType(t *testing.T) {
	_, _, err := BuildCommand(config.EncoderConfig{Type: "x264d"}, Quality{})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestBuildCommandMissingBinary(t *testing.T) {
	cfg := config.EncoderConfig{Type: "ffmpeg", Path: "/nonexistent/ffmpeg"}
	q, err := LookupQuality("1080p")
	require.NoError(t, err)

	_, _, err = BuildCommand(cfg, q)
	assert.ErrorIs(t, err, ErrUnsupported)
}

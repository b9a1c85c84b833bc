package encoder

import (
	"fmt"
	"os/exec"
	"strconv"

	"github.com/miyako-dev/tsubridge/internal/config"
)

var binaryNames = map[string]string{
	"ffmpeg":   "ffmpeg",
	"qsvencc":  "QSVEncC",
	"nvencc":   "NVEncC",
	"vceencc":  "VCEEncC",
	"rkmppenc": "rkmppenc",
}

// BuildCommand resolves the encoder binary and builds its argv for one
// quality row. The binary comes from cfg.Path when set, otherwise PATH.
func BuildCommand(cfg config.EncoderConfig, q Quality) (string, []string, error) {
	name, ok := binaryNames[cfg.Type]
	if !ok {
		return "", nil, fmt.Errorf("%w: unknown encoder type %q", ErrUnsupported, cfg.Type)
	}

	path := cfg.Path
	if path == "" {
		path = name
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s: %v", ErrUnsupported, path, err)
	}

	if cfg.Type == "ffmpeg" {
		return resolved, ffmpegArgs(q), nil
	}
	return resolved, hwencArgs(q), nil
}

// ffmpegArgs is the software pipeline: MPEG-TS on stdin, transcoded MPEG-TS
// on stdout.
func ffmpegArgs(q Quality) []string {
	vcodec := "libx264"
	if q.HEVC {
		vcodec = "libx265"
	}
	rate := "30000/1001"
	yadifMode := "0"
	if q.FrameRate == 60 {
		rate = "60000/1001"
		yadifMode = "1"
	}

	return []string{
		"-f", "mpegts",
		"-analyzeduration", "500000",
		"-i", "pipe:0",
		"-map", "0:v:0", "-map", "0:a",
		"-c:v", vcodec,
		"-preset", "veryfast",
		"-flags", "+cgop",
		"-b:v", fmt.Sprintf("%dk", q.VideoBitrate),
		"-maxrate", fmt.Sprintf("%dk", q.VideoMaxRate),
		"-aspect", "16:9",
		"-r", rate,
		"-g", strconv.Itoa(q.FrameRate),
		"-vf", fmt.Sprintf("yadif=mode=%s:parity=-1:deint=1,scale=%d:%d", yadifMode, q.Width, q.Height),
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", q.AudioBitrate),
		"-ar", "48000",
		"-y",
		"-f", "mpegts",
		"pipe:1",
	}
}

// hwencArgs covers the QSVEncC family, which all share one CLI convention.
func hwencArgs(q Quality) []string {
	codec := "h264"
	if q.HEVC {
		codec = "hevc"
	}
	deinterlace := "normal"
	if q.FrameRate == 60 {
		deinterlace = "bob"
	}

	return []string{
		"--input-format", "mpegts",
		"--output-format", "mpegts",
		"--input", "-",
		"--output", "-",
		"--avhw",
		"--codec", codec,
		"--vbr", strconv.Itoa(q.VideoBitrate),
		"--max-bitrate", strconv.Itoa(q.VideoMaxRate),
		"--gop-len", strconv.Itoa(q.FrameRate),
		"--interlace", "tff",
		"--vpp-deinterlace", deinterlace,
		"--output-res", fmt.Sprintf("%dx%d", q.Width, q.Height),
		"--aspect-ratio", "16:9",
		"--audio-codec", "aac",
		"--audio-bitrate", strconv.Itoa(q.AudioBitrate),
		"--audio-samplerate", "48000",
	}
}

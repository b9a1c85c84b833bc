package encoder

import "strings"

// Severity buckets one stderr line.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityProgress
	SeverityRecoverable
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityProgress:
		return "progress"
	case SeverityRecoverable:
		return "recoverable"
	case SeverityFatal:
		return "fatal"
	default:
		return "info"
	}
}

// Markers are matched case-insensitively, fatal before recoverable. Fatal
// conditions are ones a restart cannot fix: a source with no usable streams,
// a bad argv, or missing hardware.
var fatalMarkers = []string{
	"matches no streams",
	"error finding stream information",
	"unrecognized option",
	"cuda not available",
	"failed to initialize device",
	"unsupported device",
}

var recoverableMarkers = []string{
	"conversion failed!",
	"finished with error!",
}

// Classify buckets one stderr line.
func Classify(line string) Severity {
	folded := strings.ToLower(line)
	for _, m := range fatalMarkers {
		if strings.Contains(folded, m) {
			return SeverityFatal
		}
	}
	for _, m := range recoverableMarkers {
		if strings.Contains(folded, m) {
			return SeverityRecoverable
		}
	}
	if isProgressLine(line) {
		return SeverityProgress
	}
	return SeverityInfo
}

// isProgressLine spots ffmpeg "frame= ... fps= ..." lines and the hardware
// encoders' frame counter lines.
func isProgressLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "frame=") {
		return true
	}
	return strings.Contains(trimmed, "frames:") && strings.Contains(trimmed, "fps")
}

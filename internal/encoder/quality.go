package encoder

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownQuality means the requested quality is not in the table.
var ErrUnknownQuality = errors.New("unknown quality")

// Quality is one row of the encoding ladder. Bitrates are in kbps.
type Quality struct {
	Name         string `json:"name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	VideoBitrate int    `json:"video_bitrate_kbps"`
	VideoMaxRate int    `json:"video_max_bitrate_kbps"`
	AudioBitrate int    `json:"audio_bitrate_kbps"`
	FrameRate    int    `json:"frame_rate"`
	HEVC         bool   `json:"hevc"`
}

// Broadcast masters are 1440x1080 anamorphic, so the two top rows keep that
// storage width.
var qualityTable = map[string]Quality{
	"1080p-60fps": {Name: "1080p-60fps", Width: 1440, Height: 1080, VideoBitrate: 9500, VideoMaxRate: 13000, AudioBitrate: 192, FrameRate: 60},
	"1080p":       {Name: "1080p", Width: 1440, Height: 1080, VideoBitrate: 6500, VideoMaxRate: 9000, AudioBitrate: 192, FrameRate: 30},
	"810p":        {Name: "810p", Width: 1440, Height: 810, VideoBitrate: 5500, VideoMaxRate: 7600, AudioBitrate: 192, FrameRate: 30},
	"720p":        {Name: "720p", Width: 1280, Height: 720, VideoBitrate: 4500, VideoMaxRate: 6200, AudioBitrate: 192, FrameRate: 30},
	"540p":        {Name: "540p", Width: 960, Height: 540, VideoBitrate: 3000, VideoMaxRate: 4100, AudioBitrate: 192, FrameRate: 30},
	"480p":        {Name: "480p", Width: 854, Height: 480, VideoBitrate: 2000, VideoMaxRate: 2800, AudioBitrate: 192, FrameRate: 30},
	"360p":        {Name: "360p", Width: 640, Height: 360, VideoBitrate: 1100, VideoMaxRate: 1800, AudioBitrate: 128, FrameRate: 30},
	"240p":        {Name: "240p", Width: 426, Height: 240, VideoBitrate: 550, VideoMaxRate: 650, AudioBitrate: 128, FrameRate: 30},
}

// LookupQuality resolves a quality name. A "-hevc" tag anywhere after the
// resolution selects H.265, so "1080p-hevc" and "1080p-hevc-60fps" both work.
func LookupQuality(name string) (Quality, error) {
	base := name
	hevc := false
	if strings.Contains(base, "-hevc") {
		hevc = true
		base = strings.Replace(base, "-hevc", "", 1)
	}

	q, ok := qualityTable[base]
	if !ok {
		return Quality{}, fmt.Errorf("%w: %q", ErrUnknownQuality, name)
	}
	q.Name = name
	q.HEVC = hevc
	return q, nil
}

// QualityNames lists the base rows from highest to lowest resolution.
func QualityNames() []string {
	names := make([]string, 0, len(qualityTable))
	for name := range qualityTable {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		qi, qj := qualityTable[names[i]], qualityTable[names[j]]
		if qi.Height != qj.Height {
			return qi.Height > qj.Height
		}
		return qi.FrameRate > qj.FrameRate
	})
	return names
}

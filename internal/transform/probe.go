package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var ErrNoVideoStreams = errors.New("no video streams found")

type Prober interface {
	Probe(ctx context.Context, path string) (Media, error)
}

// FFProbe shells out to ffprobe.
type FFProbe struct {
	Bin string
}

func (p *FFProbe) Probe(ctx context.Context, path string) (Media, error) {
	if strings.TrimSpace(path) == "" {
		return Media{}, errors.New("probe: empty path")
	}
	bin := p.Bin
	if bin == "" {
		bin = "ffprobe"
	}

	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Media{}, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseProbeOutput(stdout.Bytes())
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

type probeStream struct {
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`
	RFrameRate   string `json:"r_frame_rate"`
	Duration     string `json:"duration"`
	Tags         struct {
		Rotate string `json:"rotate"`
	} `json:"tags"`
	SideDataList []struct {
		Rotation float64 `json:"rotation"`
	} `json:"side_data_list"`
}

func parseProbeOutput(data []byte) (Media, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Media{}, fmt.Errorf("decode ffprobe output: %w", err)
	}

	var (
		media Media
		video *probeStream
	)
	for i := range out.Streams {
		s := &out.Streams[i]
		switch s.CodecType {
		case "video":
			if video == nil {
				video = s
			}
		case "audio":
			media.HasAudio = true
		}
	}
	if video == nil {
		return Media{}, ErrNoVideoStreams
	}
	if video.Width <= 0 || video.Height <= 0 {
		return Media{}, fmt.Errorf("video stream has no dimensions (%dx%d)", video.Width, video.Height)
	}

	media.Width, media.Height = video.Width, video.Height
	// Phones store portrait video as landscape frames plus a rotation.
	if quarterTurn(rotation(video)) {
		media.Width, media.Height = media.Height, media.Width
	}

	media.FrameRate = parseRate(video.AvgFrameRate)
	if media.FrameRate == 0 {
		media.FrameRate = parseRate(video.RFrameRate)
	}

	media.Duration = parseSeconds(out.Format.Duration)
	if media.Duration == 0 {
		media.Duration = parseSeconds(video.Duration)
	}
	return media, nil
}

func rotation(s *probeStream) float64 {
	if s.Tags.Rotate != "" {
		if v, err := strconv.ParseFloat(s.Tags.Rotate, 64); err == nil {
			return v
		}
	}
	for _, sd := range s.SideDataList {
		if sd.Rotation != 0 {
			return sd.Rotation
		}
	}
	return 0
}

func quarterTurn(deg float64) bool {
	d := int(deg) % 180
	return d == 90 || d == -90
}

// parseRate reads ffprobe rationals such as "30000/1001".
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func parseSeconds(s string) time.Duration {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

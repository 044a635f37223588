package transform

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// EncodeJob describes one encoder invocation.
type EncodeJob struct {
	Input    string
	Output   string
	Decision Decision
	Media    Media
}

type Encoder interface {
	Encode(ctx context.Context, job EncodeJob) error
}

// FFmpeg encodes with the ffmpeg binary.
type FFmpeg struct {
	Bin     string
	Profile Profile
}

func NewFFmpeg(bin string, profile Profile) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &FFmpeg{Bin: bin, Profile: profile}
}

func (f *FFmpeg) Encode(ctx context.Context, job EncodeJob) error {
	args, err := f.Args(job)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, f.Bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg %s: %w: %s", job.Decision, err, tail(stderr.String(), 512))
	}
	return nil
}

// Args returns the ffmpeg command line for job, without the binary.
func (f *FFmpeg) Args(job EncodeJob) ([]string, error) {
	p := f.Profile
	var target int64
	args := []string{"-hide_banner", "-y", "-i", job.Input}

	switch job.Decision {
	case Recompress:
		target = p.Limits.RecompressTarget
		args = append(args, "-map", "0:v:0")
		if job.Media.HasAudio {
			args = append(args, "-map", "0:a:0")
		}
	case ReframeWithBlur:
		target = p.Limits.ReframeTarget
		args = append(args,
			"-filter_complex", reframeFilter(p.Limits.Width, p.Limits.Height, p.BlurSigma),
			"-map", "[v]",
		)
		if job.Media.HasAudio {
			args = append(args, "-map", "0:a:0")
		}
	default:
		return nil, fmt.Errorf("decision %s needs no encode", job.Decision)
	}

	args = append(args,
		"-c:v", p.VideoCodec,
		"-preset", p.Preset,
		"-b:v", strconv.FormatInt(TargetBitrate(target, job.Media.Duration), 10),
		"-r", strconv.FormatFloat(FrameRate(job.Media), 'f', 3, 64),
		"-pix_fmt", "yuv420p",
	)
	if job.Media.HasAudio {
		args = append(args, "-c:a", p.AudioCodec)
	} else {
		args = append(args, "-an")
	}
	if p.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(p.Threads))
	}
	args = append(args, "-movflags", "+faststart", "-f", "mp4", job.Output)
	return args, nil
}

// reframeFilter composes the source, fitted and centered, over a blurred copy
// that fills the whole w x h frame.
func reframeFilter(w, h int, sigma float64) string {
	return fmt.Sprintf(
		"[0:v]split=2[bgsrc][fgsrc];"+
			"[bgsrc]scale=%[1]d:%[2]d:force_original_aspect_ratio=increase,crop=%[1]d:%[2]d,"+
			"scale=%[3]d:%[4]d,gblur=sigma=%[5]s,scale=%[1]d:%[2]d[bg];"+
			"[fgsrc]scale=%[1]d:%[2]d:force_original_aspect_ratio=decrease:force_divisible_by=2[fg];"+
			"[bg][fg]overlay=(W-w)/2:(H-h)/2,setsar=1[v]",
		w, h, w/4, h/4, strconv.FormatFloat(sigma, 'f', -1, 64),
	)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

package transform

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"
	"os/exec"
	"strconv"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// FrameGrabber returns one decoded frame from a video file.
type FrameGrabber func(ctx context.Context, path string, at float64) (image.Image, error)

// Poster renders a WebP still published next to a video.
type Poster struct {
	grab    FrameGrabber
	width   int
	quality int
}

func NewPoster(ffmpegBin string, profile Profile) *Poster {
	return &Poster{
		grab:    ffmpegFrame(ffmpegBin),
		width:   profile.PosterWidth,
		quality: profile.PosterQuality,
	}
}

// Generate grabs a frame one second in (or at the start of very short clips)
// and returns it as WebP.
func (p *Poster) Generate(ctx context.Context, path string, media Media) ([]byte, error) {
	at := 1.0
	if media.Duration.Seconds() < 2 {
		at = 0
	}
	frame, err := p.grab(ctx, path, at)
	if err != nil {
		return nil, fmt.Errorf("grab frame: %w", err)
	}
	return p.Render(frame)
}

// Render fits img into the poster width, preserving aspect ratio, and encodes it.
func (p *Poster) Render(img image.Image) ([]byte, error) {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	width := p.width
	if width <= 0 || width > b.Dx() {
		width = b.Dx()
	}
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	fitted := imaging.Fit(img, width, height, imaging.Lanczos)

	var buf bytes.Buffer
	if err := webp.Encode(&buf, fitted, &webp.Options{Quality: float32(p.quality)}); err != nil {
		return nil, fmt.Errorf("encode poster: %w", err)
	}
	return buf.Bytes(), nil
}

func ffmpegFrame(bin string) FrameGrabber {
	if bin == "" {
		bin = "ffmpeg"
	}
	return func(ctx context.Context, path string, at float64) (image.Image, error) {
		cmd := exec.CommandContext(ctx, bin,
			"-hide_banner", "-loglevel", "error",
			"-ss", strconv.FormatFloat(at, 'f', 3, 64),
			"-i", path,
			"-frames:v", "1",
			"-f", "image2pipe",
			"-vcodec", "png",
			"-",
		)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("ffmpeg: %w: %s", err, tail(stderr.String(), 256))
		}
		img, _, err := image.Decode(&stdout)
		if err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		return img, nil
	}
}

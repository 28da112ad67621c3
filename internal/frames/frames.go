package frames

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/snapcap/internal/config"
	"github.com/snapcap/pkg/logger"
)

// ErrUnreadableMedia marks a video whose container or codec cannot be decoded.
var ErrUnreadableMedia = errors.New("unreadable media")

// ErrEmptyMedia marks a video from which zero frames could be extracted.
var ErrEmptyMedia = errors.New("no frames extractable")

// Extractor samples representative frames from a video via ffmpeg. One
// invocation per sampled timestamp keeps memory bounded to a single encoded
// frame; the decoded video is never materialized.
type Extractor struct {
	cfg config.VideoConfig
}

// New creates a frame extractor.
func New(cfg config.VideoConfig) *Extractor {
	return &Extractor{cfg: cfg}
}

// Extract returns up to cfg.FrameCount JPEG-encoded frames sampled evenly
// across the video's duration, in timestamp order.
func (e *Extractor) Extract(ctx context.Context, videoPath string) ([][]byte, error) {
	duration, err := probeDuration(ctx, videoPath)
	if err != nil {
		return nil, err
	}

	n := e.cfg.FrameCount
	payloads := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		// Sample at bucket midpoints so a 1-frame request lands mid-video
		// instead of on the (often black) first frame.
		ts := duration * (float64(i) + 0.5) / float64(n)

		frame, err := grabFrame(ctx, videoPath, ts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Debugf("frame at %.2fs failed for %s: %v", ts, videoPath, err)
			continue
		}
		payloads = append(payloads, frame)
	}

	if len(payloads) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyMedia, videoPath)
	}
	return payloads, nil
}

// probeDuration asks ffprobe for the container duration in seconds.
func probeDuration(ctx context.Context, videoPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("%w: ffprobe %s: %v\nStderr: %s",
			ErrUnreadableMedia, videoPath, err, strings.TrimSpace(stderr.String()))
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
	if err != nil || duration <= 0 {
		return 0, fmt.Errorf("%w: no usable duration for %s", ErrUnreadableMedia, videoPath)
	}
	return duration, nil
}

// grabFrame decodes exactly one frame at the given timestamp and returns it
// as JPEG bytes from ffmpeg's stdout.
func grabFrame(ctx context.Context, videoPath string, ts float64) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-ss", fmt.Sprintf("%.3f", ts),
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %v\nStderr: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frame data")
	}
	return stdout.Bytes(), nil
}

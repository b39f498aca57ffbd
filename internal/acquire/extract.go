package acquire

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/lovanote/internal/apperr"
	"github.com/loqalabs/lovanote/internal/audio"
	"github.com/mattn/go-shellwords"
)

// VideoExtract runs an external extractor (yt-dlp by default) that writes an
// mp3 for a video page URL.
type VideoExtract struct {
	Dir     string
	URL     string
	Command string
	Timeout time.Duration
}

func (v *VideoExtract) Name() string { return "video" }

func (v *VideoExtract) Acquire(ctx context.Context) (audio.Asset, error) {
	if strings.TrimSpace(v.URL) == "" {
		return audio.Asset{}, apperr.Invalid("extract", apperr.ErrExtraction, fmt.Errorf("empty url"))
	}
	parser := shellwords.NewParser()
	args, err := parser.Parse(v.Command)
	if err != nil {
		return audio.Asset{}, apperr.Invalid("extract", apperr.ErrExtraction, fmt.Errorf("parse extractor command: %w", err))
	}
	if len(args) == 0 {
		return audio.Asset{}, apperr.Invalid("extract", apperr.ErrExtraction, fmt.Errorf("extractor command empty"))
	}
	if err := os.MkdirAll(v.Dir, 0o755); err != nil {
		return audio.Asset{}, fmt.Errorf("create dir: %w", err)
	}
	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}

	dest := filepath.Join(v.Dir, strings.ReplaceAll(uuid.NewString(), "-", "")+"_video.mp3")
	cmdArgs := append(append([]string{}, args[1:]...), "-o", dest, v.URL)
	command := exec.CommandContext(ctx, args[0], cmdArgs...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return audio.Asset{}, apperr.External("extract", apperr.ErrExtraction, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
	}

	asset, err := audio.Stat(dest, filepath.Base(v.URL))
	if err != nil {
		return audio.Asset{}, apperr.External("extract", apperr.ErrExtraction, err)
	}
	return asset, nil
}

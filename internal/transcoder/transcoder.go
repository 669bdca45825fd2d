// Package transcoder wraps the external encoder (ffmpeg) used to cut clips and
// convert recordings between containers.
package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/screenrec/backend/internal/models"
)

// maxDiagnostic caps the encoder output attached to a ToolError.
const maxDiagnostic = 4096

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandRunner runs commands with os/exec.
type CommandRunner struct{}

// Run implements Runner.
func (CommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ToolError is a failed encoder run. Output holds the tail of the tool's diagnostics.
type ToolError struct {
	Tool   string
	Err    error
	Output string
}

func (e *ToolError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s failed: %v: %s", e.Tool, e.Err, e.Output)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Transcoder builds encoder invocations.
type Transcoder struct {
	bin     string
	timeout time.Duration
	runner  Runner
	logger  *zap.Logger
}

// New returns a Transcoder. Empty bin defaults to "ffmpeg"; timeout <= 0 disables the bound.
func New(bin string, timeout time.Duration, runner Runner, logger *zap.Logger) *Transcoder {
	if bin == "" {
		bin = "ffmpeg"
	}
	if runner == nil {
		runner = CommandRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transcoder{bin: bin, timeout: timeout, runner: runner, logger: logger}
}

// Clip re-encodes [start, start+duration) of in into out. The output container
// follows out's extension.
func (t *Transcoder) Clip(ctx context.Context, in string, start, duration float64, out string) error {
	if start < 0 || duration <= 0 {
		return fmt.Errorf("invalid clip range start=%v duration=%v", start, duration)
	}
	args := []string{
		"-y",
		"-ss", seconds(start),
		"-i", in,
		"-t", seconds(duration),
	}
	args = append(args, codecArgs(models.FormatOf(out))...)
	args = append(args, out)
	return t.run(ctx, args)
}

// Convert re-encodes in into out using the codecs for format.
func (t *Transcoder) Convert(ctx context.Context, in, out, format string) error {
	if !models.ValidFormat(format) {
		return fmt.Errorf("unsupported format %q", format)
	}
	args := []string{"-y", "-i", in}
	args = append(args, codecArgs(format)...)
	args = append(args, out)
	return t.run(ctx, args)
}

func (t *Transcoder) run(ctx context.Context, args []string) error {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	started := time.Now()
	out, err := t.runner.Run(ctx, t.bin, args...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", t.timeout, err)
		}
		t.logger.Warn("encoder failed", zap.Strings("args", args), zap.Error(err))
		return &ToolError{Tool: t.bin, Err: err, Output: tail(string(out), maxDiagnostic)}
	}
	t.logger.Info("encoder finished", zap.String("output", args[len(args)-1]), zap.Duration("took", time.Since(started)))
	return nil
}

func codecArgs(format string) []string {
	if format == models.FormatMP4 {
		return []string{
			"-c:v", "libx264", "-preset", "veryfast", "-crf", "23",
			"-c:a", "aac", "-b:a", "128k",
			"-movflags", "+faststart",
		}
	}
	return []string{
		"-c:v", "libvpx-vp9", "-b:v", "0", "-crf", "32", "-deadline", "realtime", "-cpu-used", "8",
		"-c:a", "libopus", "-b:a", "128k",
	}
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

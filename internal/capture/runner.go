package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// startupGrace is how long a freshly launched process must stay alive before
// Start reports success.
const startupGrace = 700 * time.Millisecond

// Runner builds and launches FFmpeg invocations.
type Runner struct {
	ffmpegPath  string
	ffprobePath string
	logger      *zap.Logger
}

// NewRunner creates a capture runner using the given ffmpeg/ffprobe binaries.
func NewRunner(ffmpegPath, ffprobePath string, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, logger: logger}
}

// buildArgs translates StartParams into the ffmpeg argument list. Input flags
// are protocol-specific; output flags come from the quality preset.
func (r *Runner) buildArgs(p StartParams) []string {
	preset := PresetFor(p.Quality)

	// No -nostdin: the graceful stop path writes 'q' to stdin.
	args := []string{"-hide_banner", "-loglevel", "error", "-stats"}

	switch p.SourceKind {
	case SourceMJPEG:
		args = append(args,
			"-f", "mjpeg",
			"-fflags", "nobuffer",
			"-flags", "low_delay",
			"-i", p.SourceURL,
			"-use_wallclock_as_timestamps", "1",
			"-fflags", "+genpts+discardcorrupt",
		)
	default:
		// RTSP flags also serve as the generic fallback.
		args = append(args,
			"-rtsp_transport", "tcp",
			"-rtsp_flags", "prefer_tcp",
			"-max_delay", "500000",
			"-fflags", "nobuffer",
			"-flags", "low_delay",
			"-i", p.SourceURL,
			"-use_wallclock_as_timestamps", "1",
			"-fflags", "+genpts+discardcorrupt",
		)
	}

	args = append(args,
		"-c:v", "libx264",
		"-preset", preset.Preset,
		"-crf", preset.CRF,
		"-tune", "zerolatency",
		"-profile:v", "main",
		"-pix_fmt", "yuv420p",
		"-vf", fmt.Sprintf("scale=%s:force_original_aspect_ratio=decrease,fps=%d,format=yuv420p", preset.Scale, preset.FPS),
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		"-f", "mp4",
		"-max_muxing_queue_size", "1024",
		"-t", strconv.Itoa(int(p.MaxDuration.Seconds())),
		"-y",
		p.OutputPath,
	)
	return args
}

// Start launches a capture process and confirms it survives the startup
// grace period. On failure the captured stderr is attached to the error.
func (r *Runner) Start(ctx context.Context, p StartParams) (ProcessHandle, error) {
	if err := os.MkdirAll(filepath.Dir(p.OutputPath), 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	args := r.buildArgs(p)
	// The process outlives the request context; stopping is explicit.
	cmd := exec.Command(r.ffmpegPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, &StartError{Err: fmt.Errorf("launch %s: %w", r.ffmpegPath, err)}
	}

	proc := &process{
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}
	drained := make(chan struct{})
	go proc.drain(stderr, p.OnLine, drained)
	go func() {
		// Wait must not race the stderr reader closing the pipe.
		<-drained
		proc.setExit(cmd.Wait())
		close(proc.done)
	}()

	select {
	case <-proc.done:
		return nil, &StartError{Diag: proc.LastLine(), Err: proc.ExitErr()}
	case <-time.After(startupGrace):
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-proc.done
		return nil, ctx.Err()
	}

	r.logger.Info("capture process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("kind", string(p.SourceKind)),
		zap.String("output", p.OutputPath))
	return proc, nil
}

// Probe inspects a finished file with ffprobe. Returns an error for
// unreadable or corrupt files.
func (r *Runner) Probe(path string) (*MediaInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbeOutput(out)
}

// ExtractThumbnail writes the first frame of a video as a JPEG. Callers treat
// failure as non-fatal.
func (r *Runner) ExtractThumbnail(videoPath, thumbPath string) error {
	if err := os.MkdirAll(filepath.Dir(thumbPath), 0o750); err != nil {
		return fmt.Errorf("create thumbnail dir: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.ffmpegPath,
		"-i", videoPath,
		"-vframes", "1",
		"-f", "image2",
		"-y",
		thumbPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("thumbnail: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// CheckSource probes whether the camera answers at all. A short read of one
// second of stream is enough to tell a live camera from a dead address.
func (r *Runner) CheckSource(ctx context.Context, url string, kind SourceKind) bool {
	args := []string{"-v", "quiet"}
	if kind == SourceRTSP || kind == SourceGeneric {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args, "-i", url, "-t", "1", "-f", "null", "-")

	cmd := exec.CommandContext(ctx, r.ffprobePath, args...)
	return cmd.Run() == nil
}

// DiskFree returns free bytes on the filesystem holding path.
func DiskFree(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// process is the concrete ProcessHandle for an ffmpeg child.
type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}

	mu       sync.Mutex
	exitErr  error
	lastLine string
	stopOnce sync.Once
}

func (p *process) PID() int { return p.cmd.Process.Pid }

func (p *process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *process) setExit(err error) {
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
}

func (p *process) LastLine() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastLine
}

// scanStderrLines splits on \n or \r. ffmpeg rewrites its -stats progress
// line in place, terminating it with a bare carriage return.
func scanStderrLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		adv := i + 1
		if data[i] == '\r' && adv < len(data) && data[adv] == '\n' {
			adv++
		}
		return adv, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// drain reads stderr continuously so the child never blocks on a full pipe.
func (p *process) drain(r io.Reader, onLine func(string), drained chan<- struct{}) {
	defer close(drained)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	scanner.Split(scanStderrLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.mu.Lock()
		p.lastLine = line
		p.mu.Unlock()
		if onLine != nil {
			onLine(line)
		}
	}
	// An oversized line must not stop the pipe from being read; the child
	// blocks once the OS buffer fills.
	if scanner.Err() != nil {
		_, _ = io.Copy(io.Discard, r)
	}
}

// Stop asks ffmpeg to finish the MP4 ('q' on stdin), escalating to SIGTERM
// and SIGKILL if it does not exit in time.
func (p *process) Stop(timeout time.Duration) bool {
	if !p.Running() {
		return true
	}

	p.stopOnce.Do(func() {
		if _, err := io.WriteString(p.stdin, "q\n"); err == nil {
			_ = p.stdin.Close()
		}
	})

	select {
	case <-p.done:
		return true
	case <-time.After(timeout):
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
		return false
	case <-time.After(5 * time.Second):
	}

	_ = p.cmd.Process.Kill()
	<-p.done
	return false
}

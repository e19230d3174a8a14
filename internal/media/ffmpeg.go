package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/gbsim/internal/log"
)

// FFmpegConfig configures the ffmpeg stream pusher.
type FFmpegConfig struct {
	Path      string // ffmpeg binary, default "ffmpeg"
	VideoFile string // looped source clip
}

// NewFFmpegFactory returns a Factory producing one pusher per session.
func NewFFmpegFactory(cfg FFmpegConfig) Factory {
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	return func() Transport {
		return &ffmpegTransport{cfg: cfg, done: make(chan struct{})}
	}
}

// ffmpegTransport pushes the configured clip as an RTP stream, looping
// forever, one process per session.
type ffmpegTransport struct {
	cfg FFmpegConfig

	mu      sync.Mutex
	cmd     *exec.Cmd
	stopped bool
	exitErr error
	done    chan struct{}
}

// args builds the ffmpeg command line for one stream.
func (t *ffmpegTransport) args(info StreamInfo) []string {
	args := []string{
		"-re",
		"-stream_loop", "-1",
		"-i", t.cfg.VideoFile,
		"-vcodec", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-an",
		"-f", "rtp_mpegts",
	}
	if info.SSRC != "" {
		args = append(args, "-ssrc", info.SSRC)
	}
	target := fmt.Sprintf("rtp://%s:%d", info.RemoteIP, info.RemotePort)
	if info.LocalPort > 0 {
		target += "?localrtpport=" + strconv.Itoa(info.LocalPort)
	}
	args = append(args, target)
	return args
}

func (t *ffmpegTransport) Start(ctx context.Context, info StreamInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return fmt.Errorf("%w: stream already started for %s", ErrTransport, info.CallID)
	}
	if _, err := os.Stat(t.cfg.VideoFile); err != nil {
		return fmt.Errorf("%w: video file %s: %v", ErrTransport, t.cfg.VideoFile, err)
	}

	cmd := exec.CommandContext(ctx, t.cfg.Path, t.args(info)...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start ffmpeg: %v", ErrTransport, err)
	}
	t.cmd = cmd

	log.GetLogger().
		WithField("call_id", info.CallID).
		WithField("target", fmt.Sprintf("%s:%d", info.RemoteIP, info.RemotePort)).
		Infof("media stream started, pid=%d", cmd.Process.Pid)

	// 监控进程退出
	go func() {
		err := cmd.Wait()
		t.mu.Lock()
		if !t.stopped && err != nil {
			t.exitErr = fmt.Errorf("%w: ffmpeg exited: %v", ErrTransport, err)
			log.GetLogger().WithField("call_id", info.CallID).
				Warnf("media stream exited unexpectedly: %v", err)
		}
		t.mu.Unlock()
		close(t.done)
	}()
	return nil
}

// Stop terminates the process, SIGTERM first, SIGKILL after a grace period.
func (t *ffmpegTransport) Stop() error {
	t.mu.Lock()
	if t.cmd == nil || t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	proc := t.cmd.Process
	t.mu.Unlock()

	_ = proc.Signal(syscall.SIGTERM)
	select {
	case <-t.done:
	case <-time.After(5 * time.Second):
		_ = proc.Kill()
		<-t.done
	}
	return nil
}

func (t *ffmpegTransport) IsAlive() bool {
	select {
	case <-t.done:
		return false
	default:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.cmd != nil
	}
}

func (t *ffmpegTransport) Done() <-chan struct{} { return t.done }

func (t *ffmpegTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitErr
}

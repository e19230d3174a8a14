package media

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFFmpegArgs(t *testing.T) {
	tr := &ffmpegTransport{cfg: FFmpegConfig{Path: "ffmpeg", VideoFile: "/data/clip.mp4"}}

	args := tr.args(StreamInfo{
		CallID:     "call-1",
		RemoteIP:   "192.168.1.10",
		RemotePort: 30000,
		LocalPort:  10002,
		SSRC:       "0100000001",
	})
	line := strings.Join(args, " ")

	assert.Contains(t, line, "-stream_loop -1")
	assert.Contains(t, line, "-i /data/clip.mp4")
	assert.Contains(t, line, "-f rtp_mpegts")
	assert.Contains(t, line, "-ssrc 0100000001")
	assert.Equal(t, "rtp://192.168.1.10:30000?localrtpport=10002", args[len(args)-1])
}

func TestFFmpegArgsNoSSRC(t *testing.T) {
	tr := &ffmpegTransport{cfg: FFmpegConfig{VideoFile: "clip.mp4"}}
	args := tr.args(StreamInfo{RemoteIP: "10.0.0.1", RemotePort: 9000})

	line := strings.Join(args, " ")
	assert.NotContains(t, line, "-ssrc")
	assert.Equal(t, "rtp://10.0.0.1:9000", args[len(args)-1])
}

func TestFFmpegStartMissingVideoFile(t *testing.T) {
	factory := NewFFmpegFactory(FFmpegConfig{VideoFile: "/nonexistent/clip.mp4"})
	tr := factory()

	err := tr.Start(context.Background(), StreamInfo{CallID: "c", RemoteIP: "10.0.0.1", RemotePort: 9000})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.False(t, tr.IsAlive())
}

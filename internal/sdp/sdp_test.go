package sdp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const udpOffer = "v=0\r\n" +
	"o=34020000001320000001 0 0 IN IP4 192.168.1.10\r\n" +
	"s=Play\r\n" +
	"c=IN IP4 192.168.1.10\r\n" +
	"t=0 0\r\n" +
	"m=video 30000 RTP/AVP 96 98 97\r\n" +
	"a=recvonly\r\n" +
	"a=rtpmap:96 PS/90000\r\n" +
	"a=rtpmap:98 H264/90000\r\n" +
	"a=rtpmap:97 MPEG4/90000\r\n" +
	"y=0100000001\r\n"

func TestParseOfferUDP(t *testing.T) {
	offer, err := ParseOffer([]byte(udpOffer))
	require.NoError(t, err)

	assert.Equal(t, "Play", offer.SessionName)
	assert.Equal(t, "34020000001320000001", offer.ChannelID)
	assert.Equal(t, "192.168.1.10", offer.RemoteIP)
	assert.Equal(t, 30000, offer.RemotePort)
	assert.Equal(t, ModeUDP, offer.Transport)
	assert.Equal(t, "0100000001", offer.SSRC)
	assert.False(t, offer.IsPlayback())
}

func TestParseOfferTCP(t *testing.T) {
	offer := "v=0\r\n" +
		"o=34020000001310000002 0 0 IN IP4 10.0.0.5\r\n" +
		"s=Playback\r\n" +
		"u=34020000001310000002:0\r\n" +
		"c=IN IP4 10.0.0.5\r\n" +
		"t=1700000000 1700000600\r\n" +
		"m=video 30200 TCP/RTP/AVP 96\r\n" +
		"a=recvonly\r\n" +
		"a=setup:passive\r\n" +
		"a=rtpmap:96 PS/90000\r\n"

	got, err := ParseOffer([]byte(offer))
	require.NoError(t, err)
	assert.Equal(t, ModeTCPPassive, got.Transport)
	assert.True(t, got.IsPlayback())
	assert.Equal(t, int64(1700000000), got.StartTime)
	assert.Equal(t, int64(1700000600), got.EndTime)
	assert.Empty(t, got.SSRC)
}

func TestParseOfferTCPActive(t *testing.T) {
	offer := strings.Replace(
		strings.Replace(udpOffer, "m=video 30000 RTP/AVP 96 98 97", "m=video 30000 TCP/RTP/AVP 96", 1),
		"a=recvonly", "a=recvonly\r\na=setup:active", 1)

	got, err := ParseOffer([]byte(offer))
	require.NoError(t, err)
	assert.Equal(t, ModeTCPActive, got.Transport)
}

func TestParseOfferErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"no media line", "v=0\r\nc=IN IP4 1.2.3.4\r\ns=Play\r\n"},
		{"no connection", "v=0\r\ns=Play\r\nm=video 30000 RTP/AVP 96\r\n"},
		{"bad media port", "v=0\r\nc=IN IP4 1.2.3.4\r\nm=video huge RTP/AVP 96\r\n"},
		{"bad connection", "v=0\r\nc=IN IP4 not-an-ip\r\nm=video 30000 RTP/AVP 96\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOffer([]byte(tt.body))
			require.Error(t, err)
		})
	}
}

func TestBuildAnswer(t *testing.T) {
	body := BuildAnswer(AnswerParams{
		ChannelID:   "34020000001320000001",
		MediaIP:     "192.168.1.50",
		MediaPort:   10002,
		SessionName: "Play",
		SSRC:        "0100000001",
	})

	s := string(body)
	assert.Contains(t, s, "34020000001320000001")
	assert.Contains(t, s, "192.168.1.50")
	assert.Contains(t, s, "10002")
	assert.Contains(t, s, "sendonly")
	assert.Contains(t, s, "PS/90000")
	assert.Contains(t, s, "H264/90000")
	assert.Contains(t, s, "0100000001")
	assert.NotContains(t, s, "TCP/RTP/AVP")
}

func TestBuildAnswerTCP(t *testing.T) {
	// 平台被动(passive)监听时设备主动连接
	body := BuildAnswer(AnswerParams{
		ChannelID: "34020000001320000001",
		MediaIP:   "192.168.1.50",
		MediaPort: 10004,
		SSRC:      "0000000001",
		Transport: ModeTCPPassive,
	})

	s := string(body)
	assert.Contains(t, s, "TCP/RTP/AVP")
	assert.Contains(t, s, "setup:active")
}

func TestBuildAnswerTCPActiveOffer(t *testing.T) {
	// 平台主动(active)连接时设备应答passive并监听
	body := BuildAnswer(AnswerParams{
		ChannelID: "34020000001320000001",
		MediaIP:   "192.168.1.50",
		MediaPort: 10004,
		SSRC:      "0000000001",
		Transport: ModeTCPActive,
	})

	s := string(body)
	assert.Contains(t, s, "TCP/RTP/AVP")
	assert.Contains(t, s, "setup:passive")
	assert.NotContains(t, s, "setup:active")
}

func TestAnswerEchoesOffer(t *testing.T) {
	offer, err := ParseOffer([]byte(udpOffer))
	require.NoError(t, err)

	body := BuildAnswer(AnswerParams{
		ChannelID:   offer.ChannelID,
		MediaIP:     "192.168.1.50",
		MediaPort:   10000,
		SessionName: offer.SessionName,
		SSRC:        offer.SSRC,
	})
	assert.Contains(t, string(body), "s=Play")
	assert.Contains(t, string(body), offer.SSRC)
}

func TestGenerateSSRC(t *testing.T) {
	live := GenerateSSRC(false)
	pb := GenerateSSRC(true)
	assert.Len(t, live, 10)
	assert.Len(t, pb, 10)
	assert.Equal(t, byte('0'), live[0])
	assert.Equal(t, byte('1'), pb[0])
}

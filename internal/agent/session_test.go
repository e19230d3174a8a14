package agent

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/gbsim/internal/config"
	"firestige.xyz/gbsim/internal/sip"
)

func sdpOffer(channelID, ssrc string) string {
	return fmt.Sprintf("v=0\r\n"+
		"o=%s 0 0 IN IP4 10.0.0.1\r\n"+
		"s=Play\r\n"+
		"c=IN IP4 10.0.0.1\r\n"+
		"t=0 0\r\n"+
		"m=video 30000 RTP/AVP 96 98 97\r\n"+
		"a=recvonly\r\n"+
		"a=rtpmap:96 PS/90000\r\n"+
		"y=%s\r\n", channelID, ssrc)
}

func newInvite(callID, channelID, body string) *sip.Message {
	req := sip.NewRequest(sip.MethodInvite, "sip:"+channelID+"@"+testRealm)
	req.Header.
		Add("Via", "SIP/2.0/UDP 10.0.0.1:5060;branch="+sip.NewBranch()).
		Add("From", fmt.Sprintf("<sip:%s@%s>;tag=ptag1", testServerID, testRealm)).
		Add("To", fmt.Sprintf("<sip:%s@%s>", channelID, testRealm)).
		Add("Call-ID", callID).
		Add("CSeq", "20 INVITE").
		Add("Contact", "<sip:"+testServerID+"@10.0.0.1:5060>").
		Add("Content-Type", "application/sdp")
	req.Body = []byte(body)
	return req
}

func newAck(invite *sip.Message) *sip.Message {
	req := sip.NewRequest(sip.MethodAck, invite.URI)
	req.Header.
		Add("Via", "SIP/2.0/UDP 10.0.0.1:5060;branch="+sip.NewBranch()).
		Add("From", invite.Header.Get("From")).
		Add("To", invite.Header.Get("To")).
		Add("Call-ID", invite.CallID()).
		Add("CSeq", "20 ACK")
	return req
}

// newBye builds an in-dialog BYE; to is the To header the device answered
// with, tag included.
func newBye(callID, to string) *sip.Message {
	req := sip.NewRequest(sip.MethodBye, "sip:"+testDeviceID+"@"+testRealm)
	req.Header.
		Add("Via", "SIP/2.0/UDP 10.0.0.1:5060;branch="+sip.NewBranch()).
		Add("From", fmt.Sprintf("<sip:%s@%s>;tag=ptag1", testServerID, testRealm)).
		Add("To", to).
		Add("Call-ID", callID).
		Add("CSeq", "21 BYE")
	return req
}

func TestSessionFullLifecycle(t *testing.T) {
	h := newTestAgent(t, nil)
	inv := newInvite("call-1", testChannelID, sdpOffer(testChannelID, "0100000123"))

	h.agent.sessions.handleInvite(inv)

	trying := awaitMessage(t, h.conn, 0)
	assert.Equal(t, 100, trying.Status)

	ok := awaitMessage(t, h.conn, 1)
	require.Equal(t, 200, ok.Status)
	assert.Contains(t, ok.Header.Get("To"), ";tag=")
	assert.Equal(t, "application/sdp", ok.Header.Get("Content-Type"))

	answer := string(ok.Body)
	assert.Contains(t, answer, "s=Play")
	assert.Contains(t, answer, fmt.Sprintf("m=video %d", h.rtpPort))
	assert.Contains(t, answer, "y=0100000123", "platform SSRC is echoed")
	assert.Equal(t, 1, h.agent.sessions.count())
	assert.Equal(t, 1, h.ports.Leased())

	h.agent.sessions.handleAck(newAck(inv))

	tr := h.media.last()
	require.NotNil(t, tr)
	started, _, info := tr.snapshot()
	require.True(t, started)
	assert.Equal(t, "call-1", info.CallID)
	assert.Equal(t, "10.0.0.1", info.RemoteIP)
	assert.Equal(t, 30000, info.RemotePort)
	assert.Equal(t, h.rtpPort, info.LocalPort)
	assert.Equal(t, "0100000123", info.SSRC)

	h.agent.sessions.handleBye(newBye("call-1", ok.Header.Get("To")))

	byeOK := awaitMessage(t, h.conn, 2)
	assert.Equal(t, 200, byeOK.Status)

	_, stopped, _ := tr.snapshot()
	assert.True(t, stopped)
	assert.Zero(t, h.agent.sessions.count())
	assert.Zero(t, h.ports.Leased())
}

func TestSessionUnknownChannel(t *testing.T) {
	h := newTestAgent(t, nil)
	inv := newInvite("call-x", "34029999999999999999", sdpOffer("34029999999999999999", ""))

	h.agent.sessions.handleInvite(inv)

	resp := awaitMessage(t, h.conn, 0)
	assert.Equal(t, 404, resp.Status)
	assert.Zero(t, h.ports.Leased())
}

func TestSessionConcurrentInviteRefused(t *testing.T) {
	h := newTestAgent(t, nil)

	h.agent.sessions.handleInvite(newInvite("call-1", testChannelID, sdpOffer(testChannelID, "")))
	awaitMessage(t, h.conn, 0) // 100
	awaitMessage(t, h.conn, 1) // 200

	h.agent.sessions.handleInvite(newInvite("call-2", testChannelID, sdpOffer(testChannelID, "")))

	busy := awaitMessage(t, h.conn, 2)
	assert.Equal(t, 486, busy.Status)
	assert.Equal(t, 1, h.agent.sessions.count())
	assert.Equal(t, 1, h.ports.Leased())
}

func TestSessionConcurrentInviteAllowed(t *testing.T) {
	h := newTestAgent(t, func(c *config.AgentConfig) { c.AllowConcurrentInvite = true })

	h.agent.sessions.handleInvite(newInvite("call-1", testChannelID, sdpOffer(testChannelID, "")))
	awaitMessage(t, h.conn, 0)
	ok1 := awaitMessage(t, h.conn, 1)

	h.agent.sessions.handleInvite(newInvite("call-2", testChannelID, sdpOffer(testChannelID, "")))
	awaitMessage(t, h.conn, 2)
	ok2 := awaitMessage(t, h.conn, 3)

	require.Equal(t, 200, ok1.Status)
	require.Equal(t, 200, ok2.Status)
	assert.Equal(t, 2, h.agent.sessions.count())
	assert.Equal(t, 2, h.ports.Leased())
	// 两路会话各自独享端口
	assert.NotEqual(t, string(ok1.Body), string(ok2.Body))
}

func TestSessionDistinctChannelsStreamConcurrently(t *testing.T) {
	h := newTestAgent(t, nil)
	secondChannel := "34020000001310000002"
	h.agent.device.Channels = append(h.agent.device.Channels,
		config.Channel{ChannelID: secondChannel, Name: "北门"})

	h.agent.sessions.handleInvite(newInvite("call-1", testChannelID, sdpOffer(testChannelID, "")))
	awaitMessage(t, h.conn, 0)
	ok1 := awaitMessage(t, h.conn, 1)

	// 另一路通道不受单路会话限制
	h.agent.sessions.handleInvite(newInvite("call-2", secondChannel, sdpOffer(secondChannel, "")))
	awaitMessage(t, h.conn, 2)
	ok2 := awaitMessage(t, h.conn, 3)

	require.Equal(t, 200, ok1.Status)
	require.Equal(t, 200, ok2.Status)
	assert.Equal(t, 2, h.agent.sessions.count())
	assert.Equal(t, 2, h.ports.Leased())
	assert.NotEqual(t, string(ok1.Body), string(ok2.Body))
}

func TestSessionBadOffer(t *testing.T) {
	h := newTestAgent(t, nil)
	inv := newInvite("call-1", testChannelID, "v=0\r\ns=Play\r\n")

	h.agent.sessions.handleInvite(inv)

	resp := awaitMessage(t, h.conn, 0)
	assert.Equal(t, 488, resp.Status)
	assert.Zero(t, h.ports.Leased())
}

func TestSessionPortExhaustion(t *testing.T) {
	h := newTestAgent(t, func(c *config.AgentConfig) { c.AllowConcurrentInvite = true })

	// 占满整个端口池
	for i := 0; ; i++ {
		if _, err := h.ports.Lease(fmt.Sprintf("hog-%d", i)); err != nil {
			break
		}
	}

	h.agent.sessions.handleInvite(newInvite("call-1", testChannelID, sdpOffer(testChannelID, "")))

	resp := awaitMessage(t, h.conn, 0)
	assert.Equal(t, 503, resp.Status)
	assert.Zero(t, h.agent.sessions.count())
}

func TestSessionAckTimeout(t *testing.T) {
	h := newTestAgent(t, func(c *config.AgentConfig) { c.AckTimeout = 30 * time.Millisecond })

	h.agent.sessions.handleInvite(newInvite("call-1", testChannelID, sdpOffer(testChannelID, "")))
	awaitMessage(t, h.conn, 1) // 200 sent, waiting for ACK

	require.Eventually(t, func() bool {
		return h.agent.sessions.count() == 0
	}, time.Second, 5*time.Millisecond, "session without ACK is abandoned")
	assert.Zero(t, h.ports.Leased(), "abandoned session returns its port")
}

func TestSessionInviteRetransmission(t *testing.T) {
	h := newTestAgent(t, nil)
	inv := newInvite("call-1", testChannelID, sdpOffer(testChannelID, ""))

	h.agent.sessions.handleInvite(inv)
	ok1 := awaitMessage(t, h.conn, 1)

	h.agent.sessions.handleInvite(inv)
	ok2 := awaitMessage(t, h.conn, 2)

	assert.Equal(t, 200, ok2.Status)
	assert.Equal(t, string(ok1.Body), string(ok2.Body), "retransmitted INVITE gets the same answer")
	assert.Equal(t, 1, h.agent.sessions.count())
	assert.Equal(t, 1, h.ports.Leased())
}

func TestSessionByeUnknownDialog(t *testing.T) {
	h := newTestAgent(t, nil)

	h.agent.sessions.handleBye(newBye("no-such-call",
		fmt.Sprintf("<sip:%s@%s>;tag=dtag", testDeviceID, testRealm)))

	resp := awaitMessage(t, h.conn, 0)
	assert.Equal(t, 481, resp.Status)
}

func TestSessionByeForeignTagRejected(t *testing.T) {
	h := newTestAgent(t, nil)

	inv := newInvite("call-1", testChannelID, sdpOffer(testChannelID, ""))
	h.agent.sessions.handleInvite(inv)
	awaitMessage(t, h.conn, 1)
	h.agent.sessions.handleAck(newAck(inv))

	// Call-ID撞上了但to标签不是本对话的
	h.agent.sessions.handleBye(newBye("call-1",
		fmt.Sprintf("<sip:%s@%s>;tag=someone-else", testDeviceID, testRealm)))

	resp := awaitMessage(t, h.conn, 2)
	assert.Equal(t, 481, resp.Status)
	assert.Equal(t, 1, h.agent.sessions.count(), "session survives a foreign-dialog BYE")
	assert.Equal(t, 1, h.ports.Leased())
}

func TestSessionMediaStartFailureSendsBye(t *testing.T) {
	h := newTestAgent(t, nil)
	h.media.nextErr = fmt.Errorf("ffmpeg not found")

	inv := newInvite("call-1", testChannelID, sdpOffer(testChannelID, ""))
	h.agent.sessions.handleInvite(inv)
	awaitMessage(t, h.conn, 1)

	h.agent.sessions.handleAck(newAck(inv))

	bye := awaitMessage(t, h.conn, 2)
	require.Equal(t, sip.MethodBye, bye.Method)
	assert.Equal(t, "call-1", bye.CallID())
	assert.Zero(t, h.agent.sessions.count())
	assert.Zero(t, h.ports.Leased())
}

func TestSessionMediaExitSendsBye(t *testing.T) {
	h := newTestAgent(t, nil)

	inv := newInvite("call-1", testChannelID, sdpOffer(testChannelID, ""))
	h.agent.sessions.handleInvite(inv)
	awaitMessage(t, h.conn, 1)
	h.agent.sessions.handleAck(newAck(inv))

	tr := h.media.last()
	require.NotNil(t, tr)
	// 模拟推流进程意外退出
	tr.Stop()

	bye := awaitMessage(t, h.conn, 2)
	require.Equal(t, sip.MethodBye, bye.Method)
	require.Eventually(t, func() bool {
		return h.agent.sessions.count() == 0
	}, time.Second, 5*time.Millisecond)
}

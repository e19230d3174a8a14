package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"firestige.xyz/gbsim/internal/media"
	"firestige.xyz/gbsim/internal/sdp"
	"firestige.xyz/gbsim/internal/sip"
)

// sessState is the lifecycle of one INVITE dialog.
type sessState int

const (
	sessNegotiating sessState = iota
	sessAwaitingAck
	sessActive
	sessTerminating
	sessClosed
)

func (s sessState) String() string {
	switch s {
	case sessNegotiating:
		return "negotiating"
	case sessAwaitingAck:
		return "awaiting_ack"
	case sessActive:
		return "active"
	case sessTerminating:
		return "terminating"
	case sessClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session is one media dialog: the negotiated stream and its collaborator
// process. Keyed by Call-ID.
type session struct {
	callID    string
	channelID string
	offer     *sdp.Offer
	port      int
	ssrc      string
	toTag     string

	// dialog identity for the BYE we may originate
	remoteFrom string
	localTo    string

	state     sessState
	answer    *sip.Message // resent on INVITE retransmission
	transport media.Transport
	ackTimer  *time.Timer
	cancelFn  context.CancelFunc
}

// sessionManager owns the media sessions of one agent.
type sessionManager struct {
	a       *DeviceAgent
	ports   *media.PortPool
	factory media.Factory

	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionManager(a *DeviceAgent, ports *media.PortPool, factory media.Factory) *sessionManager {
	return &sessionManager{
		a:        a,
		ports:    ports,
		factory:  factory,
		sessions: make(map[string]*session),
	}
}

func (m *sessionManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// handleInvite negotiates one media session: validate the channel, parse the
// offer, lease an RTP port, answer 200 with the SDP answer and wait for ACK.
func (m *sessionManager) handleInvite(req *sip.Message) {
	callID := req.CallID()
	logger := m.a.logger.WithField("call_id", callID)

	m.mu.Lock()
	defer m.mu.Unlock()

	// INVITE重传：直接重发应答
	if s, ok := m.sessions[callID]; ok {
		if s.state == sessAwaitingAck && s.answer != nil {
			m.a.respond(s.answer)
		}
		return
	}

	channelID := sip.URIUser(req.URI)
	if !m.ownsChannel(channelID) {
		logger.WithField("channel", channelID).Warn("invite for unknown channel")
		m.a.respond(sip.NewResponseFromRequest(404, "", req))
		return
	}

	// 同一通道同时只允许一路会话，不同通道互不影响
	if !m.a.cfg.AllowConcurrentInvite && m.channelBusy(channelID) {
		logger.WithField("channel", channelID).Debug("channel already streaming, invite refused")
		m.a.respond(sip.NewResponseFromRequest(486, "", req))
		return
	}

	offer, err := sdp.ParseOffer(req.Body)
	if err != nil {
		logger.WithError(err).Warn("unacceptable sdp offer")
		m.a.respond(sip.NewResponseFromRequest(488, "", req))
		return
	}

	port, err := m.ports.Lease(callID)
	if err != nil {
		logger.WithError(err).Warn("no rtp port available")
		m.a.respond(sip.NewResponseFromRequest(503, "", req))
		return
	}

	m.a.respond(sip.NewResponseFromRequest(100, "", req))

	ssrc := offer.SSRC
	if ssrc == "" {
		ssrc = sdp.GenerateSSRC(offer.IsPlayback())
	}

	s := &session{
		callID:     callID,
		channelID:  channelID,
		offer:      offer,
		port:       port,
		ssrc:       ssrc,
		toTag:      sip.NewTag(),
		remoteFrom: req.Header.Get("From"),
		state:      sessAwaitingAck,
	}
	s.localTo = fmt.Sprintf("%s;tag=%s", req.Header.Get("To"), s.toTag)

	answer := sip.NewResponseFromRequest(200, "", req)
	answer.Header.Set("To", s.localTo)
	answer.Header.Add("Contact", fmt.Sprintf("<%s>", m.a.contactURI()))
	answer.Header.Add("Content-Type", "application/sdp")
	answer.Body = sdp.BuildAnswer(sdp.AnswerParams{
		ChannelID:   channelID,
		MediaIP:     m.a.conn.LocalIP(),
		MediaPort:   port,
		SessionName: offer.SessionName,
		SSRC:        ssrc,
		Transport:   offer.Transport,
	})
	s.answer = answer

	// ACK没来就当协商失败，回收端口
	s.ackTimer = time.AfterFunc(m.a.cfg.AckTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.sessions[callID]; ok && cur == s && s.state == sessAwaitingAck {
			logger.Warn("no ACK within timeout, abandoning session")
			m.teardownLocked(s)
		}
	})

	m.sessions[callID] = s
	m.a.respond(answer)
	logger.WithField("channel", channelID).
		Infof("session negotiated, %s to %s:%d port %d ssrc %s",
			offer.SessionName, offer.RemoteIP, offer.RemotePort, port, ssrc)
}

// handleAck confirms the dialog and launches the media stream.
func (m *sessionManager) handleAck(req *sip.Message) {
	callID := req.CallID()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[callID]
	if !ok || s.state != sessAwaitingAck {
		return
	}
	if tag := req.ToTag(); tag != "" && tag != s.toTag {
		m.a.logger.WithField("call_id", callID).Debug("ACK carries a foreign dialog tag, ignored")
		return
	}
	s.ackTimer.Stop()
	s.state = sessActive

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFn = cancel
	s.transport = m.factory()

	err := s.transport.Start(ctx, media.StreamInfo{
		CallID:     callID,
		ChannelID:  s.channelID,
		LocalPort:  s.port,
		RemoteIP:   s.offer.RemoteIP,
		RemotePort: s.offer.RemotePort,
		TCP:        s.offer.Transport != sdp.ModeUDP,
		SSRC:       s.ssrc,
	})
	if err != nil {
		m.a.logger.WithError(err).WithField("call_id", callID).Error("media start failed")
		m.sendBye(s)
		m.teardownLocked(s)
		return
	}

	// 推流进程意外退出时挂断会话
	tr := s.transport
	go func() {
		<-tr.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.sessions[callID]; ok && cur == s && s.state == sessActive {
			m.a.logger.WithField("call_id", callID).
				WithError(tr.Err()).Warn("media stream ended, hanging up")
			m.sendBye(s)
			m.teardownLocked(s)
		}
	}()
}

// handleBye hangs up on platform request. Unknown dialogs get 481.
func (m *sessionManager) handleBye(req *sip.Message) {
	callID := req.CallID()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[callID]
	if !ok {
		m.a.respond(sip.NewResponseFromRequest(481, "", req))
		return
	}
	if tag := req.ToTag(); tag != "" && tag != s.toTag {
		// Call-ID相同但标签不属于本对话
		m.a.respond(sip.NewResponseFromRequest(481, "", req))
		return
	}
	m.a.respond(sip.NewResponseFromRequest(200, "", req))
	m.a.logger.WithField("call_id", callID).Info("session closed by platform")
	m.teardownLocked(s)
}

// closeAll tears down every session on agent shutdown.
func (m *sessionManager) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.state == sessActive {
			m.sendBye(s)
		}
		m.teardownLocked(s)
	}
}

// teardownLocked stops the stream, releases the port and forgets the
// session. Callers hold m.mu. Idempotent.
func (m *sessionManager) teardownLocked(s *session) {
	if s.state == sessClosed {
		return
	}
	s.state = sessTerminating
	if s.ackTimer != nil {
		s.ackTimer.Stop()
	}
	if s.transport != nil {
		if err := s.transport.Stop(); err != nil {
			m.a.logger.WithError(err).WithField("call_id", s.callID).Warn("stopping media stream")
		}
	}
	if s.cancelFn != nil {
		s.cancelFn()
	}
	m.ports.Release(s.port)
	s.state = sessClosed
	delete(m.sessions, s.callID)
}

// sendBye originates an in-dialog BYE. Fire and forget, the transaction
// layer retransmits; failures only get logged.
func (m *sessionManager) sendBye(s *session) {
	req := sip.NewRequest(sip.MethodBye, m.a.serverURI())
	req.Header.
		Add("Via", m.a.viaValue()).
		Add("From", s.localTo).
		Add("To", s.remoteFrom).
		Add("Call-ID", s.callID).
		Add("CSeq", fmt.Sprintf("%d %s", m.a.nextCSeq(), sip.MethodBye)).
		Add("Max-Forwards", "70").
		Add("User-Agent", userAgent)

	p, err := m.a.txn.Send(req)
	if err != nil {
		m.a.logger.WithError(err).WithField("call_id", s.callID).Warn("sending BYE")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.a.cfg.TransactionTimeout)
		defer cancel()
		if _, err := p.Wait(ctx); err != nil {
			m.a.logger.WithError(err).WithField("call_id", s.callID).Debug("BYE not confirmed")
		}
	}()
}

// channelBusy reports whether some live session already streams the channel.
// Callers hold m.mu.
func (m *sessionManager) channelBusy(channelID string) bool {
	for _, s := range m.sessions {
		if s.channelID == channelID {
			return true
		}
	}
	return false
}

// ownsChannel reports whether the request URI user is one of this device's
// channels (or the device itself).
func (m *sessionManager) ownsChannel(id string) bool {
	if id == m.a.device.DeviceID {
		return true
	}
	for _, ch := range m.a.device.Channels {
		if ch.ChannelID == id {
			return true
		}
	}
	return false
}

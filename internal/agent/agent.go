package agent

import (
	"context"
	"fmt"
	"sync/atomic"

	"firestige.xyz/gbsim/internal/config"
	"firestige.xyz/gbsim/internal/log"
	"firestige.xyz/gbsim/internal/media"
	"firestige.xyz/gbsim/internal/sip"
	"firestige.xyz/gbsim/internal/transaction"
)

const userAgent = "gbsim/0.1"

// DeviceAgent is one simulated camera: its SIP endpoint, registration and
// keepalive machinery, command dispatch, and media sessions.
type DeviceAgent struct {
	device config.Device
	cfg    config.AgentConfig
	server config.ServerConfig

	conn Conn
	txn  *transaction.Manager

	reg      *registrar
	disp     *dispatcher
	sessions *sessionManager

	fromTag string
	cseq    atomic.Uint32
	sn      atomic.Int32 // MANSCDP SN counter

	logger log.Logger
}

func newDeviceAgent(dev config.Device, acfg config.AgentConfig, scfg config.ServerConfig,
	ports *media.PortPool, factory media.Factory) *DeviceAgent {

	a := &DeviceAgent{
		device:  dev,
		cfg:     acfg,
		server:  scfg,
		fromTag: sip.NewTag(),
		logger:  log.GetLogger().WithField("device", dev.DeviceID),
	}
	a.reg = newRegistrar(a)
	a.disp = newDispatcher(a)
	a.sessions = newSessionManager(a, ports, factory)
	return a
}

// DeviceID returns the simulated camera's GB ID.
func (a *DeviceAgent) DeviceID() string { return a.device.DeviceID }

// Start opens the SIP transport and begins the registration loop.
func (a *DeviceAgent) Start() error {
	serverAddr := fmt.Sprintf("%s:%d", a.server.IP, a.server.Port)

	var (
		conn Conn
		err  error
	)
	if a.server.Transport == "tcp" {
		conn, err = newTCPConn(a.cfg.LocalIP, serverAddr, a.onData)
	} else {
		conn, err = newUDPConn(a.cfg.LocalIP, a.cfg.LocalPortStart, serverAddr, a.onData)
	}
	if err != nil {
		return fmt.Errorf("device %s: open transport: %w", a.device.DeviceID, err)
	}
	a.conn = conn

	a.txn = transaction.NewManager(conn, transaction.Options{
		Timeout:  a.cfg.TransactionTimeout,
		Reliable: a.server.Transport == "tcp",
	})

	a.logger.Infof("agent started on %s:%d (%s)", conn.LocalIP(), conn.LocalPort(), conn.Proto())
	a.reg.start()
	return nil
}

// Stop unwinds the agent: registration loop (with optional unregister),
// media sessions and their port leases, in-flight transactions, then the
// socket, in that order.
func (a *DeviceAgent) Stop(ctx context.Context) {
	a.reg.stop(ctx)
	a.sessions.closeAll()
	a.txn.CancelAll()
	if err := a.conn.Close(); err != nil {
		a.logger.WithError(err).Warn("closing transport")
	}
	a.logger.Info("agent stopped")
}

// RegistrationState exposes the registrar state for status reporting.
func (a *DeviceAgent) RegistrationState() RegState { return a.reg.currentState() }

// ActiveSessions returns the number of live media sessions.
func (a *DeviceAgent) ActiveSessions() int { return a.sessions.count() }

// onData handles one inbound datagram or stream message.
func (a *DeviceAgent) onData(data []byte) {
	msg, err := sip.Parse(data)
	if err != nil {
		// 畸形报文只记录，不影响agent
		a.logger.WithError(err).Debug("dropping malformed message")
		return
	}

	if msg.IsResponse() {
		if !a.txn.HandleResponse(msg) {
			a.logger.WithField("status", fmt.Sprint(msg.Status)).
				WithField("call_id", msg.CallID()).
				Debug("response matches no transaction, dropped")
		}
		return
	}

	switch msg.Method {
	case sip.MethodMessage:
		a.disp.handle(msg)
	case sip.MethodInvite:
		a.sessions.handleInvite(msg)
	case sip.MethodAck:
		a.sessions.handleAck(msg)
	case sip.MethodBye:
		a.sessions.handleBye(msg)
	case sip.MethodOptions:
		a.respond(sip.NewResponseFromRequest(200, "", msg))
	default:
		a.logger.WithField("method", msg.Method).Debug("unsupported method")
		a.respond(sip.NewResponseFromRequest(501, "", msg))
	}
}

// respond sends a response outside any client transaction.
func (a *DeviceAgent) respond(resp *sip.Message) {
	if err := a.conn.Send(resp.Encode()); err != nil {
		a.logger.WithError(err).Warn("sending response")
	}
}

func (a *DeviceAgent) nextCSeq() uint32 { return a.cseq.Add(1) }
func (a *DeviceAgent) nextSN() int      { return int(a.sn.Add(1)) }

// serverURI is the request URI for out-of-dialog requests to the platform.
func (a *DeviceAgent) serverURI() string {
	return fmt.Sprintf("sip:%s:%d", a.server.IP, a.server.Port)
}

func (a *DeviceAgent) deviceURI() string {
	return fmt.Sprintf("sip:%s@%s", a.device.SIPUser, a.server.Domain)
}

func (a *DeviceAgent) platformURI() string {
	return fmt.Sprintf("sip:%s@%s", a.server.ID, a.server.Domain)
}

func (a *DeviceAgent) contactURI() string {
	return fmt.Sprintf("sip:%s@%s:%d", a.device.SIPUser, a.conn.LocalIP(), a.conn.LocalPort())
}

func (a *DeviceAgent) viaValue() string {
	return fmt.Sprintf("SIP/2.0/%s %s:%d;rport;branch=%s",
		a.conn.Proto(), a.conn.LocalIP(), a.conn.LocalPort(), sip.NewBranch())
}

// newRegister builds a REGISTER with the given Expires. From and To both
// carry the device AOR.
func (a *DeviceAgent) newRegister(expires int) *sip.Message {
	req := sip.NewRequest(sip.MethodRegister, a.serverURI())
	req.Header.
		Add("Via", a.viaValue()).
		Add("From", fmt.Sprintf("<%s>;tag=%s", a.deviceURI(), a.fromTag)).
		Add("To", fmt.Sprintf("<%s>", a.deviceURI())).
		Add("Call-ID", a.reg.callID).
		Add("CSeq", fmt.Sprintf("%d %s", a.nextCSeq(), sip.MethodRegister)).
		Add("Contact", fmt.Sprintf("<%s>", a.contactURI())).
		Add("Max-Forwards", "70").
		Add("User-Agent", userAgent).
		Add("Expires", fmt.Sprint(expires))
	return req
}

// newMessage builds a MESSAGE carrying a MANSCDP document to the platform.
func (a *DeviceAgent) newMessage(body []byte) *sip.Message {
	req := sip.NewRequest(sip.MethodMessage, a.serverURI())
	req.Header.
		Add("Via", a.viaValue()).
		Add("From", fmt.Sprintf("<%s>;tag=%s", a.deviceURI(), a.fromTag)).
		Add("To", fmt.Sprintf("<%s>", a.platformURI())).
		Add("Call-ID", sip.NewCallID(a.conn.LocalIP())).
		Add("CSeq", fmt.Sprintf("%d %s", a.nextCSeq(), sip.MethodMessage)).
		Add("Max-Forwards", "70").
		Add("User-Agent", userAgent).
		Add("Content-Type", "Application/MANSCDP+xml")
	req.Body = body
	return req
}

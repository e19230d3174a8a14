// Package agent implements the per-device GB28181 engine: SIP transport,
// registration and keepalive state machines, command dispatch, and media
// session lifecycle. One DeviceAgent is one simulated camera.
package agent

import (
	"fmt"
	"net"
	"sync"

	"firestige.xyz/gbsim/internal/log"
	"firestige.xyz/gbsim/internal/sip"
)

// bindSearchRange limits how far above the preferred port the bind search goes.
const bindSearchRange = 100

// Conn is one agent's SIP transport endpoint. Inbound messages are delivered
// to the handler passed at construction, one complete message per call.
type Conn interface {
	Send(data []byte) error
	LocalIP() string
	LocalPort() int
	Proto() string // "UDP" or "TCP" for Via headers
	Close() error
}

// ─── UDP ───

type udpConn struct {
	sock   *net.UDPConn
	remote *net.UDPAddr
	ip     string
	port   int

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// newUDPConn binds a local socket, searching upwards from preferredPort when
// ports are taken (several agents share one host).
func newUDPConn(localIP string, preferredPort int, serverAddr string, handler func([]byte)) (*udpConn, error) {
	remote, err := net.ResolveUDPAddr("udp4", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve server address %s: %w", serverAddr, err)
	}

	var sock *net.UDPConn
	port := 0
	for candidate := preferredPort; candidate < preferredPort+bindSearchRange; candidate++ {
		sock, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(localIP), Port: candidate})
		if err == nil {
			port = candidate
			break
		}
	}
	if sock == nil {
		return nil, fmt.Errorf("no free port in [%d, %d): %w",
			preferredPort, preferredPort+bindSearchRange, err)
	}

	c := &udpConn{sock: sock, remote: remote, ip: localIP, port: port}
	c.wg.Add(1)
	go c.readLoop(handler)
	return c, nil
}

func (c *udpConn) readLoop(handler func([]byte)) {
	defer c.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, _, err := c.sock.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		handler(data)
	}
}

func (c *udpConn) Send(data []byte) error {
	_, err := c.sock.WriteToUDP(data, c.remote)
	return err
}

func (c *udpConn) LocalIP() string { return c.ip }
func (c *udpConn) LocalPort() int  { return c.port }
func (c *udpConn) Proto() string   { return "UDP" }

func (c *udpConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.sock.Close()
		c.wg.Wait()
	})
	return err
}

// ─── TCP ───

type tcpConn struct {
	conn net.Conn
	ip   string
	port int

	sendMu    sync.Mutex
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// newTCPConn dials the platform and extracts messages from the byte stream
// using the double-CRLF plus Content-Length framing.
func newTCPConn(localIP string, serverAddr string, handler func([]byte)) (*tcpConn, error) {
	laddr := &net.TCPAddr{IP: net.ParseIP(localIP)}
	raddr, err := net.ResolveTCPAddr("tcp4", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve server address %s: %w", serverAddr, err)
	}
	conn, err := net.DialTCP("tcp4", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", serverAddr, err)
	}

	local := conn.LocalAddr().(*net.TCPAddr)
	c := &tcpConn{conn: conn, ip: local.IP.String(), port: local.Port}
	c.wg.Add(1)
	go c.readLoop(handler)
	return c, nil
}

func (c *tcpConn) readLoop(handler func([]byte)) {
	defer c.wg.Done()
	var pending []byte
	buf := make([]byte, 65536)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return
		}
		pending = append(pending, buf[:n]...)
		for {
			msg, consumed, err := sip.ExtractStream(pending)
			if err != nil {
				// 流已经不同步，只能丢弃缓冲重新开始
				log.GetLogger().WithError(err).Warn("tcp stream desynchronized, dropping buffer")
				pending = pending[:0]
				break
			}
			if msg == nil {
				break
			}
			pending = pending[consumed:]
			handler(msg)
		}
	}
}

func (c *tcpConn) Send(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, err := c.conn.Write(data)
	return err
}

func (c *tcpConn) LocalIP() string { return c.ip }
func (c *tcpConn) LocalPort() int  { return c.port }
func (c *tcpConn) Proto() string   { return "TCP" }

func (c *tcpConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}

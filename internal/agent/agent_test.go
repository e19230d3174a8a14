package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"firestige.xyz/gbsim/internal/config"
	"firestige.xyz/gbsim/internal/media"
	"firestige.xyz/gbsim/internal/sip"
	"firestige.xyz/gbsim/internal/transaction"
)

// ─── fixtures ───

const (
	testDeviceID  = "34020000001320000001"
	testChannelID = "34020000001310000001"
	testServerID  = "34020000002000000001"
	testRealm     = "3402000000"
	testPassword  = "12345678"
)

func testDevice() config.Device {
	return config.Device{
		DeviceID:     testDeviceID,
		Name:         "模拟摄像机-1",
		Manufacturer: "GBSim",
		Model:        "GB-1000",
		Firmware:     "1.0.0",
		SIPUser:      testDeviceID,
		SIPPassword:  testPassword,
		Channels:     []config.Channel{{ChannelID: testChannelID, Name: "南门"}},
	}
}

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		LocalIP:              "192.168.1.50",
		LocalPortStart:       5070,
		RegisterExpires:      3600,
		RefreshAhead:         60,
		KeepaliveInterval:    time.Hour, // tests trigger keepalive by hand
		TransactionTimeout:   500 * time.Millisecond,
		MaxRegisterFailures:  3,
		MaxKeepaliveFailures: 3,
		FailureBackoff:       50 * time.Millisecond,
		AckTimeout:           40 * time.Millisecond,
	}
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		IP:        "10.0.0.1",
		Port:      5060,
		ID:        testServerID,
		Domain:    testRealm,
		Transport: "udp",
	}
}

// ─── fake SIP transport ───

// fakeConn records everything the agent sends. Inbound traffic is injected
// by tests calling the agent's handlers directly.
type fakeConn struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.sent = append(c.sent, buf)
	return nil
}

func (c *fakeConn) LocalIP() string { return "192.168.1.50" }
func (c *fakeConn) LocalPort() int  { return 5070 }
func (c *fakeConn) Proto() string   { return "UDP" }
func (c *fakeConn) Close() error    { return nil }

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) message(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[i]
}

// awaitMessage waits for the i-th sent message and parses it.
func awaitMessage(t *testing.T, c *fakeConn, i int) *sip.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.count() <= i {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for message %d, got %d", i, c.count())
		}
		time.Sleep(time.Millisecond)
	}
	msg, err := sip.Parse(c.message(i))
	require.NoError(t, err)
	return msg
}

// ─── fake media transport ───

type fakeMediaTransport struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	startErr error
	info     media.StreamInfo
	done     chan struct{}
}

func (f *fakeMediaTransport) Start(_ context.Context, info media.StreamInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	f.info = info
	return nil
}

func (f *fakeMediaTransport) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.done)
	}
	return nil
}

func (f *fakeMediaTransport) IsAlive() bool {
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

func (f *fakeMediaTransport) Done() <-chan struct{} { return f.done }
func (f *fakeMediaTransport) Err() error            { return nil }

func (f *fakeMediaTransport) snapshot() (started, stopped bool, info media.StreamInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped, f.info
}

// fakeMediaFactory hands out fake transports and remembers them.
type fakeMediaFactory struct {
	mu      sync.Mutex
	created []*fakeMediaTransport
	nextErr error
}

func (f *fakeMediaFactory) factory() media.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := &fakeMediaTransport{startErr: f.nextErr, done: make(chan struct{})}
	f.created = append(f.created, tr)
	return tr
}

func (f *fakeMediaFactory) last() *fakeMediaTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// ─── agent under test ───

type testHarness struct {
	agent   *DeviceAgent
	conn    *fakeConn
	media   *fakeMediaFactory
	ports   *media.PortPool
	rtpPort int // first port of the pool range
}

func newTestAgent(t *testing.T, mutate func(*config.AgentConfig)) *testHarness {
	t.Helper()

	acfg := testAgentConfig()
	if mutate != nil {
		mutate(&acfg)
	}
	ports, err := media.NewPortPool(20000, 20019)
	require.NoError(t, err)

	mf := &fakeMediaFactory{}
	a := newDeviceAgent(testDevice(), acfg, testServerConfig(), ports, mf.factory)

	fc := &fakeConn{}
	a.conn = fc
	// Reliable skips retransmission so the fake conn sees each request once.
	a.txn = transaction.NewManager(fc, transaction.Options{
		Timeout:  acfg.TransactionTimeout,
		Reliable: true,
	})
	t.Cleanup(a.txn.CancelAll)

	return &testHarness{agent: a, conn: fc, media: mf, ports: ports, rtpPort: 20000}
}

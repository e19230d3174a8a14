package transaction

import (
	"sync"
	"time"

	"firestige.xyz/gbsim/internal/log"
	"firestige.xyz/gbsim/internal/sip"
)

// Transport sends one encoded message towards the platform.
type Transport interface {
	Send(data []byte) error
}

// Options tunes the transaction timers. Zero values fall back to RFC defaults.
type Options struct {
	Timeout time.Duration // total lifetime (Timer B), default 64×T1
	T1      time.Duration // initial retransmit interval
	T2      time.Duration // retransmit interval cap
	// Reliable disables retransmission (stream transports handle delivery).
	Reliable bool
}

// Manager owns the in-flight client transactions of one agent.
type Manager struct {
	transport Transport
	opts      Options

	store  *sync.Map // Key -> *Pending
	recent *sync.Map // Key -> time.Time, completed transactions (duplicate absorber)
}

func NewManager(tp Transport, opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = TimerB
	}
	if opts.T1 <= 0 {
		opts.T1 = T1
	}
	if opts.T2 <= 0 {
		opts.T2 = T2
	}
	return &Manager{
		transport: tp,
		opts:      opts,
		store:     &sync.Map{},
		recent:    &sync.Map{},
	}
}

// Send transmits the request and tracks it until a final response, timeout,
// or cancel. The first transmission happens before Send returns. The entry
// is stored before the wire write so a response racing the transmit (or
// delivered synchronously by the transport) still matches.
func (m *Manager) Send(req *sip.Message) (*Pending, error) {
	key := KeyOf(req)
	p := newPending(key, req)

	m.store.Store(key, p)
	if err := m.transport.Send(req.Encode()); err != nil {
		m.store.Delete(key)
		return nil, err
	}
	go m.supervise(p)
	return p, nil
}

// supervise retransmits with exponential backoff capped at T2 until a final
// response arrives or the Timer B budget runs out.
func (m *Manager) supervise(p *Pending) {
	deadline := time.NewTimer(m.opts.Timeout)
	defer deadline.Stop()

	interval := m.opts.T1
	var retransmit <-chan time.Time
	if !m.opts.Reliable {
		t := time.NewTimer(interval)
		defer t.Stop()
		retransmit = t.C

		for {
			select {
			case <-p.cancel:
				return
			case <-deadline.C:
				m.timeout(p)
				return
			case <-retransmit:
				select {
				case <-p.provisional:
					// 收到1xx后重传间隔固定为T2
					interval = m.opts.T2
				default:
					interval *= 2
					if interval > m.opts.T2 {
						interval = m.opts.T2
					}
				}
				if err := m.transport.Send(p.req.Encode()); err != nil {
					log.GetLogger().WithError(err).
						WithField("call_id", p.key.CallID).
						Warn("retransmit failed")
				}
				t.Reset(interval)
			}
		}
	}

	select {
	case <-p.cancel:
	case <-deadline.C:
		m.timeout(p)
	}
}

func (m *Manager) timeout(p *Pending) {
	m.store.Delete(p.key)
	p.complete(nil, ErrTimeout)
	log.GetLogger().
		WithField("call_id", p.key.CallID).
		WithField("cseq", p.key.CSeq).
		Debug("transaction timed out")
}

// HandleResponse routes an inbound response to its transaction.
// Returns false for responses matching nothing — the caller logs those as
// protocol anomalies. Retransmitted final responses of already completed
// transactions are absorbed silently (returns true).
func (m *Manager) HandleResponse(resp *sip.Message) bool {
	key := KeyOf(resp)
	v, ok := m.store.Load(key)
	if !ok {
		if _, dup := m.recent.Load(key); dup {
			return true
		}
		return false
	}
	p := v.(*Pending)

	if resp.Status < 200 {
		p.sawProvisional()
		return true
	}

	m.store.Delete(key)
	m.recent.Store(key, time.Now())
	m.pruneRecent()
	p.complete(resp, nil)
	return true
}

// CancelAll aborts every in-flight transaction (agent shutdown).
func (m *Manager) CancelAll() {
	m.store.Range(func(k, v interface{}) bool {
		m.store.Delete(k)
		v.(*Pending).complete(nil, ErrCanceled)
		return true
	})
}

// Count returns the number of in-flight transactions.
func (m *Manager) Count() int {
	n := 0
	m.store.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// pruneRecent drops completed-transaction records older than the duplicate
// absorption window (32s, the classic Timer D/J horizon).
func (m *Manager) pruneRecent() {
	horizon := time.Now().Add(-32 * time.Second)
	m.recent.Range(func(k, v interface{}) bool {
		if v.(time.Time).Before(horizon) {
			m.recent.Delete(k)
		}
		return true
	})
}

// Package transaction implements the client transaction layer: request
// retransmission over unreliable transport, response matching, and timeout
// surfacing (RFC 3261 §17.1, non-INVITE timers E/F semantics).
package transaction

import (
	"context"
	"errors"
	"sync"
	"time"

	"firestige.xyz/gbsim/internal/sip"
)

// ​RFC 3261 基准定时器
const (
	// T1 初始重传间隔
	T1 = 500 * time.Millisecond
	// T2 最大重传间隔（指数退避上限）
	T2 = 4 * time.Second
	// TimerB 事务总生存时间（64 × T1）
	TimerB = 64 * T1
)

// ErrTimeout is the terminal error of a transaction that never saw a final
// response within its lifetime budget.
var ErrTimeout = errors.New("transaction timeout")

// ErrCanceled is the terminal error of transactions cut short by agent stop.
var ErrCanceled = errors.New("transaction canceled")

// Key identifies a transaction: Call-ID + top Via branch + CSeq line.
type Key struct {
	CallID string
	Branch string
	CSeq   string
}

// KeyOf derives the transaction key from a request or response.
func KeyOf(msg *sip.Message) Key {
	return Key{
		CallID: msg.CallID(),
		Branch: msg.ViaBranch(),
		CSeq:   msg.Header.Get("CSeq"),
	}
}

// Pending is one in-flight client transaction.
type Pending struct {
	key Key
	req *sip.Message

	done   chan struct{}
	cancel chan struct{}
	once   sync.Once

	resp *sip.Message
	err  error

	// provisional closes once on the first 1xx; retransmission slows down
	// to the T2 interval afterwards.
	provisionalOnce sync.Once
	provisional     chan struct{}
}

func newPending(key Key, req *sip.Message) *Pending {
	return &Pending{
		key:         key,
		req:         req,
		done:        make(chan struct{}),
		cancel:      make(chan struct{}),
		provisional: make(chan struct{}),
	}
}

// Request returns the request this transaction carries.
func (p *Pending) Request() *sip.Message { return p.req }

// Key returns the transaction key.
func (p *Pending) Key() Key { return p.key }

// Done returns a channel closed when a final response or error arrives.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the transaction completes or ctx is done.
func (p *Pending) Wait(ctx context.Context) (*sip.Message, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Response returns the final response after Done is closed.
func (p *Pending) Response() (*sip.Message, error) { return p.resp, p.err }

func (p *Pending) complete(resp *sip.Message, err error) {
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		close(p.cancel)
		close(p.done)
	})
}

func (p *Pending) sawProvisional() {
	p.provisionalOnce.Do(func() {
		close(p.provisional)
	})
}

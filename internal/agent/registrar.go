package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/gbsim/internal/manscdp"
	"firestige.xyz/gbsim/internal/sip"
)

// RegState is the registration lifecycle state of one device.
type RegState int32

const (
	StateUnregistered RegState = iota
	StateAwaitingChallenge
	StateChallenged
	StateAwaitingConfirm
	StateRegistered
	StateExpiring
	StateFailed
)

func (s RegState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateAwaitingChallenge:
		return "awaiting_challenge"
	case StateChallenged:
		return "challenged"
	case StateAwaitingConfirm:
		return "awaiting_confirm"
	case StateRegistered:
		return "registered"
	case StateExpiring:
		return "expiring"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// retryDelay spaces non-terminal registration retries.
const retryDelay = 2 * time.Second

// registrar drives the REGISTER handshake, periodic refresh and keepalive
// for one device. All REGISTER requests of one binding share the Call-ID.
type registrar struct {
	a *DeviceAgent

	callID string
	state  atomic.Int32

	ctx      context.Context
	cancelFn context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newRegistrar(a *DeviceAgent) *registrar {
	ctx, cancel := context.WithCancel(context.Background())
	return &registrar{a: a, ctx: ctx, cancelFn: cancel}
}

func (r *registrar) currentState() RegState { return RegState(r.state.Load()) }
func (r *registrar) setState(s RegState)    { r.state.Store(int32(s)) }

func (r *registrar) start() {
	r.callID = sip.NewCallID(r.a.conn.LocalIP())
	r.wg.Add(1)
	go r.run()
}

// stop halts the loop, then tears the binding down with an Expires:0
// REGISTER when configured to. ctx bounds the unregister handshake.
func (r *registrar) stop(ctx context.Context) {
	r.stopOnce.Do(r.cancelFn)
	r.wg.Wait()

	if r.a.cfg.UnregisterOnStop {
		if s := r.currentState(); s == StateRegistered || s == StateExpiring {
			if _, err := r.registerCycle(ctx, 0); err != nil {
				r.a.logger.WithError(err).Warn("unregister failed")
			} else {
				r.a.logger.Info("unregistered")
			}
		}
	}
	r.setState(StateUnregistered)
}

// run is the registration loop: register, then maintain the binding until
// it is lost, then register again. K consecutive failures park the agent
// in Failed for the configured backoff before trying over.
func (r *registrar) run() {
	defer r.wg.Done()

	failures := 0
	for {
		if r.ctx.Err() != nil {
			return
		}

		granted, err := r.registerCycle(r.ctx, r.a.cfg.RegisterExpires)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			failures++
			r.a.logger.WithError(err).Warnf("registration attempt %d failed", failures)
			if failures >= r.a.cfg.MaxRegisterFailures {
				r.setState(StateFailed)
				r.a.logger.Errorf("registration failed %d times, backing off %s",
					failures, r.a.cfg.FailureBackoff)
				failures = 0
				if !r.sleep(r.a.cfg.FailureBackoff) {
					return
				}
			} else if !r.sleep(retryDelay) {
				return
			}
			continue
		}

		failures = 0
		r.setState(StateRegistered)
		r.a.logger.Info("registered")

		if !r.maintain(granted) {
			return
		}
		// 注册状态丢失，重新走注册流程
	}
}

// registerCycle runs one full REGISTER handshake: plain request, digest
// challenge, authorized request. A 200 on the first request (platform with
// auth disabled) short-circuits. Returns the binding lifetime the platform
// granted, which may be shorter than the one requested.
func (r *registrar) registerCycle(parent context.Context, expires int) (int, error) {
	ctx, cancel := context.WithTimeout(parent, r.a.cfg.TransactionTimeout)
	defer cancel()

	r.setState(StateAwaitingChallenge)
	resp, err := r.send(ctx, r.a.newRegister(expires))
	if err != nil {
		return 0, err
	}

	switch {
	case resp.Status == 200:
		return grantedExpires(resp, expires), nil
	case resp.Status != 401:
		return 0, fmt.Errorf("unexpected %d %s to REGISTER", resp.Status, resp.Reason)
	}

	challenge, err := sip.ParseChallenge(resp.Header.Get("WWW-Authenticate"))
	if err != nil {
		return 0, err
	}
	r.setState(StateChallenged)

	auth := r.a.newRegister(expires)
	auth.Header.Add("Authorization", challenge.Authorization(
		r.a.device.SIPUser, r.a.device.SIPPassword, sip.MethodRegister, r.a.serverURI()))

	r.setState(StateAwaitingConfirm)
	resp, err = r.send(ctx, auth)
	if err != nil {
		return 0, err
	}

	switch resp.Status {
	case 200:
		return grantedExpires(resp, expires), nil
	case 401, 403:
		return 0, fmt.Errorf("%w: platform rejected credentials with %d %s",
			sip.ErrAuthentication, resp.Status, resp.Reason)
	default:
		return 0, fmt.Errorf("unexpected %d %s to authorized REGISTER", resp.Status, resp.Reason)
	}
}

// grantedExpires reads the binding lifetime out of a 200, falling back to
// the requested value when the platform echoes nothing usable.
func grantedExpires(resp *sip.Message, requested int) int {
	if v := resp.Header.Get("Expires"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	return requested
}

// maintain keeps a live binding healthy: keepalive MESSAGEs on the interval
// and a refresh REGISTER ahead of expiry. granted is the lifetime the
// platform confirmed for the current binding. Returns false when stopping,
// true when the binding is lost and run should re-register from scratch.
func (r *registrar) maintain(granted int) bool {
	keepalive := time.NewTicker(r.a.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	refresh := time.NewTimer(r.refreshInterval(granted))
	defer refresh.Stop()

	kaFailures := 0
	for {
		select {
		case <-r.ctx.Done():
			return false

		case <-refresh.C:
			r.setState(StateExpiring)
			granted, err := r.registerCycle(r.ctx, r.a.cfg.RegisterExpires)
			if err != nil {
				r.a.logger.WithError(err).Warn("registration refresh failed")
				r.setState(StateUnregistered)
				return true
			}
			r.setState(StateRegistered)
			r.a.logger.Debug("registration refreshed")
			refresh.Reset(r.refreshInterval(granted))

		case <-keepalive.C:
			if err := r.sendKeepalive(); err != nil {
				kaFailures++
				r.a.logger.WithError(err).
					Warnf("keepalive failed (%d/%d)", kaFailures, r.a.cfg.MaxKeepaliveFailures)
				if kaFailures >= r.a.cfg.MaxKeepaliveFailures {
					r.setState(StateUnregistered)
					return true
				}
			} else {
				kaFailures = 0
			}
		}
	}
}

// refreshInterval schedules the refresh REGISTER ahead of the granted
// expiry. A platform granting less than the refresh lead still gets a
// refresh at half its lifetime.
func (r *registrar) refreshInterval(granted int) time.Duration {
	ahead := granted - r.a.cfg.RefreshAhead
	if ahead <= 0 {
		ahead = granted / 2
	}
	if ahead <= 0 {
		ahead = 1
	}
	return time.Duration(ahead) * time.Second
}

// sendKeepalive pushes one heartbeat Notify and waits for the 200.
func (r *registrar) sendKeepalive() error {
	body, err := manscdp.Encode(manscdp.NewKeepaliveNotify(r.a.device.DeviceID, r.a.nextSN()))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.a.cfg.TransactionTimeout)
	defer cancel()

	resp, err := r.send(ctx, r.a.newMessage(body))
	if err != nil {
		return err
	}
	if resp.Status != 200 {
		return fmt.Errorf("keepalive rejected with %d %s", resp.Status, resp.Reason)
	}
	return nil
}

func (r *registrar) send(ctx context.Context, req *sip.Message) (*sip.Message, error) {
	p, err := r.a.txn.Send(req)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

func (r *registrar) sleep(d time.Duration) bool {
	select {
	case <-r.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

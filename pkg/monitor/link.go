package monitor

import (
	"context"
	"fmt"
	"io"
	"time"

	"k8s.io/klog/v2"
)

// link is the connection state behind an Instance. Peer records for the
// same monitor under different primaries share one link.
type link struct {
	refcount     int
	closed       bool
	disconnected bool
	pending      int

	// cmdGen and subGen change whenever the matching connection is
	// dropped, so replies still in flight on it can be ignored.
	cmdGen uint64
	subGen uint64

	cc   NodeClient
	pc   NodeClient
	sub  io.Closer
	peer PeerClient

	dialingCC bool
	dialingPC bool

	ccConnTime     time.Time
	pcConnTime     time.Time
	pcLastActivity time.Time
	lastReconnTime time.Time

	// actPingTime is when the oldest unanswered ping was sent, zero when
	// none is outstanding.
	actPingTime   time.Time
	lastPingTime  time.Time
	lastPongTime  time.Time
	lastAvailTime time.Time
}

func newLink(now time.Time) *link {
	return &link{
		refcount:      1,
		disconnected:  true,
		actPingTime:   now,
		lastAvailTime: now,
		lastPongTime:  now,
	}
}

func (l *link) updateDisconnected(k kind) {
	if k == kindPeer {
		l.disconnected = l.peer == nil
		return
	}
	l.disconnected = l.cc == nil || l.pc == nil
}

// closeCmd drops the command connection.
func (m *Monitor) closeCmd(l *link, k kind) {
	l.cmdGen++
	l.pending = 0
	cc, pc := l.cc, l.peer
	l.cc, l.peer = nil, nil
	l.updateDisconnected(k)
	if cc == nil && pc == nil {
		return
	}
	m.spawn(func() {
		if cc != nil {
			_ = cc.Close()
		}
		if pc != nil {
			_ = pc.Close()
		}
	})
}

// closePubSub drops the subscription connection.
func (m *Monitor) closePubSub(l *link) {
	l.subGen++
	pc, sub := l.pc, l.sub
	l.pc, l.sub = nil, nil
	l.updateDisconnected(kindPrimary)
	if pc == nil {
		return
	}
	m.spawn(func() {
		if sub != nil {
			_ = sub.Close()
		}
		_ = pc.Close()
	})
}

func (m *Monitor) closeLinkConns(l *link, k kind) {
	m.closeCmd(l, k)
	if k != kindPeer {
		m.closePubSub(l)
	}
}

// releaseLink drops one reference and closes the link with the last one.
func (m *Monitor) releaseLink(l *link, k kind) {
	l.refcount--
	if l.refcount > 0 {
		return
	}
	m.closeLinkConns(l, k)
	l.closed = true
}

func (m *Monitor) releaseInstance(inst *Instance) {
	inst.released = true
	m.releaseLink(inst.link, inst.kind)
}

func (m *Monitor) releasePrimary(p *Primary) {
	for _, r := range p.replicas {
		m.releaseInstance(&r.Instance)
	}
	for _, pr := range p.peers {
		m.releaseInstance(&pr.Instance)
	}
	m.releaseInstance(&p.Instance)
}

func (m *Monitor) clientName(suffix string) string {
	id := m.myID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("sentinel-%s-%s", id, suffix)
}

func (m *Monitor) nodeOptions(inst *Instance, suffix string) NodeOptions {
	opts := NodeOptions{ClientName: m.clientName(suffix)}
	if owner := m.authOwner(inst); owner != nil {
		opts.Username, opts.Password = owner.authUser, owner.authPass
	}
	return opts
}

// authOwner is the primary whose credentials apply to inst.
func (m *Monitor) authOwner(inst *Instance) *Primary {
	if inst.owner != nil {
		return inst.owner
	}
	return m.primaries[inst.name]
}

// reconnect dials whatever connections inst is missing, at most once per
// reconnect period.
func (m *Monitor) reconnect(inst *Instance, now time.Time) {
	l := inst.link
	if !l.disconnected || inst.port == 0 {
		return
	}
	if now.Sub(l.lastReconnTime) < reconnectPeriod {
		return
	}
	l.lastReconnTime = now

	addr := inst.addr()
	ctx := m.ctx
	timeout := m.cfg.CommandTimeout

	if inst.kind == kindPeer {
		if l.peer != nil || l.dialingCC {
			return
		}
		l.dialingCC = true
		gen := l.cmdGen
		m.spawn(func() {
			dctx, cancel := context.WithTimeout(ctx, timeout)
			client, err := m.dialer.DialPeer(dctx, addr)
			cancel()
			m.post(func() {
				l.dialingCC = false
				if err != nil {
					klog.V(2).InfoS("Failed to connect to monitor", "addr", addr, "error", err)
					return
				}
				if l.closed || l.cmdGen != gen || l.peer != nil {
					_ = client.Close()
					return
				}
				l.peer = client
				l.ccConnTime = m.now()
				l.updateDisconnected(kindPeer)
				if !inst.released {
					m.sendPing(inst, m.now())
				}
			})
		})
		return
	}

	if l.cc == nil && !l.dialingCC {
		l.dialingCC = true
		gen := l.cmdGen
		opts := m.nodeOptions(inst, "cmd")
		m.spawn(func() {
			dctx, cancel := context.WithTimeout(ctx, timeout)
			client, err := m.dialer.DialNode(dctx, addr, opts)
			cancel()
			m.post(func() {
				l.dialingCC = false
				if err != nil {
					klog.V(2).InfoS("Failed to connect", "addr", addr, "error", err)
					return
				}
				if l.closed || l.cmdGen != gen || l.cc != nil {
					_ = client.Close()
					return
				}
				l.cc = client
				l.ccConnTime = m.now()
				l.updateDisconnected(inst.kind)
				if !inst.released {
					m.sendPing(inst, m.now())
				}
			})
		})
	}

	if l.pc == nil && !l.dialingPC {
		l.dialingPC = true
		gen := l.subGen
		opts := m.nodeOptions(inst, "pubsub")
		m.spawn(func() {
			dctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			client, err := m.dialer.DialNode(dctx, addr, opts)
			var sub io.Closer
			if err == nil {
				sub, err = client.Subscribe(dctx, HelloChannel, func(msg string) {
					m.post(func() { m.receiveHello(inst, l, gen, msg) })
				})
				if err != nil {
					_ = client.Close()
				}
			}
			m.post(func() {
				l.dialingPC = false
				if err != nil {
					klog.V(2).InfoS("Failed to subscribe", "addr", addr, "error", err)
					return
				}
				if l.closed || l.subGen != gen || l.pc != nil {
					_ = sub.Close()
					_ = client.Close()
					return
				}
				l.pc, l.sub = client, sub
				now := m.now()
				l.pcConnTime = now
				l.pcLastActivity = now
				l.updateDisconnected(inst.kind)
			})
		})
	}
}

// send runs call off the reactor and hands its error to done back on it.
// It reports false when the link cannot take the command. done is skipped
// when the connection was dropped or inst released in the meantime.
func (m *Monitor) send(inst *Instance, call func(ctx context.Context) error, done func(err error)) bool {
	l := inst.link
	if l.disconnected {
		return false
	}
	l.pending++
	gen := l.cmdGen
	ctx := m.ctx
	timeout := m.cfg.CommandTimeout

	m.spawn(func() {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		err := call(cctx)
		cancel()
		m.post(func() {
			if l.cmdGen != gen {
				return
			}
			if l.pending > 0 {
				l.pending--
			}
			if inst.released {
				return
			}
			done(err)
		})
	})
	return true
}

// pinger is whichever client answers pings on this link.
func (l *link) pinger() interface {
	Ping(ctx context.Context) (bool, error)
} {
	if l.peer != nil {
		return l.peer
	}
	return l.cc
}

func (m *Monitor) sendPing(inst *Instance, now time.Time) bool {
	l := inst.link
	if l.disconnected {
		return false
	}
	client := l.pinger()
	var replied bool
	ok := m.send(inst, func(ctx context.Context) error {
		var err error
		replied, err = client.Ping(ctx)
		return err
	}, func(err error) {
		now := m.now()
		if replied {
			l.lastPongTime = now
		}
		if err == nil {
			l.lastAvailTime = now
			l.actPingTime = time.Time{}
		}
	})
	if ok {
		l.lastPingTime = now
		if l.actPingTime.IsZero() {
			l.actPingTime = now
		}
	}
	return ok
}

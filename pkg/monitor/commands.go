package monitor

import (
	"context"
	"fmt"
	"net"
	"path"
	"strconv"

	"github.com/sindef/redis-sentinel/pkg/config"
	"github.com/sindef/redis-sentinel/pkg/election"
	"github.com/sindef/redis-sentinel/pkg/events"
	"github.com/sindef/redis-sentinel/pkg/peer"
)

var _ peer.Handler = (*Monitor)(nil)

// IsPrimaryDown answers a peer's down check.
func (m *Monitor) IsPrimaryDown(ctx context.Context, req peer.DownRequest) (peer.DownReply, error) {
	var reply peer.DownReply
	err := m.do(ctx, func() { reply = m.isPrimaryDown(req) })
	return reply, err
}

// Primaries lists every monitored primary.
func (m *Monitor) Primaries(ctx context.Context) ([]peer.PrimaryStatus, error) {
	var out []peer.PrimaryStatus
	err := m.do(ctx, func() {
		for _, p := range m.sortedPrimaries() {
			out = append(out, m.status(p))
		}
	})
	return out, err
}

// AddPrimary starts monitoring a new primary.
func (m *Monitor) AddPrimary(ctx context.Context, req peer.AddRequest) error {
	var err error
	derr := m.do(ctx, func() { err = m.addPrimary(config.Primary{Name: req.Name, Addr: req.Addr, Quorum: req.Quorum}) })
	if derr != nil {
		return derr
	}
	return err
}

// RemovePrimary stops monitoring name.
func (m *Monitor) RemovePrimary(ctx context.Context, name string) error {
	var err error
	derr := m.do(ctx, func() {
		p, ok := m.primaries[name]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrNoSuchPrimary, name)
			return
		}
		m.removePrimary(p)
	})
	if derr != nil {
		return derr
	}
	return err
}

// PrimaryAddr returns where clients should currently write for name.
func (m *Monitor) PrimaryAddr(ctx context.Context, name string) (string, error) {
	var (
		addr string
		err  error
	)
	derr := m.do(ctx, func() {
		p, ok := m.primaries[name]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrNoSuchPrimary, name)
			return
		}
		host, port := p.promotedAddr()
		addr = net.JoinHostPort(host, strconv.Itoa(port))
	})
	if derr != nil {
		return "", derr
	}
	return addr, err
}

// Failover starts a failover for name without waiting for agreement.
func (m *Monitor) Failover(ctx context.Context, name string) error {
	var err error
	derr := m.do(ctx, func() { err = m.forceFailover(name) })
	if derr != nil {
		return derr
	}
	return err
}

// CheckQuorum reports whether enough monitors are up to agree on a
// failure and to authorize a failover for name.
func (m *Monitor) CheckQuorum(ctx context.Context, name string) (string, error) {
	var (
		msg string
		err error
	)
	derr := m.do(ctx, func() { msg, err = m.checkQuorum(name) })
	if derr != nil {
		return "", derr
	}
	return msg, err
}

// Reset forgets learned state for every primary whose name matches
// pattern and returns how many matched.
func (m *Monitor) Reset(ctx context.Context, pattern string) (int, error) {
	var (
		n   int
		err error
	)
	derr := m.do(ctx, func() { n, err = m.reset(pattern) })
	if derr != nil {
		return 0, derr
	}
	return n, err
}

func (m *Monitor) addPrimary(cp config.Primary) error {
	p, err := m.createPrimary(cp)
	if err != nil {
		return err
	}
	m.event(events.Warning, "+monitor", &p.Instance, fmt.Sprintf("quorum %d", p.quorum))
	m.flush()
	return nil
}

func (m *Monitor) forceFailover(name string) error {
	p, ok := m.primaries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchPrimary, name)
	}
	if p.failoverInProgress {
		return ErrFailoverInProgress
	}
	now := m.now()
	if r, _ := m.selectReplica(p, now); r == nil {
		return ErrNoGoodReplica
	}
	m.startFailover(p, now)
	p.forceFailover = true
	return nil
}

func (m *Monitor) checkQuorum(name string) (string, error) {
	p, ok := m.primaries[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSuchPrimary, name)
	}

	usable := 1
	for _, pr := range p.peers {
		if !pr.sdown {
			usable++
		}
	}
	if usable < p.quorum {
		return "", fmt.Errorf("%w: %d usable monitors", ErrNoQuorum, usable)
	}
	if usable < election.Majority(len(p.peers)+1) {
		return "", fmt.Errorf("%w: %d usable monitors", ErrNoAuthority, usable)
	}
	return fmt.Sprintf("OK %d usable monitors. Quorum and failover authorization can be reached", usable), nil
}

func (m *Monitor) reset(pattern string) (int, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	n := 0
	for _, p := range m.sortedPrimaries() {
		if ok, _ := path.Match(pattern, p.name); !ok {
			continue
		}
		m.resetPrimary(p, true, true)
		n++
	}
	if n > 0 {
		m.flush()
	}
	return n, nil
}

func (m *Monitor) status(p *Primary) peer.PrimaryStatus {
	s := peer.PrimaryStatus{
		Name:          p.name,
		Addr:          p.addr(),
		RunID:         p.runID,
		Flags:         p.flags(),
		Quorum:        p.quorum,
		ConfigEpoch:   p.configEpoch,
		FailoverState: p.failoverState.String(),
		Replicas:      []peer.InstanceStatus{},
		Monitors:      []peer.InstanceStatus{},
	}
	for _, r := range p.sortedReplicas() {
		if !r.announced {
			continue
		}
		s.Replicas = append(s.Replicas, peer.InstanceStatus{Name: r.name, Addr: r.addr(), RunID: r.runID, Flags: r.flags()})
	}
	for _, pr := range p.sortedPeers() {
		s.Monitors = append(s.Monitors, peer.InstanceStatus{Name: pr.name, Addr: pr.addr(), RunID: pr.runID, Flags: pr.flags()})
	}
	return s
}

package monitor

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"github.com/sindef/redis-sentinel/pkg/config"
	"github.com/sindef/redis-sentinel/pkg/events"
	"github.com/sindef/redis-sentinel/pkg/store"
)

// createPrimary registers a new primary. Nothing is created when the
// name is taken or the address does not parse.
func (m *Monitor) createPrimary(cp config.Primary) (*Primary, error) {
	cp = cp.WithDefaults()
	host, port, err := config.SplitAddr(cp.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	if _, ok := m.primaries[cp.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePrimary, cp.Name)
	}

	now := m.now()
	p := &Primary{
		Instance: Instance{
			kind:             kindPrimary,
			name:             cp.Name,
			host:             host,
			port:             port,
			link:             newLink(now),
			downAfter:        cp.DownAfter,
			roleReported:     rolePrimary,
			roleReportedTime: now,
		},
		replicas:        make(map[string]*Replica),
		peers:           make(map[string]*Peer),
		quorum:          cp.Quorum,
		parallelSyncs:   cp.ParallelSyncs,
		failoverTimeout: cp.FailoverTimeout,
		authUser:        cp.AuthUser,
		authPass:        cp.AuthPass,
	}
	m.primaries[p.name] = p
	return p, nil
}

func (m *Monitor) createReplica(p *Primary, host string, port int) *Replica {
	if r := p.replicaByAddr(host, port); r != nil {
		return r
	}
	now := m.now()
	r := &Replica{
		Instance: Instance{
			kind:             kindReplica,
			name:             net.JoinHostPort(host, strconv.Itoa(port)),
			host:             host,
			port:             port,
			link:             newLink(now),
			owner:            p,
			downAfter:        p.downAfter,
			roleReported:     roleReplica,
			roleReportedTime: now,
		},
		priority:       100,
		announced:      true,
		confChangeTime: now,
	}
	p.replicas[r.name] = r
	return r
}

func (m *Monitor) createPeer(p *Primary, runID, host string, port int) *Peer {
	now := m.now()
	pr := &Peer{
		Instance: Instance{
			kind:             kindPeer,
			name:             net.JoinHostPort(host, strconv.Itoa(port)),
			host:             host,
			port:             port,
			runID:            runID,
			link:             newLink(now),
			owner:            p,
			downAfter:        p.downAfter,
			roleReported:     roleUnknown,
			roleReportedTime: now,
		},
	}
	p.peers[runID] = pr
	return pr
}

// removePrimary stops monitoring p and everything under it.
func (m *Monitor) removePrimary(p *Primary) {
	m.event(events.Warning, "-monitor", &p.Instance, "")
	m.releasePrimary(p)
	delete(m.primaries, p.name)
	if m.metrics != nil {
		m.metrics.ForgetPrimary(p.name)
	}
	m.flush()
}

// resetPrimary forgets what was learned about p: its replicas, its
// connections, any failover in progress and, with peers set, the other
// monitors too.
func (m *Monitor) resetPrimary(p *Primary, peers, emit bool) {
	now := m.now()

	for _, r := range p.replicas {
		m.releaseInstance(&r.Instance)
	}
	p.replicas = make(map[string]*Replica)
	if peers {
		for _, pr := range p.peers {
			m.releaseInstance(&pr.Instance)
		}
		p.peers = make(map[string]*Peer)
	}
	m.closeLinkConns(p.link, kindPrimary)

	p.sdown = false
	p.odown = false
	p.failoverInProgress = false
	p.forceFailover = false
	p.leader = ""
	p.failoverState = FailoverNone
	p.failoverStateChange = now
	p.failoverStart = time.Time{}
	p.promoted = nil
	p.runID = ""
	p.roleReported = rolePrimary
	p.roleReportedTime = now
	p.infoRefresh = time.Time{}

	l := p.link
	l.actPingTime = now
	l.lastPingTime = time.Time{}
	l.lastAvailTime = now
	l.lastPongTime = now

	if emit {
		m.event(events.Warning, "+reset-master", &p.Instance, "")
	}
}

// resetPrimaryAndChangeAddr moves p to host:port. Known replicas are kept,
// except one at the new address, and the old address becomes a replica.
func (m *Monitor) resetPrimaryAndChangeAddr(p *Primary, host string, port int) error {
	if host == "" || port <= 0 || port > 65535 {
		return fmt.Errorf("%w: %s:%d", ErrInvalidAddress, host, port)
	}

	type hostPort struct {
		host string
		port int
	}
	var keep []hostPort
	for _, r := range p.sortedReplicas() {
		if r.sameAddr(host, port) {
			continue
		}
		keep = append(keep, hostPort{r.host, r.port})
	}
	if !p.sameAddr(host, port) {
		keep = append(keep, hostPort{p.host, p.port})
	}

	m.resetPrimary(p, false, false)
	p.host, p.port = host, port
	p.sdownSince = time.Time{}
	p.odownSince = time.Time{}

	for _, hp := range keep {
		m.createReplica(p, hp.host, hp.port)
	}
	m.flush()
	return nil
}

// restore loads persisted state and merges the configured primaries.
func (m *Monitor) restore() error {
	st, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	switch {
	case st.MyID != "":
		m.myID = st.MyID
	case m.cfg.MyID != "":
		m.myID = m.cfg.MyID
	default:
		m.myID = newRunID()
	}
	m.currentEpoch = st.CurrentEpoch

	for _, rec := range st.Primaries {
		p, err := m.createPrimary(config.Primary{
			Name:            rec.Name,
			Addr:            rec.Addr,
			Quorum:          rec.Quorum,
			DownAfter:       rec.DownAfter,
			FailoverTimeout: rec.FailoverTimeout,
			ParallelSyncs:   rec.ParallelSyncs,
			AuthUser:        rec.AuthUser,
			AuthPass:        rec.AuthPass,
		})
		if err != nil {
			klog.ErrorS(err, "Skipping persisted primary", "primary", rec.Name)
			continue
		}
		p.configEpoch = rec.ConfigEpoch
		p.leader = rec.LeaderID
		p.leaderEpoch = rec.LeaderEpoch

		for _, addr := range rec.Replicas {
			host, port, err := config.SplitAddr(addr)
			if err != nil {
				continue
			}
			m.createReplica(p, host, port)
		}
		for _, pr := range rec.Peers {
			host, port, err := config.SplitAddr(pr.Addr)
			if err != nil || pr.RunID == "" {
				continue
			}
			m.tryLinkSharing(m.createPeer(p, pr.RunID, host, port))
		}
	}

	for _, cp := range m.cfg.Primaries {
		if _, ok := m.primaries[cp.Name]; ok {
			continue
		}
		if _, err := m.createPrimary(cp); err != nil {
			return fmt.Errorf("failed to add primary %s: %w", cp.Name, err)
		}
	}

	klog.InfoS("Restored state", "id", m.myID, "epoch", m.currentEpoch, "primaries", len(m.primaries))
	return nil
}

// flush writes the durable state. Failing to persist is logged and
// retried on the next change.
func (m *Monitor) flush() {
	st := store.State{MyID: m.myID, CurrentEpoch: m.currentEpoch}
	for _, p := range m.sortedPrimaries() {
		rec := store.PrimaryRecord{
			Name:            p.name,
			Addr:            p.addr(),
			Quorum:          p.quorum,
			DownAfter:       p.downAfter,
			FailoverTimeout: p.failoverTimeout,
			ParallelSyncs:   p.parallelSyncs,
			AuthUser:        p.authUser,
			AuthPass:        p.authPass,
			ConfigEpoch:     p.configEpoch,
			LeaderID:        p.leader,
			LeaderEpoch:     p.leaderEpoch,
		}
		for _, r := range p.sortedReplicas() {
			rec.Replicas = append(rec.Replicas, r.addr())
		}
		for _, pr := range p.sortedPeers() {
			if pr.port == 0 {
				continue
			}
			rec.Peers = append(rec.Peers, store.PeerRecord{Addr: pr.addr(), RunID: pr.runID})
		}
		st.Primaries = append(st.Primaries, rec)
	}

	if err := m.store.Save(st); err != nil {
		klog.ErrorS(err, "Failed to persist state")
	}
}

package monitor

import (
	"fmt"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/sindef/redis-sentinel/pkg/election"
	"github.com/sindef/redis-sentinel/pkg/events"
)

func (m *Monitor) setFailoverState(p *Primary, s FailoverState, now time.Time) {
	klog.V(2).InfoS("Failover state change", "primary", p.name, "from", p.failoverState, "to", s)
	p.failoverState = s
	p.failoverStateChange = now
}

// startFailoverIfNeeded begins a failover for an objectively down primary
// unless one is running or the last attempt was too recent.
func (m *Monitor) startFailoverIfNeeded(p *Primary, now time.Time) bool {
	if !p.odown || p.failoverInProgress {
		return false
	}
	if now.Sub(p.failoverStart) < 2*p.failoverTimeout {
		if !p.failoverDelayLogged.Equal(p.failoverStart) {
			p.failoverDelayLogged = p.failoverStart
			klog.InfoS("Delaying failover", "primary", p.name, "notBefore", p.failoverStart.Add(2*p.failoverTimeout))
		}
		return false
	}
	m.startFailover(p, now)
	return true
}

func (m *Monitor) startFailover(p *Primary, now time.Time) {
	p.failoverInProgress = true
	m.setFailoverState(p, FailoverWaitStart, now)
	m.currentEpoch++
	p.failoverEpoch = m.currentEpoch
	m.flush()
	m.notice(events.Warning, "+new-epoch", p.name, fmt.Sprintf("%d", m.currentEpoch))
	m.event(events.Warning, "+try-failover", &p.Instance, "")
	p.failoverStart = now.Add(m.randDesync())
}

func (m *Monitor) abortFailover(p *Primary, reason string, now time.Time) {
	m.event(events.Warning, "-failover-abort-"+reason, &p.Instance, "")
	p.failoverInProgress = false
	p.forceFailover = false
	m.setFailoverState(p, FailoverNone, now)
	if p.promoted != nil {
		p.promoted.promoted = false
		p.promoted = nil
	}
}

// failoverStep advances p's failover by at most one state.
func (m *Monitor) failoverStep(p *Primary, now time.Time) {
	if !p.failoverInProgress {
		return
	}
	switch p.failoverState {
	case FailoverWaitStart:
		m.failoverWaitStart(p, now)
	case FailoverSelectReplica:
		m.failoverSelectReplica(p, now)
	case FailoverSendNoOne:
		m.failoverSendNoOne(p, now)
	case FailoverWaitPromotion:
		if now.Sub(p.failoverStateChange) > p.failoverTimeout {
			m.abortFailover(p, "slave-timeout", now)
		}
	case FailoverReconfReplicas:
		m.failoverReconfReplicas(p, now)
	}
}

func (m *Monitor) failoverWaitStart(p *Primary, now time.Time) {
	leader := m.getLeader(p, p.failoverEpoch)
	elected := leader != "" && strings.EqualFold(leader, m.myID)

	if !elected && !p.forceFailover {
		timeout := electionTimeout
		if p.failoverTimeout < timeout {
			timeout = p.failoverTimeout
		}
		if now.Sub(p.failoverStart) > timeout {
			m.abortFailover(p, "not-elected", now)
		}
		return
	}

	m.event(events.Warning, "+elected-leader", &p.Instance, "")
	m.setFailoverState(p, FailoverSelectReplica, now)
	m.event(events.Warning, "+failover-state-select-slave", &p.Instance, "")
}

func (m *Monitor) failoverSelectReplica(p *Primary, now time.Time) {
	r, reason := m.selectReplica(p, now)
	if r == nil {
		m.abortFailover(p, "no-good-slave", now)
		return
	}
	klog.InfoS("Selected replica for promotion", "primary", p.name, "replica", r.name, "reason", reason)
	m.event(events.Warning, "+selected-slave", &r.Instance, "")
	r.promoted = true
	p.promoted = r
	m.setFailoverState(p, FailoverSendNoOne, now)
	m.event(events.Notice, "+failover-state-send-slaveof-noone", &r.Instance, "")
}

func (m *Monitor) failoverSendNoOne(p *Primary, now time.Time) {
	r := p.promoted
	if r.link.disconnected {
		if now.Sub(p.failoverStateChange) > p.failoverTimeout {
			m.abortFailover(p, "slave-timeout", now)
		}
		return
	}
	if !m.sendReplicaOf(&r.Instance, "", 0) {
		return
	}
	m.event(events.Notice, "+failover-state-wait-promotion", &r.Instance, "")
	m.setFailoverState(p, FailoverWaitPromotion, now)
}

// selectReplica picks the replica to promote among those that are up,
// recently heard from, willing, and not disconnected from the primary for
// too long.
func (m *Monitor) selectReplica(p *Primary, now time.Time) (*Replica, string) {
	maxDown := 10 * p.downAfter
	if p.sdown {
		maxDown += now.Sub(p.sdownSince)
	}
	validity := 3 * infoPeriod
	if p.sdown {
		validity = 5 * pingPeriod
	}

	byName := make(map[string]*Replica)
	var cands []election.Candidate
	for _, r := range p.sortedReplicas() {
		if r.sdown || r.link.disconnected {
			continue
		}
		if now.Sub(r.link.lastAvailTime) > 5*pingPeriod {
			continue
		}
		if r.priority == 0 {
			continue
		}
		if r.infoRefresh.IsZero() || now.Sub(r.infoRefresh) > validity {
			continue
		}
		if r.masterLinkDownSince > maxDown {
			continue
		}
		byName[r.name] = r
		cands = append(cands, election.Candidate{Name: r.name, RunID: r.runID, Priority: r.priority, Offset: r.offset})
	}

	best, reason, ok := election.SelectReplica(cands)
	if !ok {
		return nil, ""
	}
	return byName[best.Name], reason
}

// failoverReconfReplicas points the remaining replicas at the promoted
// one, at most parallelSyncs at a time.
func (m *Monitor) failoverReconfReplicas(p *Primary, now time.Time) {
	replicas := p.sortedReplicas()

	inProgress := 0
	for _, r := range replicas {
		// a replica that never moves on is counted as done; a later
		// config check will fix it
		if r.reconfSent && now.Sub(r.reconfSentTime) > replicaReconfTimeout {
			m.event(events.Notice, "-slave-reconf-sent-timeout", &r.Instance, "")
			r.reconfSent = false
			r.reconfDone = true
		}
		if r.reconfSent || r.reconfInprog {
			inProgress++
		}
	}

	for _, r := range replicas {
		if inProgress >= p.parallelSyncs {
			break
		}
		if r.promoted || r.reconfDone || r.reconfSent || r.reconfInprog {
			continue
		}
		if r.link.disconnected {
			continue
		}
		if m.sendReplicaOf(&r.Instance, p.promoted.host, p.promoted.port) {
			r.reconfSent = true
			r.reconfSentTime = now
			m.event(events.Notice, "+slave-reconf-sent", &r.Instance, "")
			inProgress++
		}
	}

	m.failoverDetectEnd(p, now)
}

// failoverDetectEnd moves to the final state once every reachable replica
// is reconfigured or the failover timeout runs out.
func (m *Monitor) failoverDetectEnd(p *Primary, now time.Time) {
	if p.promoted == nil || p.promoted.sdown {
		return
	}

	pendingReplicas := 0
	for _, r := range p.replicas {
		if r.promoted || r.reconfDone || r.sdown {
			continue
		}
		pendingReplicas++
	}

	timedOut := now.Sub(p.failoverStateChange) > p.failoverTimeout
	if timedOut {
		pendingReplicas = 0
		m.event(events.Warning, "-failover-end-for-timeout", &p.Instance, "")
	}
	if pendingReplicas > 0 {
		return
	}

	m.event(events.Warning, "+failover-end", &p.Instance, "")
	m.setFailoverState(p, FailoverUpdateConfig, now)

	if timedOut {
		// best effort for the stragglers
		for _, r := range p.sortedReplicas() {
			if r.promoted || r.reconfDone || r.reconfSent || r.link.disconnected {
				continue
			}
			if m.sendReplicaOf(&r.Instance, p.promoted.host, p.promoted.port) {
				m.event(events.Notice, "+slave-reconf-sent-be", &r.Instance, "")
				r.reconfSent = true
			}
		}
	}
}

// switchToPromoted publishes the new primary and rebuilds p around it.
func (m *Monitor) switchToPromoted(p *Primary) {
	host, port := p.host, p.port
	if p.promoted != nil {
		host, port = p.promoted.host, p.promoted.port
	}
	m.notice(events.Warning, "+switch-master", p.name,
		fmt.Sprintf("%s %s %d %s %d", p.name, p.host, p.port, host, port))
	if err := m.resetPrimaryAndChangeAddr(p, host, port); err != nil {
		klog.ErrorS(err, "Failed to switch to promoted replica", "primary", p.name)
	}
}

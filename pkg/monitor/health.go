package monitor

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/sindef/redis-sentinel/pkg/events"
	"github.com/sindef/redis-sentinel/pkg/redis"
)

// sendPeriodic issues whichever of INFO, PING and hello are due on inst.
func (m *Monitor) sendPeriodic(inst *Instance, now time.Time, apply func(*redis.Info)) {
	l := inst.link
	if l.disconnected {
		return
	}
	// a link that stopped answering should not pile up commands
	if l.pending >= maxPendingCommands*l.refcount {
		return
	}

	if apply != nil {
		period := infoPeriod
		if inst.kind == kindReplica && m.fastInfo(inst.owner, inst) {
			period = fastInfoPeriod
		}
		if inst.infoRefresh.IsZero() || now.Sub(inst.infoRefresh) > period {
			m.sendInfo(inst, apply)
		}
	}

	ping := pingPeriod
	if inst.downAfter < ping {
		ping = inst.downAfter
	}
	if now.Sub(l.lastPongTime) > ping && now.Sub(l.lastPingTime) > ping/2 {
		m.sendPing(inst, now)
	}

	if inst.kind != kindPeer && now.Sub(inst.lastPubTime) > helloPeriod {
		m.sendHello(inst)
	}
}

// fastInfo reports whether replicas of p should be polled every second:
// the primary looks down, a failover is running, or the replica lost its
// own link to the primary.
func (m *Monitor) fastInfo(p *Primary, inst *Instance) bool {
	if p.sdown || p.odown || p.failoverInProgress {
		return true
	}
	if r, ok := p.replicas[inst.name]; ok && r.masterLinkDownSince > 0 {
		return true
	}
	return false
}

func (m *Monitor) sendInfo(inst *Instance, apply func(*redis.Info)) {
	cc := inst.link.cc
	var info *redis.Info
	m.send(inst, func(ctx context.Context) error {
		var err error
		info, err = cc.Info(ctx)
		return err
	}, func(err error) {
		if err != nil {
			klog.V(4).InfoS("INFO failed", "addr", inst.addr(), "error", err)
			return
		}
		apply(info)
	})
}

// sendReplicaOf points inst at host:port, or promotes it when host is empty.
func (m *Monitor) sendReplicaOf(inst *Instance, host string, port int) bool {
	cc := inst.link.cc
	if cc == nil {
		return false
	}
	return m.send(inst, func(ctx context.Context) error {
		return cc.ReplicaOf(ctx, host, port)
	}, func(err error) {
		if err != nil {
			klog.ErrorS(err, "REPLICAOF failed", "addr", inst.addr())
		}
	})
}

// checkSDown updates the subjective down flag and closes connections that
// stopped answering.
func (m *Monitor) checkSDown(inst *Instance, now time.Time) {
	l := inst.link

	var elapsed time.Duration
	if !l.actPingTime.IsZero() || l.disconnected {
		elapsed = now.Sub(l.lastAvailTime)
	}

	if (l.cc != nil || l.peer != nil) &&
		now.Sub(l.ccConnTime) > minLinkReconnectPeriod &&
		!l.actPingTime.IsZero() &&
		now.Sub(l.actPingTime) > inst.downAfter/2 &&
		now.Sub(l.lastPongTime) > inst.downAfter/2 {
		klog.V(2).InfoS("Closing unresponsive connection", "addr", inst.addr())
		m.closeCmd(l, inst.kind)
	}

	if l.pc != nil &&
		now.Sub(l.pcConnTime) > minLinkReconnectPeriod &&
		now.Sub(l.pcLastActivity) > 3*helloPeriod {
		klog.V(2).InfoS("Closing idle subscription", "addr", inst.addr())
		m.closePubSub(l)
	}

	down := elapsed > inst.downAfter
	// a primary that keeps saying it is a replica is as good as gone
	if inst.kind == kindPrimary && inst.roleReported == roleReplica &&
		now.Sub(inst.roleReportedTime) > inst.downAfter+2*infoPeriod {
		down = true
	}

	switch {
	case down && !inst.sdown:
		inst.sdown = true
		inst.sdownSince = now
		m.event(events.Warning, "+sdown", inst, "")
	case !down && inst.sdown:
		inst.sdown = false
		m.event(events.Warning, "-sdown", inst, "")
	}
}

// noDownFor reports whether inst has not gone down in the last d.
func noDownFor(inst *Instance, now time.Time, d time.Duration) bool {
	return inst.sdownSince.IsZero() || now.Sub(inst.sdownSince) > d
}

// looksSane reports whether p is reachable, agrees it is a primary and was
// refreshed recently.
func (m *Monitor) looksSane(p *Primary, now time.Time) bool {
	return p.roleReported == rolePrimary &&
		!p.sdown && !p.odown &&
		!p.infoRefresh.IsZero() &&
		now.Sub(p.infoRefresh) < 2*infoPeriod
}

// refreshInfo records what every INFO reply says about the node itself.
func (m *Monitor) refreshInfo(inst *Instance, info *redis.Info, now time.Time) role {
	if info.RunID != "" && info.RunID != inst.runID {
		if inst.runID != "" {
			m.event(events.Warning, "+reboot", inst, "")
		}
		inst.runID = info.RunID
	}

	reported := inst.roleReported
	switch info.Role {
	case "master":
		reported = rolePrimary
	case "slave":
		reported = roleReplica
	}

	inst.infoRefresh = now
	if reported != inst.roleReported {
		inst.roleReported = reported
		inst.roleReportedTime = now

		typ := "-role-change"
		if (inst.kind == kindPrimary && reported == rolePrimary) || (inst.kind == kindReplica && reported == roleReplica) {
			typ = "+role-change"
		}
		m.event(events.Debug, typ, inst, "new reported role is "+reported.String())
	}
	return reported
}

// applyPrimaryInfo merges a primary's INFO reply, discovering its replicas.
func (m *Monitor) applyPrimaryInfo(p *Primary, info *redis.Info) {
	now := m.now()
	m.refreshInfo(&p.Instance, info, now)

	for _, s := range info.Slaves {
		if p.replicaByAddr(s.IP, s.Port) != nil || p.sameAddr(s.IP, s.Port) {
			continue
		}
		r := m.createReplica(p, s.IP, s.Port)
		m.event(events.Notice, "+slave", &r.Instance, "")
		m.flush()
	}
}

// applyReplicaInfo merges a replica's INFO reply and reacts to what it
// says: promotion during our failover, a replica that wrongly claims to be
// a primary, one that follows the wrong primary, and reconfiguration
// progress.
func (m *Monitor) applyReplicaInfo(r *Replica, info *redis.Info) {
	now := m.now()
	p := r.owner
	prev := r.roleReported
	reported := m.refreshInfo(&r.Instance, info, now)
	if reported == roleReplica && prev != roleReplica {
		r.confChangeTime = now
	}

	if reported == roleReplica {
		if info.MasterHost != r.masterHost || info.MasterPort != r.masterPort {
			r.masterHost, r.masterPort = info.MasterHost, info.MasterPort
			r.confChangeTime = now
		}
		r.masterLinkUp = info.MasterLinkStatus == "up"
		r.masterLinkDownSince = info.MasterLinkDownSince
		r.priority = info.SlavePriority
		r.offset = info.SlaveReplOffset
		r.announced = info.ReplicaAnnounced
	}

	if m.tilt {
		return
	}

	if reported == rolePrimary {
		if r.promoted && p.failoverInProgress && p.failoverState == FailoverWaitPromotion {
			p.configEpoch = p.failoverEpoch
			m.setFailoverState(p, FailoverReconfReplicas, now)
			m.flush()
			m.event(events.Warning, "+promoted-slave", &r.Instance, "")
			m.event(events.Warning, "+failover-state-reconf-slaves", &p.Instance, "")
			m.forceHello(p)
			return
		}

		// give a real failover elsewhere time to reach us before forcing
		// the node back
		wait := 4 * helloPeriod
		if !r.promoted && m.looksSane(p, now) &&
			noDownFor(&r.Instance, now, wait) &&
			now.Sub(r.roleReportedTime) > wait {
			if m.sendReplicaOf(&r.Instance, p.host, p.port) {
				m.event(events.Notice, "+convert-to-slave", &r.Instance, "")
			}
		}
		return
	}

	if reported != roleReplica {
		return
	}

	if r.masterPort != p.port || r.masterHost != p.host {
		wait := p.failoverTimeout
		if m.looksSane(p, now) &&
			noDownFor(&r.Instance, now, wait) &&
			now.Sub(r.confChangeTime) > wait {
			if m.sendReplicaOf(&r.Instance, p.host, p.port) {
				m.event(events.Notice, "+fix-slave-config", &r.Instance, "")
			}
		}
	}

	if (r.reconfSent || r.reconfInprog) && p.promoted != nil {
		if r.reconfSent && r.masterHost != "" && p.promoted.sameAddr(r.masterHost, r.masterPort) {
			r.reconfSent = false
			r.reconfInprog = true
			m.event(events.Notice, "+slave-reconf-inprog", &r.Instance, "")
		}
		if r.reconfInprog && r.masterLinkUp {
			r.reconfInprog = false
			r.reconfDone = true
			m.event(events.Notice, "+slave-reconf-done", &r.Instance, "")
		}
	}
}

// forceHello makes p and its replicas publish a hello on the next tick.
func (m *Monitor) forceHello(p *Primary) {
	p.lastPubTime = time.Time{}
	for _, r := range p.replicas {
		r.lastPubTime = time.Time{}
	}
}

func (m *Monitor) sendHello(inst *Instance) bool {
	p := inst.owner
	if p == nil {
		p = m.primaries[inst.name]
	}
	if p == nil {
		return false
	}
	// once the promotion is seen the config epoch already belongs to the
	// promoted replica, so its address must travel with it
	host, port := p.promotedAddr()
	msg := fmt.Sprintf("%s,%d,%s,%d,%s,%s,%d,%d",
		m.announceIP, m.announcePort, m.myID, m.currentEpoch,
		p.name, host, port, p.configEpoch)

	cc := inst.link.cc
	return m.send(inst, func(ctx context.Context) error {
		return cc.Publish(ctx, HelloChannel, msg)
	}, func(err error) {
		if err == nil {
			inst.lastPubTime = m.now()
		}
	})
}

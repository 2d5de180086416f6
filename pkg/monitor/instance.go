package monitor

import (
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/sindef/redis-sentinel/pkg/events"
)

type kind int

const (
	kindPrimary kind = iota
	kindReplica
	kindPeer
)

func (k kind) String() string {
	switch k {
	case kindPrimary:
		return "master"
	case kindReplica:
		return "slave"
	default:
		return "sentinel"
	}
}

type role int

const (
	roleUnknown role = iota
	rolePrimary
	roleReplica
)

func (r role) String() string {
	switch r {
	case rolePrimary:
		return "master"
	case roleReplica:
		return "slave"
	default:
		return "unknown"
	}
}

// FailoverState is the step a failover attempt is in.
type FailoverState int

const (
	FailoverNone FailoverState = iota
	FailoverWaitStart
	FailoverSelectReplica
	FailoverSendNoOne
	FailoverWaitPromotion
	FailoverReconfReplicas
	FailoverUpdateConfig
)

func (s FailoverState) String() string {
	switch s {
	case FailoverNone:
		return "none"
	case FailoverWaitStart:
		return "wait_start"
	case FailoverSelectReplica:
		return "select_slave"
	case FailoverSendNoOne:
		return "send_slaveof_noone"
	case FailoverWaitPromotion:
		return "wait_promotion"
	case FailoverReconfReplicas:
		return "reconf_slaves"
	case FailoverUpdateConfig:
		return "update_config"
	default:
		return "unknown"
	}
}

// Instance holds what every monitored node or peer has in common.
type Instance struct {
	kind  kind
	name  string
	host  string
	port  int
	runID string
	link  *link

	// owner is the primary a replica or peer belongs to; nil for primaries.
	owner    *Primary
	released bool

	downAfter  time.Duration
	sdown      bool
	sdownSince time.Time

	infoRefresh      time.Time
	roleReported     role
	roleReportedTime time.Time
	lastPubTime      time.Time
}

func (i *Instance) addr() string {
	return net.JoinHostPort(i.host, strconv.Itoa(i.port))
}

func (i *Instance) sameAddr(host string, port int) bool {
	return i.port == port && i.host == host
}

func (i *Instance) primaryName() string {
	if i.owner != nil {
		return i.owner.name
	}
	return i.name
}

// describe formats the instance the way events name it.
func (i *Instance) describe() string {
	if i.owner == nil {
		return events.Subject(i.kind.String(), i.name, i.host, i.port, "", "", 0)
	}
	o := i.owner
	return events.Subject(i.kind.String(), i.name, i.host, i.port, o.name, o.host, o.port)
}

// Primary is a monitored primary together with everything learned about
// the replicas and monitors around it.
type Primary struct {
	Instance

	replicas map[string]*Replica // by ip:port
	peers    map[string]*Peer    // by run id

	quorum          int
	parallelSyncs   int
	failoverTimeout time.Duration
	authUser        string
	authPass        string

	configEpoch uint64
	odown       bool
	odownSince  time.Time

	leader      string
	leaderEpoch uint64

	failoverInProgress  bool
	forceFailover       bool
	failoverState       FailoverState
	failoverStateChange time.Time
	failoverEpoch       uint64
	failoverStart       time.Time
	failoverDelayLogged time.Time
	promoted            *Replica
}

// Replica is a node replicating from a Primary.
type Replica struct {
	Instance

	masterHost          string
	masterPort          int
	masterLinkUp        bool
	masterLinkDownSince time.Duration
	priority            int
	offset              int64
	announced           bool
	confChangeTime      time.Time

	promoted       bool
	reconfSent     bool
	reconfInprog   bool
	reconfDone     bool
	reconfSentTime time.Time
}

// Peer is another monitor watching the same Primary.
type Peer struct {
	Instance

	lastHelloTime     time.Time
	primaryDown       bool
	lastDownReplyTime time.Time
	leader            string
	leaderEpoch       uint64
}

func (p *Primary) sortedReplicas() []*Replica {
	out := make([]*Replica, 0, len(p.replicas))
	for _, r := range p.replicas {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (p *Primary) sortedPeers() []*Peer {
	out := make([]*Peer, 0, len(p.peers))
	for _, pr := range p.peers {
		out = append(out, pr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].runID < out[j].runID })
	return out
}

func (p *Primary) replicaByAddr(host string, port int) *Replica {
	return p.replicas[net.JoinHostPort(host, strconv.Itoa(port))]
}

func (p *Primary) peerByAddr(host string, port int) *Peer {
	for _, pr := range p.peers {
		if pr.sameAddr(host, port) {
			return pr
		}
	}
	return nil
}

// promotedAddr is where clients should write: the promoted replica once
// the failover has reached replica reconfiguration.
func (p *Primary) promotedAddr() (string, int) {
	if p.failoverInProgress && p.promoted != nil && p.failoverState >= FailoverReconfReplicas {
		return p.promoted.host, p.promoted.port
	}
	return p.host, p.port
}

func (r *Replica) flags() []string {
	f := []string{"slave"}
	f = append(f, r.Instance.flags()...)
	if r.promoted {
		f = append(f, "promoted")
	}
	if r.reconfSent {
		f = append(f, "reconf_sent")
	}
	if r.reconfInprog {
		f = append(f, "reconf_inprog")
	}
	if r.reconfDone {
		f = append(f, "reconf_done")
	}
	return f
}

func (p *Primary) flags() []string {
	f := []string{"master"}
	f = append(f, p.Instance.flags()...)
	if p.odown {
		f = append(f, "o_down")
	}
	if p.failoverInProgress {
		f = append(f, "failover_in_progress")
	}
	return f
}

func (pr *Peer) flags() []string {
	f := []string{"sentinel"}
	f = append(f, pr.Instance.flags()...)
	if pr.primaryDown {
		f = append(f, "master_down")
	}
	return f
}

func (i *Instance) flags() []string {
	var f []string
	if i.sdown {
		f = append(f, "s_down")
	}
	if i.link.disconnected {
		f = append(f, "disconnected")
	}
	return f
}

package monitor

import (
	"fmt"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"github.com/sindef/redis-sentinel/pkg/events"
)

// hello is one announcement on the hello channel:
// ip,port,runid,current_epoch,primary_name,primary_ip,primary_port,config_epoch
type hello struct {
	ip          string
	port        int
	runID       string
	epoch       uint64
	primary     string
	primaryIP   string
	primaryPort int
	configEpoch uint64
}

func parseHello(msg string) (hello, error) {
	f := strings.Split(msg, ",")
	if len(f) != 8 {
		return hello{}, fmt.Errorf("expected 8 fields, got %d", len(f))
	}
	port, err := strconv.Atoi(f[1])
	if err != nil {
		return hello{}, fmt.Errorf("bad port: %w", err)
	}
	epoch, err := strconv.ParseUint(f[3], 10, 64)
	if err != nil {
		return hello{}, fmt.Errorf("bad epoch: %w", err)
	}
	primaryPort, err := strconv.Atoi(f[6])
	if err != nil {
		return hello{}, fmt.Errorf("bad primary port: %w", err)
	}
	configEpoch, err := strconv.ParseUint(f[7], 10, 64)
	if err != nil {
		return hello{}, fmt.Errorf("bad config epoch: %w", err)
	}
	if f[0] == "" || f[2] == "" || f[4] == "" || f[5] == "" {
		return hello{}, fmt.Errorf("empty field")
	}
	return hello{
		ip:          f[0],
		port:        port,
		runID:       f[2],
		epoch:       epoch,
		primary:     f[4],
		primaryIP:   f[5],
		primaryPort: primaryPort,
		configEpoch: configEpoch,
	}, nil
}

// receiveHello handles a message that arrived on inst's subscription.
func (m *Monitor) receiveHello(inst *Instance, l *link, gen uint64, msg string) {
	if l.subGen != gen || l.closed {
		return
	}
	l.pcLastActivity = m.now()
	if inst.released {
		return
	}
	m.processHello(msg)
}

// processHello learns about the sending monitor and adopts the primary
// address it announces when its configuration epoch is newer than ours.
func (m *Monitor) processHello(msg string) {
	h, err := parseHello(msg)
	if err != nil {
		klog.V(2).InfoS("Dropping malformed hello", "msg", msg, "error", err)
		return
	}
	if h.runID == m.myID {
		return
	}
	p := m.primaries[h.primary]
	if p == nil {
		return
	}
	now := m.now()

	pr := p.peers[h.runID]
	switch {
	case pr == nil:
		pr = m.learnPeer(p, h, false)
	case !pr.sameAddr(h.ip, h.port):
		// same monitor, new address
		m.releaseInstance(&pr.Instance)
		delete(p.peers, h.runID)
		m.event(events.Notice, "+sentinel-address-switch", &p.Instance,
			fmt.Sprintf("ip %s port %d for %s", h.ip, h.port, h.runID))
		pr = m.learnPeer(p, h, true)
	}

	m.observeEpoch(h.epoch)

	if p.configEpoch < h.configEpoch {
		p.configEpoch = h.configEpoch
		if !p.sameAddr(h.primaryIP, h.primaryPort) {
			oldHost, oldPort := p.host, p.port
			m.event(events.Warning, "+config-update-from", &pr.Instance, "")
			m.notice(events.Warning, "+switch-master", p.name,
				fmt.Sprintf("%s %s %d %s %d", p.name, oldHost, oldPort, h.primaryIP, h.primaryPort))
			if err := m.resetPrimaryAndChangeAddr(p, h.primaryIP, h.primaryPort); err != nil {
				klog.ErrorS(err, "Failed to switch primary address", "primary", p.name)
			}
		}
		m.flush()
	}

	pr.lastHelloTime = now
}

// learnPeer records a monitor first heard of at h's address. Another
// record holding that address belongs to a monitor that is gone, so its
// address is invalidated.
func (m *Monitor) learnPeer(p *Primary, h hello, switched bool) *Peer {
	if other := p.peerByAddr(h.ip, h.port); other != nil {
		m.event(events.Notice, "+sentinel-invalid-addr", &other.Instance, "")
		other.port = 0
		m.closeCmd(other.link, kindPeer)
		m.updatePeerAddress(other)
	}

	pr := m.createPeer(p, h.runID, h.ip, h.port)
	if !switched {
		m.event(events.Notice, "+sentinel", &pr.Instance, "")
	}
	m.tryLinkSharing(pr)
	if switched {
		m.updatePeerAddress(pr)
	}
	m.flush()
	return pr
}

// tryLinkSharing points pr at the link another primary already holds to
// the same monitor.
func (m *Monitor) tryLinkSharing(pr *Peer) bool {
	if pr.link.refcount > 1 {
		return false
	}
	for _, q := range m.primaries {
		if q == pr.owner {
			continue
		}
		match := q.peers[pr.runID]
		if match == nil || match.link == pr.link || !match.sameAddr(pr.host, pr.port) {
			continue
		}
		m.releaseLink(pr.link, kindPeer)
		pr.link = match.link
		pr.link.refcount++
		return true
	}
	return false
}

// updatePeerAddress copies src's address and link to the records for the
// same monitor under every other primary.
func (m *Monitor) updatePeerAddress(src *Peer) int {
	n := 0
	for _, q := range m.primaries {
		if q == src.owner {
			continue
		}
		match := q.peers[src.runID]
		if match == nil || (match.link == src.link && match.sameAddr(src.host, src.port)) {
			continue
		}
		if match.link != src.link {
			m.releaseLink(match.link, kindPeer)
			match.link = src.link
			src.link.refcount++
		}
		match.host, match.port, match.name = src.host, src.port, src.name
		n++
	}
	if n > 0 {
		m.event(events.Notice, "+sentinel-address-update", &src.Instance,
			fmt.Sprintf("%d additional matching instances", n))
	}
	return n
}

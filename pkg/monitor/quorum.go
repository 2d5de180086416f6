package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/sindef/redis-sentinel/pkg/election"
	"github.com/sindef/redis-sentinel/pkg/events"
	"github.com/sindef/redis-sentinel/pkg/peer"
)

// checkODown sets the objective down flag once enough monitors, this one
// included, agree p is subjectively down.
func (m *Monitor) checkODown(p *Primary, now time.Time) {
	agree := 0
	down := false
	if p.sdown {
		agree = 1
		for _, pr := range p.peers {
			if pr.primaryDown {
				agree++
			}
		}
		down = agree >= p.quorum
	}

	switch {
	case down && !p.odown:
		p.odown = true
		p.odownSince = now
		m.event(events.Warning, "+odown", &p.Instance, fmt.Sprintf("#quorum %d/%d", agree, p.quorum))
	case !down && p.odown:
		p.odown = false
		m.event(events.Warning, "-odown", &p.Instance, "")
	}
}

// askPeers asks every reachable peer whether it also sees p down. Once a
// failover has started the request carries our id and doubles as a vote
// request. Answers older than a few ask periods are forgotten.
func (m *Monitor) askPeers(p *Primary, force bool, now time.Time) {
	for _, pr := range p.sortedPeers() {
		elapsed := now.Sub(pr.lastDownReplyTime)
		if elapsed > 5*askPeriod {
			pr.primaryDown = false
			pr.leader = ""
		}

		if !p.sdown || pr.link.disconnected {
			continue
		}
		if !force && elapsed < askPeriod {
			continue
		}

		req := peer.DownRequest{IP: p.host, Port: p.port, Epoch: m.currentEpoch, RunID: "*"}
		if p.failoverState > FailoverNone {
			req.RunID = m.myID
		}

		client := pr.link.peer
		var reply peer.DownReply
		m.send(&pr.Instance, func(ctx context.Context) error {
			var err error
			reply, err = client.IsPrimaryDown(ctx, req)
			return err
		}, func(err error) {
			if err != nil {
				klog.V(2).InfoS("Down check failed", "peer", pr.addr(), "error", err)
				return
			}
			pr.lastDownReplyTime = m.now()
			pr.primaryDown = reply.Down
			if reply.Leader != "" && reply.Leader != "*" {
				if pr.leaderEpoch != reply.LeaderEpoch {
					klog.InfoS("Peer voted", "peer", pr.addr(), "leader", reply.Leader, "epoch", reply.LeaderEpoch)
				}
				pr.leader = reply.Leader
				pr.leaderEpoch = reply.LeaderEpoch
			}
		})
	}
}

// isPrimaryDown answers a peer's down check and, when it names a
// candidate, casts our vote for this epoch.
func (m *Monitor) isPrimaryDown(req peer.DownRequest) peer.DownReply {
	m.observeEpoch(req.Epoch)

	reply := peer.DownReply{Leader: "*"}
	p := m.primaryByAddr(req.IP, req.Port)
	if p == nil {
		return reply
	}
	if !m.tilt && p.sdown {
		reply.Down = true
	}
	if req.RunID != "" && req.RunID != "*" {
		leader, epoch := m.voteLeader(p, req.Epoch, req.RunID)
		if leader != "" {
			reply.Leader = leader
		}
		reply.LeaderEpoch = epoch
	}
	return reply
}

// voteLeader votes for runID in epoch unless we already voted in it. It
// returns whoever we voted for most recently.
func (m *Monitor) voteLeader(p *Primary, epoch uint64, runID string) (string, uint64) {
	m.observeEpoch(epoch)

	if p.leaderEpoch < epoch && m.currentEpoch <= epoch {
		p.leader = runID
		p.leaderEpoch = m.currentEpoch
		m.flush()
		m.notice(events.Warning, "+vote-for-leader", p.name, fmt.Sprintf("%s %d", p.leader, p.leaderEpoch))

		// voting for someone else holds off our own attempt
		if !strings.EqualFold(p.leader, m.myID) {
			p.failoverStart = m.now().Add(m.randDesync())
		}
	}
	return p.leader, p.leaderEpoch
}

// getLeader counts the votes peers reported for the current epoch, adds
// our own, and returns the winner if it has a majority of all known
// monitors and at least quorum votes.
func (m *Monitor) getLeader(p *Primary, epoch uint64) string {
	tally := election.NewTally()
	for _, pr := range p.peers {
		if pr.leader != "" && pr.leaderEpoch == m.currentEpoch {
			tally.Add(pr.leader)
		}
	}
	voters := len(p.peers) + 1

	// follow the crowd if there is one, otherwise vote for ourselves
	candidate, _ := tally.Plurality()
	if candidate == "" {
		candidate = m.myID
	}
	myVote, voteEpoch := m.voteLeader(p, epoch, candidate)
	if myVote != "" && voteEpoch == epoch {
		tally.Add(myVote)
	}

	winner, ok := tally.Winner(voters, p.quorum)
	if !ok {
		return ""
	}
	return winner
}

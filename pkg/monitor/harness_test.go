package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sindef/redis-sentinel/pkg/config"
	"github.com/sindef/redis-sentinel/pkg/events"
	"github.com/sindef/redis-sentinel/pkg/peer"
	"github.com/sindef/redis-sentinel/pkg/redis"
	"github.com/sindef/redis-sentinel/pkg/store"
)

var errDown = errors.New("connection refused")

var (
	myID    = strings.Repeat("a", 40)
	peerBID = strings.Repeat("b", 40)
	peerCID = strings.Repeat("c", 40)
)

const (
	primaryAddr  = "10.0.0.1:6379"
	replica1Addr = "10.0.0.2:6379"
	replica2Addr = "10.0.0.3:6379"
	peerBAddr    = "10.0.9.2:26379"
	peerCAddr    = "10.0.9.3:26379"
	step         = 250 * time.Millisecond
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// fakeNode is a Redis node that answers from a canned INFO reply.
type fakeNode struct {
	mu        sync.Mutex
	addr      string
	down      bool
	info      redis.Info
	published []string
	replicaOf []string
	subs      map[int]func(string)
	nextSub   int

	// stubborn nodes accept REPLICAOF but never act on it
	stubborn bool
}

func newPrimaryNode(addr string, replicas ...string) *fakeNode {
	n := &fakeNode{addr: addr, subs: make(map[int]func(string))}
	n.info = redis.Info{RunID: runIDFor(addr), Role: "master"}
	for _, r := range replicas {
		host, port, _ := config.SplitAddr(r)
		n.info.Slaves = append(n.info.Slaves, redis.SlaveAddr{IP: host, Port: port})
	}
	return n
}

func newReplicaNode(addr, master string, offset int64) *fakeNode {
	n := &fakeNode{addr: addr, subs: make(map[int]func(string))}
	host, port, _ := config.SplitAddr(master)
	n.info = redis.Info{
		RunID:            runIDFor(addr),
		Role:             "slave",
		MasterHost:       host,
		MasterPort:       port,
		MasterLinkStatus: "up",
		SlavePriority:    100,
		SlaveReplOffset:  offset,
		ReplicaAnnounced: true,
	}
	return n
}

func runIDFor(addr string) string {
	id := strings.NewReplacer(".", "", ":", "").Replace(addr)
	return id + strings.Repeat("f", 40-len(id))
}

func (n *fakeNode) setDown(down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down = down
}

func (n *fakeNode) update(fn func(info *redis.Info)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn(&n.info)
}

func (n *fakeNode) replicaOfCalls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.replicaOf...)
}

func (n *fakeNode) Ping(ctx context.Context) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down {
		return false, errDown
	}
	return true, nil
}

func (n *fakeNode) Info(ctx context.Context) (*redis.Info, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down {
		return nil, errDown
	}
	info := n.info
	info.Slaves = append([]redis.SlaveAddr(nil), n.info.Slaves...)
	return &info, nil
}

func (n *fakeNode) Publish(ctx context.Context, channel, msg string) error {
	n.mu.Lock()
	if n.down {
		n.mu.Unlock()
		return errDown
	}
	n.published = append(n.published, msg)
	n.mu.Unlock()
	n.deliver(msg)
	return nil
}

// ReplicaOf behaves like a node that follows instructions at once.
func (n *fakeNode) ReplicaOf(ctx context.Context, host string, port int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down {
		return errDown
	}
	if host == "" {
		n.replicaOf = append(n.replicaOf, "NO ONE")
	} else {
		n.replicaOf = append(n.replicaOf, fmt.Sprintf("%s:%d", host, port))
	}
	if n.stubborn {
		return nil
	}
	if host == "" {
		n.info.Role = "master"
		n.info.MasterHost, n.info.MasterPort = "", 0
		return nil
	}
	n.info.Role = "slave"
	n.info.MasterHost, n.info.MasterPort = host, port
	n.info.MasterLinkStatus = "up"
	return nil
}

func (n *fakeNode) Subscribe(ctx context.Context, channel string, handler func(string)) (io.Closer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down {
		return nil, errDown
	}
	id := n.nextSub
	n.nextSub++
	n.subs[id] = handler
	return closerFunc(func() error {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
		return nil
	}), nil
}

func (n *fakeNode) Close() error { return nil }

// deliver hands msg to every subscriber as if it was published here.
func (n *fakeNode) deliver(msg string) {
	n.mu.Lock()
	handlers := make([]func(string), 0, len(n.subs))
	for _, h := range n.subs {
		handlers = append(handlers, h)
	}
	n.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

// fakePeer is another monitor. It grants its vote to the first candidate
// asking in each epoch.
type fakePeer struct {
	mu          sync.Mutex
	down        bool
	unreachable bool
	votes       map[uint64]string
	requests    []peer.DownRequest
}

func newFakePeer() *fakePeer {
	return &fakePeer{votes: make(map[uint64]string)}
}

func (p *fakePeer) Ping(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unreachable {
		return false, errDown
	}
	return true, nil
}

func (p *fakePeer) IsPrimaryDown(ctx context.Context, req peer.DownRequest) (peer.DownReply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unreachable {
		return peer.DownReply{}, errDown
	}
	p.requests = append(p.requests, req)
	reply := peer.DownReply{Down: p.down, Leader: "*"}
	if req.RunID != "*" {
		if _, ok := p.votes[req.Epoch]; !ok {
			p.votes[req.Epoch] = req.RunID
		}
		reply.Leader = p.votes[req.Epoch]
		reply.LeaderEpoch = req.Epoch
	}
	return reply, nil
}

func (p *fakePeer) Close() error { return nil }

func (p *fakePeer) setDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

type fakeNet struct {
	mu    sync.Mutex
	nodes map[string]*fakeNode
	peers map[string]*fakePeer
}

func newFakeNet() *fakeNet {
	return &fakeNet{nodes: make(map[string]*fakeNode), peers: make(map[string]*fakePeer)}
}

func (f *fakeNet) addNode(n *fakeNode) *fakeNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[n.addr] = n
	return n
}

func (f *fakeNet) addPeer(addr string) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := newFakePeer()
	f.peers[addr] = p
	return p
}

func (f *fakeNet) DialNode(ctx context.Context, addr string, opts NodeOptions) (NodeClient, error) {
	f.mu.Lock()
	n := f.nodes[addr]
	f.mu.Unlock()
	if n == nil {
		return nil, errDown
	}
	if _, err := n.Ping(ctx); err != nil {
		return nil, err
	}
	return n, nil
}

func (f *fakeNet) DialPeer(ctx context.Context, addr string) (PeerClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.peers[addr]
	if p == nil {
		return nil, errDown
	}
	return p, nil
}

// harness drives a Monitor on the test goroutine with a fake clock. Calls
// that would run on their own goroutine run inline and their results are
// queued until drain.
type harness struct {
	t      *testing.T
	m      *Monitor
	net    *fakeNet
	st     *store.Store
	now    time.Time
	queue  []func()
	events []events.Event
}

func testConfig(primaries ...config.Primary) *config.Config {
	cfg := config.Default()
	cfg.AnnounceIP = "10.0.9.1"
	cfg.AnnouncePort = 26379
	cfg.MyID = myID
	cfg.Primaries = primaries
	return cfg
}

func testPrimary(quorum int) config.Primary {
	return config.Primary{
		Name:            "mymaster",
		Addr:            primaryAddr,
		Quorum:          quorum,
		DownAfter:       5 * time.Second,
		FailoverTimeout: time.Minute,
	}
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	h := &harness{
		t:   t,
		net: newFakeNet(),
		st:  store.NewInmem(),
		now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.m = h.newMonitor(cfg)
	return h
}

func (h *harness) newMonitor(cfg *config.Config) *Monitor {
	h.t.Helper()
	m, err := New(cfg, h.net,
		WithClock(func() time.Time { return h.now }),
		WithEvents(events.SinkFunc(func(e events.Event) { h.events = append(h.events, e) })),
		WithStore(h.st),
		WithRand(rand.New(rand.NewSource(1))),
	)
	require.NoError(h.t, err)
	m.spawn = func(f func()) { f() }
	m.post = func(f func()) { h.queue = append(h.queue, f) }
	return m
}

// topology wires a primary with two replicas; replica2 has the larger
// offset and wins a promotion.
func (h *harness) topology() (p, r1, r2 *fakeNode) {
	p = h.net.addNode(newPrimaryNode(primaryAddr, replica1Addr, replica2Addr))
	r1 = h.net.addNode(newReplicaNode(replica1Addr, primaryAddr, 100))
	r2 = h.net.addNode(newReplicaNode(replica2Addr, primaryAddr, 200))
	return p, r1, r2
}

func (h *harness) drain() {
	for len(h.queue) > 0 {
		f := h.queue[0]
		h.queue = h.queue[1:]
		f()
	}
}

func (h *harness) tick() {
	h.m.tick()
	h.drain()
}

func (h *harness) advance(d time.Duration) {
	end := h.now.Add(d)
	for h.now.Before(end) {
		h.now = h.now.Add(step)
		h.tick()
	}
}

// advanceUntil ticks until typ is emitted or limit passes.
func (h *harness) advanceUntil(typ string, limit time.Duration) bool {
	end := h.now.Add(limit)
	for h.now.Before(end) {
		if h.has(typ) {
			return true
		}
		h.now = h.now.Add(step)
		h.tick()
	}
	return h.has(typ)
}

func (h *harness) primary() *Primary {
	p := h.m.primaries["mymaster"]
	require.NotNil(h.t, p)
	return p
}

func helloMsg(runID, addr string, epoch uint64, primary, primaryAt string, configEpoch uint64) string {
	ip, port, _ := config.SplitAddr(addr)
	pip, pport, _ := config.SplitAddr(primaryAt)
	return fmt.Sprintf("%s,%d,%s,%d,%s,%s,%d,%d", ip, port, runID, epoch, primary, pip, pport, configEpoch)
}

// hello publishes a peer's announcement for mymaster on via, as the peer
// would.
func (h *harness) hello(via *fakeNode, runID, addr string, epoch, configEpoch uint64) {
	via.deliver(helloMsg(runID, addr, epoch, "mymaster", primaryAddr, configEpoch))
	h.drain()
}

// withPeers makes peerB and peerC known for mymaster and waits for their
// links to come up.
func (h *harness) withPeers(via *fakeNode) (b, c *fakePeer) {
	h.advance(time.Second)
	b = h.net.addPeer(peerBAddr)
	c = h.net.addPeer(peerCAddr)
	h.hello(via, peerBID, peerBAddr, 0, 0)
	h.hello(via, peerCID, peerCAddr, 0, 0)
	h.advance(2 * time.Second)
	require.Len(h.t, h.primary().peers, 2)
	for _, pr := range h.primary().peers {
		require.False(h.t, pr.link.disconnected)
	}
	return b, c
}

func (h *harness) count(typ string) int {
	n := 0
	for _, e := range h.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (h *harness) has(typ string) bool {
	return h.count(typ) > 0
}

func (h *harness) find(typ string) (events.Event, bool) {
	for _, e := range h.events {
		if e.Type == typ {
			return e, true
		}
	}
	return events.Event{}, false
}

// requireOrder checks types were emitted in this order, other events
// allowed in between.
func (h *harness) requireOrder(types ...string) {
	h.t.Helper()
	i := 0
	for _, e := range h.events {
		if i < len(types) && e.Type == types[i] {
			i++
		}
	}
	if i < len(types) {
		var seen []string
		for _, e := range h.events {
			seen = append(seen, e.Type)
		}
		h.t.Fatalf("Expected %q after %v, events were %v", types[i], types[:i], seen)
	}
}

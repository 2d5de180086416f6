// Package monitor watches Redis primaries and their replicas, agrees with
// peer monitors on failure, and drives failover when a primary is gone.
//
// All state lives on one goroutine (the reactor). Network calls run on
// their own goroutines and post their results back through a queue, so
// nothing in here needs a lock.
package monitor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/sindef/redis-sentinel/pkg/config"
	"github.com/sindef/redis-sentinel/pkg/events"
	"github.com/sindef/redis-sentinel/pkg/metrics"
	"github.com/sindef/redis-sentinel/pkg/peer"
	"github.com/sindef/redis-sentinel/pkg/redis"
	"github.com/sindef/redis-sentinel/pkg/store"
)

// HelloChannel is the pub/sub channel monitors gossip on.
const HelloChannel = "__sentinel__:hello"

const (
	pingPeriod             = time.Second
	infoPeriod             = 10 * time.Second
	fastInfoPeriod         = time.Second
	helloPeriod            = 2 * time.Second
	askPeriod              = time.Second
	reconnectPeriod        = time.Second
	minLinkReconnectPeriod = 15 * time.Second
	tiltPeriod             = 30 * time.Second
	electionTimeout        = 10 * time.Second
	replicaReconfTimeout   = 10 * time.Second
	maxPendingCommands     = 100
	maxDesync              = time.Second

	// ticks this many intervals apart (or backwards) mean the process
	// was stalled or the clock jumped
	tiltTriggerTicks = 20
)

var (
	ErrNoSuchPrimary       = errors.New("no such primary")
	ErrDuplicatePrimary    = errors.New("duplicate primary name")
	ErrFailoverInProgress  = errors.New("failover already in progress")
	ErrNoGoodReplica       = errors.New("no good replica to promote")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrNoQuorum            = errors.New("not enough usable monitors to reach quorum")
	ErrNoAuthority         = errors.New("not enough usable monitors to authorize a failover")
	ErrStopped             = errors.New("monitor stopped")
	errAnnounceIPRequired  = errors.New("announce ip is required")
	errAnnouncePortInvalid = errors.New("announce port is invalid")
)

// NodeClient is a connection to a monitored Redis node.
type NodeClient interface {
	Ping(ctx context.Context) (bool, error)
	Info(ctx context.Context) (*redis.Info, error)
	Publish(ctx context.Context, channel, msg string) error
	ReplicaOf(ctx context.Context, host string, port int) error
	Subscribe(ctx context.Context, channel string, handler func(string)) (io.Closer, error)
	Close() error
}

// PeerClient is a connection to another monitor.
type PeerClient interface {
	Ping(ctx context.Context) (bool, error)
	IsPrimaryDown(ctx context.Context, req peer.DownRequest) (peer.DownReply, error)
	Close() error
}

// NodeOptions carries per-primary connection settings.
type NodeOptions struct {
	Username   string
	Password   string
	ClientName string
}

// Dialer opens connections. Both calls may block.
type Dialer interface {
	DialNode(ctx context.Context, addr string, opts NodeOptions) (NodeClient, error)
	DialPeer(ctx context.Context, addr string) (PeerClient, error)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithEvents sends every event to sink.
func WithEvents(sink events.Sink) Option {
	return func(m *Monitor) { m.sink = sink }
}

// WithStore persists state to s.
func WithStore(s *store.Store) Option {
	return func(m *Monitor) { m.store = s }
}

// WithMetrics publishes per-primary gauges to r.
func WithMetrics(r *metrics.Registry) Option {
	return func(m *Monitor) { m.metrics = r }
}

// WithRand sets the source used for start-time desync.
func WithRand(r *rand.Rand) Option {
	return func(m *Monitor) { m.rand = r }
}

// Monitor is the sentinel state machine.
type Monitor struct {
	cfg     *config.Config
	dialer  Dialer
	sink    events.Sink
	store   *store.Store
	metrics *metrics.Registry
	now     func() time.Time
	rand    *rand.Rand

	myID         string
	currentEpoch uint64
	announceIP   string
	announcePort int
	primaries    map[string]*Primary

	tilt         bool
	tiltStart    time.Time
	previousTick time.Time

	ctx     context.Context
	queue   chan func()
	stopped chan struct{}
	spawn   func(func())
	post    func(func())
}

// New builds a monitor from cfg and whatever state was persisted.
func New(cfg *config.Config, dialer Dialer, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		cfg:          cfg,
		dialer:       dialer,
		sink:         events.NewBus(),
		now:          time.Now,
		rand:         rand.New(rand.NewSource(time.Now().UnixNano())),
		announceIP:   cfg.AnnounceIP,
		announcePort: cfg.AnnouncePort,
		primaries:    make(map[string]*Primary),
		ctx:          context.Background(),
		queue:        make(chan func(), 1024),
		stopped:      make(chan struct{}),
	}
	m.spawn = func(f func()) { go f() }
	m.post = m.enqueue
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = store.NewInmem()
	}

	if m.announceIP == "" {
		return nil, errAnnounceIPRequired
	}
	if m.announcePort <= 0 || m.announcePort > 65535 {
		return nil, errAnnouncePortInvalid
	}

	if err := m.restore(); err != nil {
		return nil, err
	}
	m.previousTick = m.now().Round(0)
	m.flush()
	return m, nil
}

// ID returns this monitor's run id.
func (m *Monitor) ID() string {
	return m.myID
}

// Run drives the reactor until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.ctx = ctx
	klog.InfoS("Starting monitor", "id", m.myID, "primaries", len(m.primaries), "announce", fmt.Sprintf("%s:%d", m.announceIP, m.announcePort))

	timer := time.NewTimer(m.nextTick())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case f := <-m.queue:
			f()
		case <-timer.C:
			m.tick()
			timer.Reset(m.nextTick())
		}
	}
}

// nextTick spreads ticks between half and one full interval so monitors
// started together do not stay in lockstep.
func (m *Monitor) nextTick() time.Duration {
	half := m.cfg.TickInterval / 2
	if half <= 0 {
		return m.cfg.TickInterval
	}
	return half + time.Duration(m.rand.Int63n(int64(half)))
}

func (m *Monitor) shutdown() {
	close(m.stopped)
	for _, p := range m.primaries {
		m.releasePrimary(p)
	}
	klog.InfoS("Monitor stopped", "id", m.myID)
}

func (m *Monitor) enqueue(f func()) {
	select {
	case m.queue <- f:
	case <-m.stopped:
	}
}

// do runs fn on the reactor and waits for it.
func (m *Monitor) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case m.queue <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return ErrStopped
	}
}

func (m *Monitor) tick() {
	now := m.now()
	m.checkTilt(now)

	for _, p := range m.sortedPrimaries() {
		m.handlePrimary(p, now)
	}
	for _, p := range m.sortedPrimaries() {
		if p.failoverState == FailoverUpdateConfig {
			m.switchToPromoted(p)
		}
	}
	m.updateMetrics()
}

func (m *Monitor) handlePrimary(p *Primary, now time.Time) {
	m.handleInstance(&p.Instance, now, func(info *redis.Info) { m.applyPrimaryInfo(p, info) })

	if !m.tilt {
		m.checkODown(p, now)
		if m.startFailoverIfNeeded(p, now) {
			m.askPeers(p, true, now)
		}
		m.failoverStep(p, now)
		m.askPeers(p, false, now)
	}

	for _, r := range p.sortedReplicas() {
		m.handleInstance(&r.Instance, now, func(info *redis.Info) { m.applyReplicaInfo(r, info) })
	}
	for _, pr := range p.sortedPeers() {
		m.handleInstance(&pr.Instance, now, nil)
	}
}

func (m *Monitor) handleInstance(inst *Instance, now time.Time, apply func(*redis.Info)) {
	m.reconnect(inst, now)
	m.sendPeriodic(inst, now, apply)
	m.checkSDown(inst, now)
}

func (m *Monitor) sortedPrimaries() []*Primary {
	out := make([]*Primary, 0, len(m.primaries))
	for _, p := range m.primaries {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (m *Monitor) primaryByAddr(host string, port int) *Primary {
	for _, p := range m.primaries {
		if p.sameAddr(host, port) {
			return p
		}
	}
	return nil
}

// event emits an event about inst.
func (m *Monitor) event(level events.Level, typ string, inst *Instance, detail string) {
	e := events.Event{Level: level, Type: typ, Detail: detail, Time: m.now()}
	if inst != nil {
		e.Subject = inst.describe()
		e.Primary = inst.primaryName()
	}
	m.sink.Emit(e)
}

// notice emits an event that carries only a detail line.
func (m *Monitor) notice(level events.Level, typ, primary, detail string) {
	m.sink.Emit(events.Event{Level: level, Type: typ, Detail: detail, Primary: primary, Time: m.now()})
}

func (m *Monitor) randDesync() time.Duration {
	return time.Duration(m.rand.Int63n(int64(maxDesync)))
}

// observeEpoch adopts a newer epoch seen from a peer.
func (m *Monitor) observeEpoch(epoch uint64) {
	if epoch <= m.currentEpoch {
		return
	}
	m.currentEpoch = epoch
	m.flush()
	m.notice(events.Warning, "+new-epoch", "", fmt.Sprintf("%d", epoch))
}

func (m *Monitor) updateMetrics() {
	if m.metrics == nil {
		return
	}
	m.metrics.SetEpoch(m.currentEpoch)
	for _, p := range m.primaries {
		m.metrics.UpdatePrimary(metrics.PrimaryStats{
			Name:          p.name,
			SDown:         p.sdown,
			ODown:         p.odown,
			FailoverState: int(p.failoverState),
			ConfigEpoch:   p.configEpoch,
			Replicas:      len(p.replicas),
			Monitors:      len(p.peers),
			Pending:       p.link.pending,
		})
	}
}

// newRunID returns a random 40 character hex id.
func newRunID() string {
	a, b := uuid.New(), uuid.New()
	return hex.EncodeToString(a[:]) + hex.EncodeToString(b[:4])
}

package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sindef/redis-sentinel/pkg/config"
)

func TestParseHello(t *testing.T) {
	tests := []struct {
		name    string
		msg     string
		want    hello
		wantErr bool
	}{
		{
			name: "valid",
			msg:  "10.0.9.2,26379," + peerBID + ",7,mymaster,10.0.0.1,6379,3",
			want: hello{
				ip: "10.0.9.2", port: 26379, runID: peerBID, epoch: 7,
				primary: "mymaster", primaryIP: "10.0.0.1", primaryPort: 6379, configEpoch: 3,
			},
		},
		{name: "too few fields", msg: "10.0.9.2,26379," + peerBID + ",7,mymaster,10.0.0.1,6379", wantErr: true},
		{name: "too many fields", msg: "10.0.9.2,26379," + peerBID + ",7,mymaster,10.0.0.1,6379,3,x", wantErr: true},
		{name: "bad port", msg: "10.0.9.2,port," + peerBID + ",7,mymaster,10.0.0.1,6379,3", wantErr: true},
		{name: "negative epoch", msg: "10.0.9.2,26379," + peerBID + ",-1,mymaster,10.0.0.1,6379,3", wantErr: true},
		{name: "bad config epoch", msg: "10.0.9.2,26379," + peerBID + ",7,mymaster,10.0.0.1,6379,x", wantErr: true},
		{name: "empty run id", msg: "10.0.9.2,26379,,7,mymaster,10.0.0.1,6379,3", wantErr: true},
		{name: "empty", msg: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseHello(tt.msg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHelloDiscoversPeer(t *testing.T) {
	h := newHarness(t, testConfig(testPrimary(2)))
	pn, _, _ := h.topology()
	h.net.addPeer(peerBAddr)
	h.advance(time.Second)

	h.hello(pn, peerBID, peerBAddr, 0, 0)
	h.hello(pn, peerBID, peerBAddr, 0, 0)

	p := h.primary()
	require.Contains(t, p.peers, peerBID)
	assert.Equal(t, peerBAddr, p.peers[peerBID].addr())
	assert.Equal(t, 1, h.count("+sentinel"))

	e, _ := h.find("+sentinel")
	assert.Equal(t, "sentinel 10.0.9.2:26379 10.0.9.2 26379 @ mymaster 10.0.0.1 6379", e.Subject)

	h.advance(2 * time.Second)
	pr := p.peers[peerBID]
	assert.False(t, pr.link.disconnected)
	assert.False(t, pr.sdown)
	assert.False(t, pr.lastHelloTime.IsZero())

	st, err := h.st.Load()
	require.NoError(t, err)
	require.Len(t, st.Primaries, 1)
	require.Len(t, st.Primaries[0].Peers, 1)
	assert.Equal(t, peerBID, st.Primaries[0].Peers[0].RunID)
}

func TestHelloIgnored(t *testing.T) {
	tests := []struct {
		name string
		msg  string
	}{
		{name: "own hello", msg: helloMsg(myID, "10.0.9.1:26379", 0, "mymaster", primaryAddr, 0)},
		{name: "malformed", msg: "not,a,hello"},
		{name: "unknown primary", msg: helloMsg(peerBID, peerBAddr, 0, "other", primaryAddr, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(testPrimary(2)))
			h.m.processHello(tt.msg)
			assert.Empty(t, h.primary().peers)
			assert.Empty(t, h.events)
		})
	}
}

func TestHelloAddressSwitch(t *testing.T) {
	h := newHarness(t, testConfig(testPrimary(2)))
	h.m.processHello(helloMsg(peerBID, peerBAddr, 0, "mymaster", primaryAddr, 0))
	old := h.primary().peers[peerBID]

	h.m.processHello(helloMsg(peerBID, "10.0.9.7:26379", 0, "mymaster", primaryAddr, 0))
	require.True(t, h.has("+sentinel-address-switch"))
	assert.Equal(t, 1, h.count("+sentinel"))

	pr := h.primary().peers[peerBID]
	assert.Equal(t, "10.0.9.7:26379", pr.addr())
	assert.True(t, old.released)
	assert.True(t, old.link.closed)
	assert.Len(t, h.primary().peers, 1)
}

func TestHelloInvalidatesStaleAddress(t *testing.T) {
	h := newHarness(t, testConfig(testPrimary(2)))
	h.m.processHello(helloMsg(peerBID, peerBAddr, 0, "mymaster", primaryAddr, 0))
	h.m.processHello(helloMsg(peerCID, peerBAddr, 0, "mymaster", primaryAddr, 0))

	require.True(t, h.has("+sentinel-invalid-addr"))
	p := h.primary()
	assert.Equal(t, 0, p.peers[peerBID].port)
	assert.Equal(t, peerBAddr, p.peers[peerCID].addr())

	// a peer without a usable address is not persisted
	st, err := h.st.Load()
	require.NoError(t, err)
	require.Len(t, st.Primaries[0].Peers, 1)
	assert.Equal(t, peerCID, st.Primaries[0].Peers[0].RunID)

	// and never dialled
	h.advance(2 * time.Second)
	assert.True(t, p.peers[peerBID].link.disconnected)
}

func TestHelloAdoptsNewerConfig(t *testing.T) {
	h := newHarness(t, testConfig(testPrimary(2)))
	h.topology()
	h.advance(3 * time.Second)

	h.m.processHello(helloMsg(peerBID, peerBAddr, 3, "mymaster", replica2Addr, 2))
	p := h.primary()
	assert.Equal(t, uint64(3), h.m.currentEpoch)
	assert.Equal(t, uint64(2), p.configEpoch)
	assert.Equal(t, replica2Addr, p.addr())
	assert.ElementsMatch(t, []string{primaryAddr, replica1Addr}, keys(p.replicas))
	h.requireOrder("+new-epoch", "+config-update-from", "+switch-master")

	e, _ := h.find("+switch-master")
	assert.Equal(t, "mymaster 10.0.0.1 6379 10.0.0.3 6379", e.Detail)

	// replays and older configurations change nothing
	h.m.processHello(helloMsg(peerBID, peerBAddr, 3, "mymaster", replica2Addr, 2))
	h.m.processHello(helloMsg(peerBID, peerBAddr, 3, "mymaster", replica1Addr, 1))
	assert.Equal(t, 1, h.count("+switch-master"))
	assert.Equal(t, replica2Addr, p.addr())

	// same address with a newer epoch only bumps the epoch
	h.m.processHello(helloMsg(peerBID, peerBAddr, 3, "mymaster", replica2Addr, 4))
	assert.Equal(t, uint64(4), p.configEpoch)
	assert.Equal(t, 1, h.count("+switch-master"))

	st, err := h.st.Load()
	require.NoError(t, err)
	assert.Equal(t, replica2Addr, st.Primaries[0].Addr)
	assert.Equal(t, uint64(4), st.Primaries[0].ConfigEpoch)
}

func TestPeerLinkShared(t *testing.T) {
	h := newHarness(t, testConfig(testPrimary(2), config.Primary{Name: "cache", Addr: "10.0.1.1:6379", Quorum: 1}))
	h.net.addPeer(peerBAddr)

	h.m.processHello(helloMsg(peerBID, peerBAddr, 0, "mymaster", primaryAddr, 0))
	h.m.processHello(helloMsg(peerBID, peerBAddr, 0, "cache", "10.0.1.1:6379", 0))

	a := h.m.primaries["mymaster"].peers[peerBID]
	b := h.m.primaries["cache"].peers[peerBID]
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Same(t, a.link, b.link)
	assert.Equal(t, 2, a.link.refcount)

	// an address change seen under one primary moves both records
	h.m.processHello(helloMsg(peerBID, "10.0.9.7:26379", 0, "cache", "10.0.1.1:6379", 0))
	a = h.m.primaries["mymaster"].peers[peerBID]
	b = h.m.primaries["cache"].peers[peerBID]
	assert.Equal(t, "10.0.9.7:26379", a.addr())
	assert.Equal(t, "10.0.9.7:26379", b.addr())
	assert.Same(t, a.link, b.link)
	assert.True(t, h.has("+sentinel-address-update"))

	// removing one primary keeps the link open for the other
	h.m.removePrimary(h.m.primaries["cache"])
	assert.False(t, a.link.closed)
	assert.Equal(t, 1, a.link.refcount)
}

func TestStaleSubscriptionMessagesDropped(t *testing.T) {
	h := newHarness(t, testConfig(testPrimary(2)))
	pn, _, _ := h.topology()
	h.advance(time.Second)

	p := h.primary()
	gen := p.link.subGen
	h.m.closePubSub(p.link)

	h.m.receiveHello(&p.Instance, p.link, gen, helloMsg(peerBID, peerBAddr, 0, "mymaster", primaryAddr, 0))
	assert.Empty(t, p.peers)

	// the resubscribed connection delivers again
	h.advance(2 * time.Second)
	h.hello(pn, peerBID, peerBAddr, 0, 0)
	assert.Contains(t, p.peers, peerBID)
}

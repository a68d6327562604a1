package peermgr

import (
	"fmt"
	"net/netip"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/multiless"

	"github.com/petrel-bt/peermgr/pex"
)

// PeerInfo is the durable record for a peer address. It survives across
// connects and disconnects and is the unit the pools are keyed on.
type PeerInfo struct {
	listenAddr netip.Addr
	// Unknown for peers only seen via an incoming connection, until they
	// send a port message.
	listenPort g.Option[uint16]

	fromFirst PeerSource
	fromBest  PeerSource
	pexFlags  pex.Flags

	connectionFailureCount uint32
	connectionAttemptTime  time.Time
	latestPieceDataTime    time.Time

	isSeed bool
	banned bool

	// Whether a PeerMsgs or an outgoing handshake currently references
	// this record.
	connected         bool
	outgoingHandshake bool

	connectable g.Option[bool]
	supportsUtp g.Option[bool]
	// Memoized; invalidated when the session blocklist changes.
	blocklisted g.Option[bool]
}

func newPeerInfo(addr netip.Addr, from PeerSource) *PeerInfo {
	return &PeerInfo{
		listenAddr: addr.Unmap(),
		fromFirst:  from,
		fromBest:   from,
	}
}

func newListeningPeerInfo(ap netip.AddrPort, from PeerSource) *PeerInfo {
	info := newPeerInfo(ap.Addr(), from)
	info.listenPort.Set(ap.Port())
	return info
}

func (me *PeerInfo) ListenAddr() netip.Addr { return me.listenAddr }

func (me *PeerInfo) ListenSocketAddr() (_ g.Option[netip.AddrPort]) {
	if !me.listenPort.Ok {
		return
	}
	return g.Some(netip.AddrPortFrom(me.listenAddr, me.listenPort.Value))
}

func (me *PeerInfo) FromFirst() PeerSource { return me.fromFirst }
func (me *PeerInfo) FromBest() PeerSource  { return me.fromBest }

func (me *PeerInfo) FoundAt(from PeerSource) {
	if from < me.fromBest {
		me.fromBest = from
	}
}

func (me *PeerInfo) SetPexFlags(flags pex.Flags) {
	me.pexFlags |= flags
	if flags.Get(pex.SeedUploadOnly) {
		me.isSeed = true
	}
	if flags.Get(pex.SupportsUtp) {
		me.supportsUtp.Set(true)
	}
	if flags.Get(pex.Connectable) {
		me.connectable.Set(true)
	}
}

func (me *PeerInfo) PexFlags() pex.Flags { return me.pexFlags }

func (me *PeerInfo) IsSeed() bool    { return me.isSeed }
func (me *PeerInfo) SetSeed(s bool)  { me.isSeed = s }
func (me *PeerInfo) IsBanned() bool  { return me.banned }
func (me *PeerInfo) Ban()            { me.banned = true }
func (me *PeerInfo) IsConnected() bool { return me.connected }

func (me *PeerInfo) isInUse() bool {
	return me.connected || me.outgoingHandshake
}

func (me *PeerInfo) onConnectionFailed() {
	me.connectionFailureCount++
}

func (me *PeerInfo) setConnectionAttemptTime(now time.Time) {
	me.connectionAttemptTime = now
}

func (me *PeerInfo) setLatestPieceDataTime(now time.Time) {
	me.latestPieceDataTime = now
}

// Ascending backoff between dial attempts, keyed on how often the
// address has failed us.
var reconnectSchedule = []time.Duration{
	10 * time.Second,
	60 * time.Second,
	180 * time.Second,
	300 * time.Second,
	600 * time.Second,
	1200 * time.Second,
	3600 * time.Second,
}

func (me *PeerInfo) reconnectIntervalHasPassed(now time.Time) bool {
	if me.connectionAttemptTime.IsZero() {
		return true
	}
	i := int(me.connectionFailureCount)
	if i >= len(reconnectSchedule) {
		i = len(reconnectSchedule) - 1
	}
	return now.Sub(me.connectionAttemptTime) >= reconnectSchedule[i]
}

// Merge folds another record for the same peer into this one. Used when
// a port announcement reveals that two pool entries are one peer.
func (me *PeerInfo) merge(other *PeerInfo) {
	me.pexFlags |= other.pexFlags
	me.FoundAt(other.fromBest)
	me.connectionFailureCount += other.connectionFailureCount
	if other.connectionAttemptTime.After(me.connectionAttemptTime) {
		me.connectionAttemptTime = other.connectionAttemptTime
	}
	if other.latestPieceDataTime.After(me.latestPieceDataTime) {
		me.latestPieceDataTime = other.latestPieceDataTime
	}
	me.isSeed = me.isSeed || other.isSeed
	me.banned = me.banned || other.banned
	if !me.connectable.Ok {
		me.connectable = other.connectable
	}
	if !me.supportsUtp.Ok {
		me.supportsUtp = other.supportsUtp
	}
}

func (me *PeerInfo) String() string {
	port := "?"
	if me.listenPort.Ok {
		port = fmt.Sprintf("%d", me.listenPort.Value)
	}
	return fmt.Sprintf("%v:%v", me.listenAddr, port)
}

// compareByUsefulness reports whether a is the better peer to keep,
// gossip, or dial: fresher piece data first, then the more trusted
// source, then the cleaner connection history.
func compareByUsefulness(a, b *PeerInfo) bool {
	return multiless.New().CmpInt64(
		b.latestPieceDataTime.Sub(a.latestPieceDataTime).Nanoseconds()).Int(
		int(a.fromBest), int(b.fromBest)).Uint32(
		a.connectionFailureCount, b.connectionFailureCount,
	).Less()
}

package peermgr

import (
	"time"

	"github.com/RoaringBitmap/roaring"
)

// Peer pairs an established PeerMsgs with the durable PeerInfo it
// represents. The info pointer is non-owning: the record lives in one of
// the swarm's pools and may be migrated between them while we hold it.
type Peer struct {
	msgs  PeerMsgs
	info  *PeerInfo
	swarm *Swarm

	doPurge bool
	strikes int

	// Pieces this peer contributed data to, for strike attribution when a
	// piece fails verification.
	blame roaring.Bitmap

	connectedTime time.Time

	// Rolling windows of recent transfer activity, for peer stats.
	blocksSentToPeer    recentCounter
	blocksSentToClient  recentCounter
	cancelsSentToPeer   recentCounter
	cancelsSentToClient recentCounter
}

func (me *Peer) Info() *PeerInfo { return me.info }

func (me *Peer) markForPurge() { me.doPurge = true }

func (me *Peer) isSeed() bool {
	return me.msgs.IsSeed() || me.info.IsSeed()
}

func (me *Peer) idleSince(now time.Time) time.Duration {
	ref := me.info.latestPieceDataTime
	if ref.IsZero() || me.connectedTime.After(ref) {
		ref = me.connectedTime
	}
	return now.Sub(ref)
}

func (me *Peer) cancelBlock(b BlockIndex) {
	piece, offset, length := me.swarm.blockLoc(b)
	me.msgs.Cancel(piece, offset, length)
	me.cancelsSentToPeer.Add(time.Now())
}

// strike records a misbehavior. At the threshold the peer's address is
// banned and the connection queued for the next reap.
func (me *Peer) strike() {
	me.strikes++
	if me.strikes >= maxBadPiecesPerPeer {
		me.info.Ban()
		me.markForPurge()
	}
}

// recentCounter counts events within a sliding window without storing
// more than a coarse pair of buckets.
type recentCounter struct {
	bucketStart time.Time
	cur, prev   uint32
}

func (me *recentCounter) Add(now time.Time) {
	me.rotate(now)
	me.cur++
}

func (me *recentCounter) Count(now time.Time) uint32 {
	me.rotate(now)
	return me.cur + me.prev
}

func (me *recentCounter) rotate(now time.Time) {
	for now.Sub(me.bucketStart) >= cancelHistory {
		if now.Sub(me.bucketStart) >= 2*cancelHistory {
			me.bucketStart = now
			me.cur, me.prev = 0, 0
			return
		}
		me.bucketStart = me.bucketStart.Add(cancelHistory)
		me.prev = me.cur
		me.cur = 0
	}
}

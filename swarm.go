package peermgr

import (
	"net/netip"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/google/btree"
)

// Swarm is the per-torrent aggregate: the three address pools, the
// connected peers, outstanding block requests, webseeds, and the
// outgoing-handshake table. All access is under the manager's session
// lock.
type Swarm struct {
	manager *PeerMgr
	tor     Torrent
	logger  log.Logger

	// Peers whose listening address we know, keyed by it.
	connectablePool map[netip.AddrPort]*PeerInfo
	// Peers only known by the ephemeral address of an incoming
	// connection; at most one entry per IP.
	incomingPool map[netip.AddrPort]*PeerInfo
	// Recently displaced records, kept for their history and ban state.
	graveyardPool  map[netip.AddrPort]*PeerInfo
	graveyardOrder *btree.BTreeG[graveyardEntry]

	peers []*Peer

	optimistic                  *Peer
	optimisticUnchokeTimeScaler int

	webseeds        []Webseed
	webseedRequests map[Webseed]*webseedRequester

	requests           activeRequests
	outgoingHandshakes map[netip.AddrPort]Handshake

	isRunning bool
	endgame   bool

	// Cached "every known peer is a seed", cleared on pool mutation.
	poolIsAllSeeds g.Option[bool]

	unsubscribers []func()
}

type graveyardEntry struct {
	displacedAt time.Time
	key         netip.AddrPort
}

func graveyardLess(a, b graveyardEntry) bool {
	if !a.displacedAt.Equal(b.displacedAt) {
		return a.displacedAt.Before(b.displacedAt)
	}
	return a.key.Compare(b.key) < 0
}

func newSwarm(mgr *PeerMgr, tor Torrent) *Swarm {
	s := &Swarm{
		manager:            mgr,
		tor:                tor,
		logger:             mgr.logger.WithNames("swarm"),
		connectablePool:    make(map[netip.AddrPort]*PeerInfo),
		incomingPool:       make(map[netip.AddrPort]*PeerInfo),
		graveyardPool:      make(map[netip.AddrPort]*PeerInfo),
		graveyardOrder:     btree.NewG(2, graveyardLess),
		webseedRequests:    make(map[Webseed]*webseedRequester),
		outgoingHandshakes: make(map[netip.AddrPort]Handshake),
		isRunning:          tor.IsRunning(),
	}
	sig := tor.Signals()
	s.unsubscribers = append(s.unsubscribers,
		sig.Started.Subscribe(func(struct{}) { s.onTorrentStarted() }),
		sig.Stopped.Subscribe(func(struct{}) { s.stop() }),
		sig.Done.Subscribe(func(struct{}) { s.onTorrentDone() }),
		sig.Doomed.Subscribe(func(struct{}) { s.onTorrentDoomed() }),
		sig.GotMetainfo.Subscribe(func(struct{}) { s.onGotMetainfo() }),
		sig.SwarmIsAllSeeds.Subscribe(func(struct{}) { s.onSwarmIsAllSeeds() }),
		sig.PieceCompleted.Subscribe(func(PieceIndex) { s.updateInterest() }),
		sig.GotBadPiece.Subscribe(func(p PieceIndex) { s.onGotBadPiece(p) }),
	)
	s.rebuildWebseeds()
	return s
}

func (s *Swarm) peerCount() int { return len(s.peers) }

func (s *Swarm) isFull() bool {
	return s.peerCount() >= s.tor.PeerLimit()
}

// Block geometry. Blocks are indexed contiguously across the torrent.

func (s *Swarm) blocksPerPiece() BlockIndex {
	if s.tor.PieceCount() == 0 {
		return 0
	}
	return s.tor.PieceBlockSpan(0).End
}

func (s *Swarm) blockFromLoc(piece PieceIndex, offset uint32) BlockIndex {
	return s.tor.PieceBlockSpan(piece).Begin + BlockIndex(offset/BlockSize)
}

func (s *Swarm) blockLoc(b BlockIndex) (piece PieceIndex, offset uint32, length uint32) {
	bpp := s.blocksPerPiece()
	panicif.Eq(bpp, 0)
	piece = PieceIndex(b / bpp)
	offset = uint32(b-s.tor.PieceBlockSpan(piece).Begin) * BlockSize
	pieceLen := s.tor.PieceSizeBytes(piece)
	length = BlockSize
	if rem := pieceLen - uint64(offset); rem < BlockSize {
		length = uint32(rem)
	}
	return
}

// Pools.

func (s *Swarm) poolsDirty() {
	s.poolIsAllSeeds.SetNone()
}

func (s *Swarm) isAllSeeds() bool {
	if !s.poolIsAllSeeds.Ok {
		all := true
		for _, info := range s.connectablePool {
			if !info.IsSeed() {
				all = false
				break
			}
		}
		if all {
			for _, info := range s.incomingPool {
				if !info.IsSeed() {
					all = false
					break
				}
			}
		}
		s.poolIsAllSeeds.Set(all)
	}
	return s.poolIsAllSeeds.Value
}

// ensureInfoExists finds or creates the record for a listening address,
// resurrecting graveyarded history when the address reappears.
func (s *Swarm) ensureInfoExists(ap netip.AddrPort, from PeerSource) *PeerInfo {
	if info, ok := s.connectablePool[ap]; ok {
		info.FoundAt(from)
		return info
	}
	s.poolsDirty()
	if info, ok := s.graveyardPool[ap]; ok {
		delete(s.graveyardPool, ap)
		s.graveyardOrder.Ascend(func(e graveyardEntry) bool {
			if e.key == ap {
				s.graveyardOrder.Delete(e)
				return false
			}
			return true
		})
		info.FoundAt(from)
		s.connectablePool[ap] = info
		return info
	}
	info := newListeningPeerInfo(ap, from)
	s.connectablePool[ap] = info
	return info
}

func (s *Swarm) buryInfo(key netip.AddrPort, info *PeerInfo, now time.Time) {
	if len(s.graveyardPool) >= graveyardCapacity {
		if oldest, ok := s.graveyardOrder.DeleteMin(); ok {
			delete(s.graveyardPool, oldest.key)
		}
	}
	s.graveyardPool[key] = info
	s.graveyardOrder.ReplaceOrInsert(graveyardEntry{displacedAt: now, key: key})
}

// Peer admission, called from handshake completion.

func (s *Swarm) createPeer(io PeerIo, info *PeerInfo, now time.Time) *Peer {
	io.SetBandwidth(s.tor.Bandwidth())
	p := &Peer{
		info:          info,
		swarm:         s,
		connectedTime: now,
	}
	p.msgs = s.manager.session.NewPeerMsgs(s.tor, io, func(ev PeerEvent) {
		s.onPeerEvent(p, ev)
	})
	info.connected = true
	s.peers = append(s.peers, p)
	s.logger.Levelf(log.Debug, "added peer %v, now %v in swarm", info, len(s.peers))
	return p
}

func (s *Swarm) removePeer(p *Peer) {
	s.requests.RemovePeer(p)
	for i, q := range s.peers {
		if q == p {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			break
		}
	}
	if s.optimistic == p {
		s.optimistic = nil
		s.optimisticUnchokeTimeScaler = 0
	}
	p.info.connected = false
	_ = p.msgs.Close()
}

func (s *Swarm) removeAllPeers() {
	for len(s.peers) > 0 {
		s.removePeer(s.peers[len(s.peers)-1])
	}
}

// Peer events: protocol upcalls from the wire layer.

func (s *Swarm) onPeerEvent(p *Peer, ev PeerEvent) {
	now := time.Now()
	switch ev.Type {
	case PeerClientSentPieceData:
		s.tor.AddUploadedBytes(uint64(ev.Length))
		s.manager.session.AddUploadedBytes(uint64(ev.Length))
		p.info.setLatestPieceDataTime(now)
		p.blocksSentToPeer.Add(now)
	case PeerClientGotPieceData:
		s.tor.AddDownloadedBytes(uint64(ev.Length))
		s.manager.session.AddDownloadedBytes(uint64(ev.Length))
		p.info.setLatestPieceDataTime(now)
	case PeerClientGotChoke:
		s.requests.RemovePeer(p)
	case PeerClientGotRej:
		s.requests.Remove(s.blockFromLoc(ev.Piece, ev.Offset), p)
	case PeerClientGotBlock:
		s.onGotBlock(p, ev.Piece, ev.Offset, now)
	case PeerClientGotPort:
		s.onGotPort(p, ev.Port, now)
	case PeerError:
		s.onPeerError(p, ev.Err)
	default:
		// Bitfield, Have*, Suggest, AllowedFast: other subsystems consume
		// these.
	}
}

func (s *Swarm) onGotBlock(p *Peer, piece PieceIndex, offset uint32, now time.Time) {
	b := s.blockFromLoc(piece, offset)
	// Every other requester of this block gets an explicit cancel before
	// the block is acknowledged upward.
	for _, from := range s.requests.RemoveBlock(b) {
		if from != requester(p) {
			from.cancelBlock(b)
		}
	}
	p.blame.Add(uint32(piece))
	p.blocksSentToClient.Add(now)
	p.info.setLatestPieceDataTime(now)
	_, _, length := s.blockLoc(b)
	s.tor.GotBlock(piece, offset, length)
	s.endgame = s.endgameReached()
}

func (s *Swarm) onPeerError(p *Peer, err error) {
	if isPeerProtocolViolation(err) {
		s.logger.Levelf(log.Warning, "peer %v protocol violation: %v", p.info, err)
		p.markForPurge()
		return
	}
	s.logger.Levelf(log.Debug, "peer %v error: %v", p.info, err)
}

// Port learning and pool migration.

func (s *Swarm) onGotPort(p *Peer, port uint16, now time.Time) {
	if port == 0 {
		return
	}
	info := p.info
	if info.listenPort.Ok && info.listenPort.Value == port {
		return
	}
	target := netip.AddrPortFrom(info.ListenAddr(), port)
	var oldKey netip.AddrPort
	var oldPool map[netip.AddrPort]*PeerInfo
	if info.listenPort.Ok {
		oldKey = netip.AddrPortFrom(info.ListenAddr(), info.listenPort.Value)
		oldPool = s.connectablePool
	} else {
		oldKey = s.incomingKeyFor(info)
		oldPool = s.incomingPool
	}
	if existing, ok := s.connectablePool[target]; ok && existing != info {
		s.resolvePortCollision(p, info, existing, target, oldKey, oldPool, now)
		return
	}
	// Re-key without invalidating the live reference.
	delete(oldPool, oldKey)
	info.listenPort.Set(port)
	s.connectablePool[target] = info
	s.poolsDirty()
}

func (s *Swarm) incomingKeyFor(info *PeerInfo) netip.AddrPort {
	for key, candidate := range s.incomingPool {
		if candidate == info {
			return key
		}
	}
	panic("peer info missing from incoming pool")
}

func (s *Swarm) resolvePortCollision(
	p *Peer,
	info, existing *PeerInfo,
	target, oldKey netip.AddrPort,
	oldPool map[netip.AddrPort]*PeerInfo,
	now time.Time,
) {
	defer s.poolsDirty()
	if existing.IsConnected() {
		// Two live connections claim one listen address. Keep the more
		// useful one; the loser's record goes to the graveyard so its
		// history isn't lost.
		var winner, loser *PeerInfo
		if compareByUsefulness(existing, info) {
			winner, loser = existing, info
		} else {
			winner, loser = info, existing
		}
		for _, q := range s.peers {
			if q.info == loser {
				q.markForPurge()
			}
		}
		winner.merge(loser)
		if loser == info {
			delete(oldPool, oldKey)
			s.buryInfo(oldKey, loser, now)
		} else {
			delete(s.connectablePool, target)
			s.buryInfo(target, loser, now)
			delete(oldPool, oldKey)
			info.listenPort.Set(target.Port())
			s.connectablePool[target] = info
		}
		return
	}
	// The entry at the target isn't in use: fold it into the live one.
	info.merge(existing)
	delete(s.connectablePool, target)
	delete(oldPool, oldKey)
	info.listenPort.Set(target.Port())
	s.connectablePool[target] = info
}

// Strikes.

func (s *Swarm) onGotBadPiece(piece PieceIndex) {
	for _, p := range s.peers {
		if p.blame.Contains(uint32(piece)) {
			p.strike()
			if p.info.IsBanned() {
				s.logger.Levelf(log.Debug, "banned %v after %v bad pieces", p.info, p.strikes)
			}
		}
	}
}

// Request bookkeeping and endgame.

func (s *Swarm) clientSentRequests(from requester, span BlockSpan, now time.Time) {
	for b := span.Begin; b < span.End; b++ {
		s.requests.Add(b, from, now)
	}
	s.updateEndgame()
}

// cancelOldRequests drops requests older than the TTL, telling each peer
// so it doesn't waste upstream on them.
func (s *Swarm) cancelOldRequests(now time.Time) {
	cutoff := now.Add(-requestTtl)
	for _, pair := range s.requests.SentBefore(cutoff) {
		pair.from.cancelBlock(pair.block)
		s.requests.Remove(pair.block, pair.from)
	}
	s.updateEndgame()
}

// Endgame: when what's outstanding covers what's left, the wishlist may
// hand out duplicate requests. Latches on, and only a completed block
// reconsiders it.
func (s *Swarm) updateEndgame() {
	if !s.endgame {
		s.endgame = s.endgameReached()
	}
}

func (s *Swarm) endgameReached() bool {
	return uint64(s.requests.Size())*BlockSize >= s.tor.LeftUntilDone()
}

func (s *Swarm) isEndgame() bool { return s.endgame }

func (s *Swarm) nextRequests(p *Peer, numWant int) []BlockSpan {
	s.updateEndgame()
	return s.tor.Wishlist().Next(requestView{s: s, p: p}, numWant)
}

// Interest: we are interested in a peer iff the torrent is not done, has
// its metainfo, and the peer is a seed or has at least one wanted piece.
// Whether another peer could serve the same pieces is not considered.
func (s *Swarm) updateInterest() {
	for _, p := range s.peers {
		p.msgs.SetInterested(s.isPeerInteresting(p))
	}
}

func (s *Swarm) isPeerInteresting(p *Peer) bool {
	if s.tor.IsDone() || !s.tor.HasMetainfo() {
		return false
	}
	if p.isSeed() {
		return true
	}
	for piece := PieceIndex(0); piece < s.tor.PieceCount(); piece++ {
		if s.tor.PieceIsWanted(piece) && p.msgs.HasPiece(piece) {
			return true
		}
	}
	return false
}

// Webseeds.

type webseedRequester struct {
	ws Webseed
}

func (me *webseedRequester) cancelBlock(BlockIndex) {}

func (s *Swarm) rebuildWebseeds() {
	for _, ws := range s.webseeds {
		s.requests.RemovePeer(s.webseedRequests[ws])
		delete(s.webseedRequests, ws)
		_ = ws.Close()
	}
	s.webseeds = s.webseeds[:0]
	if !s.tor.HasMetainfo() {
		return
	}
	for _, url := range s.tor.WebseedUrls() {
		ws := s.manager.session.NewWebseed(s.tor, url, func(ev PeerEvent) {
			s.onWebseedEvent(ev)
		})
		s.webseeds = append(s.webseeds, ws)
		s.webseedRequests[ws] = &webseedRequester{ws: ws}
	}
}

func (s *Swarm) onWebseedEvent(ev PeerEvent) {
	switch ev.Type {
	case PeerClientGotPieceData:
		s.tor.AddDownloadedBytes(uint64(ev.Length))
		s.manager.session.AddDownloadedBytes(uint64(ev.Length))
	case PeerClientGotBlock:
		b := s.blockFromLoc(ev.Piece, ev.Offset)
		for _, from := range s.requests.RemoveBlock(b) {
			if _, isWebseed := from.(*webseedRequester); !isWebseed {
				from.cancelBlock(b)
			}
		}
		_, _, length := s.blockLoc(b)
		s.tor.GotBlock(ev.Piece, ev.Offset, length)
		s.endgame = s.endgameReached()
	}
}

// Torrent signal handlers. These run inside the emitter's critical
// section.

func (s *Swarm) onTorrentStarted() {
	s.isRunning = true
	s.manager.rechokeSoon()
}

func (s *Swarm) onTorrentDone() {
	s.updateInterest()
	s.manager.rechokeSoon()
}

func (s *Swarm) onGotMetainfo() {
	s.rebuildWebseeds()
	s.updateInterest()
}

func (s *Swarm) onSwarmIsAllSeeds() {
	for _, info := range s.connectablePool {
		info.SetSeed(true)
	}
	for _, info := range s.incomingPool {
		info.SetSeed(true)
	}
	s.poolsDirty()
}

func (s *Swarm) stop() {
	s.isRunning = false
	s.removeAllPeers()
	for addr, hs := range s.outgoingHandshakes {
		hs.Abort()
		delete(s.outgoingHandshakes, addr)
	}
}

func (s *Swarm) onTorrentDoomed() {
	s.stop()
	for _, unsub := range s.unsubscribers {
		unsub()
	}
	s.unsubscribers = nil
	delete(s.manager.swarms, s.tor.ID())
}

func (s *Swarm) invalidateBlocklistCache() {
	for _, info := range s.connectablePool {
		info.blocklisted.SetNone()
	}
	for _, info := range s.incomingPool {
		info.blocklisted.SetNone()
	}
	for _, info := range s.graveyardPool {
		info.blocklisted.SetNone()
	}
}

func (s *Swarm) infoIsBlocklisted(info *PeerInfo) bool {
	if !info.blocklisted.Ok {
		info.blocklisted.Set(s.manager.session.AddressIsBlocked(info.ListenAddr()))
	}
	return info.blocklisted.Value
}

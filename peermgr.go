package peermgr

import (
	"net/netip"
	"sort"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"golang.org/x/time/rate"

	"github.com/petrel-bt/peermgr/pex"
)

// PeerMgr owns the session-level peer machinery: one swarm per torrent,
// the incoming-handshake table, the cached outbound candidate list, the
// dial rate limiter, and the timers that drive the pulses. One mutex
// serializes everything; timer callbacks and collaborator upcalls take
// it before touching state.
type PeerMgr struct {
	mu      sync.Mutex
	logger  log.Logger
	session Session

	swarms             map[TorrentID]*Swarm
	incomingHandshakes map[netip.AddrPort]Handshake

	outboundCandidates    []outboundCandidate
	outboundCandidatesAge int

	dialLimiter *rate.Limiter

	bandwidthTimer Timer
	rechokeTimer   Timer
	refillTimer    Timer

	unsubscribeBlocklist func()

	closed chansync.SetOnce
}

func New(session Session, logger log.Logger) *PeerMgr {
	m := &PeerMgr{
		logger:             logger.WithNames("peermgr"),
		session:            session,
		swarms:             make(map[TorrentID]*Swarm),
		incomingHandshakes: make(map[netip.AddrPort]Handshake),
		outboundCandidates: make([]outboundCandidate, 0, outboundCandidateListCapacity),
		dialLimiter:        newDialLimiter(),
	}
	m.unsubscribeBlocklist = session.Signals().BlocklistChanged.Subscribe(func(struct{}) {
		m.onBlocklistChanged()
	})
	m.bandwidthTimer = time.AfterFunc(bandwidthTimerPeriod, m.onBandwidthTimer)
	m.rechokeTimer = time.AfterFunc(rechokePeriod, m.onRechokeTimer)
	m.refillTimer = time.AfterFunc(refillUpkeepPeriod, m.onRefillTimer)
	return m
}

func newDialLimiter() *rate.Limiter {
	return rate.NewLimiter(maxConnectionsPerSecond, maxConnectionsPerPulse)
}

func (m *PeerMgr) Close() {
	if !m.closed.Set() {
		return
	}
	m.bandwidthTimer.Stop()
	m.rechokeTimer.Stop()
	m.refillTimer.Stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribeBlocklist()
	for addr, hs := range m.incomingHandshakes {
		hs.Abort()
		delete(m.incomingHandshakes, addr)
	}
}

// Timer callbacks. Each re-arms itself until close.

func (m *PeerMgr) onBandwidthTimer() {
	if m.closed.IsSet() {
		return
	}
	now := time.Now()
	m.mu.Lock()
	m.bandwidthPulse(now)
	m.mu.Unlock()
	m.bandwidthTimer = time.AfterFunc(bandwidthTimerPeriod, m.onBandwidthTimer)
}

func (m *PeerMgr) onRechokeTimer() {
	if m.closed.IsSet() {
		return
	}
	now := time.Now()
	m.mu.Lock()
	m.rechokePulse(now)
	m.mu.Unlock()
	m.rechokeTimer = time.AfterFunc(rechokePeriod, m.onRechokeTimer)
}

func (m *PeerMgr) onRefillTimer() {
	if m.closed.IsSet() {
		return
	}
	now := time.Now()
	m.mu.Lock()
	m.refillUpkeep(now)
	m.mu.Unlock()
	m.refillTimer = time.AfterFunc(refillUpkeepPeriod, m.onRefillTimer)
}

// rechokeSoon pulls the next rechoke forward, e.g. right after a torrent
// starts. The timer reverts to its usual period afterwards.
func (m *PeerMgr) rechokeSoon() {
	if m.closed.IsSet() || m.rechokeTimer == nil {
		return
	}
	m.rechokeTimer.Stop()
	m.rechokeTimer = time.AfterFunc(rechokeSoonPeriod, m.onRechokeTimer)
}

// bandwidthPulse is the 500 ms heartbeat: reap bad and idle peers,
// enforce limits, then dial new candidates.
func (m *PeerMgr) bandwidthPulse(now time.Time) {
	m.reapPulse(now)
	m.makeNewPeerConnections(now)
}

// refillUpkeep cancels block requests that have sat unanswered past the
// TTL, across all swarms.
func (m *PeerMgr) refillUpkeep(now time.Time) {
	for _, s := range m.swarms {
		s.cancelOldRequests(now)
	}
}

// AddTorrent allocates the swarm for a torrent. The swarm tracks the
// torrent's signals from here on; it tears itself down on the doomed
// signal.
func (m *PeerMgr) AddTorrent(tor Torrent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.swarms[tor.ID()]; ok {
		return
	}
	m.swarms[tor.ID()] = newSwarm(m, tor)
}

// AddPex ingests gossiped addresses for a torrent. Returns how many were
// used.
func (m *PeerMgr) AddPex(tor Torrent, from PeerSource, peers []pex.Pex) (used int) {
	if from == SourceIncoming {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.swarms[tor.ID()]
	if s == nil {
		return 0
	}
	for _, p := range peers {
		if from == SourcePex && !p.Flags.Get(pex.Connectable) {
			continue
		}
		if !p.Addr.IsValid() || p.Addr.Port() == 0 {
			continue
		}
		if m.session.AddressIsBlocked(p.Addr.Addr()) {
			continue
		}
		info := s.ensureInfoExists(p.Addr, from)
		info.SetPexFlags(p.Flags)
		used++
	}
	return
}

// GetNextRequests asks the wishlist what to request from a peer next.
func (m *PeerMgr) GetNextRequests(tor Torrent, p *Peer, numWant int) []BlockSpan {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.swarms[tor.ID()]
	if s == nil {
		return nil
	}
	return s.nextRequests(p, numWant)
}

// ClientSentRequests records requests the pump just put on the wire.
func (m *PeerMgr) ClientSentRequests(tor Torrent, p *Peer, span BlockSpan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.swarms[tor.ID()]; s != nil {
		s.clientSentRequests(p, span, time.Now())
	}
}

func (m *PeerMgr) DidPeerRequest(tor Torrent, p *Peer, b BlockIndex) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.swarms[tor.ID()]
	return s != nil && s.requests.Has(b, p)
}

func (m *PeerMgr) CountActiveRequestsToPeer(tor Torrent, p *Peer) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.swarms[tor.ID()]
	if s == nil {
		return 0
	}
	return s.requests.CountPeer(p)
}

type AddrFamily int

const (
	AddrFamilyIpv4 AddrFamily = iota
	AddrFamilyIpv6
)

type PeersMode int

const (
	// Peers we're connected to right now.
	PeersConnected PeersMode = iota
	// Peers worth gossiping onward.
	PeersInteresting
)

// GetPeers lists peers for PEX gossip or diagnostics: best first by
// usefulness, capped, then canonical address order for stable output.
func (m *PeerMgr) GetPeers(tor Torrent, family AddrFamily, mode PeersMode, max int) []pex.Pex {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.swarms[tor.ID()]
	if s == nil {
		return nil
	}
	infos := make([]*PeerInfo, 0, len(s.connectablePool))
	for _, info := range s.connectablePool {
		if !addrMatchesFamily(info.ListenAddr(), family) {
			continue
		}
		switch mode {
		case PeersConnected:
			if !info.IsConnected() {
				continue
			}
		case PeersInteresting:
			// Peers already in use pass every filter: we're living proof
			// they work.
			if !info.isInUse() {
				if info.IsSeed() && s.tor.IsDone() {
					continue
				}
				if s.infoIsBlocklisted(info) {
					continue
				}
				if info.IsBanned() {
					continue
				}
			}
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return compareByUsefulness(infos[i], infos[j])
	})
	if len(infos) > max {
		infos = infos[:max]
	}
	sort.Slice(infos, func(i, j int) bool {
		a := infos[i].ListenSocketAddr().Value
		b := infos[j].ListenSocketAddr().Value
		return a.Compare(b) < 0
	})
	ret := make([]pex.Pex, 0, len(infos))
	for _, info := range infos {
		ret = append(ret, pex.Pex{
			Addr:  info.ListenSocketAddr().Value,
			Flags: gossipFlags(info),
		})
	}
	return ret
}

func addrMatchesFamily(a netip.Addr, f AddrFamily) bool {
	if f == AddrFamilyIpv4 {
		return a.Unmap().Is4()
	}
	return !a.Unmap().Is4()
}

func gossipFlags(info *PeerInfo) pex.Flags {
	flags := info.PexFlags()
	if info.connectable.Ok && info.connectable.Value {
		flags |= pex.Connectable
	}
	if info.supportsUtp.Ok && info.supportsUtp.Value {
		flags |= pex.SupportsUtp
	}
	if info.IsSeed() {
		flags |= pex.SeedUploadOnly
	}
	return flags
}

// PieceAvailability counts how many connected peers and webseeds can
// serve a piece.
func (m *PeerMgr) PieceAvailability(tor Torrent, piece PieceIndex) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.swarms[tor.ID()]
	if s == nil {
		return 0
	}
	return s.pieceAvailability(piece)
}

func (s *Swarm) pieceAvailability(piece PieceIndex) (n int) {
	for _, p := range s.peers {
		if p.msgs.IsSeed() || p.msgs.HasPiece(piece) {
			n++
		}
	}
	n += len(s.webseeds)
	return
}

// TorrentAvailability fills tab with per-piece availability, sampled
// evenly across the torrent when tab is shorter than the piece count.
func (m *PeerMgr) TorrentAvailability(tor Torrent, tab []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.swarms[tor.ID()]
	if s == nil || len(tab) == 0 {
		for i := range tab {
			tab[i] = 0
		}
		return
	}
	pieceCount := int(s.tor.PieceCount())
	if pieceCount == 0 {
		for i := range tab {
			tab[i] = 0
		}
		return
	}
	for i := range tab {
		piece := PieceIndex(i * pieceCount / len(tab))
		tab[i] = s.pieceAvailability(piece)
	}
}

// GetDesiredAvailable estimates how many wanted bytes at least one peer
// or webseed could give us.
func (m *PeerMgr) GetDesiredAvailable(tor Torrent) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.swarms[tor.ID()]
	if s == nil || !s.tor.HasMetainfo() {
		return 0
	}
	var avail uint64
	for piece := PieceIndex(0); piece < s.tor.PieceCount(); piece++ {
		if !s.tor.PieceIsWanted(piece) {
			continue
		}
		if s.pieceAvailability(piece) > 0 {
			avail += s.tor.PieceSizeBytes(piece)
		}
	}
	if left := s.tor.LeftUntilDone(); avail > left {
		avail = left
	}
	return avail
}

// SwarmStats summarizes a torrent's swarm.
func (m *PeerMgr) SwarmStats(tor Torrent) SwarmStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.swarms[tor.ID()]
	if s == nil {
		return SwarmStats{}
	}
	return s.statsAt(time.Now())
}

// PeerStats snapshots every connected peer.
func (m *PeerMgr) PeerStats(tor Torrent) []PeerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.swarms[tor.ID()]
	if s == nil {
		return nil
	}
	now := time.Now()
	ret := make([]PeerStats, 0, len(s.peers))
	for _, p := range s.peers {
		ret = append(ret, s.peerStatsAt(p, now))
	}
	return ret
}

func (m *PeerMgr) onBlocklistChanged() {
	for _, s := range m.swarms {
		s.invalidateBlocklistCache()
	}
}

// The session lock. Collaborators must hold it when firing torrent or
// session signals: handlers run in the emitter's critical section.
func (m *PeerMgr) Lock()   { m.mu.Lock() }
func (m *PeerMgr) Unlock() { m.mu.Unlock() }

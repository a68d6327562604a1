package peermgr

import (
	"math/rand/v2"
	"net/netip"
	"sort"
	"time"
)

// An outbound dial candidate. The torrent is held by id: it can be
// deleted between the pulse that scored it and the pulse that dials it.
type outboundCandidate struct {
	score     uint64
	torrentId TorrentID
	addr      netip.AddrPort
}

// isCandidate filters a (torrent, record) pair for outbound dialing.
func (s *Swarm) isCandidate(info *PeerInfo, now time.Time) bool {
	if info.connectable.Ok && !info.connectable.Value {
		return false
	}
	// Two seeds have nothing to trade.
	if s.tor.IsDone() && info.IsSeed() {
		return false
	}
	if info.isInUse() {
		return false
	}
	if !info.reconnectIntervalHasPassed(now) {
		return false
	}
	if s.infoIsBlocklisted(info) {
		return false
	}
	if info.IsBanned() {
		return false
	}
	return true
}

func packKey(key uint64, width uint, val uint64) uint64 {
	return key<<width | (val & (1<<width - 1))
}

// candidateScore packs the dial preference into one sortable 64-bit key,
// most significant field first. Smaller is better.
func candidateScore(tor Torrent, info *PeerInfo, now time.Time, salt uint8) uint64 {
	var score uint64

	// Failed addresses go to the back of the line.
	var failed uint64
	if info.connectionFailureCount > 0 {
		failed = 1
	}
	score = packKey(score, 1, failed)

	// Older attempts sort first, giving round-robin across the pool.
	var attempt uint64
	if !info.connectionAttemptTime.IsZero() {
		attempt = uint64(info.connectionAttemptTime.Unix())
	}
	score = packKey(score, 32, attempt)

	var prio uint64
	switch tor.Priority() {
	case PriorityHigh:
		prio = 0
	case PriorityNormal:
		prio = 1
	default:
		prio = 2
	}
	score = packKey(score, 4, prio)

	// Fresh torrents want peers fast.
	var notNew uint64 = 1
	if now.Sub(tor.DateStarted()) < 120*time.Second {
		notNew = 0
	}
	score = packKey(score, 1, notNew)

	var notNeedy uint64 = 1
	if !tor.IsDone() {
		notNeedy = 0
	}
	score = packKey(score, 1, notNeedy)

	var unproven uint64 = 1
	if info.connectable.Ok && info.connectable.Value {
		unproven = 0
	}
	score = packKey(score, 1, unproven)

	// Prefer peers we can upload to.
	var seed uint64 = 1
	if !info.IsSeed() {
		seed = 0
	}
	score = packKey(score, 1, seed)

	score = packKey(score, 4, uint64(info.FromBest()))
	score = packKey(score, 8, uint64(salt))
	return score
}

// swarmWantsOutboundPeers reports whether a swarm should appear in the
// candidate sweep at all.
func (m *PeerMgr) swarmWantsOutboundPeers(s *Swarm, now time.Time) bool {
	if !s.isRunning {
		return false
	}
	if s.isAllSeeds() && s.tor.IsDone() && !m.session.AllowsPEX() {
		return false
	}
	if s.isFull() {
		return false
	}
	if s.tor.IsDone() && s.tor.Bandwidth().IsMaxedOut(ClientToPeer, now) {
		return false
	}
	return true
}

// rebuildOutboundCandidates sweeps every running swarm's connectable
// pool, keeps the best candidates, and leaves the best at the back for
// cheap popping.
func (m *PeerMgr) rebuildOutboundCandidates(now time.Time) {
	candidates := m.outboundCandidates[:0]
	for _, s := range m.swarms {
		if !m.swarmWantsOutboundPeers(s, now) {
			continue
		}
		for ap, info := range s.connectablePool {
			if !s.isCandidate(info, now) {
				continue
			}
			salt := uint8(rand.Uint32())
			candidates = append(candidates, outboundCandidate{
				score:     candidateScore(s.tor, info, now, salt),
				torrentId: s.tor.ID(),
				addr:      ap,
			})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score < candidates[j].score
	})
	if len(candidates) > outboundCandidateListCapacity {
		candidates = candidates[:outboundCandidateListCapacity]
	}
	// Reverse so the best candidate pops off the back.
	for i, j := 0, len(candidates)-1; i < j; i, j = i+1, j-1 {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}
	m.outboundCandidates = candidates
	m.outboundCandidatesAge = 0
}

// makeNewPeerConnections opens up to the per-pulse cap of outbound
// handshakes, best candidates first.
func (m *PeerMgr) makeNewPeerConnections(now time.Time) {
	m.outboundCandidatesAge++
	if m.outboundCandidatesAge > outboundCandidatesListTtl {
		m.outboundCandidates = m.outboundCandidates[:0]
	}
	if len(m.outboundCandidates) == 0 {
		if float64(m.connectedPeerCount()) >= float64(m.session.GlobalPeerLimit())*0.95 {
			return
		}
		m.rebuildOutboundCandidates(now)
	}
	for dialed := 0; dialed < maxConnectionsPerPulse && len(m.outboundCandidates) > 0; {
		back := len(m.outboundCandidates) - 1
		c := m.outboundCandidates[back]
		m.outboundCandidates = m.outboundCandidates[:back]
		tor := m.session.TorrentByID(c.torrentId)
		if tor == nil {
			continue
		}
		s := m.swarms[c.torrentId]
		if s == nil {
			continue
		}
		info, ok := s.connectablePool[c.addr]
		if !ok {
			continue
		}
		if !m.dialLimiter.AllowN(now, 1) {
			break
		}
		m.startOutgoingHandshake(s, info, now)
		dialed++
	}
}

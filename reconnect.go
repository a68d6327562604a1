package peermgr

import (
	"sort"
	"time"

	"github.com/anacrolix/multiless"
)

// Reap pass, run once per bandwidth pulse: drop stopped swarms' peers,
// purge misbehavers and the idle, then squeeze back under the per-swarm
// and session-wide peer limits.
func (m *PeerMgr) reapPulse(now time.Time) {
	for _, s := range m.swarms {
		if !s.isRunning {
			s.removeAllPeers()
			continue
		}
		s.closeBadPeers(now)
		s.enforcePeerLimit(s.tor.PeerLimit())
	}
	m.enforceSessionPeerLimit()
}

func (s *Swarm) closeBadPeers(now time.Time) {
	var doomed []*Peer
	for _, p := range s.peers {
		if s.shouldPeerBeClosed(p, now) {
			doomed = append(doomed, p)
		}
	}
	for _, p := range doomed {
		s.removePeer(p)
	}
}

func (s *Swarm) shouldPeerBeClosed(p *Peer, now time.Time) bool {
	if p.doPurge {
		return true
	}
	// Two seeds have nothing to trade. Stay connected only while PEX
	// gossip still makes the link worth keeping warm.
	if s.tor.IsDone() && p.isSeed() {
		if !s.manager.session.AllowsPEX() {
			return true
		}
		if p.idleSince(now) >= 30*time.Second {
			return true
		}
	}
	idleLimit := s.uploadIdleLimit()
	return p.idleSince(now) >= idleLimit
}

// The idle allowance slides from generous to strict as the swarm fills
// up.
func (s *Swarm) uploadIdleLimit() time.Duration {
	limit := s.tor.PeerLimit()
	if limit <= 0 {
		return maxUploadIdleSecs * time.Second
	}
	strict := float64(s.peerCount()) >= float64(limit)*0.9
	if strict {
		return minUploadIdleSecs * time.Second
	}
	ratio := float64(s.peerCount()) / (float64(limit) * 0.9)
	secs := maxUploadIdleSecs - ratio*(maxUploadIdleSecs-minUploadIdleSecs)
	return time.Duration(secs) * time.Second
}

// comparePeerByLeastActive: true if a should be evicted before b.
func comparePeerByLeastActive(a, b *Peer) bool {
	return multiless.New().Bool(
		b.doPurge, a.doPurge).CmpInt64(
		a.info.latestPieceDataTime.Sub(b.info.latestPieceDataTime).Nanoseconds(),
	).Less()
}

func (s *Swarm) enforcePeerLimit(limit int) {
	if s.peerCount() <= limit {
		return
	}
	victims := append([]*Peer(nil), s.peers...)
	sort.Slice(victims, func(i, j int) bool {
		return comparePeerByLeastActive(victims[i], victims[j])
	})
	for _, p := range victims[:s.peerCount()-limit] {
		s.removePeer(p)
	}
}

func (m *PeerMgr) enforceSessionPeerLimit() {
	limit := m.session.GlobalPeerLimit()
	total := 0
	for _, s := range m.swarms {
		total += s.peerCount()
	}
	if total <= limit {
		return
	}
	type victim struct {
		s *Swarm
		p *Peer
	}
	victims := make([]victim, 0, total)
	for _, s := range m.swarms {
		for _, p := range s.peers {
			victims = append(victims, victim{s: s, p: p})
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		return comparePeerByLeastActive(victims[i].p, victims[j].p)
	})
	for _, v := range victims[:total-limit] {
		v.s.removePeer(v.p)
	}
}

func (m *PeerMgr) connectedPeerCount() (n int) {
	for _, s := range m.swarms {
		n += s.peerCount()
	}
	return
}

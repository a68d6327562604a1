package peermgr

import (
	"cmp"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/anacrolix/multiless"
)

// How many rechoke periods an optimistic unchoke is protected for.
const optimisticUnchokeMultiplier = 4

type chokeData struct {
	peer         *Peer
	rate         uint64
	salt         uint8
	isInterested bool
	isChoked     bool
	wasChoked    bool
}

func (a chokeData) less(b chokeData) bool {
	return multiless.New().Cmp(
		cmp.Compare(b.rate, a.rate)).Bool(
		a.wasChoked, b.wasChoked).Int(
		int(b.salt), int(a.salt),
	).Less()
}

// rechokeUploads runs the periodic choke/unchoke decision for one swarm.
func (m *PeerMgr) rechokeUploads(s *Swarm, now time.Time) {
	if len(s.peers) == 0 {
		return
	}

	// An optimistic peer that has served out its grace period rejoins the
	// pack next pulse.
	if s.optimistic != nil {
		if s.optimisticUnchokeTimeScaler > 0 {
			s.optimisticUnchokeTimeScaler--
		} else {
			s.optimistic = nil
		}
	}

	if !s.tor.ClientCanUpload() {
		for _, p := range s.peers {
			p.msgs.SetChoke(true)
		}
		return
	}

	chokeAll := make([]chokeData, 0, len(s.peers))
	for _, p := range s.peers {
		if p.isSeed() {
			// Nothing we have is news to a seed.
			p.msgs.SetChoke(true)
			continue
		}
		if p == s.optimistic {
			continue
		}
		chokeAll = append(chokeAll, chokeData{
			peer:         p,
			rate:         s.rechokeRate(p, now),
			salt:         uint8(rand.Uint32()),
			isInterested: p.msgs.PeerIsInterested(),
			wasChoked:    p.msgs.PeerIsChoked(),
			isChoked:     true,
		})
	}

	sort.Slice(chokeAll, func(i, j int) bool { return chokeAll[i].less(chokeAll[j]) })

	uploadIsMaxed := s.tor.Bandwidth().IsMaxedOut(ClientToPeer, now)
	slots := m.session.UploadSlotsPerTorrent()
	unchokedInterested := 0
	checkedChokeCount := 0
	for i := range chokeAll {
		if unchokedInterested >= slots {
			break
		}
		checkedChokeCount++
		if uploadIsMaxed {
			// No spare upstream: don't shuffle, just keep whatever state
			// each peer already had.
			chokeAll[i].isChoked = chokeAll[i].wasChoked
		} else {
			chokeAll[i].isChoked = false
		}
		if chokeAll[i].isInterested && !chokeAll[i].isChoked {
			unchokedInterested++
		}
	}

	// Optimistic unchoke: give a random leftover interested peer a
	// chance, so new peers can bootstrap reciprocation.
	if s.optimistic == nil && !uploadIsMaxed && checkedChokeCount < len(chokeAll) {
		rest := chokeAll[checkedChokeCount:]
		interested := make([]*chokeData, 0, len(rest))
		for i := range rest {
			if rest[i].isInterested {
				interested = append(interested, &rest[i])
			}
		}
		if len(interested) > 0 {
			pick := interested[rand.IntN(len(interested))]
			pick.isChoked = false
			s.optimistic = pick.peer
			s.optimisticUnchokeTimeScaler = optimisticUnchokeMultiplier
		}
	}

	if s.optimistic != nil && !s.optimistic.isSeed() {
		s.optimistic.msgs.SetChoke(false)
	}
	for i := range chokeAll {
		chokeAll[i].peer.msgs.SetChoke(chokeAll[i].isChoked)
	}
}

// The reciprocation rate used to rank peers for upload slots.
func (s *Swarm) rechokeRate(p *Peer, now time.Time) uint64 {
	switch {
	case s.tor.IsDone():
		return p.msgs.PieceSpeed(ClientToPeer, now)
	case s.tor.IsPrivate():
		// In a private swarm we can't replace peers easily, so weigh both
		// directions while we're still downloading.
		return p.msgs.PieceSpeed(ClientToPeer, now) + p.msgs.PieceSpeed(PeerToClient, now)
	default:
		return p.msgs.PieceSpeed(PeerToClient, now)
	}
}

func (m *PeerMgr) rechokePulse(now time.Time) {
	for _, s := range m.swarms {
		if !s.isRunning {
			continue
		}
		s.updateInterest()
		m.rechokeUploads(s, now)
	}
}

package peermgr

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/dustin/go-humanize"
)

// SwarmStats is a point-in-time summary of one swarm.
type SwarmStats struct {
	PeerCount          int
	PeerFromCount      [numPeerSources]int
	ActivePeerCount    [2]int // indexed by Direction
	ActiveWebseedCount int
}

func (me SwarmStats) String() string {
	return fmt.Sprintf(
		"%d peers (%d up, %d down), %d webseeds active",
		me.PeerCount,
		me.ActivePeerCount[ClientToPeer],
		me.ActivePeerCount[PeerToClient],
		me.ActiveWebseedCount)
}

func (s *Swarm) statsAt(now time.Time) (ret SwarmStats) {
	ret.PeerCount = len(s.peers)
	for _, p := range s.peers {
		ret.PeerFromCount[p.info.FromFirst()]++
		if p.msgs.IsTransferringPieces(ClientToPeer, now) {
			ret.ActivePeerCount[ClientToPeer]++
		}
		if p.msgs.IsTransferringPieces(PeerToClient, now) {
			ret.ActivePeerCount[PeerToClient]++
		}
	}
	for _, ws := range s.webseeds {
		if ws.IsTransferringPieces(PeerToClient, now) {
			ret.ActiveWebseedCount++
		}
	}
	return
}

// PeerStats is the per-peer snapshot surfaced to the UI layer.
type PeerStats struct {
	Addr        netip.Addr
	Port        uint16
	Client      string
	From        PeerSource
	Progress    float64
	IsUtp       bool
	IsEncrypted bool
	IsIncoming  bool
	IsSeed      bool

	RateToPeer   uint64
	RateToClient uint64

	PeerIsChoked       bool
	PeerIsInterested   bool
	ClientIsChoked     bool
	ClientIsInterested bool

	IsDownloadingFrom bool
	IsUploadingTo     bool

	BlocksToPeer    uint32
	BlocksToClient  uint32
	CancelsToPeer   uint32
	CancelsToClient uint32

	ActiveReqsToPeer   int
	ActiveReqsToClient int

	Flags string
}

func (me PeerStats) String() string {
	return fmt.Sprintf("%v:%d [%s] up %v/s down %v/s",
		me.Addr, me.Port, me.Flags,
		humanize.IBytes(me.RateToPeer), humanize.IBytes(me.RateToClient))
}

func (s *Swarm) peerStatsAt(p *Peer, now time.Time) PeerStats {
	st := PeerStats{
		Addr:        p.info.ListenAddr(),
		Client:      p.msgs.UserAgent(),
		From:        p.info.FromFirst(),
		Progress:    p.msgs.PercentDone(),
		IsUtp:       p.msgs.IsUtp(),
		IsEncrypted: p.msgs.IsEncrypted(),
		IsIncoming:  p.msgs.IsIncoming(),
		IsSeed:      p.isSeed(),

		RateToPeer:   p.msgs.PieceSpeed(ClientToPeer, now),
		RateToClient: p.msgs.PieceSpeed(PeerToClient, now),

		PeerIsChoked:       p.msgs.PeerIsChoked(),
		PeerIsInterested:   p.msgs.PeerIsInterested(),
		ClientIsChoked:     p.msgs.ClientIsChoked(),
		ClientIsInterested: p.msgs.ClientIsInterested(),

		IsDownloadingFrom: p.msgs.IsTransferringPieces(PeerToClient, now),
		IsUploadingTo:     p.msgs.IsTransferringPieces(ClientToPeer, now),

		BlocksToPeer:    p.blocksSentToPeer.Count(now),
		BlocksToClient:  p.blocksSentToClient.Count(now),
		CancelsToPeer:   p.cancelsSentToPeer.Count(now),
		CancelsToClient: p.cancelsSentToClient.Count(now),

		ActiveReqsToPeer:   s.requests.CountPeer(p),
		ActiveReqsToClient: p.msgs.ActiveRequestCountToClient(),
	}
	if port := p.info.listenPort; port.Ok {
		st.Port = port.Value
	}
	st.Flags = s.peerFlagString(p, st)
	return st
}

// The classic single-letter peer flag string.
func (s *Swarm) peerFlagString(p *Peer, st PeerStats) string {
	flags := make([]byte, 0, 12)
	if st.IsUtp {
		flags = append(flags, 'T')
	}
	if s.optimistic == p {
		flags = append(flags, 'O')
	}
	if st.IsDownloadingFrom {
		flags = append(flags, 'D')
	} else if st.ClientIsInterested {
		flags = append(flags, 'd')
	}
	if st.IsUploadingTo {
		flags = append(flags, 'U')
	} else if st.PeerIsInterested {
		flags = append(flags, 'u')
	}
	if !st.ClientIsChoked && !st.ClientIsInterested {
		flags = append(flags, 'K')
	}
	if !st.PeerIsChoked && !st.PeerIsInterested {
		flags = append(flags, '?')
	}
	if st.IsEncrypted {
		flags = append(flags, 'E')
	}
	if st.From == SourceDht {
		flags = append(flags, 'H')
	} else if st.From == SourcePex {
		flags = append(flags, 'X')
	}
	if st.IsIncoming {
		flags = append(flags, 'I')
	}
	return string(flags)
}

package peermgr

import (
	"time"
)

type (
	// TorrentID survives torrent removal: holders must resolve it via the
	// session before use.
	TorrentID uint32

	InfoHash [20]byte

	PieceIndex uint32
	BlockIndex uint32
)

// BlockSize is the BitTorrent transfer block ("chunk") size.
const BlockSize = 1 << 14

// A contiguous run of blocks, end exclusive. What GetNextRequests hands
// back to the request pump.
type BlockSpan struct {
	Begin, End BlockIndex
}

func (s BlockSpan) Len() int { return int(s.End - s.Begin) }

type Direction int

const (
	ClientToPeer Direction = iota
	PeerToClient
)

// PeerSource tags where we first heard of an address. Lower values are
// more direct and win when merging records.
type PeerSource int

const (
	SourceIncoming PeerSource = iota
	SourceLpd
	SourceDht
	SourceTracker
	SourcePex
	SourceResume
	numPeerSources
)

func (s PeerSource) String() string {
	switch s {
	case SourceIncoming:
		return "incoming"
	case SourceLpd:
		return "lpd"
	case SourceDht:
		return "dht"
	case SourceTracker:
		return "tracker"
	case SourcePex:
		return "pex"
	case SourceResume:
		return "resume"
	}
	return "unknown"
}

type Priority int

const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityHigh
)

type PiecePriority = Priority

type EncryptionMode int

const (
	EncryptionPreferred EncryptionMode = iota
	EncryptionRequired
	EncryptionDisabled
)

const (
	maxBadPiecesPerPeer = 5
	requestTtl          = 90 * time.Second
	cancelHistory       = 60 * time.Second

	bandwidthTimerPeriod = 500 * time.Millisecond
	rechokePeriod        = 10 * time.Second
	rechokeSoonPeriod    = 100 * time.Millisecond
	refillUpkeepPeriod   = 10 * time.Second

	maxConnectionsPerSecond = 18
	maxConnectionsPerPulse  = maxConnectionsPerSecond * int(bandwidthTimerPeriod) / int(time.Second)

	// How long the cached outbound candidate list stays fresh, in
	// bandwidth pulses, and how many candidates it holds.
	outboundCandidatesListTtl     = 4
	outboundCandidateListCapacity = maxConnectionsPerPulse * outboundCandidatesListTtl

	minUploadIdleSecs = 60
	maxUploadIdleSecs = 60 * 5

	graveyardCapacity = 512
)

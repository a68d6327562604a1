package peermgr

import (
	"net/netip"
	"time"

	g "github.com/anacrolix/generics"
)

// Collaborator contracts. The peer manager consumes these; the enclosing
// client implements them. Everything here is called and fired under the
// session lock.

type Torrent interface {
	ID() TorrentID
	InfoHash() InfoHash
	ObfuscatedHash() InfoHash
	PeerLimit() int
	Priority() Priority

	IsDone() bool
	IsRunning() bool
	IsPrivate() bool
	HasMetainfo() bool
	SequentialDownload() bool
	DateStarted() time.Time

	PieceCount() PieceIndex
	// Block indexes covered by a piece, end exclusive. The final piece is
	// usually short.
	PieceBlockSpan(PieceIndex) BlockSpan
	PieceIsWanted(PieceIndex) bool
	PiecePriority(PieceIndex) PiecePriority
	// Bytes still wanted and missing.
	LeftUntilDone() uint64
	PieceSizeBytes(PieceIndex) uint64

	// Whether upload is possible at all (speed limit zero, stopped...).
	ClientCanUpload() bool

	Bandwidth() Bandwidth
	Wishlist() Wishlist
	Signals() *TorrentSignals
	WebseedUrls() []string

	// Transfer accounting upcalls.
	AddUploadedBytes(n uint64)
	AddDownloadedBytes(n uint64)
	// Deliver a completed block upward. Duplicate-request cancellation has
	// already happened by the time this is called.
	GotBlock(piece PieceIndex, offset uint32, length uint32)
}

type Session interface {
	GlobalPeerLimit() int
	UploadSlotsPerTorrent() int
	EncryptionMode() EncryptionMode
	AllowsTCP() bool
	AllowsUTP() bool
	AllowsDHT() bool
	AllowsPEX() bool

	AddressIsBlocked(netip.Addr) bool

	TorrentByID(TorrentID) Torrent
	TorrentByHash(InfoHash) Torrent
	TorrentByObfuscatedHash(InfoHash) Torrent
	// All torrents with a live swarm, in unspecified order.
	Torrents() []Torrent

	Bandwidth() Bandwidth
	Signals() *SessionSignals

	// Session-wide transfer totals.
	AddUploadedBytes(n uint64)
	AddDownloadedBytes(n uint64)

	NewHandshake(m HandshakeMediator, io PeerIo, mode EncryptionMode, done HandshakeDoneFunc) Handshake
	NewOutgoingPeerIo(addr netip.AddrPort, hash InfoHash, isSeed bool, utp bool) (PeerIo, error)
	NewPeerMsgs(tor Torrent, io PeerIo, events func(PeerEvent)) PeerMsgs
	NewWebseed(tor Torrent, url string, events func(PeerEvent)) Webseed
}

// Bandwidth is the hierarchical allocator handle. The manager only
// reparents peers under torrents and asks whether a direction is
// saturated.
type Bandwidth interface {
	IsMaxedOut(d Direction, now time.Time) bool
}

// PeerIo is the byte-level transport established before and during the
// handshake.
type PeerIo interface {
	SocketAddress() netip.AddrPort
	IsIncoming() bool
	IsUtp() bool
	TorrentHash() g.Option[InfoHash]
	SetBandwidth(parent Bandwidth)
	Close() error
}

// Handshake is the in-flight protocol handshake state machine.
type Handshake interface {
	Abort()
}

type HandshakeResult struct {
	Io                   PeerIo
	PeerId               g.Option[[20]byte]
	IsConnected          bool
	ReadAnythingFromPeer bool
}

// Returns whether the result was consumed (the io adopted).
type HandshakeDoneFunc func(HandshakeResult) bool

// HandshakeMediator is what a Handshake needs from us. Implemented by
// PeerMgr.
type HandshakeMediator interface {
	TorrentHandshakeInfo(hash InfoHash) g.Option[TorrentHandshakeInfo]
	TorrentFromObfuscated(hash InfoHash) g.Option[TorrentHandshakeInfo]
	AllowsDht() bool
	AllowsTcp() bool
	SetUtpFailed(hash InfoHash, addr netip.AddrPort)
	TimerMaker() TimerMaker
	// Random handshake padding, at most maxLen bytes.
	Pad(maxLen int) []byte
}

type TorrentHandshakeInfo struct {
	Id        TorrentID
	InfoHash  InfoHash
	IsRunning bool
}

type Timer interface {
	Stop() bool
}

type TimerMaker func(delay time.Duration, fn func()) Timer

// PeerMsgs is the established wire-protocol peer: the encoder/decoder
// plus its per-connection transfer state. Constructed by the session
// when a handshake is admitted; events flow back through the callback
// given at construction.
type PeerMsgs interface {
	Close() error
	SocketAddress() netip.AddrPort
	IsIncoming() bool
	IsUtp() bool
	IsEncrypted() bool
	UserAgent() string
	PercentDone() float64

	// Choke and interest, both directions. "Client" is us.
	SetChoke(choked bool)
	SetInterested(interested bool)
	PeerIsChoked() bool
	PeerIsInterested() bool
	ClientIsChoked() bool
	ClientIsInterested() bool

	IsSeed() bool
	HasPiece(PieceIndex) bool

	Cancel(piece PieceIndex, offset uint32, length uint32)

	// Piece-payload transfer rates, bytes per second.
	PieceSpeed(d Direction, now time.Time) uint64
	// Whether piece data is flowing in a direction right now.
	IsTransferringPieces(d Direction, now time.Time) bool
	// Outstanding requests the peer has made of us.
	ActiveRequestCountToClient() int
}

type Webseed interface {
	Close() error
	Url() string
	IsTransferringPieces(d Direction, now time.Time) bool
}

// Wishlist prioritizes which blocks to request next. The view narrows it
// to one swarm and one requesting peer.
type Wishlist interface {
	Next(view WishlistView, numWant int) []BlockSpan
}

type WishlistView interface {
	ClientCanRequestBlock(BlockIndex) bool
	ClientCanRequestPiece(PieceIndex) bool
	CountMissingBlocks(PieceIndex) int
	PieceBlockSpan(PieceIndex) BlockSpan
	PieceCount() PieceIndex
	Priority(PieceIndex) PiecePriority
	IsSequentialDownload() bool
	IsEndgame() bool
}

// PeerEvent is the callback payload from PeerMsgs and Webseed back into
// the swarm.
type PeerEventType int

const (
	// Piece data moved. Length is set.
	PeerClientSentPieceData PeerEventType = iota
	PeerClientGotPieceData
	PeerClientGotChoke
	// Piece and Offset are set.
	PeerClientGotRej
	PeerClientGotBlock
	// Port is set.
	PeerClientGotPort
	// Err is set.
	PeerError
	// Delivered for completeness; other subsystems consume them.
	PeerClientGotBitfield
	PeerClientGotHave
	PeerClientGotHaveAll
	PeerClientGotHaveNone
	PeerClientGotSuggest
	PeerClientGotAllowedFast
)

type PeerEvent struct {
	Type   PeerEventType
	Length uint32
	Piece  PieceIndex
	Offset uint32
	Port   uint16
	Err    error
}

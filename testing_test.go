package peermgr

import (
	"errors"
	"net/netip"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
)

var errTestBenign = errors.New("nothing to see here")

// Shared fakes for the collaborator interfaces. Tests construct the
// manager without timers so pulses run only when driven explicitly.

func newTestManager(ses *testSession) *PeerMgr {
	m := &PeerMgr{
		logger:             log.Default.WithNames("test"),
		session:            ses,
		swarms:             make(map[TorrentID]*Swarm),
		incomingHandshakes: make(map[netip.AddrPort]Handshake),
		outboundCandidates: make([]outboundCandidate, 0, outboundCandidateListCapacity),
		dialLimiter:        newDialLimiter(),
	}
	m.unsubscribeBlocklist = ses.Signals().BlocklistChanged.Subscribe(func(struct{}) {
		m.onBlocklistChanged()
	})
	return m
}

type testBandwidth struct {
	maxed [2]bool
}

func (b *testBandwidth) IsMaxedOut(d Direction, now time.Time) bool {
	return b.maxed[d]
}

type testWishlist struct {
	next func(view WishlistView, numWant int) []BlockSpan
}

func (w *testWishlist) Next(view WishlistView, numWant int) []BlockSpan {
	if w.next == nil {
		return nil
	}
	return w.next(view, numWant)
}

type testTorrent struct {
	id             TorrentID
	hash           InfoHash
	peerLimit      int
	priority       Priority
	done           bool
	running        bool
	private        bool
	metainfo       bool
	sequential     bool
	started        time.Time
	pieceCount     PieceIndex
	blocksPerPiece BlockIndex
	pieceSize      uint64
	unwanted       map[PieceIndex]bool
	left           uint64
	canUpload      bool
	bw             testBandwidth
	wishlist       testWishlist
	signals        TorrentSignals
	webseedUrls    []string

	uploaded, downloaded uint64
	gotBlocks            []BlockSpan
}

func newTestTorrent(id TorrentID) *testTorrent {
	t := &testTorrent{
		id:             id,
		peerLimit:      50,
		running:        true,
		metainfo:       true,
		started:        time.Now().Add(-time.Hour),
		pieceCount:     8,
		blocksPerPiece: 4,
		pieceSize:      4 * BlockSize,
		left:           8 * 4 * BlockSize,
		canUpload:      true,
	}
	t.hash[0] = byte(id)
	return t
}

func (t *testTorrent) ID() TorrentID            { return t.id }
func (t *testTorrent) InfoHash() InfoHash       { return t.hash }
func (t *testTorrent) ObfuscatedHash() InfoHash { h := t.hash; h[19] ^= 0xff; return h }
func (t *testTorrent) PeerLimit() int           { return t.peerLimit }
func (t *testTorrent) Priority() Priority       { return t.priority }
func (t *testTorrent) IsDone() bool             { return t.done }
func (t *testTorrent) IsRunning() bool          { return t.running }
func (t *testTorrent) IsPrivate() bool          { return t.private }
func (t *testTorrent) HasMetainfo() bool        { return t.metainfo }
func (t *testTorrent) SequentialDownload() bool { return t.sequential }
func (t *testTorrent) DateStarted() time.Time   { return t.started }
func (t *testTorrent) PieceCount() PieceIndex   { return t.pieceCount }

func (t *testTorrent) PieceBlockSpan(p PieceIndex) BlockSpan {
	begin := BlockIndex(p) * t.blocksPerPiece
	return BlockSpan{Begin: begin, End: begin + t.blocksPerPiece}
}

func (t *testTorrent) PieceIsWanted(p PieceIndex) bool     { return !t.unwanted[p] }
func (t *testTorrent) PiecePriority(PieceIndex) Priority   { return PriorityNormal }
func (t *testTorrent) LeftUntilDone() uint64               { return t.left }
func (t *testTorrent) PieceSizeBytes(PieceIndex) uint64    { return t.pieceSize }
func (t *testTorrent) ClientCanUpload() bool               { return t.canUpload }
func (t *testTorrent) Bandwidth() Bandwidth                { return &t.bw }
func (t *testTorrent) Wishlist() Wishlist                  { return &t.wishlist }
func (t *testTorrent) Signals() *TorrentSignals            { return &t.signals }
func (t *testTorrent) WebseedUrls() []string               { return t.webseedUrls }
func (t *testTorrent) AddUploadedBytes(n uint64)           { t.uploaded += n }
func (t *testTorrent) AddDownloadedBytes(n uint64)         { t.downloaded += n }

func (t *testTorrent) GotBlock(piece PieceIndex, offset uint32, length uint32) {
	b := t.PieceBlockSpan(piece).Begin + BlockIndex(offset/BlockSize)
	t.gotBlocks = append(t.gotBlocks, BlockSpan{Begin: b, End: b + 1})
}

type testSession struct {
	globalPeerLimit int
	uploadSlots     int
	allowTcp        bool
	allowUtp        bool
	allowDht        bool
	allowPex        bool
	blocked         map[netip.Addr]bool

	torrents map[TorrentID]*testTorrent
	bw       testBandwidth
	signals  SessionSignals

	handshakes []*testHandshake
	dialErr    error

	uploaded, downloaded uint64
}

func newTestSession() *testSession {
	return &testSession{
		globalPeerLimit: 200,
		uploadSlots:     3,
		allowTcp:        true,
		allowUtp:        true,
		allowPex:        true,
		blocked:         make(map[netip.Addr]bool),
		torrents:        make(map[TorrentID]*testTorrent),
	}
}

func (s *testSession) addTorrent(t *testTorrent) { s.torrents[t.id] = t }

func (s *testSession) GlobalPeerLimit() int           { return s.globalPeerLimit }
func (s *testSession) UploadSlotsPerTorrent() int     { return s.uploadSlots }
func (s *testSession) EncryptionMode() EncryptionMode { return EncryptionPreferred }
func (s *testSession) AllowsTCP() bool                { return s.allowTcp }
func (s *testSession) AllowsUTP() bool                { return s.allowUtp }
func (s *testSession) AllowsDHT() bool                { return s.allowDht }
func (s *testSession) AllowsPEX() bool                { return s.allowPex }

func (s *testSession) AddressIsBlocked(a netip.Addr) bool { return s.blocked[a] }

func (s *testSession) TorrentByID(id TorrentID) Torrent {
	if t, ok := s.torrents[id]; ok {
		return t
	}
	return nil
}

func (s *testSession) TorrentByHash(h InfoHash) Torrent {
	for _, t := range s.torrents {
		if t.hash == h {
			return t
		}
	}
	return nil
}

func (s *testSession) TorrentByObfuscatedHash(h InfoHash) Torrent {
	for _, t := range s.torrents {
		if t.ObfuscatedHash() == h {
			return t
		}
	}
	return nil
}

func (s *testSession) Torrents() (ret []Torrent) {
	for _, t := range s.torrents {
		ret = append(ret, t)
	}
	return
}

func (s *testSession) Bandwidth() Bandwidth        { return &s.bw }
func (s *testSession) Signals() *SessionSignals    { return &s.signals }
func (s *testSession) AddUploadedBytes(n uint64)   { s.uploaded += n }
func (s *testSession) AddDownloadedBytes(n uint64) { s.downloaded += n }

func (s *testSession) NewHandshake(m HandshakeMediator, io PeerIo, mode EncryptionMode, done HandshakeDoneFunc) Handshake {
	hs := &testHandshake{io: io, done: done}
	s.handshakes = append(s.handshakes, hs)
	return hs
}

func (s *testSession) NewOutgoingPeerIo(addr netip.AddrPort, hash InfoHash, isSeed bool, utp bool) (PeerIo, error) {
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	return &testPeerIo{addr: addr, hash: g.Some(hash), utp: utp}, nil
}

func (s *testSession) NewPeerMsgs(tor Torrent, io PeerIo, events func(PeerEvent)) PeerMsgs {
	return &testPeerMsgs{
		addr:       io.SocketAddress(),
		incoming:   io.IsIncoming(),
		utp:        io.IsUtp(),
		peerChoked: true,
		choked:     true,
		events:     events,
		pieces:     make(map[PieceIndex]bool),
	}
}

func (s *testSession) NewWebseed(tor Torrent, url string, events func(PeerEvent)) Webseed {
	return &testWebseed{url: url, events: events}
}

type testPeerIo struct {
	addr     netip.AddrPort
	incoming bool
	utp      bool
	hash     g.Option[InfoHash]
	bw       Bandwidth
	closed   bool
}

func (io *testPeerIo) SocketAddress() netip.AddrPort  { return io.addr }
func (io *testPeerIo) IsIncoming() bool               { return io.incoming }
func (io *testPeerIo) IsUtp() bool                    { return io.utp }
func (io *testPeerIo) TorrentHash() g.Option[InfoHash] { return io.hash }
func (io *testPeerIo) SetBandwidth(parent Bandwidth)  { io.bw = parent }
func (io *testPeerIo) Close() error                   { io.closed = true; return nil }

type testHandshake struct {
	io      PeerIo
	done    HandshakeDoneFunc
	aborted bool
}

func (hs *testHandshake) Abort() { hs.aborted = true }

// succeed completes the handshake as connected.
func (hs *testHandshake) succeed() bool {
	return hs.done(HandshakeResult{
		Io:                   hs.io,
		IsConnected:          true,
		ReadAnythingFromPeer: true,
	})
}

func (hs *testHandshake) fail(readAnything bool) {
	hs.done(HandshakeResult{
		Io:                   hs.io,
		IsConnected:          false,
		ReadAnythingFromPeer: readAnything,
	})
}

type testPeerMsgs struct {
	addr      netip.AddrPort
	incoming  bool
	utp       bool
	encrypted bool
	seed      bool
	closed    bool

	choked         bool // we choke them
	interested     bool // we want them
	peerChoked     bool // they choke us
	peerInterested bool // they want us

	pieces map[PieceIndex]bool

	speed        [2]uint64
	transferring [2]bool

	cancels []struct {
		piece  PieceIndex
		offset uint32
	}

	events func(PeerEvent)
}

func (p *testPeerMsgs) Close() error                   { p.closed = true; return nil }
func (p *testPeerMsgs) SocketAddress() netip.AddrPort  { return p.addr }
func (p *testPeerMsgs) IsIncoming() bool               { return p.incoming }
func (p *testPeerMsgs) IsUtp() bool                    { return p.utp }
func (p *testPeerMsgs) IsEncrypted() bool              { return p.encrypted }
func (p *testPeerMsgs) UserAgent() string              { return "test/1.0" }
func (p *testPeerMsgs) PercentDone() float64           { return 0.5 }
func (p *testPeerMsgs) SetChoke(choked bool)           { p.choked = choked }
func (p *testPeerMsgs) SetInterested(interested bool)  { p.interested = interested }
func (p *testPeerMsgs) PeerIsChoked() bool             { return p.choked }
func (p *testPeerMsgs) PeerIsInterested() bool         { return p.peerInterested }
func (p *testPeerMsgs) ClientIsChoked() bool           { return p.peerChoked }
func (p *testPeerMsgs) ClientIsInterested() bool       { return p.interested }
func (p *testPeerMsgs) IsSeed() bool                   { return p.seed }
func (p *testPeerMsgs) HasPiece(i PieceIndex) bool     { return p.seed || p.pieces[i] }

func (p *testPeerMsgs) Cancel(piece PieceIndex, offset uint32, length uint32) {
	p.cancels = append(p.cancels, struct {
		piece  PieceIndex
		offset uint32
	}{piece, offset})
}

func (p *testPeerMsgs) PieceSpeed(d Direction, now time.Time) uint64 {
	return p.speed[d]
}

func (p *testPeerMsgs) IsTransferringPieces(d Direction, now time.Time) bool {
	return p.transferring[d]
}

func (p *testPeerMsgs) ActiveRequestCountToClient() int { return 0 }

type testWebseed struct {
	url    string
	closed bool
	active bool
	events func(PeerEvent)
}

func (w *testWebseed) Close() error { w.closed = true; return nil }
func (w *testWebseed) Url() string  { return w.url }

func (w *testWebseed) IsTransferringPieces(d Direction, now time.Time) bool {
	return w.active
}

func tap(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

// addSwarm registers the torrent with both the fake session and the
// manager, returning the swarm.
func addSwarm(m *PeerMgr, ses *testSession, tor *testTorrent) *Swarm {
	ses.addTorrent(tor)
	m.AddTorrent(tor)
	return m.swarms[tor.id]
}

// connectPeer fakes a completed inbound-or-outbound admission, wiring a
// testPeerMsgs into the swarm at the given listening address.
func connectPeer(s *Swarm, ap netip.AddrPort) (*Peer, *testPeerMsgs) {
	info := s.ensureInfoExists(ap, SourceTracker)
	io := &testPeerIo{addr: ap, hash: g.Some(s.tor.InfoHash())}
	p := s.createPeer(io, info, time.Now())
	return p, p.msgs.(*testPeerMsgs)
}

// connectIncomingPeer admits a peer whose listen port is unknown.
func connectIncomingPeer(s *Swarm, ap netip.AddrPort) (*Peer, *testPeerMsgs) {
	info := s.ensureIncomingInfoExists(ap)
	io := &testPeerIo{addr: ap, incoming: true, hash: g.Some(s.tor.InfoHash())}
	p := s.createPeer(io, info, time.Now())
	return p, p.msgs.(*testPeerMsgs)
}

package peermgr

import (
	"crypto/rand"
	"net/netip"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
)

// AddIncoming offers a fresh inbound connection for handshaking. The io
// is closed on refusal.
func (m *PeerMgr) AddIncoming(io PeerIo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := io.SocketAddress()
	if m.session.AddressIsBlocked(addr.Addr()) {
		_ = io.Close()
		return
	}
	if _, ok := m.incomingHandshakes[addr]; ok {
		// A handshake on this exact socket address is already underway.
		_ = io.Close()
		return
	}
	m.incomingHandshakes[addr] = m.session.NewHandshake(
		m.mediator(), io, m.session.EncryptionMode(),
		func(res HandshakeResult) bool {
			return m.onHandshakeDone(res, time.Now())
		})
}

// startOutgoingHandshake dials a peer whose listening address we know.
// The caller has already checked candidacy.
func (m *PeerMgr) startOutgoingHandshake(s *Swarm, info *PeerInfo, now time.Time) {
	ap := info.ListenSocketAddr().Value
	utp := m.session.AllowsUTP() && (!info.supportsUtp.Ok || info.supportsUtp.Value)
	if !utp && !m.session.AllowsTCP() {
		return
	}
	io, err := m.session.NewOutgoingPeerIo(ap, s.tor.InfoHash(), s.tor.IsDone(), utp)
	if err != nil {
		// Couldn't even construct a socket for this address family or
		// transport.
		info.connectable.Set(false)
		info.onConnectionFailed()
		return
	}
	info.setConnectionAttemptTime(now)
	info.outgoingHandshake = true
	s.outgoingHandshakes[ap] = m.session.NewHandshake(
		m.mediator(), io, m.session.EncryptionMode(),
		func(res HandshakeResult) bool {
			return m.onHandshakeDone(res, time.Now())
		})
}

// onHandshakeDone is the unified completion path for inbound and
// outbound handshakes. Returns whether the io was adopted.
func (m *PeerMgr) onHandshakeDone(res HandshakeResult, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	io := res.Io
	addr := io.SocketAddress()
	incoming := io.IsIncoming()

	var s *Swarm
	if hash := io.TorrentHash(); hash.Ok {
		if tor := m.session.TorrentByHash(hash.Value); tor != nil {
			s = m.swarms[tor.ID()]
		}
	}

	var info *PeerInfo
	if incoming {
		delete(m.incomingHandshakes, addr)
		if s != nil {
			info = s.incomingPool[addr]
		}
	} else {
		if s != nil {
			delete(s.outgoingHandshakes, addr)
			info = s.connectablePool[addr]
			if info != nil {
				info.outgoingHandshake = false
			}
		}
	}

	if !res.IsConnected || s == nil || !s.isRunning {
		if info != nil && !info.IsConnected() {
			info.onConnectionFailed()
			if !res.ReadAnythingFromPeer {
				// Nothing ever came back: likely nobody listening there.
				info.connectable.Set(false)
			}
		}
		return false
	}

	if info == nil {
		// Inbound from an address we've never seen. Listen port unknown
		// until they tell us.
		info = s.ensureIncomingInfoExists(addr)
	}
	if !incoming {
		info.connectable.Set(true)
		if io.IsUtp() {
			info.supportsUtp.Set(true)
		}
	}

	switch {
	case info.IsBanned():
		m.logger.Levelf(log.Debug, "dropping banned peer %v", info)
	case s.isFull():
		m.logger.Levelf(log.Debug, "swarm is full, dropping peer %v", info)
	case info.IsConnected():
		// Already connected at this record; keep the connection we have.
	default:
		s.createPeer(io, info, now)
		return true
	}
	return false
}

// ensureIncomingInfoExists finds or creates a record for an inbound
// ephemeral address, keeping at most one record per IP.
func (s *Swarm) ensureIncomingInfoExists(addr netip.AddrPort) *PeerInfo {
	if info, ok := s.incomingPool[addr]; ok {
		return info
	}
	for key, info := range s.incomingPool {
		if key.Addr() == addr.Addr() {
			delete(s.incomingPool, key)
			s.incomingPool[addr] = info
			return info
		}
	}
	s.poolsDirty()
	info := newPeerInfo(addr.Addr(), SourceIncoming)
	s.incomingPool[addr] = info
	return info
}

// The handshake's view of us.

type handshakeMediator struct {
	m *PeerMgr
}

func (m *PeerMgr) mediator() HandshakeMediator {
	return handshakeMediator{m: m}
}

func (h handshakeMediator) TorrentHandshakeInfo(hash InfoHash) (_ g.Option[TorrentHandshakeInfo]) {
	if tor := h.m.session.TorrentByHash(hash); tor != nil {
		return g.Some(TorrentHandshakeInfo{
			Id:        tor.ID(),
			InfoHash:  tor.InfoHash(),
			IsRunning: tor.IsRunning(),
		})
	}
	return
}

func (h handshakeMediator) TorrentFromObfuscated(hash InfoHash) (_ g.Option[TorrentHandshakeInfo]) {
	if tor := h.m.session.TorrentByObfuscatedHash(hash); tor != nil {
		return g.Some(TorrentHandshakeInfo{
			Id:        tor.ID(),
			InfoHash:  tor.InfoHash(),
			IsRunning: tor.IsRunning(),
		})
	}
	return
}

func (h handshakeMediator) AllowsDht() bool { return h.m.session.AllowsDHT() }
func (h handshakeMediator) AllowsTcp() bool { return h.m.session.AllowsTCP() }

func (h handshakeMediator) SetUtpFailed(hash InfoHash, addr netip.AddrPort) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	tor := h.m.session.TorrentByHash(hash)
	if tor == nil {
		return
	}
	s := h.m.swarms[tor.ID()]
	if s == nil {
		return
	}
	if info, ok := s.connectablePool[addr]; ok {
		info.supportsUtp.Set(false)
	}
}

func (h handshakeMediator) TimerMaker() TimerMaker {
	return func(delay time.Duration, fn func()) Timer {
		return time.AfterFunc(delay, fn)
	}
}

func (h handshakeMediator) Pad(maxLen int) []byte {
	if maxLen <= 0 {
		return nil
	}
	b := make([]byte, maxLen)
	_, _ = rand.Read(b[:1])
	n := int(b[0]) % (maxLen + 1)
	_, _ = rand.Read(b[:n])
	return b[:n]
}

package peermgr

// requestView is the wishlist's window onto one swarm and one
// requesting peer.
type requestView struct {
	s *Swarm
	p *Peer
}

var _ WishlistView = requestView{}

func (v requestView) ClientCanRequestBlock(b BlockIndex) bool {
	if v.s.requests.Has(b, v.p) {
		return false
	}
	// Outside endgame a block in flight anywhere is off the table;
	// endgame allows racing other peers for the stragglers.
	if !v.s.endgame && v.s.requests.CountBlock(b) > 0 {
		return false
	}
	bpp := v.s.blocksPerPiece()
	if bpp == 0 {
		return false
	}
	return v.p.msgs.HasPiece(PieceIndex(b / bpp))
}

func (v requestView) ClientCanRequestPiece(piece PieceIndex) bool {
	return v.s.tor.PieceIsWanted(piece) && v.p.msgs.HasPiece(piece)
}

func (v requestView) CountMissingBlocks(piece PieceIndex) int {
	span := v.s.tor.PieceBlockSpan(piece)
	missing := 0
	for b := span.Begin; b < span.End; b++ {
		if v.s.requests.CountBlock(b) == 0 {
			missing++
		}
	}
	return missing
}

func (v requestView) PieceBlockSpan(piece PieceIndex) BlockSpan {
	return v.s.tor.PieceBlockSpan(piece)
}

func (v requestView) PieceCount() PieceIndex {
	return v.s.tor.PieceCount()
}

func (v requestView) Priority(piece PieceIndex) PiecePriority {
	return v.s.tor.PiecePriority(piece)
}

func (v requestView) IsSequentialDownload() bool {
	return v.s.tor.SequentialDownload()
}

func (v requestView) IsEndgame() bool {
	return v.s.endgame
}

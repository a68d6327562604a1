package peermgr

import (
	"time"
)

// requester is anything we issue block requests to: a wire peer or a
// webseed.
type requester interface {
	cancelBlock(b BlockIndex)
}

type requestPair struct {
	block BlockIndex
	from  requester
	sent  time.Time
}

// activeRequests tracks outstanding block requests as a bidirectional
// index: by block (who did we ask) and by requester (what did we ask
// them for). At most one outstanding request per (block, requester)
// pair.
type activeRequests struct {
	byBlock map[BlockIndex]map[requester]time.Time
	byPeer  map[requester]map[BlockIndex]struct{}
}

// Add records a request. Idempotent: a pair already present keeps its
// original timestamp and the add reports false.
func (me *activeRequests) Add(b BlockIndex, from requester, sent time.Time) bool {
	if _, ok := me.byBlock[b][from]; ok {
		return false
	}
	if me.byBlock == nil {
		me.byBlock = make(map[BlockIndex]map[requester]time.Time)
		me.byPeer = make(map[requester]map[BlockIndex]struct{})
	}
	if me.byBlock[b] == nil {
		me.byBlock[b] = make(map[requester]time.Time)
	}
	me.byBlock[b][from] = sent
	if me.byPeer[from] == nil {
		me.byPeer[from] = make(map[BlockIndex]struct{})
	}
	me.byPeer[from][b] = struct{}{}
	return true
}

func (me *activeRequests) Remove(b BlockIndex, from requester) bool {
	if _, ok := me.byBlock[b][from]; !ok {
		return false
	}
	me.deletePair(b, from)
	return true
}

// RemoveBlock drops every request for a block, returning who it had been
// requested from.
func (me *activeRequests) RemoveBlock(b BlockIndex) []requester {
	peers := make([]requester, 0, len(me.byBlock[b]))
	for from := range me.byBlock[b] {
		peers = append(peers, from)
	}
	for _, from := range peers {
		me.deletePair(b, from)
	}
	return peers
}

// RemovePeer drops every request to a requester, returning the blocks
// affected. O(outstanding to that requester).
func (me *activeRequests) RemovePeer(from requester) []BlockIndex {
	blocks := make([]BlockIndex, 0, len(me.byPeer[from]))
	for b := range me.byPeer[from] {
		blocks = append(blocks, b)
	}
	for _, b := range blocks {
		me.deletePair(b, from)
	}
	return blocks
}

func (me *activeRequests) deletePair(b BlockIndex, from requester) {
	delete(me.byBlock[b], from)
	if len(me.byBlock[b]) == 0 {
		delete(me.byBlock, b)
	}
	delete(me.byPeer[from], b)
	if len(me.byPeer[from]) == 0 {
		delete(me.byPeer, from)
	}
}

func (me *activeRequests) Has(b BlockIndex, from requester) bool {
	_, ok := me.byBlock[b][from]
	return ok
}

func (me *activeRequests) CountBlock(b BlockIndex) int {
	return len(me.byBlock[b])
}

func (me *activeRequests) CountPeer(from requester) int {
	return len(me.byPeer[from])
}

// SentBefore returns the pairs whose request went out before the cutoff,
// in unspecified order.
func (me *activeRequests) SentBefore(cutoff time.Time) (ret []requestPair) {
	for b, froms := range me.byBlock {
		for from, sent := range froms {
			if sent.Before(cutoff) {
				ret = append(ret, requestPair{block: b, from: from, sent: sent})
			}
		}
	}
	return
}

func (me *activeRequests) Size() (n int) {
	for _, froms := range me.byBlock {
		n += len(froms)
	}
	return
}

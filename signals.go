package peermgr

// Small callback lists keyed by subscription token. Handlers run inside
// the emitter's critical section; subscribers must not re-enter the
// session lock.
type observable[T any] struct {
	subs map[int]func(T)
	next int
}

// Subscribe registers f and returns a func that removes it again.
func (o *observable[T]) Subscribe(f func(T)) (unsub func()) {
	if o.subs == nil {
		o.subs = make(map[int]func(T))
	}
	tok := o.next
	o.next++
	o.subs[tok] = f
	return func() {
		delete(o.subs, tok)
	}
}

func (o *observable[T]) Emit(v T) {
	for _, f := range o.subs {
		f(v)
	}
}

// TorrentSignals is owned by the Torrent implementation and fired by it
// while holding the session lock. The swarm subscribes to all of them at
// construction and unsubscribes on teardown.
type TorrentSignals struct {
	Started         observable[struct{}]
	Stopped         observable[struct{}]
	Done            observable[struct{}]
	Doomed          observable[struct{}]
	GotMetainfo     observable[struct{}]
	SwarmIsAllSeeds observable[struct{}]
	PieceCompleted  observable[PieceIndex]
	GotBadPiece     observable[PieceIndex]
}

type SessionSignals struct {
	BlocklistChanged observable[struct{}]
}

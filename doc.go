// Package peermgr manages the peers of BitTorrent swarms: discovering
// dial candidates, admitting handshakes, tracking per-address reputation
// across connects and disconnects, choking and unchoking, reaping the
// idle and the hostile, and bookkeeping outstanding block requests.
//
// The wire protocol, handshake crypto, transport, bandwidth allocation
// and piece prioritization are collaborators consumed through the
// interfaces in interfaces.go; the enclosing client wires them up and
// drives peer events back in. All state is serialized under one session
// lock.
package peermgr

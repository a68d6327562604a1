package peermgr

import (
	"errors"
	"syscall"
)

// Wire-layer violations that warrant dropping the connection rather than
// logging and carrying on.
var (
	ErrPeerRange        = errors.New("peer message out of range")
	ErrPeerMessageSize  = errors.New("peer message size")
	ErrPeerNotConnected = errors.New("peer not connected")
)

func isPeerProtocolViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPeerRange) ||
		errors.Is(err, ErrPeerMessageSize) ||
		errors.Is(err, ErrPeerNotConnected) {
		return true
	}
	return errors.Is(err, syscall.ERANGE) ||
		errors.Is(err, syscall.EMSGSIZE) ||
		errors.Is(err, syscall.ENOTCONN)
}

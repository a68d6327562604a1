// Package pex holds the ut_pex wire types: peer flags and the compact
// address codecs shared by PEX gossip and tracker responses.
package pex

import (
	"net"
	"net/netip"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/pkg/errors"
)

// Flags are the BEP 11 "added.f" bits.
type Flags byte

const (
	PrefersEncryption Flags = 1 << iota
	SeedUploadOnly
	SupportsUtp
	SupportsHolepunch
	Connectable
)

func (f Flags) Get(bit Flags) bool { return f&bit == bit }

// Pex is a single gossiped peer.
type Pex struct {
	Addr  netip.AddrPort
	Flags Flags
}

const (
	compactIpv4Stride = 4 + 2
	compactIpv6Stride = 16 + 2
)

var ErrBadCompactLength = errors.New("compact peer list length is not a multiple of the entry size")

// FromCompactIpv4 decodes 6-byte-per-peer compact entries. addedF may be
// nil; it is applied only when its length matches the entry count.
func FromCompactIpv4(b []byte, addedF []byte) ([]Pex, error) {
	return fromCompact(b, addedF, compactIpv4Stride)
}

// FromCompactIpv6 decodes 18-byte-per-peer compact entries.
func FromCompactIpv6(b []byte, addedF []byte) ([]Pex, error) {
	return fromCompact(b, addedF, compactIpv6Stride)
}

func fromCompact(b, addedF []byte, stride int) ([]Pex, error) {
	if len(b)%stride != 0 {
		return nil, errors.Wrapf(ErrBadCompactLength, "%v bytes with stride %v", len(b), stride)
	}
	n := len(b) / stride
	var nodeAddrs interface {
		UnmarshalBinary([]byte) error
		NodeAddrs() []krpc.NodeAddr
	}
	if stride == compactIpv4Stride {
		nodeAddrs = new(krpc.CompactIPv4NodeAddrs)
	} else {
		nodeAddrs = new(krpc.CompactIPv6NodeAddrs)
	}
	if err := nodeAddrs.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	ret := make([]Pex, 0, n)
	for i, na := range nodeAddrs.NodeAddrs() {
		addr, ok := netip.AddrFromSlice(na.IP)
		if !ok {
			continue
		}
		p := Pex{Addr: netip.AddrPortFrom(addr.Unmap(), uint16(na.Port))}
		if len(addedF) == n {
			p.Flags = Flags(addedF[i])
		}
		ret = append(ret, p)
	}
	return ret, nil
}

// ToCompact encodes same-family peers back to the compact form, with a
// parallel flags slice. Mixed families panic; split first.
func ToCompact(peers []Pex) (b []byte, addedF []byte) {
	if len(peers) == 0 {
		return
	}
	v4 := peers[0].Addr.Addr().Unmap().Is4()
	addrs := make([]krpc.NodeAddr, 0, len(peers))
	addedF = make([]byte, 0, len(peers))
	for _, p := range peers {
		if p.Addr.Addr().Unmap().Is4() != v4 {
			panic("mixed address families in compact encode")
		}
		addrs = append(addrs, krpc.NodeAddr{
			IP:   addrIp(p.Addr.Addr()),
			Port: int(p.Addr.Port()),
		})
		addedF = append(addedF, byte(p.Flags))
	}
	var err error
	if v4 {
		b, err = krpc.CompactIPv4NodeAddrs(addrs).MarshalBinary()
	} else {
		b, err = krpc.CompactIPv6NodeAddrs(addrs).MarshalBinary()
	}
	if err != nil {
		panic(err)
	}
	return
}

func addrIp(addr netip.Addr) net.IP {
	addr = addr.Unmap()
	if addr.Is4() {
		a4 := addr.As4()
		return net.IP(a4[:])
	}
	a16 := addr.As16()
	return net.IP(a16[:])
}

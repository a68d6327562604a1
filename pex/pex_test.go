package pex

import (
	"net/netip"
	"testing"

	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/require"
)

func TestCompactIpv4RoundTrip(t *testing.T) {
	peers := []Pex{
		{Addr: netip.MustParseAddrPort("1.2.3.4:6881"), Flags: Connectable},
		{Addr: netip.MustParseAddrPort("5.6.7.8:51413"), Flags: Connectable | SeedUploadOnly},
	}
	b, addedF := ToCompact(peers)
	require.Len(t, b, 2*6)
	require.Len(t, addedF, 2)

	out, err := FromCompactIpv4(b, addedF)
	require.NoError(t, err)
	require.Equal(t, peers, out)
}

func TestCompactIpv6RoundTrip(t *testing.T) {
	peers := []Pex{
		{Addr: netip.MustParseAddrPort("[2001:db8::1]:6881"), Flags: SupportsUtp},
		{Addr: netip.MustParseAddrPort("[2001:db8::2]:51413")},
	}
	b, addedF := ToCompact(peers)
	require.Len(t, b, 2*18)

	out, err := FromCompactIpv6(b, addedF)
	require.NoError(t, err)
	require.Equal(t, peers, out)
}

func TestCompactBadLength(t *testing.T) {
	_, err := FromCompactIpv4(make([]byte, 7), nil)
	require.ErrorIs(t, err, ErrBadCompactLength)
	_, err = FromCompactIpv6(make([]byte, 19), nil)
	require.ErrorIs(t, err, ErrBadCompactLength)
}

func TestCompactFlagsAppliedOnlyOnLengthMatch(t *testing.T) {
	peers := []Pex{
		{Addr: netip.MustParseAddrPort("1.2.3.4:6881"), Flags: Connectable},
		{Addr: netip.MustParseAddrPort("5.6.7.8:51413"), Flags: Connectable},
	}
	b, _ := ToCompact(peers)
	out, err := FromCompactIpv4(b, []byte{byte(Connectable)})
	require.NoError(t, err)
	for _, p := range out {
		qt.Assert(t, qt.Equals(p.Flags, Flags(0)))
	}
}

func TestFlagsGet(t *testing.T) {
	f := Connectable | SupportsUtp
	qt.Assert(t, qt.IsTrue(f.Get(Connectable)))
	qt.Assert(t, qt.IsTrue(f.Get(SupportsUtp)))
	qt.Assert(t, qt.IsFalse(f.Get(SeedUploadOnly)))
	qt.Assert(t, qt.IsFalse(f.Get(PrefersEncryption)))
}

package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	id, err := Parse("DE:AD:BE:AF:BA:11", "random")
	require.NoError(t, err)
	require.Equal(t, TypeRandom, id.Type)
	require.Equal(t, [Size]byte{0xDE, 0xAD, 0xBE, 0xAF, 0xBA, 0x11}, id.Addr)
	require.Equal(t, "DE:AD:BE:AF:BA:11", id.AddrString())
	require.Equal(t, "DE:AD:BE:AF:BA:11 (random)", id.String())

	lower, err := Parse("d2:f0:f4:22:53:28", "random")
	require.NoError(t, err)
	require.Equal(t, "D2:F0:F4:22:53:28", lower.AddrString())
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []struct {
		addr, typ string
	}{
		{"", "random"},
		{"DE:AD:BE:AF:BA", "random"},
		{"DE:AD:BE:AF:BA:11:22", "random"},
		{"DE:AD:BE:AF:BA:1", "random"},
		{"DE:AD:BE:AF:BA:ZZ", "random"},
		{"00:00:00:00:00:00", "public"},
		{"12:34:56:78:9A:BC", "random"}, // top bits not set
		{"C0:00:00:00:00:00", "random"}, // random part all zero
		{"FF:FF:FF:FF:FF:FF", "random"}, // random part all one
		{"DE:AD:BE:AF:BA:11", "bogus"},
	}
	for _, c := range cases {
		_, err := Parse(c.addr, c.typ)
		require.ErrorIs(t, err, ErrInvalidIdentity, "Parse(%q, %q)", c.addr, c.typ)
	}
}

func TestPublicAddressNeedsNoStaticBits(t *testing.T) {
	id, err := Parse("12:34:56:78:9A:BC", "public")
	require.NoError(t, err)
	require.Equal(t, TypePublic, id.Type)
}

func TestDeriveIsStableAndStatic(t *testing.T) {
	a := Derive("node-2")
	b := Derive("node-2")
	c := Derive("node-3")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.NoError(t, a.Validate())
	require.Equal(t, byte(0xC0), a.Addr[0]&0xC0)
}

func TestFilterAcceptsExactIdentity(t *testing.T) {
	pred := MustParse("DE:AD:BE:AF:BA:11", "random")
	f := NewFilter(1)
	require.NoError(t, f.Accept(pred))
	require.NoError(t, f.Accept(pred), "re-adding the same identity is a no-op")
	require.True(t, f.Accepts(pred))

	other := MustParse("D2:F0:F4:22:53:28", "random")
	require.False(t, f.Accepts(other))

	samePublic := pred
	samePublic.Type = TypePublic
	require.False(t, f.Accepts(samePublic), "address type is part of the identity")

	require.ErrorIs(t, f.Accept(other), ErrFilterFull)
	require.Equal(t, 1, f.Len())
}

func TestFilterSeal(t *testing.T) {
	f := NewFilter(2)
	require.NoError(t, f.Accept(MustParse("DE:AD:BE:AF:BA:11", "random")))
	f.Seal()
	require.ErrorIs(t, f.Accept(MustParse("D2:F0:F4:22:53:28", "random")), ErrFilterSealed)
	require.Len(t, f.Accepted(), 1)
}

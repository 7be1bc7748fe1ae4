package ans104

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func newEd25519Item(t *testing.T, payload []byte, tags []Tag) *Item {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := NewEd25519Signer(priv)
	require.NoError(t, err)
	item, err := signer.SignItem(nil, nil, tags, payload)
	require.NoError(t, err)
	return item
}

func TestParseRoundTrip(t *testing.T) {
	tags := []Tag{{Name: TagContentType, Value: "text/plain"}, {Name: TagAppName, Value: "test"}}
	item := newEd25519Item(t, []byte("hello permanent world"), tags)

	parsed, err := Parse(item.Raw)
	require.NoError(t, err)
	require.Equal(t, SchemeEd25519, parsed.Scheme)
	require.Equal(t, tags, parsed.Tags)
	require.Equal(t, []byte("hello permanent world"), parsed.Payload())
	require.Equal(t, item.IDString(), parsed.IDString())

	ct, ok := parsed.TagValue(TagContentType)
	require.True(t, ok)
	require.Equal(t, "text/plain", ct)
}

func TestParseRejectsTruncation(t *testing.T) {
	item := newEd25519Item(t, []byte("payload"), nil)
	for _, cut := range []int{1, 40, len(item.Raw) - int(item.PayloadSize()) - 1} {
		_, err := Parse(item.Raw[:cut])
		require.ErrorIs(t, err, ErrMalformed, "cut at %d", cut)
	}
}

func TestParseRejectsUnknownScheme(t *testing.T) {
	raw := append([]byte{0x2a, 0x00}, bytes.Repeat([]byte{0}, 128)...)
	_, err := Parse(raw)
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestVerifyItemEd25519(t *testing.T) {
	item := newEd25519Item(t, []byte("verify me"), nil)
	addr, err := VerifyItem(item)
	require.NoError(t, err)
	require.NotEmpty(t, addr)

	// Flipping a payload byte must break verification.
	tampered := append([]byte(nil), item.Raw...)
	tampered[len(tampered)-1] ^= 0xff
	broken, err := Parse(tampered)
	require.NoError(t, err)
	_, err = VerifyItem(broken)
	require.Error(t, err)
}

func TestVerifyItemEthereum(t *testing.T) {
	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewEthereumSigner(priv)
	require.NoError(t, err)

	item, err := signer.SignItem(nil, nil, []Tag{{Name: "k", Value: "v"}}, []byte("eth payload"))
	require.NoError(t, err)

	addr, err := VerifyItem(item)
	require.NoError(t, err)
	require.Equal(t, signer.Address(), addr)

	// A tampered payload recovers a different key than the declared owner.
	tampered := append([]byte(nil), item.Raw...)
	tampered[len(tampered)-1] ^= 0xff
	broken, err := Parse(tampered)
	require.NoError(t, err)
	_, err = VerifyItem(broken)
	require.Error(t, err)
}

func TestContentIDIsSignatureDigest(t *testing.T) {
	a := newEd25519Item(t, []byte("same payload"), nil)
	b := newEd25519Item(t, []byte("same payload"), nil)
	// Different keys produce different signatures, therefore different ids.
	require.NotEqual(t, a.IDString(), b.IDString())

	decoded, err := DecodeID(a.IDString())
	require.NoError(t, err)
	require.Equal(t, a.ID(), decoded)
}

func TestEncodeValidatesLengths(t *testing.T) {
	_, err := Encode(SchemeEd25519, make([]byte, 63), make([]byte, 32), nil, nil, nil, []byte("x"))
	require.ErrorIs(t, err, ErrMalformed)
	_, err = Encode(SchemeEd25519, make([]byte, 64), make([]byte, 31), nil, nil, nil, []byte("x"))
	require.ErrorIs(t, err, ErrMalformed)
	_, err = Encode(SchemeEd25519, make([]byte, 64), make([]byte, 32), []byte{1, 2}, nil, nil, []byte("x"))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestBundleRoundTrip(t *testing.T) {
	items := []*Item{
		newEd25519Item(t, []byte("first"), nil),
		newEd25519Item(t, []byte("second item payload"), []Tag{{Name: "a", Value: "b"}}),
		newEd25519Item(t, []byte("third"), nil),
	}
	raw, err := AssembleBundle(items)
	require.NoError(t, err)

	unpacked, err := UnpackBundle(raw)
	require.NoError(t, err)
	require.Len(t, unpacked, 3)
	for i := range items {
		require.Equal(t, items[i].IDString(), unpacked[i].IDString())
		require.Equal(t, items[i].Payload(), unpacked[i].Payload())
	}
}

func TestBundleOffsetsAreDeterministic(t *testing.T) {
	items := []*Item{
		newEd25519Item(t, []byte("abc"), nil),
		newEd25519Item(t, bytes.Repeat([]byte{0x42}, 1024), nil),
	}
	raw, err := AssembleBundle(items)
	require.NoError(t, err)

	offsets, err := PayloadOffsets(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, offsets, 2)
	for i, off := range offsets {
		require.Equal(t, items[i].IDString(), off.ID)
		require.Equal(t, items[i].PayloadSize(), off.PayloadLength)
		got := raw[off.PayloadStart : off.PayloadStart+off.PayloadLength]
		require.Equal(t, items[i].Payload(), got)
	}
}

func TestUnpackBundleRejectsIDMismatch(t *testing.T) {
	items := []*Item{newEd25519Item(t, []byte("only"), nil)}
	raw, err := AssembleBundle(items)
	require.NoError(t, err)
	// Corrupt the header id.
	raw[bundleCountSz+32] ^= 0xff
	_, err = UnpackBundle(raw)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseBundleHeaderRejectsZeroSize(t *testing.T) {
	header, err := EncodeBundleHeader([]BundleEntry{{Size: 8}})
	require.NoError(t, err)
	// Zero out the size field.
	for i := bundleCountSz; i < bundleCountSz+8; i++ {
		header[i] = 0
	}
	_, err = ParseBundleHeader(bytes.NewReader(header))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestNestedBundleTagDetection(t *testing.T) {
	inner, err := AssembleBundle([]*Item{newEd25519Item(t, []byte("nested"), nil)})
	require.NoError(t, err)
	wrapper := newEd25519Item(t, inner, []Tag{
		{Name: TagBundleFormat, Value: "binary"},
		{Name: TagBundleVersion, Value: "2.0.0"},
		{Name: TagContentType, Value: ContentTypeBundle},
	})
	require.True(t, wrapper.IsBundle())

	unpacked, err := UnpackBundle(wrapper.Payload())
	require.NoError(t, err)
	require.Len(t, unpacked, 1)
	require.Equal(t, []byte("nested"), unpacked[0].Payload())
}

// Package ans104 implements the binary envelope and bundle container used by
// the permanent-storage chain: per-item envelopes carrying a signature, owner
// key, tags, and payload, plus the bundle framing that concatenates envelopes
// behind an offsets header.
package ans104

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// SignatureScheme identifies the cryptographic scheme of an envelope.
type SignatureScheme uint16

// Supported signature schemes.
const (
	SchemeArweave          SignatureScheme = 1
	SchemeEd25519          SignatureScheme = 2
	SchemeEthereum         SignatureScheme = 3
	SchemeCosmos           SignatureScheme = 4
	SchemeAptos            SignatureScheme = 5
	SchemeSui              SignatureScheme = 6
	SchemeEthereumPersonal SignatureScheme = 7
	SchemeEthereumTyped    SignatureScheme = 8
)

// schemeInfo captures the fixed wire lengths per scheme.
type schemeInfo struct {
	name     string
	sigLen   int
	ownerLen int
}

var schemes = map[SignatureScheme]schemeInfo{
	SchemeArweave:          {name: "arweave", sigLen: 512, ownerLen: 512},
	SchemeEd25519:          {name: "ed25519", sigLen: 64, ownerLen: 32},
	SchemeEthereum:         {name: "ethereum", sigLen: 65, ownerLen: 65},
	SchemeCosmos:           {name: "cosmos", sigLen: 64, ownerLen: 33},
	SchemeAptos:            {name: "aptos", sigLen: 64, ownerLen: 32},
	SchemeSui:              {name: "sui", sigLen: 64, ownerLen: 32},
	SchemeEthereumPersonal: {name: "ethereum-personal", sigLen: 65, ownerLen: 65},
	SchemeEthereumTyped:    {name: "ethereum-typed", sigLen: 65, ownerLen: 65},
}

// Name returns the lowercase scheme label used in APIs and logs.
func (s SignatureScheme) Name() string {
	if info, ok := schemes[s]; ok {
		return info.name
	}
	return fmt.Sprintf("unknown(%d)", uint16(s))
}

// Supported reports whether the scheme is one of the eight recognised schemes.
func (s SignatureScheme) Supported() bool {
	_, ok := schemes[s]
	return ok
}

// Tag is a single name/value metadata pair on an envelope.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Well-known tag names.
const (
	TagContentType   = "Content-Type"
	TagBundleFormat  = "Bundle-Format"
	TagBundleVersion = "Bundle-Version"
	TagAppName       = "App-Name"
)

// ContentTypeBundle marks an envelope whose payload is itself a bundle.
const ContentTypeBundle = "application/vnd.bundlr.bundle"

// Limits on envelope structure.
const (
	MaxTags        = 128
	MaxTagBytes    = 4096
	maxTargetLen   = 32
	maxAnchorLen   = 32
	schemeHeaderSz = 2
)

var (
	// ErrMalformed is returned for any framing violation in an envelope.
	ErrMalformed = errors.New("malformed envelope")
	// ErrUnsupportedScheme is returned for an unrecognised scheme tag.
	ErrUnsupportedScheme = errors.New("unsupported signature scheme")
	// ErrTooLarge is returned when an envelope exceeds the configured maximum.
	ErrTooLarge = errors.New("envelope exceeds maximum size")
)

// Item is a parsed envelope. Raw holds the full wire bytes; PayloadOffset is
// the byte index where the payload begins inside Raw.
type Item struct {
	Scheme        SignatureScheme
	Signature     []byte
	Owner         []byte
	Target        []byte
	Anchor        []byte
	Tags          []Tag
	Raw           []byte
	PayloadOffset int

	id [32]byte
}

// ID returns the content id: the SHA-256 digest of the signature bytes.
func (it *Item) ID() [32]byte { return it.id }

// IDString returns the base64url content id used in APIs and storage keys.
func (it *Item) IDString() string { return EncodeID(it.id) }

// Payload returns the payload slice of the raw envelope.
func (it *Item) Payload() []byte { return it.Raw[it.PayloadOffset:] }

// PayloadSize returns the payload byte count.
func (it *Item) PayloadSize() int64 { return int64(len(it.Raw) - it.PayloadOffset) }

// TagValue returns the first value for the named tag, if present.
func (it *Item) TagValue(name string) (string, bool) {
	for _, tag := range it.Tags {
		if tag.Name == name {
			return tag.Value, true
		}
	}
	return "", false
}

// IsBundle reports whether the envelope declares a nested bundle payload.
func (it *Item) IsBundle() bool {
	value, ok := it.TagValue(TagContentType)
	return ok && value == ContentTypeBundle
}

// EncodeID renders a 32-byte content id as unpadded base64url.
func EncodeID(id [32]byte) string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// DecodeID parses an unpadded base64url content id.
func DecodeID(s string) ([32]byte, error) {
	var id [32]byte
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return id, fmt.Errorf("%w: bad content id", ErrMalformed)
	}
	copy(id[:], raw)
	return id, nil
}

// Parse decodes a fully-buffered envelope. Zero-byte payloads are rejected
// at the ingestion layer, not here; Parse only enforces framing.
func Parse(raw []byte) (*Item, error) {
	if len(raw) < schemeHeaderSz {
		return nil, fmt.Errorf("%w: truncated scheme header", ErrMalformed)
	}
	scheme := SignatureScheme(binary.LittleEndian.Uint16(raw))
	info, ok := schemes[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedScheme, uint16(scheme))
	}
	r := &sliceReader{buf: raw, off: schemeHeaderSz}
	sig, err := r.take(info.sigLen)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated signature", ErrMalformed)
	}
	owner, err := r.take(info.ownerLen)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated owner key", ErrMalformed)
	}
	target, err := r.optional(maxTargetLen)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated target", ErrMalformed)
	}
	anchor, err := r.optional(maxAnchorLen)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated anchor", ErrMalformed)
	}
	tags, err := r.tags()
	if err != nil {
		return nil, err
	}
	item := &Item{
		Scheme:        scheme,
		Signature:     sig,
		Owner:         owner,
		Target:        target,
		Anchor:        anchor,
		Tags:          tags,
		Raw:           raw,
		PayloadOffset: r.off,
	}
	item.id = sha256.Sum256(sig)
	return item, nil
}

// SigningDigest computes the digest covered by the envelope signature: the
// SHA-256 of every envelope field except the signature itself, in wire order.
func SigningDigest(scheme SignatureScheme, owner, target, anchor []byte, tags []Tag, payload io.Reader) ([32]byte, error) {
	var digest [32]byte
	h := sha256.New()
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(scheme))
	h.Write(hdr[:])
	h.Write(owner)
	h.Write(presenceWrapped(target))
	h.Write(presenceWrapped(anchor))
	tagBytes, err := encodeTags(tags)
	if err != nil {
		return digest, err
	}
	h.Write(tagBytes)
	if payload != nil {
		if _, err := io.Copy(h, payload); err != nil {
			return digest, fmt.Errorf("hash payload: %w", err)
		}
	}
	copy(digest[:], h.Sum(nil))
	return digest, nil
}

// SigningDigestOf computes the signing digest for a parsed item.
func SigningDigestOf(it *Item) ([32]byte, error) {
	return SigningDigest(it.Scheme, it.Owner, it.Target, it.Anchor, it.Tags, bytes.NewReader(it.Payload()))
}

// Encode serialises an envelope from its parts. Used by the raw-blob wrapper
// and by tests; ingestion always works on client-provided wire bytes.
func Encode(scheme SignatureScheme, signature, owner, target, anchor []byte, tags []Tag, payload []byte) ([]byte, error) {
	info, ok := schemes[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedScheme, uint16(scheme))
	}
	if len(signature) != info.sigLen {
		return nil, fmt.Errorf("%w: signature must be %d bytes", ErrMalformed, info.sigLen)
	}
	if len(owner) != info.ownerLen {
		return nil, fmt.Errorf("%w: owner must be %d bytes", ErrMalformed, info.ownerLen)
	}
	if len(target) != 0 && len(target) != maxTargetLen {
		return nil, fmt.Errorf("%w: target must be empty or %d bytes", ErrMalformed, maxTargetLen)
	}
	if len(anchor) != 0 && len(anchor) != maxAnchorLen {
		return nil, fmt.Errorf("%w: anchor must be empty or %d bytes", ErrMalformed, maxAnchorLen)
	}
	tagBytes, err := encodeTags(tags)
	if err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(make([]byte, 0, schemeHeaderSz+len(signature)+len(owner)+2+len(target)+len(anchor)+len(tagBytes)+len(payload)))
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(scheme))
	buf.Write(hdr[:])
	buf.Write(signature)
	buf.Write(owner)
	buf.Write(presenceWrapped(target))
	buf.Write(presenceWrapped(anchor))
	buf.Write(tagBytes)
	buf.Write(payload)
	return buf.Bytes(), nil
}

func presenceWrapped(field []byte) []byte {
	if len(field) == 0 {
		return []byte{0}
	}
	out := make([]byte, 1+len(field))
	out[0] = 1
	copy(out[1:], field)
	return out
}

// encodeTags renders the length-prefixed tag section: an 8-byte LE tag count,
// an 8-byte LE byte length, then (2-byte LE name length, name, 2-byte LE value
// length, value) per tag.
func encodeTags(tags []Tag) ([]byte, error) {
	if len(tags) > MaxTags {
		return nil, fmt.Errorf("%w: more than %d tags", ErrMalformed, MaxTags)
	}
	var body bytes.Buffer
	for _, tag := range tags {
		if len(tag.Name) > 0xffff || len(tag.Value) > 0xffff {
			return nil, fmt.Errorf("%w: tag field exceeds 65535 bytes", ErrMalformed)
		}
		var ln [2]byte
		binary.LittleEndian.PutUint16(ln[:], uint16(len(tag.Name)))
		body.Write(ln[:])
		body.WriteString(tag.Name)
		binary.LittleEndian.PutUint16(ln[:], uint16(len(tag.Value)))
		body.Write(ln[:])
		body.WriteString(tag.Value)
	}
	if body.Len() > MaxTagBytes {
		return nil, fmt.Errorf("%w: tag section exceeds %d bytes", ErrMalformed, MaxTagBytes)
	}
	out := make([]byte, 16, 16+body.Len())
	binary.LittleEndian.PutUint64(out[0:8], uint64(len(tags)))
	binary.LittleEndian.PutUint64(out[8:16], uint64(body.Len()))
	return append(out, body.Bytes()...), nil
}

type sliceReader struct {
	buf []byte
	off int
}

func (r *sliceReader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *sliceReader) optional(n int) ([]byte, error) {
	flag, err := r.take(1)
	if err != nil {
		return nil, err
	}
	switch flag[0] {
	case 0:
		return nil, nil
	case 1:
		return r.take(n)
	default:
		return nil, io.ErrUnexpectedEOF
	}
}

func (r *sliceReader) tags() ([]Tag, error) {
	header, err := r.take(16)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated tag header", ErrMalformed)
	}
	count := binary.LittleEndian.Uint64(header[0:8])
	length := binary.LittleEndian.Uint64(header[8:16])
	if count > MaxTags || length > MaxTagBytes {
		return nil, fmt.Errorf("%w: tag section too large", ErrMalformed)
	}
	body, err := r.take(int(length))
	if err != nil {
		return nil, fmt.Errorf("%w: truncated tag section", ErrMalformed)
	}
	tags := make([]Tag, 0, count)
	off := 0
	for i := uint64(0); i < count; i++ {
		name, next, err := takePrefixed(body, off)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated tag name", ErrMalformed)
		}
		value, after, err := takePrefixed(body, next)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated tag value", ErrMalformed)
		}
		tags = append(tags, Tag{Name: string(name), Value: string(value)})
		off = after
	}
	if off != len(body) {
		return nil, fmt.Errorf("%w: trailing bytes in tag section", ErrMalformed)
	}
	return tags, nil
}

func takePrefixed(buf []byte, off int) ([]byte, int, error) {
	if off+2 > len(buf) {
		return nil, 0, io.ErrUnexpectedEOF
	}
	n := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if off+n > len(buf) {
		return nil, 0, io.ErrUnexpectedEOF
	}
	return buf[off : off+n], off + n, nil
}

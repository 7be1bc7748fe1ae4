package ans104

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

// Header is an envelope prefix parsed without buffering the payload. Large
// uploads are parsed this way so the payload can stream straight to disk.
type Header struct {
	Scheme    SignatureScheme
	Signature []byte
	Owner     []byte
	Target    []byte
	Anchor    []byte
	Tags      []Tag

	// EnvelopeSize is the byte length of the prefix; the payload starts here.
	EnvelopeSize int64

	id [32]byte
}

// ID returns the content id, the SHA-256 of the signature.
func (h *Header) ID() [32]byte { return h.id }

// IDString returns the base64url content id.
func (h *Header) IDString() string { return EncodeID(h.id) }

// TagValue returns the first tag with the given name.
func (h *Header) TagValue(name string) (string, bool) {
	for _, tag := range h.Tags {
		if tag.Name == name {
			return tag.Value, true
		}
	}
	return "", false
}

// IsBundle reports whether the tags mark this envelope as a nested bundle.
func (h *Header) IsBundle() bool {
	format, _ := h.TagValue(TagBundleFormat)
	version, _ := h.TagValue(TagBundleVersion)
	return format == "binary" && version == "2.0.0"
}

// Verify checks the envelope signature against the streamed payload and
// returns the owner's native address.
func (h *Header) Verify(payload io.Reader) (string, error) {
	digest, err := SigningDigest(h.Scheme, h.Owner, h.Target, h.Anchor, h.Tags, payload)
	if err != nil {
		return "", err
	}
	if err := VerifySignature(h.Scheme, h.Owner, digest, h.Signature); err != nil {
		return "", err
	}
	return OwnerAddress(h.Scheme, h.Owner)
}

// ParseHeader reads an envelope prefix from r, leaving r positioned at the
// first payload byte.
func ParseHeader(r io.Reader) (*Header, error) {
	sr := &streamReader{r: r}
	schemeRaw, err := sr.take(schemeHeaderSz)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated scheme header", ErrMalformed)
	}
	scheme := SignatureScheme(binary.LittleEndian.Uint16(schemeRaw))
	info, ok := schemes[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedScheme, uint16(scheme))
	}
	sig, err := sr.take(info.sigLen)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated signature", ErrMalformed)
	}
	owner, err := sr.take(info.ownerLen)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated owner key", ErrMalformed)
	}
	target, err := sr.optional(maxTargetLen)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated target", ErrMalformed)
	}
	anchor, err := sr.optional(maxAnchorLen)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated anchor", ErrMalformed)
	}
	tags, err := sr.tags()
	if err != nil {
		return nil, err
	}
	header := &Header{
		Scheme:       scheme,
		Signature:    sig,
		Owner:        owner,
		Target:       target,
		Anchor:       anchor,
		Tags:         tags,
		EnvelopeSize: sr.read,
	}
	header.id = sha256.Sum256(sig)
	return header, nil
}

// streamReader mirrors sliceReader over an io.Reader.
type streamReader struct {
	r    io.Reader
	read int64
}

func (s *streamReader) take(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	s.read += int64(n)
	return buf, nil
}

func (s *streamReader) optional(n int) ([]byte, error) {
	flag, err := s.take(1)
	if err != nil {
		return nil, err
	}
	switch flag[0] {
	case 0:
		return nil, nil
	case 1:
		return s.take(n)
	default:
		return nil, io.ErrUnexpectedEOF
	}
}

func (s *streamReader) tags() ([]Tag, error) {
	header, err := s.take(16)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated tag header", ErrMalformed)
	}
	count := binary.LittleEndian.Uint64(header[0:8])
	length := binary.LittleEndian.Uint64(header[8:16])
	if count > MaxTags || length > MaxTagBytes {
		return nil, fmt.Errorf("%w: tag section too large", ErrMalformed)
	}
	body, err := s.take(int(length))
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

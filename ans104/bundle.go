package ans104

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// bundleCountSz is the width of the leading item-count field.
	bundleCountSz = 32
	// bundleEntrySz is the width of one (size, content id) header pair.
	bundleEntrySz = 64

	// MaxBundleItems caps the number of envelopes a single bundle may carry.
	MaxBundleItems = 10_000
	// MaxBundleBytes caps the total size of an assembled bundle payload.
	MaxBundleBytes = int64(10) << 30
)

// BundleEntry is one header row of a bundle: the envelope's byte size and its
// content id, in bundle order.
type BundleEntry struct {
	Size int64
	ID   [32]byte
}

// ItemOffset locates one envelope and its payload inside an assembled bundle.
type ItemOffset struct {
	ID            string
	Start         int64
	Size          int64
	PayloadStart  int64
	PayloadLength int64
}

// BundleHeader is the parsed offsets header of a bundle.
type BundleHeader struct {
	Entries []BundleEntry
}

// HeaderSize returns the byte length of the serialised header.
func (h *BundleHeader) HeaderSize() int64 {
	return int64(bundleCountSz + len(h.Entries)*bundleEntrySz)
}

// Offsets derives the absolute byte ranges of every envelope in the bundle.
// Positions are deterministic given the entry order.
func (h *BundleHeader) Offsets() []ItemOffset {
	out := make([]ItemOffset, 0, len(h.Entries))
	pos := h.HeaderSize()
	for _, entry := range h.Entries {
		out = append(out, ItemOffset{
			ID:    EncodeID(entry.ID),
			Start: pos,
			Size:  entry.Size,
		})
		pos += entry.Size
	}
	return out
}

// TotalSize returns header size plus the sum of all entry sizes.
func (h *BundleHeader) TotalSize() int64 {
	total := h.HeaderSize()
	for _, entry := range h.Entries {
		total += entry.Size
	}
	return total
}

// EncodeBundleHeader serialises the offsets header: a 32-byte little-endian
// item count followed by one 64-byte (size, content id) pair per envelope.
func EncodeBundleHeader(entries []BundleEntry) ([]byte, error) {
	if len(entries) > MaxBundleItems {
		return nil, fmt.Errorf("%w: bundle holds more than %d items", ErrTooLarge, MaxBundleItems)
	}
	buf := make([]byte, bundleCountSz+len(entries)*bundleEntrySz)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(entries)))
	off := bundleCountSz
	for _, entry := range entries {
		if entry.Size <= 0 {
			return nil, fmt.Errorf("%w: non-positive item size in header", ErrMalformed)
		}
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(entry.Size))
		copy(buf[off+32:off+64], entry.ID[:])
		off += bundleEntrySz
	}
	return buf, nil
}

// ParseBundleHeader reads and validates the offsets header from r.
func ParseBundleHeader(r io.Reader) (*BundleHeader, error) {
	var countBuf [bundleCountSz]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated bundle count", ErrMalformed)
	}
	count := binary.LittleEndian.Uint64(countBuf[0:8])
	for _, b := range countBuf[8:] {
		if b != 0 {
			return nil, fmt.Errorf("%w: bundle count overflows", ErrMalformed)
		}
	}
	if count > MaxBundleItems {
		return nil, fmt.Errorf("%w: bundle holds more than %d items", ErrTooLarge, MaxBundleItems)
	}
	header := &BundleHeader{Entries: make([]BundleEntry, 0, count)}
	var total int64
	for i := uint64(0); i < count; i++ {
		var row [bundleEntrySz]byte
		if _, err := io.ReadFull(r, row[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated bundle entry %d", ErrMalformed, i)
		}
		size := binary.LittleEndian.Uint64(row[0:8])
		for _, b := range row[8:32] {
			if b != 0 {
				return nil, fmt.Errorf("%w: entry size overflows", ErrMalformed)
			}
		}
		if size == 0 {
			return nil, fmt.Errorf("%w: zero-size bundle entry", ErrMalformed)
		}
		entry := BundleEntry{Size: int64(size)}
		copy(entry.ID[:], row[32:64])
		total += entry.Size
		if total > MaxBundleBytes {
			return nil, fmt.Errorf("%w: bundle exceeds %d bytes", ErrTooLarge, MaxBundleBytes)
		}
		header.Entries = append(header.Entries, entry)
	}
	return header, nil
}

// AssembleBundle concatenates the header and the raw envelopes into a bundle
// payload. Item order is preserved; content ids are derived from each item.
func AssembleBundle(items []*Item) ([]byte, error) {
	entries := make([]BundleEntry, 0, len(items))
	var body int64
	for _, it := range items {
		entries = append(entries, BundleEntry{Size: int64(len(it.Raw)), ID: it.ID()})
		body += int64(len(it.Raw))
	}
	header, err := EncodeBundleHeader(entries)
	if err != nil {
		return nil, err
	}
	if int64(len(header))+body > MaxBundleBytes {
		return nil, fmt.Errorf("%w: bundle exceeds %d bytes", ErrTooLarge, MaxBundleBytes)
	}
	buf := bytes.NewBuffer(make([]byte, 0, int64(len(header))+body))
	buf.Write(header)
	for _, it := range items {
		buf.Write(it.Raw)
	}
	return buf.Bytes(), nil
}

// WriteBundle streams header plus envelope readers to w without buffering the
// whole bundle. Sizes and ids must match the content each reader produces.
func WriteBundle(w io.Writer, entries []BundleEntry, bodies []io.Reader) (int64, error) {
	if len(entries) != len(bodies) {
		return 0, fmt.Errorf("%w: entry and body counts differ", ErrMalformed)
	}
	header, err := EncodeBundleHeader(entries)
	if err != nil {
		return 0, err
	}
	written := int64(0)
	n, err := w.Write(header)
	written += int64(n)
	if err != nil {
		return written, fmt.Errorf("write bundle header: %w", err)
	}
	for i, body := range bodies {
		copied, err := io.Copy(w, io.LimitReader(body, entries[i].Size))
		written += copied
		if err != nil {
			return written, fmt.Errorf("write bundle item %s: %w", EncodeID(entries[i].ID), err)
		}
		if copied != entries[i].Size {
			return written, fmt.Errorf("%w: item %s shorter than header size", ErrMalformed, EncodeID(entries[i].ID))
		}
	}
	return written, nil
}

// UnpackBundle parses a fully-buffered bundle payload into its envelopes.
// Each envelope's declared content id must match sha256 of its signature.
func UnpackBundle(raw []byte) ([]*Item, error) {
	r := bytes.NewReader(raw)
	header, err := ParseBundleHeader(r)
	if err != nil {
		return nil, err
	}
	if header.TotalSize() != int64(len(raw)) {
		return nil, fmt.Errorf("%w: bundle body does not match header sizes", ErrMalformed)
	}
	items := make([]*Item, 0, len(header.Entries))
	pos := header.HeaderSize()
	for _, entry := range header.Entries {
		end := pos + entry.Size
		item, err := Parse(raw[pos:end])
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", EncodeID(entry.ID), err)
		}
		if item.ID() != entry.ID {
			return nil, fmt.Errorf("%w: header id %s does not match item id %s",
				ErrMalformed, EncodeID(entry.ID), item.IDString())
		}
		items = append(items, item)
		pos = end
	}
	return items, nil
}

// PayloadOffsets resolves the absolute payload ranges of every envelope in a
// bundle by parsing each envelope's fixed prefix. seeker must read the full
// bundle payload. Envelope payloads are never buffered.
func PayloadOffsets(seeker io.ReadSeeker) ([]ItemOffset, error) {
	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek bundle start: %w", err)
	}
	header, err := ParseBundleHeader(seeker)
	if err != nil {
		return nil, err
	}
	offsets := header.Offsets()
	for i := range offsets {
		if _, err := seeker.Seek(offsets[i].Start, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek item %s: %w", offsets[i].ID, err)
		}
		prefix, err := readEnvelopePrefix(io.LimitReader(seeker, offsets[i].Size))
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", offsets[i].ID, err)
		}
		offsets[i].PayloadStart = offsets[i].Start + prefix
		offsets[i].PayloadLength = offsets[i].Size - prefix
	}
	return offsets, nil
}

// readEnvelopePrefix consumes an envelope's non-payload fields from r and
// returns their total byte length.
func readEnvelopePrefix(r io.Reader) (int64, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, fmt.Errorf("%w: truncated scheme header", ErrMalformed)
	}
	scheme := SignatureScheme(binary.LittleEndian.Uint16(hdr[:]))
	info, ok := schemes[scheme]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedScheme, uint16(scheme))
	}
	consumed := int64(schemeHeaderSz)
	if err := discard(r, int64(info.sigLen+info.ownerLen)); err != nil {
		return 0, fmt.Errorf("%w: truncated key section", ErrMalformed)
	}
	consumed += int64(info.sigLen + info.ownerLen)
	for _, width := range []int64{maxTargetLen, maxAnchorLen} {
		var flag [1]byte
		if _, err := io.ReadFull(r, flag[:]); err != nil {
			return 0, fmt.Errorf("%w: truncated presence flag", ErrMalformed)
		}
		consumed++
		switch flag[0] {
		case 0:
		case 1:
			if err := discard(r, width); err != nil {
				return 0, fmt.Errorf("%w: truncated optional field", ErrMalformed)
			}
			consumed += width
		default:
			return 0, fmt.Errorf("%w: bad presence flag", ErrMalformed)
		}
	}
	var tagHdr [16]byte
	if _, err := io.ReadFull(r, tagHdr[:]); err != nil {
		return 0, fmt.Errorf("%w: truncated tag header", ErrMalformed)
	}
	consumed += 16
	count := binary.LittleEndian.Uint64(tagHdr[0:8])
	length := binary.LittleEndian.Uint64(tagHdr[8:16])
	if count > MaxTags || length > MaxTagBytes {
		return 0, fmt.Errorf("%w: tag section too large", ErrMalformed)
	}
	if err := discard(r, int64(length)); err != nil {
		return 0, fmt.Errorf("%w: truncated tag section", ErrMalformed)
	}
	return consumed + int64(length), nil
}

func discard(r io.Reader, n int64) error {
	copied, err := io.CopyN(io.Discard, r, n)
	if err != nil || copied != n {
		return io.ErrUnexpectedEOF
	}
	return nil
}

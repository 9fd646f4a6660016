/*
Package filterstore implements the compact-filter header flat file:
a fixed 40-byte record per block height, random-access by height,
with an optional sidecar data file holding the filters themselves.
*/
package filterstore

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/swiftnode/swiftnode/internal/errors"
)

// recordSize is the on-disk width of one entry: 32 bytes of FilterHeader
// followed by an 8-byte little-endian packed offset.
const recordSize = 40

// HeaderOffset packs a sidecar-file byte offset together with a "have
// body" flag into the top bit of a 64-bit word:
// bit 63 is the present flag, bits 0..62 are the offset.
type HeaderOffset struct {
	Offset  uint64
	Present bool
}

const presentBit = uint64(1) << 63

// ToU64 sets the top bit iff Present; Offset occupies the low 63 bits.
func (h HeaderOffset) ToU64() uint64 {
	v := h.Offset &^ presentBit
	if h.Present {
		v |= presentBit
	}
	return v
}

// FromU64 is the inverse of ToU64: when x's present bit is set, it
// returns the HeaderOffset that round-trips back to x via ToU64, with ok
// true. When the present bit is clear, FromU64 reports ok=false; an
// absent body has no meaningful offset.
func FromU64(x uint64) (HeaderOffset, bool) {
	if x&presentBit == 0 {
		return HeaderOffset{}, false
	}
	return HeaderOffset{Offset: x &^ presentBit, Present: true}, true
}

// record is one 40-byte entry: 32-byte filter header plus its packed offset.
type record struct {
	header [32]byte
	offset HeaderOffset
}

func (r record) marshal() [recordSize]byte {
	var buf [recordSize]byte
	copy(buf[:32], r.header[:])
	binary.LittleEndian.PutUint64(buf[32:40], r.offset.ToU64())
	return buf
}

func unmarshal(buf []byte) record {
	var r record
	copy(r.header[:], buf[:32])
	packed := binary.LittleEndian.Uint64(buf[32:40])
	if off, ok := FromU64(packed); ok {
		r.offset = off
	}
	return r
}

// Store is a thread-safe handle on the flat file. Random access by
// height is O(1): height n lives at byte offset n*40.
type Store struct {
	mu sync.Mutex
	f  *os.File
}

// Open opens (creating if necessary) the flat file at path. A pre-existing
// file whose length isn't a multiple of recordSize is reported as a
// CorruptFile error rather than silently truncated or extended.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(errors.Config, "opening filter header store", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(errors.Config, "stating filter header store", err)
	}
	if info.Size()%recordSize != 0 {
		f.Close()
		return nil, errors.New(errors.CorruptFile, "filter header store length is not a multiple of the record size")
	}
	return &Store{f: f}, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Height returns the highest height with a stored record, or false if the
// store is empty.
func (s *Store) Height() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.f.Stat()
	if err != nil || info.Size() == 0 {
		return 0, false
	}
	n := info.Size() / recordSize
	return uint32(n - 1), true
}

// Put appends a new record for the next height (one past the current
// Height), writing header with an absent body offset.
func (s *Store) Put(header [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAt(s.nextOffsetLocked(), record{header: header, offset: HeaderOffset{}})
}

func (s *Store) nextOffsetLocked() int64 {
	info, err := s.f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// GetAt reads the record at height. Any read failure, including a height
// beyond the current tip, is a CorruptFile error; callers check Height first.
func (s *Store) GetAt(height uint32) ([32]byte, HeaderOffset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, recordSize)
	if _, err := s.f.ReadAt(buf, int64(height)*recordSize); err != nil {
		return [32]byte{}, HeaderOffset{}, errors.Wrap(errors.CorruptFile, "reading filter header record", err)
	}
	r := unmarshal(buf)
	return r.header, r.offset, nil
}

// UpdateAt rewrites the offset field of an existing record at height,
// used once a filter's body has actually been written to the sidecar
// file and its offset is known.
func (s *Store) UpdateAt(height uint32, offset HeaderOffset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, recordSize)
	pos := int64(height) * recordSize
	if _, err := s.f.ReadAt(buf, pos); err != nil {
		return errors.Wrap(errors.CorruptFile, "reading filter header record for update", err)
	}
	r := unmarshal(buf)
	r.offset = offset
	return s.writeAt(pos, r)
}

func (s *Store) writeAt(pos int64, r record) error {
	packed := r.marshal()
	_, err := s.f.WriteAt(packed[:], pos)
	return err
}

// Flush forces buffered writes to stable storage.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Sync()
}

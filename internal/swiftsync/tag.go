package swiftsync

import (
	"encoding/binary"

	"github.com/aead/siphash"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Tag computes H = SipHash(salt, outpoint || scriptPubKey || value ||
// height), the per-output contribution the aggregator adds and cancels.
// The two salt words not used as the SipHash key are XORed into the
// 64-bit digest so all four words of salt are load-bearing, not just the
// key proper.
func (s Salt) Tag(op wire.OutPoint, pkScript []byte, value int64, height uint32) uint64 {
	msg := make([]byte, 0, chainhash.HashSize+4+len(pkScript)+8+4)
	msg = append(msg, op.Hash[:]...)
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], op.Index)
	msg = append(msg, idx[:]...)
	msg = append(msg, pkScript...)
	var val [8]byte
	binary.LittleEndian.PutUint64(val[:], uint64(value))
	msg = append(msg, val[:]...)
	var h [4]byte
	binary.LittleEndian.PutUint32(h[:], height)
	msg = append(msg, h[:]...)

	digest := siphash.Sum64(msg, (*[16]byte)(s.key128()))
	return digest ^ s[2] ^ s[3]
}

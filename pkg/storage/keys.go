package storage

import "encoding/binary"

// Key schema:
//
//	f:<8-byte seq> → FillRecord (JSON)
//	p:<8-byte seq> → empty, present while the fill is unpublished
const (
	prefixFill    = "f:"
	prefixPending = "p:"
)

func fillKey(seq uint64) []byte    { return append([]byte(prefixFill), seqKey(seq)...) }
func pendingKey(seq uint64) []byte { return append([]byte(prefixPending), seqKey(seq)...) }

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

// seqFromKey strips the prefix and decodes the sequence number.
func seqFromKey(key []byte, prefix string) (uint64, bool) {
	if len(key) != len(prefix)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(prefix):]), true
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

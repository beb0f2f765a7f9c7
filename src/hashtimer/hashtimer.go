package hashtimer

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/tempoledger/tempo/src/common"
	"github.com/tempoledger/tempo/src/crypto"
)

// Field widths of the fixed wire encoding.
const (
	timeLen    = 8
	contentLen = 32
	nonceLen   = 4
	digestLen  = 32

	// EncodedLen is the exact length of an encoded HashTimer:
	// time(8) | content(32) | nonce(4) | digest(32)
	EncodedLen = timeLen + contentLen + nonceLen + digestLen
)

// ErrInvalidEncoding is returned by Decode when the input is not exactly
// EncodedLen bytes.
var ErrInvalidEncoding = errors.New("hashtimer: invalid encoding")

// HashTimer is a comparable, verifiable composite identifier combining a time
// value, a content hash, and a nonce. The digest binds the three fields
// together; the total order over (TimeValue, ContentHash, Nonce) is what the
// round chain uses to sequence blocks deterministically.
type HashTimer struct {
	TimeValue   uint64
	ContentHash [contentLen]byte
	Nonce       uint32
	Digest      [digestLen]byte
}

// New computes the digest over (timeValue, contentHash, nonce) and returns the
// assembled HashTimer.
func New(timeValue uint64, contentHash [contentLen]byte, nonce uint32) HashTimer {
	h := HashTimer{
		TimeValue:   timeValue,
		ContentHash: contentHash,
		Nonce:       nonce,
	}
	copy(h.Digest[:], digest(timeValue, contentHash, nonce))
	return h
}

func digest(timeValue uint64, contentHash [contentLen]byte, nonce uint32) []byte {
	buf := make([]byte, timeLen+contentLen+nonceLen)
	binary.BigEndian.PutUint64(buf[:timeLen], timeValue)
	copy(buf[timeLen:timeLen+contentLen], contentHash[:])
	binary.BigEndian.PutUint32(buf[timeLen+contentLen:], nonce)
	return crypto.SHA256(buf)
}

// Verify recomputes the digest and compares it to the stored one. A mismatch
// is not an error; callers decide whether it is fatal.
func (h HashTimer) Verify() bool {
	return bytes.Equal(h.Digest[:], digest(h.TimeValue, h.ContentHash, h.Nonce))
}

// Compare defines the total order over HashTimers: time value first, then
// content hash, then nonce. It returns -1, 0 or 1.
func Compare(a, b HashTimer) int {
	switch {
	case a.TimeValue < b.TimeValue:
		return -1
	case a.TimeValue > b.TimeValue:
		return 1
	}

	if c := bytes.Compare(a.ContentHash[:], b.ContentHash[:]); c != 0 {
		return c
	}

	switch {
	case a.Nonce < b.Nonce:
		return -1
	case a.Nonce > b.Nonce:
		return 1
	}

	return 0
}

// Less is a convenience wrapper around Compare for sorting.
func (h HashTimer) Less(other HashTimer) bool {
	return Compare(h, other) < 0
}

// Encode returns the fixed 76-byte wire encoding of the HashTimer.
func (h HashTimer) Encode() []byte {
	buf := make([]byte, EncodedLen)
	binary.BigEndian.PutUint64(buf[:timeLen], h.TimeValue)
	copy(buf[timeLen:timeLen+contentLen], h.ContentHash[:])
	binary.BigEndian.PutUint32(buf[timeLen+contentLen:timeLen+contentLen+nonceLen], h.Nonce)
	copy(buf[timeLen+contentLen+nonceLen:], h.Digest[:])
	return buf
}

// Decode parses the fixed wire encoding produced by Encode. Any input whose
// length is not exactly EncodedLen fails with ErrInvalidEncoding. Decode does
// not verify the digest; use Verify for that.
func Decode(data []byte) (HashTimer, error) {
	var h HashTimer

	if len(data) != EncodedLen {
		return h, ErrInvalidEncoding
	}

	h.TimeValue = binary.BigEndian.Uint64(data[:timeLen])
	copy(h.ContentHash[:], data[timeLen:timeLen+contentLen])
	h.Nonce = binary.BigEndian.Uint32(data[timeLen+contentLen : timeLen+contentLen+nonceLen])
	copy(h.Digest[:], data[timeLen+contentLen+nonceLen:])

	return h, nil
}

// DigestHex returns the hex representation of the digest, used as a compact
// identifier in round records and logs.
func (h HashTimer) DigestHex() string {
	return common.EncodeToString(h.Digest[:])
}

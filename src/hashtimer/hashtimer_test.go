package hashtimer

import (
	"bytes"
	"sort"
	"testing"

	"github.com/tempoledger/tempo/src/crypto"
)

func contentHash(data string) [32]byte {
	var res [32]byte
	copy(res[:], crypto.SHA256([]byte(data)))
	return res
}

func TestVerify(t *testing.T) {
	h := New(1000, contentHash("payload"), 7)

	if !h.Verify() {
		t.Fatal("freshly generated HashTimer should verify")
	}

	h.Nonce = 8
	if h.Verify() {
		t.Fatal("tampered HashTimer should not verify")
	}
}

func TestEncodedLength(t *testing.T) {
	h := New(1000, contentHash("payload"), 7)

	enc := h.Encode()
	if len(enc) != 76 {
		t.Fatalf("encoded HashTimer should be exactly 76 bytes, got %d", len(enc))
	}
	if EncodedLen != 76 {
		t.Fatalf("EncodedLen should be 76, got %d", EncodedLen)
	}
}

func TestRoundTrip(t *testing.T) {
	h := New(123456789, contentHash("some content"), 42)

	dec, err := Decode(h.Encode())
	if err != nil {
		t.Fatal(err)
	}

	if dec != h {
		t.Fatalf("round trip mismatch.\ngot  %#v\nwant %#v", dec, h)
	}
	if !dec.Verify() {
		t.Fatal("decoded HashTimer should verify")
	}
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	for _, l := range []int{0, 1, 72, 75, 77, 152} {
		_, err := Decode(make([]byte, l))
		if err != ErrInvalidEncoding {
			t.Fatalf("Decode(%d bytes): expected ErrInvalidEncoding, got %v", l, err)
		}
	}
}

func TestTotalOrder(t *testing.T) {
	sample := []HashTimer{
		New(2, contentHash("a"), 0),
		New(1, contentHash("b"), 3),
		New(1, contentHash("b"), 1),
		New(1, contentHash("a"), 9),
		New(3, contentHash("z"), 0),
	}

	// exactly one of <, >, == holds for every pair
	for i, a := range sample {
		for j, b := range sample {
			ab := Compare(a, b)
			ba := Compare(b, a)
			if ab != -ba {
				t.Fatalf("Compare not antisymmetric for %d,%d", i, j)
			}
			if i == j && ab != 0 {
				t.Fatalf("Compare(x,x) should be 0")
			}
		}
	}

	sort.Slice(sample, func(i, j int) bool { return sample[i].Less(sample[j]) })

	// transitivity across the sorted sample
	for i := 0; i < len(sample)-1; i++ {
		if Compare(sample[i], sample[i+1]) > 0 {
			t.Fatalf("sorted sample out of order at %d", i)
		}
	}

	// time value dominates content hash and nonce
	if !New(1, contentHash("zzz"), 99).Less(New(2, contentHash("aaa"), 0)) {
		t.Fatal("lower time value must order first")
	}
}

func TestCompareTieBreaks(t *testing.T) {
	ca, cb := contentHash("a"), contentHash("b")
	if bytes.Compare(ca[:], cb[:]) > 0 {
		ca, cb = cb, ca
	}

	lo := New(5, ca, 0)
	hi := New(5, cb, 0)
	if Compare(lo, hi) != -1 {
		t.Fatal("content hash must break time ties")
	}

	n0 := New(5, ca, 0)
	n1 := New(5, ca, 1)
	if Compare(n0, n1) != -1 {
		t.Fatal("nonce must break content ties")
	}
}

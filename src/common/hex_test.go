package common

import (
	"bytes"
	"testing"
)

func TestHexRoundTrip(t *testing.T) {
	raw := []byte{0x00, 0xde, 0xad, 0xbe, 0xef}

	s := EncodeToString(raw)
	if s != "0X00DEADBEEF" {
		t.Fatalf("unexpected encoding %s", s)
	}

	dec, err := DecodeFromString(s)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dec, raw) {
		t.Fatalf("round trip mismatch: %X != %X", dec, raw)
	}
}

func TestDecodeFromStringPrefix(t *testing.T) {
	// lowercase prefix is tolerated
	if _, err := DecodeFromString("0xdeadbeef"); err != nil {
		t.Fatal(err)
	}

	for _, bad := range []string{"", "0", "deadbeef", "1Xdeadbeef"} {
		if _, err := DecodeFromString(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

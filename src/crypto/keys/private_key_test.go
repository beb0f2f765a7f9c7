package keys

import (
	"bytes"
	"math/big"
	"testing"
)

func TestPrivateKeyRoundTrip(t *testing.T) {
	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	dump := DumpPrivateKey(key)
	if len(dump) != 32 {
		t.Fatalf("expected a 32-byte scalar, got %d bytes", len(dump))
	}

	parsed, err := ParsePrivateKey(dump)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.D.Cmp(key.D) != 0 {
		t.Fatal("round trip changed the scalar")
	}
	if parsed.PublicKey.X.Cmp(key.PublicKey.X) != 0 {
		t.Fatal("round trip changed the public key")
	}
}

func TestDumpPrivateKeyPadding(t *testing.T) {
	// a small scalar must still dump to the full curve byte size
	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	key.D = big.NewInt(7)

	dump := DumpPrivateKey(key)
	if len(dump) != 32 {
		t.Fatalf("expected padding to 32 bytes, got %d", len(dump))
	}
	if !bytes.Equal(dump[:31], make([]byte, 31)) {
		t.Fatal("expected leading zero padding")
	}
	if dump[31] != 7 {
		t.Fatalf("expected scalar in the last byte, got %d", dump[31])
	}
}

func TestParsePrivateKeyRejects(t *testing.T) {
	if _, err := ParsePrivateKey(make([]byte, 31)); err == nil {
		t.Fatal("expected error for short scalar")
	}
	if _, err := ParsePrivateKey(make([]byte, 32)); err == nil {
		t.Fatal("expected error for zero scalar")
	}

	overN := secp256k1N.FillBytes(make([]byte, 32))
	if _, err := ParsePrivateKey(overN); err == nil {
		t.Fatal("expected error for scalar >= N")
	}
}

package seal

import (
	"bytes"
	"testing"
)

func TestSecretKeyRoundTrip(t *testing.T) {
	key, err := NewSecretKey()
	if err != nil {
		t.Fatalf("new secret key failed: %v", err)
	}
	plaintext := []byte("the quick brown fox")
	sealed, err := key.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatalf("sealed payload leaks plaintext")
	}
	opened, err := key.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: got %q", opened)
	}
}

func TestDecryptRejectsTamperedPayload(t *testing.T) {
	key, err := NewSecretKey()
	if err != nil {
		t.Fatalf("new secret key failed: %v", err)
	}
	sealed, err := key.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := key.Decrypt(sealed); err != ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	key, _ := NewSecretKey()
	other, _ := NewSecretKey()
	sealed, err := key.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := other.Decrypt(sealed); err != ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestDeriveIsStablePerContext(t *testing.T) {
	key, _ := NewSecretKey()
	a := key.Derive("realm/1")
	b := key.Derive("realm/1")
	c := key.Derive("realm/2")
	if a != b {
		t.Fatalf("derive is not deterministic")
	}
	if a == c {
		t.Fatalf("different contexts produced the same key")
	}
}

func TestSignVerify(t *testing.T) {
	signing, err := NewSigningKey()
	if err != nil {
		t.Fatalf("new signing key failed: %v", err)
	}
	message := []byte("certificate body")
	sig := signing.Sign(message)
	if err := signing.VerifyKey().Verify(message, sig); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if err := signing.VerifyKey().Verify([]byte("other body"), sig); err != ErrBadSignature {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestSealedBoxRoundTrip(t *testing.T) {
	pub, priv, err := NewBoxKeyPair()
	if err != nil {
		t.Fatalf("new box key pair failed: %v", err)
	}
	if priv.PublicKey() != pub {
		t.Fatalf("derived public key does not match generated one")
	}
	message := []byte("realm key material")
	sealed, err := pub.SealAnonymous(message)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if bytes.Contains(sealed, message) {
		t.Fatalf("sealed box leaks plaintext")
	}
	opened, err := priv.OpenAnonymous(sealed)
	if err != nil || !bytes.Equal(opened, message) {
		t.Fatalf("open failed: %q %v", opened, err)
	}

	_, otherPriv, _ := NewBoxKeyPair()
	if _, err := otherPriv.OpenAnonymous(sealed); err != ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed for wrong recipient, got %v", err)
	}
}

func TestVerifyKeyTextRoundTrip(t *testing.T) {
	signing, _ := NewSigningKey()
	encoded, err := signing.VerifyKey().MarshalText()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded VerifyKey
	if err := decoded.UnmarshalText(encoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	sig := signing.Sign([]byte("m"))
	if err := decoded.Verify([]byte("m"), sig); err != nil {
		t.Fatalf("decoded key does not verify: %v", err)
	}
}

// Package seal holds the cryptographic operations the client treats as
// opaque: symmetric sealing of manifests and chunks, device signatures,
// and content hashing. Algorithm choices live here and nowhere else.
package seal

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrBadSignature     = errors.New("bad signature")
)

const SecretKeySize = chacha20poly1305.KeySize

// SecretKey is an XChaCha20-Poly1305 key. Sealed payloads are
// nonce || ciphertext.
type SecretKey [SecretKeySize]byte

func NewSecretKey() (SecretKey, error) {
	var key SecretKey
	if _, err := rand.Read(key[:]); err != nil {
		return SecretKey{}, err
	}
	return key, nil
}

func SecretKeyFromBytes(raw []byte) (SecretKey, error) {
	if len(raw) != SecretKeySize {
		return SecretKey{}, fmt.Errorf("secret key must be %d bytes, got %d", SecretKeySize, len(raw))
	}
	var key SecretKey
	copy(key[:], raw)
	return key, nil
}

func (k SecretKey) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (k SecretKey) Decrypt(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Derive produces a subkey bound to a context label, e.g. one storage
// sealing key per realm from the device local key.
func (k SecretKey) Derive(context string) SecretKey {
	var out SecretKey
	blake3.DeriveKey(context, k[:], out[:])
	return out
}

type SigningKey struct {
	priv ed25519.PrivateKey
}

type VerifyKey struct {
	pub ed25519.PublicKey
}

func NewSigningKey() (SigningKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKey{}, err
	}
	return SigningKey{priv: priv}, nil
}

// Bytes returns the ed25519 seed, for device file persistence.
func (k SigningKey) Bytes() []byte {
	return append([]byte(nil), k.priv.Seed()...)
}

func SigningKeyFromBytes(seed []byte) (SigningKey, error) {
	if len(seed) != ed25519.SeedSize {
		return SigningKey{}, fmt.Errorf("signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return SigningKey{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (k SigningKey) Sign(message []byte) []byte {
	return ed25519.Sign(k.priv, message)
}

func (k SigningKey) VerifyKey() VerifyKey {
	return VerifyKey{pub: k.priv.Public().(ed25519.PublicKey)}
}

func (k VerifyKey) Verify(message, signature []byte) error {
	if len(k.pub) != ed25519.PublicKeySize || !ed25519.Verify(k.pub, message, signature) {
		return ErrBadSignature
	}
	return nil
}

func (k VerifyKey) Bytes() []byte {
	out := make([]byte, len(k.pub))
	copy(out, k.pub)
	return out
}

func VerifyKeyFromBytes(raw []byte) (VerifyKey, error) {
	if len(raw) != ed25519.PublicKeySize {
		return VerifyKey{}, fmt.Errorf("verify key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, raw)
	return VerifyKey{pub: pub}, nil
}

func (k VerifyKey) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(k.pub)), nil
}

func (k *VerifyKey) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return err
	}
	parsed, err := VerifyKeyFromBytes(raw)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Hash returns the BLAKE3 digest of data, hex encoded. Used for
// certificate duplicate detection and block content addressing.
func Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BoxPublicKey / BoxPrivateKey are a sealed-box key pair: anyone can
// seal a payload for the public key, only the private key opens it.
// Realm keys are distributed to members this way.
type BoxPublicKey [32]byte

type BoxPrivateKey [32]byte

func NewBoxKeyPair() (BoxPublicKey, BoxPrivateKey, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return BoxPublicKey{}, BoxPrivateKey{}, err
	}
	return BoxPublicKey(*pub), BoxPrivateKey(*priv), nil
}

func (k BoxPublicKey) SealAnonymous(message []byte) ([]byte, error) {
	recipient := [32]byte(k)
	return box.SealAnonymous(nil, message, &recipient, rand.Reader)
}

func (k BoxPrivateKey) OpenAnonymous(sealed []byte) ([]byte, error) {
	priv := [32]byte(k)
	pub := k.PublicKey()
	pubRaw := [32]byte(pub)
	opened, ok := box.OpenAnonymous(nil, sealed, &pubRaw, &priv)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return opened, nil
}

// PublicKey recomputes the public half from the private scalar.
func (k BoxPrivateKey) PublicKey() BoxPublicKey {
	pub, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		return BoxPublicKey{}
	}
	var out BoxPublicKey
	copy(out[:], pub)
	return out
}

func (k BoxPublicKey) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(k[:])), nil
}

func (k *BoxPublicKey) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return err
	}
	if len(raw) != 32 {
		return fmt.Errorf("box public key must be 32 bytes, got %d", len(raw))
	}
	copy(k[:], raw)
	return nil
}

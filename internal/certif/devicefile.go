package certif

import (
	"crypto/rand"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"

	"github.com/Scille/parsec-cloud-sub017/internal/codec"
	"github.com/Scille/parsec-cloud-sub017/internal/seal"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

// Device files hold the local identity keys sealed under a
// passphrase-derived key. Losing the passphrase loses the device.
const (
	deviceFileSaltSize = 16

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

type deviceFileEnvelope struct {
	Salt   []byte `cbor:"salt"`
	Sealed []byte `cbor:"sealed"`
}

type deviceFileBody struct {
	Organization string `cbor:"organization"`
	UserID       string `cbor:"user_id"`
	DeviceID     string `cbor:"device_id"`
	SigningSeed  []byte `cbor:"signing_seed"`
	PrivateKey   []byte `cbor:"private_key"`
	LocalKey     []byte `cbor:"local_key"`
}

func passphraseKey(passphrase string, salt []byte) seal.SecretKey {
	raw := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, seal.SecretKeySize)
	var key seal.SecretKey
	copy(key[:], raw)
	return key
}

// SaveDevice writes the device keys to path, sealed under passphrase.
func SaveDevice(path string, device *LocalDevice, passphrase string) error {
	salt := make([]byte, deviceFileSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	body, err := codec.Marshal(deviceFileBody{
		Organization: string(device.Organization),
		UserID:       string(device.UserID),
		DeviceID:     string(device.DeviceID),
		SigningSeed:  device.SigningKey.Bytes(),
		PrivateKey:   device.PrivateKey[:],
		LocalKey:     device.LocalKey[:],
	})
	if err != nil {
		return err
	}
	sealed, err := passphraseKey(passphrase, salt).Encrypt(body)
	if err != nil {
		return err
	}
	blob, err := codec.Marshal(deviceFileEnvelope{Salt: salt, Sealed: sealed})
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o600)
}

// LoadDevice reads a device file. A wrong passphrase surfaces as
// seal.ErrDecryptionFailed.
func LoadDevice(path string, passphrase string) (*LocalDevice, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var envelope deviceFileEnvelope
	if err := codec.Unmarshal(blob, &envelope); err != nil {
		return nil, fmt.Errorf("device file: %w", err)
	}
	body, err := passphraseKey(passphrase, envelope.Salt).Decrypt(envelope.Sealed)
	if err != nil {
		return nil, err
	}
	var decoded deviceFileBody
	if err := codec.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("device file: %w", err)
	}
	signing, err := seal.SigningKeyFromBytes(decoded.SigningSeed)
	if err != nil {
		return nil, err
	}
	local, err := seal.SecretKeyFromBytes(decoded.LocalKey)
	if err != nil {
		return nil, err
	}
	if len(decoded.PrivateKey) != 32 {
		return nil, fmt.Errorf("device file: private key must be 32 bytes")
	}
	device := &LocalDevice{
		Organization: types.OrganizationID(decoded.Organization),
		UserID:       types.UserID(decoded.UserID),
		DeviceID:     types.DeviceID(decoded.DeviceID),
		SigningKey:   signing,
		LocalKey:     local,
	}
	copy(device.PrivateKey[:], decoded.PrivateKey)
	return device, nil
}

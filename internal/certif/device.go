package certif

import (
	"fmt"
	"time"

	"github.com/Scille/parsec-cloud-sub017/internal/seal"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

// LocalDevice is the authenticated identity this process runs as: the
// signing key producing certificates and manifests, the sealed-box key
// receiving realm keys, and the local key sealing on-disk storage.
type LocalDevice struct {
	Organization types.OrganizationID
	UserID       types.UserID
	DeviceID     types.DeviceID

	SigningKey seal.SigningKey
	PrivateKey seal.BoxPrivateKey
	LocalKey   seal.SecretKey
}

// NewLocalDevice generates a fresh identity for the given device ID.
// The matching user/device certificates still have to be produced and
// uploaded separately (enrollment is out of scope here, fixtures use
// BootstrapUser).
func NewLocalDevice(organization types.OrganizationID, deviceID types.DeviceID) (*LocalDevice, error) {
	signing, err := seal.NewSigningKey()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	_, priv, err := seal.NewBoxKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate box key pair: %w", err)
	}
	local, err := seal.NewSecretKey()
	if err != nil {
		return nil, fmt.Errorf("generate local key: %w", err)
	}
	return &LocalDevice{
		Organization: organization,
		UserID:       deviceID.UserID(),
		DeviceID:     deviceID,
		SigningKey:   signing,
		PrivateKey:   priv,
		LocalKey:     local,
	}, nil
}

// BootstrapUser produces the root-signed user and device certificates
// for a device, the way organization bootstrap does. The device
// certificate is stamped one microsecond after the user certificate so
// both fit the strictly-increasing rule for the user scope.
func BootstrapUser(root seal.SigningKey, device *LocalDevice, profile types.UserProfile, humanHandle, deviceLabel string, timestamp types.DateTime) (userRaw, deviceRaw []byte, err error) {
	userCert := &Certificate{
		Type:      TypeUser,
		Timestamp: timestamp,
		User: &UserPayload{
			UserID:      device.UserID,
			Profile:     profile,
			PublicKey:   device.PrivateKey.PublicKey(),
			HumanHandle: humanHandle,
		},
	}
	userRaw, err = Sign(userCert, root)
	if err != nil {
		return nil, nil, err
	}
	deviceCert := &Certificate{
		Type:      TypeDevice,
		Timestamp: timestamp.Add(time.Microsecond),
		Device: &DevicePayload{
			DeviceID:  device.DeviceID,
			VerifyKey: device.SigningKey.VerifyKey(),
			Label:     deviceLabel,
		},
	}
	deviceRaw, err = Sign(deviceCert, root)
	if err != nil {
		return nil, nil, err
	}
	return userRaw, deviceRaw, nil
}

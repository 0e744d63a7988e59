package x402

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the keyring service wallet keys are stored under.
const DefaultKeyringService = "a2a-x402"

// NewKeyringSigner loads a hex private key from the OS secret store.
func NewKeyringSigner(service, user string, options ...ClientPaymentOption) (*PrivateKeySigner, error) {
	if service == "" {
		service = DefaultKeyringService
	}
	secret, err := keyring.Get(service, user)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, fmt.Errorf("%w: no key stored for %s/%s", ErrNoSignerConfigured, service, user)
		}
		return nil, fmt.Errorf("read keyring: %w", err)
	}
	return NewPrivateKeySigner(secret, options...)
}

// StoreKeyringKey validates a hex private key and saves it in the OS secret
// store. It returns the key's address.
func StoreKeyringKey(service, user, privateKeyHex string) (string, error) {
	if service == "" {
		service = DefaultKeyringService
	}
	signer, err := NewPrivateKeySigner(privateKeyHex)
	if err != nil {
		return "", err
	}
	if err := keyring.Set(service, user, privateKeyHex); err != nil {
		return "", fmt.Errorf("write keyring: %w", err)
	}
	return signer.GetAddress(), nil
}

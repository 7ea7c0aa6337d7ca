// Package tee seals data at rest. Inside an enclave the product key bound to
// the signer is used; standalone workers fall back to AES-GCM with a key ring
// supplied through configuration.
package tee

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/edgelesssys/ego/ecrypto"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoSealingKey is returned when standalone sealing has no key
	ErrNoSealingKey = errors.New("no sealing key configured")

	// ErrUnseal is returned when no key opens the sealed text
	ErrUnseal = errors.New("failed to unseal")
)

// Sealer encrypts small blobs. The salt is bound to the ciphertext and must
// be repeated to unseal.
type Sealer interface {
	Seal(plaintext []byte, salt string) (string, error)
	Unseal(sealed string, salt string) ([]byte, error)
}

// NewSealer picks the enclave sealer unless running standalone.
func NewSealer(standalone bool, sealingKey string) (Sealer, error) {
	if !standalone {
		return EnclaveSealer{}, nil
	}
	ring, err := ParseKeyRing(sealingKey)
	if err != nil {
		return nil, err
	}
	return NewStandaloneSealer(ring), nil
}

// EnclaveSealer uses the TEE Product Key.
type EnclaveSealer struct{}

func (EnclaveSealer) Seal(plaintext []byte, salt string) (string, error) {
	res, err := ecrypto.SealWithProductKey(plaintext, []byte(salt))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(res), nil
}

func (EnclaveSealer) Unseal(sealed string, salt string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, err
	}
	plaintext, err := ecrypto.Unseal(b, []byte(salt))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnseal, err)
	}
	return plaintext, nil
}

// StandaloneSealer seals with the most recent ring key and unseals with any.
type StandaloneSealer struct {
	ring *KeyRing
}

func NewStandaloneSealer(ring *KeyRing) *StandaloneSealer {
	return &StandaloneSealer{ring: ring}
}

func (s *StandaloneSealer) Seal(plaintext []byte, salt string) (string, error) {
	key := s.ring.MostRecentKey()
	if key == "" {
		return "", ErrNoSealingKey
	}

	res, err := encryptAES(plaintext, deriveKey(key, salt), []byte(salt))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(res), nil
}

func (s *StandaloneSealer) Unseal(sealed string, salt string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, err
	}

	keys := s.ring.GetAllKeys()
	if len(keys) == 0 {
		return nil, ErrNoSealingKey
	}

	var lastErr error
	for i, key := range keys {
		plaintext, err := decryptAES(b, deriveKey(key, salt), []byte(salt))
		if err != nil {
			lastErr = err
			continue
		}
		if i > 0 {
			logrus.Infof("Successfully decrypted with key %d from ring", i+1)
		}
		return plaintext, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnseal, lastErr)
}

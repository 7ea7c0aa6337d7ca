package tee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// encryptAES encrypts with AES-GCM and prepends the nonce. additional is
// authenticated but not encrypted.
func encryptAES(plainText, key, additional []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return aesGCM.Seal(nonce, nonce, plainText, additional), nil
}

func decryptAES(cipherText, key, additional []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := aesGCM.NonceSize()
	if len(cipherText) < nonceSize {
		return nil, fmt.Errorf("invalid cipher text length")
	}

	nonce, cipherText := cipherText[:nonceSize], cipherText[nonceSize:]
	return aesGCM.Open(nil, nonce, cipherText, additional)
}

// deriveKey binds a ring key to a salt so material sealed for one owner can
// not be opened under another owner's key.
func deriveKey(key, salt string) []byte {
	sum := sha256.Sum256([]byte(key + ":" + salt))
	return sum[:]
}

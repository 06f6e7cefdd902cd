package taskmesh

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// encNonceSize is the GCM nonce length in bytes.
	encNonceSize = 12
	// encKeySize is the AES-256 key length in bytes.
	encKeySize = 32
	// encIterations is the PBKDF2 iteration count.
	encIterations = 100_000
)

// payloadKeySalt is the fixed key-derivation salt. All devices sharing
// a passphrase must derive the same key, so the salt is a protocol
// constant rather than per-message randomness; confidentiality rests on
// the passphrase.
var payloadKeySalt = []byte("taskmesh/payload-key/v1")

// PayloadEncryptor applies AES-256-GCM to wire payloads. Devices
// configured with the same passphrase can talk to each other; frames
// from devices with a different passphrase fail authentication and are
// treated as corrupted.
type PayloadEncryptor struct {
	aead cipher.AEAD
}

// NewPayloadEncryptor derives the payload key from the passphrase and
// prepares the cipher.
func NewPayloadEncryptor(passphrase string) (*PayloadEncryptor, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("encryption passphrase must not be empty")
	}
	key := pbkdf2.Key([]byte(passphrase), payloadKeySalt, encIterations, encKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &PayloadEncryptor{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce. The nonce is
// prepended to the ciphertext.
func (e *PayloadEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, encNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt. Authentication failure means the frame was
// tampered with or the peer uses a different passphrase.
func (e *PayloadEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < encNonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:encNonceSize], ciphertext[encNonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}
	return plaintext, nil
}

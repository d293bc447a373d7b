package anonymizer

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"telemetry-service/internal/config"
)

var (
	ErrInvalidKey = errors.New("invalid cipher key")
	ErrInvalidIV  = errors.New("invalid cipher iv")
)

const hexPrefix = "hex:"

// Anonymizer maps raw client addresses to stable pseudonyms. The mapping is
// AES-CTR under a fixed key and IV, so equal inputs always produce equal
// identifiers and only holders of the key can reverse them.
type Anonymizer struct {
	block cipher.Block
	iv    []byte
}

// New validates key and iv once. Key must be 16, 24 or 32 bytes, iv one
// AES block.
func New(key, iv []byte) (*Anonymizer, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: length %d, want 16, 24 or 32", ErrInvalidKey, len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrInvalidIV, len(iv), aes.BlockSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	ivCopy := make([]byte, len(iv))
	copy(ivCopy, iv)
	return &Anonymizer{block: block, iv: ivCopy}, nil
}

// NewFromConfig decodes the configured secrets and builds the anonymizer.
func NewFromConfig(cfg *config.Config) (*Anonymizer, error) {
	key, err := DecodeSecret(cfg.Telemetry.CipherKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	iv, err := DecodeSecret(cfg.Telemetry.CipherIV)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIV, err)
	}
	return New(key, iv)
}

// DecodeSecret returns the raw bytes of s, or the hex-decoded bytes when s
// starts with "hex:".
func DecodeSecret(s string) ([]byte, error) {
	if strings.HasPrefix(s, hexPrefix) {
		return hex.DecodeString(strings.TrimPrefix(s, hexPrefix))
	}
	return []byte(s), nil
}

// Anonymize returns the lower-case hex ciphertext of rawAddress.
func (a *Anonymizer) Anonymize(rawAddress string) string {
	out := make([]byte, len(rawAddress))
	cipher.NewCTR(a.block, a.iv).XORKeyStream(out, []byte(rawAddress))
	return hex.EncodeToString(out)
}

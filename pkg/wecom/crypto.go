// Package wecom implements the WeCom (enterprise WeChat) callback envelope:
// AES-256-CBC message encryption, signature verification and the fixed XML
// profile the platform posts to the callback URL.
package wecom

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"
)

const (
	aesKeySize  = 32
	randomSize  = 16
	lengthSize  = 4
	headerSize  = randomSize + lengthSize
	maxPKCS7Pad = 32 // WeCom pads to 32-byte blocks, AES to 16
)

var (
	ErrInvalidAESKey  = errors.New("wecom: invalid encoding_aes_key")
	ErrTooShort       = errors.New("wecom: encrypted message too short")
	ErrDecryptFailed  = errors.New("wecom: decryption failed")
	ErrLengthMismatch = errors.New("wecom: message length exceeds decrypted data")
	ErrCorpIDMismatch = errors.New("wecom: corp id mismatch")
	ErrEncoding       = errors.New("wecom: message is not valid utf-8")
)

// Crypto holds immutable key material. It is safe for concurrent use.
type Crypto struct {
	key    []byte
	corpID string
}

// NewCrypto decodes the 43-character EncodingAESKey from the admin console.
// The key is base64 without padding; it must decode to 32 bytes.
func NewCrypto(encodingAESKey, corpID string) (*Crypto, error) {
	padded := encodingAESKey
	if rem := len(padded) % 4; rem != 0 {
		padded += strings.Repeat("=", 4-rem)
	}

	key, err := base64.StdEncoding.DecodeString(padded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAESKey, err)
	}
	if len(key) != aesKeySize {
		return nil, fmt.Errorf("%w: must decode to %d bytes (AES-256), got %d bytes",
			ErrInvalidAESKey, aesKeySize, len(key))
	}

	return &Crypto{key: key, corpID: corpID}, nil
}

func (c *Crypto) CorpID() string {
	return c.corpID
}

// Decrypt opens a base64(iv || ciphertext) envelope and returns the embedded
// message after checking that the trailing corp id is ours.
func (c *Crypto) Decrypt(encrypted string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", ErrDecryptFailed, err)
	}
	if len(raw) < aes.BlockSize {
		return "", fmt.Errorf("%w: %d bytes, need at least %d", ErrTooShort, len(raw), aes.BlockSize)
	}

	iv, ciphertext := raw[:aes.BlockSize], raw[aes.BlockSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrDecryptFailed)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return "", err
	}

	if len(plain) < headerSize {
		return "", fmt.Errorf("%w: decrypted %d bytes, need at least %d", ErrTooShort, len(plain), headerSize)
	}

	content := plain[randomSize:]
	msgLen := uint64(binary.BigEndian.Uint32(content[:lengthSize]))
	if uint64(len(content)) < lengthSize+msgLen {
		return "", fmt.Errorf("%w: declared %d, have %d", ErrLengthMismatch, msgLen, len(content)-lengthSize)
	}

	msg := content[lengthSize : lengthSize+msgLen]
	corpID := content[lengthSize+msgLen:]
	if !bytes.Equal(corpID, []byte(c.corpID)) {
		return "", fmt.Errorf("%w: expected %s, got %s", ErrCorpIDMismatch, c.corpID, corpID)
	}

	if !utf8.Valid(msg) {
		return "", ErrEncoding
	}
	return string(msg), nil
}

// Encrypt seals plaintext into the wire envelope. The IV and the random frame
// prefix are drawn independently.
func (c *Crypto) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("wecom: generate iv: %w", err)
	}
	prefix := make([]byte, randomSize)
	if _, err := rand.Read(prefix); err != nil {
		return "", fmt.Errorf("wecom: generate random prefix: %w", err)
	}

	return c.encrypt(iv, prefix, []byte(plaintext), []byte(c.corpID))
}

func (c *Crypto) encrypt(iv, prefix, msg, corpID []byte) (string, error) {
	frame := make([]byte, 0, headerSize+len(msg)+len(corpID)+aes.BlockSize)
	frame = append(frame, prefix...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(msg)))
	frame = append(frame, msg...)
	frame = append(frame, corpID...)
	frame = pkcs7Pad(frame, aes.BlockSize)

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("wecom: %w", err)
	}

	out := make([]byte, aes.BlockSize+len(frame))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], frame)

	return base64.StdEncoding.EncodeToString(out), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

// pkcs7Unpad accepts pad lengths up to 32 so both the 16-byte AES variant and
// WeCom's 32-byte variant are removed.
func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecryptFailed)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > maxPKCS7Pad || n > len(data) {
		return nil, fmt.Errorf("%w: invalid padding", ErrDecryptFailed)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: invalid padding", ErrDecryptFailed)
		}
	}
	return data[:len(data)-n], nil
}

// Sign computes hex(sha256(sorted parts joined without separator)).
func Sign(token, timestamp, nonce, encrypted string) string {
	parts := []string{token, timestamp, nonce, encrypted}
	slices.Sort(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// VerifySignature reports whether signature matches Sign over the four parts.
// The comparison is case-sensitive.
func VerifySignature(token, timestamp, nonce, encrypted, signature string) bool {
	expected := Sign(token, timestamp, nonce, encrypted)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

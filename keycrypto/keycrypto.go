// Package keycrypto encrypts private key material with a password.
//
// The key is derived with PBKDF2-HMAC-SHA256 (100,000 iterations, 32 bytes)
// from the password and a random 16-byte salt. The plaintext is encrypted
// with AES-256 in CBC mode with PKCS#7 padding under a random 16-byte IV.
// Salt and IV travel as hex strings, the ciphertext as standard base64.
package keycrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"

	"github.com/TEENet-io/btc-multisig/walleterr"
)

const (
	Iterations = 100000
	KeyLen     = 32 // AES-256
	SaltLen    = 16
	IVLen      = aes.BlockSize
)

// Sealed is the output of Encrypt.
type Sealed struct {
	Ciphertext string // base64
	Salt       string // hex
	IV         string // hex
}

// DeriveKey stretches password with the hex encoded salt.
// Caller should Wipe the returned key after use.
func DeriveKey(password string, saltHex string) ([]byte, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil || len(salt) == 0 {
		return nil, walleterr.Newf(walleterr.Validation, "invalid salt: %q", saltHex)
	}
	return pbkdf2.Key([]byte(password), salt, Iterations, KeyLen, sha256.New), nil
}

// NewSalt returns a fresh random salt in hex.
func NewSalt() (string, error) {
	return randomHex(SaltLen)
}

// NewIV returns a fresh random IV in hex.
func NewIV() (string, error) {
	return randomHex(IVLen)
}

// Encrypt generates a new salt and IV, derives the key and encrypts plaintext.
func Encrypt(plaintext string, password string) (*Sealed, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	iv, err := NewIV()
	if err != nil {
		return nil, err
	}

	key, err := DeriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	ct, err := EncryptWithKey(key, iv, plaintext)
	if err != nil {
		return nil, err
	}
	return &Sealed{Ciphertext: ct, Salt: salt, IV: iv}, nil
}

// Decrypt re-derives the key from the salt and decrypts the ciphertext.
// Every failure is reported with the same generic Crypto error.
func Decrypt(ciphertext, password, saltHex, ivHex string) (string, error) {
	key, err := DeriveKey(password, saltHex)
	if err != nil {
		return "", walleterr.NewCrypto()
	}
	defer Wipe(key)

	return DecryptWithKey(key, ivHex, ciphertext)
}

// EncryptWithKey encrypts plaintext with an already derived key. It lets
// callers run the KDF once and encrypt several secrets, each under its own IV.
func EncryptWithKey(key []byte, ivHex string, plaintext string) (string, error) {
	// DecryptWithKey treats an empty result as a failure
	if plaintext == "" {
		return "", walleterr.Newf(walleterr.Validation, "plaintext cannot be empty")
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != IVLen {
		return "", walleterr.Newf(walleterr.Validation, "invalid iv: %q", ivHex)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", walleterr.New(walleterr.Validation, "invalid key", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	defer Wipe(padded)

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptWithKey is the inverse of EncryptWithKey.
func DecryptWithKey(key []byte, ivHex string, ciphertext string) (string, error) {
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != IVLen {
		return "", walleterr.NewCrypto()
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", walleterr.NewCrypto()
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", walleterr.NewCrypto()
	}

	buf := make([]byte, len(raw))
	defer Wipe(buf)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(buf, raw)

	plain, ok := pkcs7Unpad(buf, aes.BlockSize)
	// A wrong key yields random bytes; reject anything that is not a
	// non-empty utf-8 string.
	if !ok || len(plain) == 0 || !utf8.Valid(plain) {
		return "", walleterr.NewCrypto()
	}
	return string(plain), nil
}

// Wipe zeroes b.
func Wipe(b []byte) {
	clear(b)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

// pkcs7Unpad checks every padding byte before deciding, so the amount of
// work does not depend on where the padding is broken.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	good := subtle.ConstantTimeLessOrEq(1, n) & subtle.ConstantTimeLessOrEq(n, blockSize)

	for i := 1; i <= blockSize; i++ {
		inPad := subtle.ConstantTimeLessOrEq(i, n)
		eq := subtle.ConstantTimeByteEq(data[len(data)-i], byte(n))
		// bytes inside the padding must equal n
		good &= subtle.ConstantTimeSelect(inPad, eq, 1)
	}
	if good != 1 {
		return nil, false
	}
	return data[:len(data)-n], true
}

package keyvault

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/TEENet-io/btc-multisig/keycrypto"
	"github.com/TEENet-io/btc-multisig/multisig"
	"github.com/TEENet-io/btc-multisig/walleterr"
)

const BundleVersion = "1.0"

// Bundle is the portable export document of a wallet's encrypted keys.
// It never carries plaintext key material.
type Bundle struct {
	Version       string       `json:"version"`
	WalletID      string       `json:"walletId"`
	WalletName    string       `json:"walletName"`
	WalletConfig  WalletConfig `json:"walletConfig"`
	Encryption    Encryption   `json:"encryption"`
	Created       string       `json:"created"`
	EncryptedKeys []BundleKey  `json:"encryptedKeys"`
}

type WalletConfig struct {
	M       int    `json:"m"`
	N       int    `json:"n"`
	Address string `json:"address"`
}

type Encryption struct {
	Salt string `json:"salt"`
	IV   string `json:"iv"`
}

type BundleKey struct {
	Index               int    `json:"index"`
	PublicKey           string `json:"publicKey"`
	EncryptedPrivateKey string `json:"encryptedPrivateKey"`
	OwnerName           string `json:"ownerName"`
	KeyID               string `json:"keyId"`
	// IV is set for keys encrypted under their own iv. Older bundles
	// leave it out and every key uses Encryption.IV.
	IV string `json:"iv,omitempty"`
}

// KeyIV returns the iv the entry was encrypted with.
func (b *Bundle) KeyIV(k *BundleKey) string {
	if k.IV != "" {
		return k.IV
	}
	return b.Encryption.IV
}

func (b *Bundle) Marshal() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// ParseBundle decodes and checks the required fields of an export document.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, walleterr.New(walleterr.Validation, "bundle is not valid json", err)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *Bundle) validate() error {
	switch {
	case b.Version == "":
		return walleterr.Newf(walleterr.Validation, "bundle has no version")
	case b.Version != BundleVersion:
		return walleterr.Newf(walleterr.Validation, "unsupported bundle version %q", b.Version)
	case b.WalletID == "":
		return walleterr.Newf(walleterr.Validation, "bundle has no walletId")
	case b.Encryption.Salt == "" || b.Encryption.IV == "":
		return walleterr.Newf(walleterr.Validation, "bundle has no encryption parameters")
	case b.EncryptedKeys == nil:
		return walleterr.Newf(walleterr.Validation, "bundle has no encryptedKeys")
	}

	if !isHexLen(b.Encryption.Salt, keycrypto.SaltLen) {
		return walleterr.Newf(walleterr.Validation, "bundle salt must be %d hex bytes", keycrypto.SaltLen)
	}
	if !isHexLen(b.Encryption.IV, keycrypto.IVLen) {
		return walleterr.Newf(walleterr.Validation, "bundle iv must be %d hex bytes", keycrypto.IVLen)
	}
	for i := range b.EncryptedKeys {
		k := &b.EncryptedKeys[i]
		if k.IV != "" && !isHexLen(k.IV, keycrypto.IVLen) {
			return walleterr.Newf(walleterr.Validation, "entry #%d has an invalid iv", i)
		}
	}
	return nil
}

func isHexLen(s string, n int) bool {
	b, err := hex.DecodeString(s)
	return err == nil && len(b) == n
}

// BundleSecret is one decrypted bundle entry.
type BundleSecret struct {
	Index     int
	KeyID     string
	PublicKey string
	Secret    string
	// Matches is true when Secret is a private key for PublicKey.
	Matches bool
	Err     error
}

// DecryptBundle decrypts every entry of b offline. When only some entries
// decrypt the results are returned together with a PartialFailure error.
func DecryptBundle(b *Bundle, password string) ([]BundleSecret, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	key, err := keycrypto.DeriveKey(password, b.Encryption.Salt)
	if err != nil {
		return nil, err
	}
	defer keycrypto.Wipe(key)

	out := make([]BundleSecret, 0, len(b.EncryptedKeys))
	failed := 0
	for i := range b.EncryptedKeys {
		k := &b.EncryptedKeys[i]
		res := BundleSecret{Index: k.Index, KeyID: k.KeyID, PublicKey: k.PublicKey}

		secret, err := keycrypto.DecryptWithKey(key, b.KeyIV(k), k.EncryptedPrivateKey)
		if err != nil {
			res.Err = err
			failed++
		} else {
			res.Secret = secret
			if signer, err := multisig.NewLocalSigner(secret); err == nil {
				res.Matches = signer.Matches(k.PublicKey)
				signer.Zero()
			}
		}
		out = append(out, res)
	}

	switch {
	case failed == 0:
		return out, nil
	case failed == len(out):
		return nil, walleterr.NewCrypto()
	default:
		return out, walleterr.Newf(walleterr.PartialFailure,
			"%d of %d keys could not be decrypted", failed, len(out))
	}
}

func (b *Bundle) String() string {
	return fmt.Sprintf("bundle v%s wallet=%s (%d-of-%d) keys=%d",
		b.Version, b.WalletID, b.WalletConfig.M, b.WalletConfig.N, len(b.EncryptedKeys))
}

package multisig

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"

	"github.com/TEENet-io/btc-multisig/walleterr"
)

// LocalSigner is backed by one participant's private key.
type LocalSigner struct {
	Sk         *btcec.PrivateKey
	Compressed bool // serialization of the matching public key
}

// NewLocalSigner recovers a signer from a secret string. Both the wallet
// import format (WIF) and a raw 32-byte hex key are accepted.
func NewLocalSigner(secret string) (*LocalSigner, error) {
	secret = strings.TrimSpace(secret)

	if wif, err := btcutil.DecodeWIF(secret); err == nil {
		return &LocalSigner{Sk: wif.PrivKey, Compressed: wif.CompressPubKey}, nil
	}

	raw, err := hex.DecodeString(secret)
	if err != nil || len(raw) != btcec.PrivKeyBytesLen {
		return nil, walleterr.Newf(walleterr.Validation, "secret is neither WIF nor a 32-byte hex private key")
	}
	sk, _ := btcec.PrivKeyFromBytes(raw)
	clear(raw)
	return &LocalSigner{Sk: sk, Compressed: true}, nil
}

// NewRandomLocalSigner generates a fresh key. Used by tests and demos.
func NewRandomLocalSigner() (*LocalSigner, error) {
	sk, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &LocalSigner{Sk: sk, Compressed: true}, nil
}

// PubKeyHex returns the public key in the signer's serialization.
func (ls *LocalSigner) PubKeyHex() string {
	pk := ls.Sk.PubKey()
	if ls.Compressed {
		return hex.EncodeToString(pk.SerializeCompressed())
	}
	return hex.EncodeToString(pk.SerializeUncompressed())
}

// Matches reports whether pubKeyHex is this signer's public key in either
// serialization.
func (ls *LocalSigner) Matches(pubKeyHex string) bool {
	raw, err := hex.DecodeString(NormalizePubKeyHex(pubKeyHex))
	if err != nil {
		return false
	}
	pk, err := btcec.ParsePubKey(raw)
	if err != nil {
		return false
	}
	return pk.IsEqual(ls.Sk.PubKey())
}

// Sign makes a DER encoded ECDSA signature over a 32-byte digest.
func (ls *LocalSigner) Sign(digest []byte) []byte {
	return ecdsa.Sign(ls.Sk, digest).Serialize()
}

// Zero wipes the private key.
func (ls *LocalSigner) Zero() {
	ls.Sk.Zero()
}

// VerifySignature checks a DER signature over digest against a hex public key.
func VerifySignature(pubKeyHex string, digest []byte, sigDER []byte) bool {
	raw, err := hex.DecodeString(NormalizePubKeyHex(pubKeyHex))
	if err != nil {
		return false
	}
	pk, err := btcec.ParsePubKey(raw)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigDER)
	if err != nil {
		return false
	}
	return sig.Verify(digest, pk)
}

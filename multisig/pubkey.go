package multisig

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

const (
	CompressedPubKeyLen   = 33
	UncompressedPubKeyLen = 65
)

// PubKeyCheck is the result of ValidatePublicKey.
type PubKeyCheck struct {
	Valid      bool
	Compressed bool
	Reason     string // why the key is invalid, empty if valid
}

// ValidatePublicKey checks that pubKeyHex decodes to a 33 or 65 byte
// encoding of a point on secp256k1. It never fails, the outcome is
// reported in the returned struct.
func ValidatePublicKey(pubKeyHex string) PubKeyCheck {
	raw, err := hex.DecodeString(strings.TrimSpace(pubKeyHex))
	if err != nil {
		return PubKeyCheck{Reason: "not a hex string"}
	}

	switch {
	case len(raw) == CompressedPubKeyLen:
		if raw[0] != 0x02 && raw[0] != 0x03 {
			return PubKeyCheck{Reason: "compressed public key must start with 02 or 03"}
		}
	case len(raw) == UncompressedPubKeyLen:
		// hybrid keys (06, 07) are not accepted by standard CHECKMULTISIG
		if raw[0] != 0x04 {
			return PubKeyCheck{Reason: "uncompressed public key must start with 04"}
		}
	default:
		return PubKeyCheck{Reason: "public key must be 33 or 65 bytes"}
	}

	if _, err := btcec.ParsePubKey(raw); err != nil {
		return PubKeyCheck{Reason: "not a point on secp256k1: " + err.Error()}
	}

	return PubKeyCheck{Valid: true, Compressed: len(raw) == CompressedPubKeyLen}
}

// NormalizePubKeyHex trims and lower-cases a hex public key so that
// duplicate detection does not depend on the caller's spelling.
func NormalizePubKeyHex(pubKeyHex string) string {
	return strings.ToLower(strings.TrimSpace(pubKeyHex))
}

// PointKey identifies the curve point behind pubKeyHex: the compressed
// serialization for a valid key, so both encodings of one point compare
// equal. Anything that does not parse is returned normalized.
func PointKey(pubKeyHex string) string {
	norm := NormalizePubKeyHex(pubKeyHex)
	if !ValidatePublicKey(norm).Valid {
		return norm
	}
	raw, _ := hex.DecodeString(norm)
	pk, err := btcec.ParsePubKey(raw)
	if err != nil {
		return norm
	}
	return hex.EncodeToString(pk.SerializeCompressed())
}

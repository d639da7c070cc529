package multisig

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/TEENet-io/btc-multisig/walleterr"
)

const (
	// MaxKeys is the largest n a standard bare multisig script can carry.
	MaxKeys = 15
)

// Result holds a P2SH multisig address and its redeem script.
type Result struct {
	Address   string // P2SH address
	ScriptHex string // redeem script, hex
}

// BuildMultisig constructs an m-of-n redeem script over the keys in the
// order given and derives its P2SH address on the given network.
//
// Key order matters: callers sort keys by their key index to get a
// reproducible address for a given key set.
func BuildMultisig(m int, pubKeysHex []string, params *chaincfg.Params) (*Result, error) {
	n := len(pubKeysHex)
	if n == 0 || n > MaxKeys {
		return nil, walleterr.Newf(walleterr.Validation, "number of keys must be in [1, %d]: n=%d", MaxKeys, n)
	}
	if m < 1 || m > n {
		return nil, walleterr.Newf(walleterr.Validation, "required signatures must be in [1, n]: m=%d, n=%d", m, n)
	}

	// fail fast on the first bad key
	pks := make([]*btcutil.AddressPubKey, n)
	for i, keyHex := range pubKeysHex {
		check := ValidatePublicKey(keyHex)
		if !check.Valid {
			return nil, walleterr.Newf(walleterr.Validation, "invalid public key #%d (%s): %s", i, keyHex, check.Reason)
		}

		raw, _ := hex.DecodeString(NormalizePubKeyHex(keyHex))
		pk, err := btcutil.NewAddressPubKey(raw, params)
		if err != nil {
			str := fmt.Sprintf("public key #%d (%s) could not be converted to an address", i, keyHex)
			return nil, walleterr.New(walleterr.Dependency, str, err)
		}
		pks[i] = pk
	}

	script, err := txscript.MultiSigScript(pks, m)
	if err != nil {
		str := fmt.Sprintf("error while making %d-of-%d multisig script", m, n)
		return nil, walleterr.New(walleterr.Dependency, str, err)
	}

	// The redeem script is pushed as a single element when spending, so a
	// P2SH address over a longer script could never be spent.
	if len(script) > txscript.MaxScriptElementSize {
		return nil, walleterr.Newf(walleterr.Dependency,
			"redeem script is %d bytes, p2sh allows at most %d", len(script), txscript.MaxScriptElementSize)
	}

	addr, err := btcutil.NewAddressScriptHash(script, params)
	if err != nil {
		return nil, walleterr.New(walleterr.Dependency, "error while deriving p2sh address", err)
	}

	return &Result{
		Address:   addr.EncodeAddress(),
		ScriptHex: hex.EncodeToString(script),
	}, nil
}

// RedeemScript is a decoded bare multisig script.
type RedeemScript struct {
	M          int
	PubKeysHex []string
}

// ParseRedeemScript decodes a script produced by BuildMultisig back into
// its threshold and ordered public keys.
func ParseRedeemScript(scriptHex string, params *chaincfg.Params) (*RedeemScript, error) {
	script, err := hex.DecodeString(scriptHex)
	if err != nil {
		return nil, walleterr.New(walleterr.Validation, "redeem script is not hex", err)
	}

	class, addrs, reqSigs, err := txscript.ExtractPkScriptAddrs(script, params)
	if err != nil {
		return nil, walleterr.New(walleterr.Validation, "cannot parse redeem script", err)
	}
	if class != txscript.MultiSigTy {
		return nil, walleterr.Newf(walleterr.Validation, "not a multisig script: class=%s", class)
	}

	rs := &RedeemScript{M: reqSigs}
	for _, addr := range addrs {
		pk, ok := addr.(*btcutil.AddressPubKey)
		if !ok {
			return nil, walleterr.Newf(walleterr.Validation, "unexpected address type %T in multisig script", addr)
		}
		rs.PubKeysHex = append(rs.PubKeysHex, hex.EncodeToString(pk.ScriptAddress()))
	}
	return rs, nil
}

// P2SHAddress returns the pay-to-script-hash address of a redeem script.
func P2SHAddress(scriptHex string, params *chaincfg.Params) (string, error) {
	script, err := hex.DecodeString(scriptHex)
	if err != nil {
		return "", walleterr.New(walleterr.Validation, "redeem script is not hex", err)
	}
	addr, err := btcutil.NewAddressScriptHashFromHash(btcutil.Hash160(script), params)
	if err != nil {
		return "", walleterr.New(walleterr.Dependency, "error while deriving p2sh address", err)
	}
	return addr.EncodeAddress(), nil
}

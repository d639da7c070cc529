package txthreshold

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"math"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/TEENet-io/btc-multisig/multisig"
	"github.com/TEENet-io/btc-multisig/store"
	"github.com/TEENet-io/btc-multisig/walleterr"
)

// SpendDigest is the message every participant signs for tx. It commits
// to the record id, the wallet, the destination, the amounts and the
// threshold.
func SpendDigest(tx *store.Transaction) []byte {
	var buf bytes.Buffer
	for _, s := range []string{tx.ID, tx.WalletID, tx.ToAddress} {
		// writes to a bytes.Buffer never fail
		_ = wire.WriteVarString(&buf, 0, s)
	}
	_ = binary.Write(&buf, binary.LittleEndian, tx.AmountSatoshis)
	_ = binary.Write(&buf, binary.LittleEndian, tx.FeeSatoshis)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(tx.RequiredSignatures))
	return chainhash.DoubleHashB(buf.Bytes())
}

// FormatSignature builds the token stored for a signature made by the
// wallet key at keyIndex.
func FormatSignature(keyIndex int, sigDER []byte) string {
	return strconv.Itoa(keyIndex) + ":" + hex.EncodeToString(sigDER)
}

// ParseSignature splits a token made by FormatSignature. Opaque tokens
// report ok == false.
func ParseSignature(token string) (keyIndex int, sigDER []byte, ok bool) {
	idx, sigHex, found := strings.Cut(token, ":")
	if !found {
		return 0, nil, false
	}
	keyIndex, err := strconv.Atoi(idx)
	if err != nil || keyIndex < 0 {
		return 0, nil, false
	}
	sigDER, err = hex.DecodeString(sigHex)
	if err != nil || len(sigDER) == 0 {
		return 0, nil, false
	}
	return keyIndex, sigDER, true
}

// Size model of a p2sh multisig spend, in bytes.
const (
	txOverhead     = 10
	inputBase      = 41 // outpoint, sequence and script length
	sigPushSize    = 73 // push of a DER signature with sighash byte
	pubKeyPushSize = 34 // push of a compressed key
	outputSize     = 34

	// far above what fits a standard transaction; keeps size in range
	maxFeeInOut = 100000
)

// EstimateFee returns the fee in satoshis of a transaction spending
// inputs p2sh m-of-n outputs into outputs outputs at satPerByte.
func EstimateFee(m, n, inputs, outputs int, satPerByte int64) (int64, error) {
	switch {
	case n < 1 || n > multisig.MaxKeys || m < 1 || m > n:
		return 0, walleterr.Newf(walleterr.Validation, "invalid policy %d-of-%d", m, n)
	case inputs < 1 || outputs < 1:
		return 0, walleterr.Newf(walleterr.Validation, "need at least one input and one output")
	case inputs > maxFeeInOut || outputs > maxFeeInOut:
		return 0, walleterr.Newf(walleterr.Validation, "at most %d inputs and %d outputs", maxFeeInOut, maxFeeInOut)
	case satPerByte < 0:
		return 0, walleterr.Newf(walleterr.Validation, "negative fee rate")
	}

	// OP_0 <sigs...> <push of redeem script: OP_m <keys...> OP_n OP_CHECKMULTISIG>
	redeem := pubKeyPushSize*n + 3
	scriptSig := 1 + sigPushSize*m + 1 + redeem
	size := txOverhead + inputs*(inputBase+scriptSig) + outputs*outputSize

	if satPerByte > math.MaxInt64/int64(size) {
		return 0, walleterr.Newf(walleterr.Validation, "fee rate %d overflows for %d bytes", satPerByte, size)
	}
	return int64(size) * satPerByte, nil
}

// Package txthreshold collects signatures on spend transactions until the
// wallet's threshold is met.
//
//	Pending --(required-th signature)--> Complete
//
// Appends are conditional writes in the store, so concurrent signers can
// never push a transaction past its threshold.
package txthreshold

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/btc-multisig/metrics"
	"github.com/TEENet-io/btc-multisig/multisig"
	"github.com/TEENet-io/btc-multisig/store"
	"github.com/TEENet-io/btc-multisig/walleterr"
)

type Status int

const (
	Pending Status = iota
	Complete
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

func StatusOf(tx *store.Transaction) Status {
	if len(tx.Signatures) >= tx.RequiredSignatures {
		return Complete
	}
	return Pending
}

// TxStore is the part of store.Storage used by Manager.
type TxStore interface {
	GetWallet(ctx context.Context, ownerID, walletID string) (*store.Wallet, error)
	ListWalletKeys(ctx context.Context, walletID string) ([]*store.WalletKey, error)
	InsertTransaction(ctx context.Context, tx *store.Transaction) (*store.Transaction, error)
	GetTransaction(ctx context.Context, ownerID, txID string) (*store.Transaction, error)
	ListTransactions(ctx context.Context, walletID string) ([]*store.Transaction, error)
	AppendSignature(ctx context.Context, ownerID, txID, sig string, check func(*store.Transaction) error) (*store.Transaction, error)
	SetRawTransaction(ctx context.Context, txID, rawHex, txHash string) error
	SetBroadcast(ctx context.Context, txID string) error
}

// KeySource hands out the backed up secret of a wallet key.
type KeySource interface {
	DecryptKey(ctx context.Context, ownerID, walletID, keyID, password string) (string, error)
}

type Manager struct {
	st     TxStore
	keys   KeySource
	params *chaincfg.Params
}

func NewManager(st TxStore, keys KeySource, params *chaincfg.Params) *Manager {
	return &Manager{st: st, keys: keys, params: params}
}

func (mgr *Manager) decodeAddress(addr string) (btcutil.Address, error) {
	a, err := btcutil.DecodeAddress(strings.TrimSpace(addr), mgr.params)
	if err != nil || !a.IsForNet(mgr.params) {
		return nil, walleterr.Newf(walleterr.Validation, "invalid %s address: %q", mgr.params.Name, addr)
	}
	return a, nil
}

// Create opens a spend request on a finalized wallet. The wallet's m is
// copied into the record and never re-read.
func (mgr *Manager) Create(
	ctx context.Context,
	ownerID, walletID, toAddress string,
	amountSatoshis, feeSatoshis int64,
) (*store.Transaction, error) {
	if amountSatoshis <= 0 {
		return nil, walleterr.Newf(walleterr.Validation, "amount must be positive, got %d", amountSatoshis)
	}
	if feeSatoshis < 0 {
		return nil, walleterr.Newf(walleterr.Validation, "fee must not be negative, got %d", feeSatoshis)
	}
	addr, err := mgr.decodeAddress(toAddress)
	if err != nil {
		return nil, err
	}

	w, err := mgr.st.GetWallet(ctx, ownerID, walletID)
	if err != nil {
		return nil, err
	}
	if !w.IsFinalized() {
		return nil, walleterr.Newf(walleterr.Conflict, "wallet %s is not finalized", walletID)
	}

	tx, err := mgr.st.InsertTransaction(ctx, &store.Transaction{
		WalletID:           walletID,
		ToAddress:          addr.EncodeAddress(),
		AmountSatoshis:     amountSatoshis,
		FeeSatoshis:        feeSatoshis,
		RequiredSignatures: w.M,
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(logger.Fields{
		"wallet":   walletID,
		"tx":       tx.ID,
		"amount":   amountSatoshis,
		"required": tx.RequiredSignatures,
	}).Info("spend transaction created")
	return tx, nil
}

func (mgr *Manager) Get(ctx context.Context, ownerID, txID string) (*store.Transaction, error) {
	return mgr.st.GetTransaction(ctx, ownerID, txID)
}

// List returns the transactions of the owner's wallet.
func (mgr *Manager) List(ctx context.Context, ownerID, walletID string) ([]*store.Transaction, error) {
	if _, err := mgr.st.GetWallet(ctx, ownerID, walletID); err != nil {
		return nil, err
	}
	return mgr.st.ListTransactions(ctx, walletID)
}

func (mgr *Manager) appended(tx *store.Transaction, source string) {
	metrics.SignaturesAppended.WithLabelValues(source).Inc()
	fields := logger.Fields{
		"tx":         tx.ID,
		"signatures": len(tx.Signatures),
		"required":   tx.RequiredSignatures,
	}
	if tx.IsComplete {
		metrics.TransactionsCompleted.Inc()
		logger.WithFields(fields).Info("spend transaction complete")
		return
	}
	logger.WithFields(fields).Debug("signature appended")
}

// AddSignature appends an opaque signature token while the transaction
// is pending. Once complete every further append fails with Conflict.
func (mgr *Manager) AddSignature(ctx context.Context, ownerID, txID, token string) (*store.Transaction, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, walleterr.Newf(walleterr.Validation, "empty signature")
	}

	tx, err := mgr.st.AppendSignature(ctx, ownerID, txID, token, nil)
	if err != nil {
		return nil, err
	}
	mgr.appended(tx, "token")
	return tx, nil
}

// Sign decrypts the backed up secret of keyID, signs the spend digest
// and appends the signature. A key can sign a transaction once.
func (mgr *Manager) Sign(ctx context.Context, ownerID, txID, keyID, password string) (*store.Transaction, error) {
	tx, err := mgr.st.GetTransaction(ctx, ownerID, txID)
	if err != nil {
		return nil, err
	}
	if tx.IsComplete {
		return nil, walleterr.Newf(walleterr.Conflict, "transaction %s already has all %d signatures",
			txID, tx.RequiredSignatures)
	}

	keys, err := mgr.st.ListWalletKeys(ctx, tx.WalletID)
	if err != nil {
		return nil, err
	}
	var key *store.WalletKey
	for _, k := range keys {
		if k.ID == keyID {
			key = k
			break
		}
	}
	if key == nil {
		return nil, walleterr.Newf(walleterr.NotFound, "key %s not found in wallet %s", keyID, tx.WalletID)
	}

	secret, err := mgr.keys.DecryptKey(ctx, ownerID, tx.WalletID, keyID, password)
	if err != nil {
		return nil, err
	}
	signer, err := multisig.NewLocalSigner(secret)
	if err != nil {
		return nil, walleterr.New(walleterr.Validation, "backed up secret is not a private key", err)
	}
	defer signer.Zero()
	if !signer.Matches(key.PublicKey) {
		return nil, walleterr.Newf(walleterr.Validation, "backed up secret does not match key #%d", key.KeyIndex)
	}

	token := FormatSignature(key.KeyIndex, signer.Sign(SpendDigest(tx)))

	updated, err := mgr.st.AppendSignature(ctx, ownerID, txID, token, func(cur *store.Transaction) error {
		// only a signature that verifies for this key counts as its vote;
		// an opaque token that merely looks like "idx:hex" does not
		digest := SpendDigest(cur)
		for _, s := range cur.Signatures {
			idx, sigDER, ok := ParseSignature(s)
			if ok && idx == key.KeyIndex && multisig.VerifySignature(key.PublicKey, digest, sigDER) {
				return walleterr.Newf(walleterr.Conflict, "key #%d already signed", idx)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(logger.Fields{
		"tx":       txID,
		"keyIndex": key.KeyIndex,
	}).Info("signed spend transaction")
	mgr.appended(updated, "local")
	return updated, nil
}

// SignatureCheck is the verification outcome of one token.
type SignatureCheck struct {
	Position int    `json:"position"`
	KeyIndex int    `json:"keyIndex"` // -1 for opaque tokens
	Valid    bool   `json:"valid"`
	Reason   string `json:"reason,omitempty"`
}

// VerifySignatures checks every token against the spend digest and the
// wallet key it names.
func (mgr *Manager) VerifySignatures(ctx context.Context, ownerID, txID string) ([]SignatureCheck, error) {
	tx, err := mgr.st.GetTransaction(ctx, ownerID, txID)
	if err != nil {
		return nil, err
	}
	keys, err := mgr.st.ListWalletKeys(ctx, tx.WalletID)
	if err != nil {
		return nil, err
	}
	byIndex := make(map[int]*store.WalletKey, len(keys))
	for _, k := range keys {
		byIndex[k.KeyIndex] = k
	}

	digest := SpendDigest(tx)
	out := make([]SignatureCheck, len(tx.Signatures))
	for i, token := range tx.Signatures {
		c := SignatureCheck{Position: i, KeyIndex: -1}
		idx, sig, ok := ParseSignature(token)
		switch {
		case !ok:
			c.Reason = "opaque token"
		case byIndex[idx] == nil:
			c.KeyIndex = idx
			c.Reason = "unknown key index"
		default:
			c.KeyIndex = idx
			c.Valid = multisig.VerifySignature(byIndex[idx].PublicKey, digest, sig)
			if !c.Valid {
				c.Reason = "signature does not verify"
			}
		}
		out[i] = c
	}
	return out, nil
}

// AttachRawTransaction stores the externally assembled transaction of a
// complete spend. It must pay at least the requested amount to the
// destination.
func (mgr *Manager) AttachRawTransaction(ctx context.Context, ownerID, txID, rawHex string) (*store.Transaction, error) {
	tx, err := mgr.st.GetTransaction(ctx, ownerID, txID)
	if err != nil {
		return nil, err
	}
	if !tx.IsComplete {
		return nil, walleterr.Newf(walleterr.Conflict, "transaction %s has %d of %d signatures",
			txID, len(tx.Signatures), tx.RequiredSignatures)
	}
	if tx.IsBroadcast {
		return nil, walleterr.Newf(walleterr.Conflict, "transaction %s was already broadcast", txID)
	}

	raw, err := hex.DecodeString(strings.TrimSpace(rawHex))
	if err != nil {
		return nil, walleterr.New(walleterr.Validation, "raw transaction is not hex", err)
	}
	var msgTx wire.MsgTx
	r := bytes.NewReader(raw)
	if err := msgTx.Deserialize(r); err != nil {
		return nil, walleterr.New(walleterr.Validation, "cannot decode raw transaction", err)
	}
	// the stored hex must be exactly the transaction that was hashed
	if r.Len() != 0 {
		return nil, walleterr.Newf(walleterr.Validation, "%d trailing bytes after raw transaction", r.Len())
	}

	addr, err := mgr.decodeAddress(tx.ToAddress)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, walleterr.New(walleterr.Dependency, "cannot build output script", err)
	}
	var paid int64
	for _, out := range msgTx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			paid += out.Value
		}
	}
	if paid < tx.AmountSatoshis {
		return nil, walleterr.Newf(walleterr.Validation, "raw transaction pays %d to %s, want %d",
			paid, tx.ToAddress, tx.AmountSatoshis)
	}

	txHash := msgTx.TxHash().String()
	if err := mgr.st.SetRawTransaction(ctx, txID, hex.EncodeToString(raw), txHash); err != nil {
		return nil, err
	}

	logger.WithFields(logger.Fields{
		"tx":   txID,
		"hash": txHash,
	}).Info("raw transaction attached")
	return mgr.st.GetTransaction(ctx, ownerID, txID)
}

// MarkBroadcast flags the transaction as broadcast. Nothing is sent to
// the network.
func (mgr *Manager) MarkBroadcast(ctx context.Context, ownerID, txID string) (*store.Transaction, error) {
	if _, err := mgr.st.GetTransaction(ctx, ownerID, txID); err != nil {
		return nil, err
	}
	if err := mgr.st.SetBroadcast(ctx, txID); err != nil {
		return nil, err
	}
	logger.WithField("tx", txID).Info("transaction marked as broadcast")
	return mgr.st.GetTransaction(ctx, ownerID, txID)
}

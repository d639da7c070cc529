// Package walletpolicy drives a wallet from key collection to its
// finalized p2sh address.
//
//	Collecting --(n-th key)--> ReadyToFinalize --(finalize)--> Finalized
//
// The state is derived from the stored record, every transition is a
// conditional write in the store.
package walletpolicy

import (
	"context"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/btc-multisig/metrics"
	"github.com/TEENet-io/btc-multisig/multisig"
	"github.com/TEENet-io/btc-multisig/store"
	"github.com/TEENet-io/btc-multisig/walleterr"
)

type State int

const (
	Collecting State = iota
	ReadyToFinalize
	Finalized
)

func (s State) String() string {
	switch s {
	case Collecting:
		return "collecting"
	case ReadyToFinalize:
		return "ready_to_finalize"
	case Finalized:
		return "finalized"
	}
	return "unknown"
}

// StateOf derives the state of w holding keyCount keys.
func StateOf(w *store.Wallet, keyCount int) State {
	if w.IsFinalized() {
		return Finalized
	}
	if keyCount >= w.N {
		return ReadyToFinalize
	}
	return Collecting
}

// WalletStore is the part of store.Storage used by Policy.
type WalletStore interface {
	InsertWallet(ctx context.Context, ownerID, name string, m, n int) (*store.Wallet, error)
	GetWallet(ctx context.Context, ownerID, walletID string) (*store.Wallet, error)
	ListWallets(ctx context.Context, ownerID string) ([]*store.Wallet, error)
	ListWalletKeys(ctx context.Context, walletID string) ([]*store.WalletKey, error)
	AppendWalletKey(ctx context.Context, walletID, publicKey, ownerName string, n int) (*store.WalletKey, error)
	FinalizeWallet(ctx context.Context, ownerID, walletID, address, scriptHex string) (*store.Wallet, bool, error)
}

// View is a wallet together with its keys ordered by index.
type View struct {
	*store.Wallet
	Keys  []*store.WalletKey
	State State
}

// PubKeys returns the public keys in script order.
func (v *View) PubKeys() []string {
	keys := make([]string, len(v.Keys))
	for i, k := range v.Keys {
		keys[i] = k.PublicKey
	}
	return keys
}

type Policy struct {
	st     WalletStore
	params *chaincfg.Params
}

func NewPolicy(st WalletStore, params *chaincfg.Params) *Policy {
	return &Policy{st: st, params: params}
}

// CreateWallet creates an empty wallet with a fixed m-of-n policy.
func (p *Policy) CreateWallet(ctx context.Context, ownerID, name string, m, n int) (*store.Wallet, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, walleterr.Newf(walleterr.Validation, "wallet name is required")
	}
	if n < 1 || n > multisig.MaxKeys {
		return nil, walleterr.Newf(walleterr.Validation, "n must be in [1, %d], got %d", multisig.MaxKeys, n)
	}
	if m < 1 || m > n {
		return nil, walleterr.Newf(walleterr.Validation, "m must be in [1, n=%d], got %d", n, m)
	}

	w, err := p.st.InsertWallet(ctx, ownerID, name, m, n)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logger.Fields{
		"wallet": w.ID,
		"m":      m,
		"n":      n,
	}).Info("wallet created")
	return w, nil
}

// Wallet returns the owner's wallet with its keys and state.
func (p *Policy) Wallet(ctx context.Context, ownerID, walletID string) (*View, error) {
	w, err := p.st.GetWallet(ctx, ownerID, walletID)
	if err != nil {
		return nil, err
	}
	keys, err := p.st.ListWalletKeys(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return &View{Wallet: w, Keys: keys, State: StateOf(w, len(keys))}, nil
}

func (p *Policy) Wallets(ctx context.Context, ownerID string) ([]*store.Wallet, error) {
	return p.st.ListWallets(ctx, ownerID)
}

// AddKey appends a participant key with the next index. It is only
// allowed while the wallet is collecting keys.
func (p *Policy) AddKey(ctx context.Context, ownerID, walletID, pubKeyHex, ownerName string) (*store.WalletKey, error) {
	check := multisig.ValidatePublicKey(pubKeyHex)
	if !check.Valid {
		return nil, walleterr.Newf(walleterr.Validation, "invalid public key (%s): %s", pubKeyHex, check.Reason)
	}
	pubKeyHex = multisig.NormalizePubKeyHex(pubKeyHex)

	v, err := p.Wallet(ctx, ownerID, walletID)
	if err != nil {
		return nil, err
	}
	if v.State != Collecting {
		return nil, walleterr.Newf(walleterr.Conflict, "wallet %s is %s, no more keys accepted", walletID, v.State)
	}
	// compressed and uncompressed encodings of one point are one participant
	point := multisig.PointKey(pubKeyHex)
	for _, k := range v.Keys {
		if multisig.PointKey(k.PublicKey) == point {
			return nil, walleterr.Newf(walleterr.Conflict, "public key already added as #%d", k.KeyIndex)
		}
	}

	key, err := p.st.AppendWalletKey(ctx, walletID, pubKeyHex, strings.TrimSpace(ownerName), v.N)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logger.Fields{
		"wallet":   walletID,
		"keyIndex": key.KeyIndex,
		"keys":     len(v.Keys) + 1,
		"n":        v.N,
	}).Info("wallet key added")
	return key, nil
}

// Finalize derives the redeem script and address from the keys in index
// order and stores them once. Calling it on a finalized wallet returns
// the stored wallet unchanged. On failure the wallet stays
// ReadyToFinalize.
func (p *Policy) Finalize(ctx context.Context, ownerID, walletID string) (*store.Wallet, error) {
	v, err := p.Wallet(ctx, ownerID, walletID)
	if err != nil {
		return nil, err
	}

	switch v.State {
	case Finalized:
		return v.Wallet, nil
	case Collecting:
		return nil, walleterr.Newf(walleterr.Conflict, "wallet %s has %d of %d keys", walletID, len(v.Keys), v.N)
	}

	res, err := multisig.BuildMultisig(v.M, v.PubKeys(), p.params)
	if err != nil {
		logger.WithFields(logger.Fields{
			"wallet": walletID,
		}).Warnf("failed to build multisig: %v", err)
		return nil, err
	}

	w, first, err := p.st.FinalizeWallet(ctx, ownerID, walletID, res.Address, res.ScriptHex)
	if err != nil {
		return nil, err
	}
	if first {
		metrics.WalletsFinalized.Inc()
		logger.WithFields(logger.Fields{
			"wallet":  walletID,
			"address": w.Address,
		}).Info("wallet finalized")
	} else {
		logger.WithField("wallet", walletID).Debug("wallet finalized concurrently, keeping stored address")
	}
	return w, nil
}

package api

import (
	"time"

	"github.com/TEENet-io/btc-multisig/store"
	"github.com/TEENet-io/btc-multisig/txthreshold"
	"github.com/TEENet-io/btc-multisig/walletpolicy"
)

type createWalletRequest struct {
	Name string `json:"name"`
	M    int    `json:"m"`
	N    int    `json:"n"`
}

type addKeyRequest struct {
	PublicKey string `json:"publicKey"`
	OwnerName string `json:"ownerName"`
}

type createTransactionRequest struct {
	ToAddress      string `json:"toAddress"`
	AmountSatoshis int64  `json:"amountSatoshis"`
	FeeSatoshis    int64  `json:"feeSatoshis"`
}

type addSignatureRequest struct {
	Signature string `json:"signature"`
}

type signRequest struct {
	KeyID    string `json:"keyId"`
	Password string `json:"password"`
}

type rawTransactionRequest struct {
	RawTransaction string `json:"rawTransaction"`
}

type createBackupRequest struct {
	Password        string            `json:"password"`
	ConfirmPassword string            `json:"confirmPassword"`
	Keys            map[string]string `json:"keys"` // key id -> private key
}

type passwordRequest struct {
	Password string `json:"password"`
}

type walletResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	M          int       `json:"m"`
	N          int       `json:"n"`
	Address    string    `json:"address,omitempty"`
	ScriptHex  string    `json:"scriptHex,omitempty"`
	IsComplete bool      `json:"isComplete"`
	CreatedAt  time.Time `json:"createdAt"`
}

type keyResponse struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	KeyIndex  int    `json:"keyIndex"`
	OwnerName string `json:"ownerName,omitempty"`
	HasBackup bool   `json:"hasBackup"`
}

type walletViewResponse struct {
	walletResponse
	State string        `json:"state"`
	Keys  []keyResponse `json:"keys"`
}

type transactionResponse struct {
	ID                 string    `json:"id"`
	WalletID           string    `json:"walletId"`
	ToAddress          string    `json:"toAddress"`
	AmountSatoshis     int64     `json:"amountSatoshis"`
	FeeSatoshis        int64     `json:"feeSatoshis"`
	RequiredSignatures int       `json:"requiredSignatures"`
	Signatures         []string  `json:"signatures"`
	Status             string    `json:"status"`
	IsComplete         bool      `json:"isComplete"`
	IsBroadcast        bool      `json:"isBroadcast"`
	RawTransaction     string    `json:"rawTransaction,omitempty"`
	TransactionHash    string    `json:"transactionHash,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

type backupResponse struct {
	WalletID  string    `json:"walletId"`
	Salt      string    `json:"salt"`
	IV        string    `json:"iv"`
	CreatedAt time.Time `json:"createdAt"`
}

func toWallet(w *store.Wallet) walletResponse {
	return walletResponse{
		ID:         w.ID,
		Name:       w.Name,
		M:          w.M,
		N:          w.N,
		Address:    w.Address,
		ScriptHex:  w.ScriptHex,
		IsComplete: w.IsComplete,
		CreatedAt:  w.CreatedAt,
	}
}

func toKey(k *store.WalletKey) keyResponse {
	return keyResponse{
		ID:        k.ID,
		PublicKey: k.PublicKey,
		KeyIndex:  k.KeyIndex,
		OwnerName: k.OwnerName,
		HasBackup: k.HasBackup(),
	}
}

func toWalletView(v *walletpolicy.View) walletViewResponse {
	keys := make([]keyResponse, len(v.Keys))
	for i, k := range v.Keys {
		keys[i] = toKey(k)
	}
	return walletViewResponse{
		walletResponse: toWallet(v.Wallet),
		State:          v.State.String(),
		Keys:           keys,
	}
}

func toTransaction(tx *store.Transaction) transactionResponse {
	return transactionResponse{
		ID:                 tx.ID,
		WalletID:           tx.WalletID,
		ToAddress:          tx.ToAddress,
		AmountSatoshis:     tx.AmountSatoshis,
		FeeSatoshis:        tx.FeeSatoshis,
		RequiredSignatures: tx.RequiredSignatures,
		Signatures:         tx.Signatures,
		Status:             txthreshold.StatusOf(tx).String(),
		IsComplete:         tx.IsComplete,
		IsBroadcast:        tx.IsBroadcast,
		RawTransaction:     tx.RawTransaction,
		TransactionHash:    tx.TransactionHash,
		CreatedAt:          tx.CreatedAt,
	}
}

func toBackup(b *store.KeyBackup) backupResponse {
	return backupResponse{
		WalletID:  b.WalletID,
		Salt:      b.Salt,
		IV:        b.IV,
		CreatedAt: b.CreatedAt,
	}
}

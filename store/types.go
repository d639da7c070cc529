package store

import (
	"encoding/json"
	"time"
)

// Wallet is an M-of-N multisig wallet owned by one user.
type Wallet struct {
	ID         string
	OwnerID    string
	Name       string
	M          int    // required signatures
	N          int    // total signers
	Address    string // p2sh address, empty until finalized
	ScriptHex  string // redeem script, empty until finalized
	IsComplete bool
	CreatedAt  time.Time
}

// IsFinalized reports whether address and script have been derived.
func (w *Wallet) IsFinalized() bool {
	return w.Address != ""
}

// WalletKey is one participant's public key in a wallet.
type WalletKey struct {
	ID                  string
	WalletID            string
	PublicKey           string // hex, compressed or uncompressed
	KeyIndex            int    // canonical ordering in the redeem script
	OwnerName           string
	EncryptedPrivateKey string // base64, empty until a backup covers this key
	KeyIV               string // hex, empty when the wallet level iv applies
	CreatedAt           time.Time
}

// HasBackup reports whether an encrypted private key is stored.
func (k *WalletKey) HasBackup() bool {
	return k.EncryptedPrivateKey != ""
}

// KeyBackup holds the parameters shared by all encrypted keys of a wallet.
type KeyBackup struct {
	WalletID  string
	Salt      string // hex
	IV        string // hex
	Check     string // base64 ciphertext of a known marker, empty for imported backups
	CreatedAt time.Time
}

// Transaction is a spend request collecting signatures.
type Transaction struct {
	ID                 string
	WalletID           string
	ToAddress          string
	AmountSatoshis     int64
	FeeSatoshis        int64
	RequiredSignatures int // snapshot of the wallet's m
	Signatures         []string
	IsComplete         bool
	IsBroadcast        bool
	RawTransaction     string // hex
	TransactionHash    string
	CreatedAt          time.Time
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	clone := *t
	clone.Signatures = make([]string, len(t.Signatures))
	copy(clone.Signatures, t.Signatures)
	return &clone
}

// KeyCiphertext is one staged write of an encrypted private key.
type KeyCiphertext struct {
	KeyID      string
	Ciphertext string
	IV         string
}

type sqlTransaction struct {
	ID                 string
	WalletID           string
	ToAddress          string
	AmountSatoshis     int64
	FeeSatoshis        int64
	RequiredSignatures int
	Signatures         string // json array
	SigCount           int
	IsComplete         bool
	IsBroadcast        bool
	RawTransaction     *string
	TransactionHash    *string
	CreatedAt          time.Time
}

func (s *sqlTransaction) encode(tx *Transaction) (*sqlTransaction, error) {
	sigs := tx.Signatures
	if sigs == nil {
		sigs = []string{}
	}
	b, err := json.Marshal(sigs)
	if err != nil {
		return nil, err
	}

	s.ID = tx.ID
	s.WalletID = tx.WalletID
	s.ToAddress = tx.ToAddress
	s.AmountSatoshis = tx.AmountSatoshis
	s.FeeSatoshis = tx.FeeSatoshis
	s.RequiredSignatures = tx.RequiredSignatures
	s.Signatures = string(b)
	s.SigCount = len(sigs)
	s.IsComplete = tx.IsComplete
	s.IsBroadcast = tx.IsBroadcast
	s.RawTransaction = nullable(tx.RawTransaction)
	s.TransactionHash = nullable(tx.TransactionHash)
	return s, nil
}

func (s *sqlTransaction) decode() (*Transaction, error) {
	var sigs []string
	if err := json.Unmarshal([]byte(s.Signatures), &sigs); err != nil {
		return nil, err
	}
	if sigs == nil {
		sigs = []string{}
	}

	return &Transaction{
		ID:                 s.ID,
		WalletID:           s.WalletID,
		ToAddress:          s.ToAddress,
		AmountSatoshis:     s.AmountSatoshis,
		FeeSatoshis:        s.FeeSatoshis,
		RequiredSignatures: s.RequiredSignatures,
		Signatures:         sigs,
		IsComplete:         s.IsComplete,
		IsBroadcast:        s.IsBroadcast,
		RawTransaction:     deref(s.RawTransaction),
		TransactionHash:    deref(s.TransactionHash),
		CreatedAt:          s.CreatedAt,
	}, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

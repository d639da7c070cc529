// Package store persists wallets, their keys, key backups and spend
// transactions. Every state transition that must not be lost to a
// concurrent writer is a conditional write.
package store

import "context"

// Storage defines the record operations used by the wallet services.
//
// Reads and writes of wallets and transactions are scoped by ownerID: a
// record that belongs to someone else is reported as not found.
type Storage interface {
	// InsertWallet creates an empty wallet in the collecting state.
	InsertWallet(ctx context.Context, ownerID, name string, m, n int) (*Wallet, error)

	// GetWallet returns the wallet or a NotFound error.
	GetWallet(ctx context.Context, ownerID, walletID string) (*Wallet, error)

	// ListWallets returns the owner's wallets in creation order.
	ListWallets(ctx context.Context, ownerID string) ([]*Wallet, error)

	// ListWalletKeys returns the keys ordered by index.
	ListWalletKeys(ctx context.Context, walletID string) ([]*WalletKey, error)

	// AppendWalletKey stores a key with the next free index. It fails with
	// Conflict when the wallet already holds n keys or the key is a duplicate.
	AppendWalletKey(ctx context.Context, walletID, publicKey, ownerName string, n int) (*WalletKey, error)

	// FinalizeWallet sets address and script once. The returned bool is
	// false when the wallet had already been finalized, in which case the
	// stored wallet is returned unchanged.
	FinalizeWallet(ctx context.Context, ownerID, walletID, address, scriptHex string) (*Wallet, bool, error)

	// InsertTransaction stores a new pending transaction.
	InsertTransaction(ctx context.Context, tx *Transaction) (*Transaction, error)

	// GetTransaction returns the transaction or a NotFound error.
	GetTransaction(ctx context.Context, ownerID, txID string) (*Transaction, error)

	// ListTransactions returns the wallet's transactions in creation order.
	ListTransactions(ctx context.Context, walletID string) ([]*Transaction, error)

	// AppendSignature appends sig as long as fewer than the required
	// signatures are present. check, if not nil, runs against the current
	// record inside the same write transaction and may veto the append.
	AppendSignature(ctx context.Context, ownerID, txID, sig string, check func(*Transaction) error) (*Transaction, error)

	// SetRawTransaction attaches the assembled transaction to a complete,
	// not yet broadcast record.
	SetRawTransaction(ctx context.Context, txID, rawHex, txHash string) error

	// SetBroadcast marks a record carrying a raw transaction as broadcast.
	SetBroadcast(ctx context.Context, txID string) error

	// GetKeyBackup returns the wallet's backup parameters or a NotFound error.
	GetKeyBackup(ctx context.Context, walletID string) (*KeyBackup, error)

	// CommitBackup writes the backup parameters and every key ciphertext in
	// a single transaction. Existing parameters with a different salt fail
	// with Conflict and nothing is written.
	CommitBackup(ctx context.Context, backup *KeyBackup, keys []KeyCiphertext) error

	Close()
}

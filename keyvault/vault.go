// Package keyvault keeps the encrypted backups of a wallet's private keys.
//
// A wallet has one backup record holding the salt of its single key
// derivation. Every key is encrypted under the derived key with its own
// iv. Writes are staged in memory and committed in one store transaction.
package keyvault

import (
	"context"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/btc-multisig/keycrypto"
	"github.com/TEENet-io/btc-multisig/metrics"
	"github.com/TEENet-io/btc-multisig/multisig"
	"github.com/TEENet-io/btc-multisig/store"
	"github.com/TEENet-io/btc-multisig/walleterr"
)

const (
	DefaultMinPasswordLength = 8

	// encrypted once per wallet and kept as the password verifier
	checkMarker = "multisig-key-backup-v1"
)

// BackupStore is the part of store.Storage used by Vault.
type BackupStore interface {
	GetWallet(ctx context.Context, ownerID, walletID string) (*store.Wallet, error)
	ListWalletKeys(ctx context.Context, walletID string) ([]*store.WalletKey, error)
	GetKeyBackup(ctx context.Context, walletID string) (*store.KeyBackup, error)
	CommitBackup(ctx context.Context, backup *store.KeyBackup, keys []store.KeyCiphertext) error
}

// Vault encrypts, decrypts, exports and imports key backups.
type Vault struct {
	st       BackupStore
	updateMu sync.Mutex // one backup write at a time
}

func NewVault(st BackupStore) *Vault {
	return &Vault{st: st}
}

// ValidatePassword checks a new backup password and its confirmation.
func ValidatePassword(password, confirm string, minLen int) error {
	if minLen <= 0 {
		minLen = DefaultMinPasswordLength
	}
	if utf8.RuneCountInString(password) < minLen {
		return walleterr.Newf(walleterr.Validation, "password must be at least %d characters", minLen)
	}
	if password != confirm {
		return walleterr.Newf(walleterr.Validation, "passwords do not match")
	}
	return nil
}

type walletKeys struct {
	wallet *store.Wallet
	keys   []*store.WalletKey
	byID   map[string]*store.WalletKey
}

func (v *Vault) load(ctx context.Context, ownerID, walletID string) (*walletKeys, error) {
	w, err := v.st.GetWallet(ctx, ownerID, walletID)
	if err != nil {
		return nil, err
	}
	keys, err := v.st.ListWalletKeys(ctx, walletID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*store.WalletKey, len(keys))
	for _, k := range keys {
		byID[k.ID] = k
	}
	return &walletKeys{wallet: w, keys: keys, byID: byID}, nil
}

// backupOrNil returns the stored backup, or nil if the wallet has none.
func (v *Vault) backupOrNil(ctx context.Context, walletID string) (*store.KeyBackup, error) {
	b, err := v.st.GetKeyBackup(ctx, walletID)
	if err != nil {
		if walleterr.Is(err, walleterr.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

func keyIV(b *store.KeyBackup, k *store.WalletKey) string {
	if k.KeyIV != "" {
		return k.KeyIV
	}
	return b.IV
}

// unlock derives the wallet key and checks it against the stored
// verifier, or against an existing ciphertext when there is no verifier.
// The caller must Wipe the returned key.
func unlock(b *store.KeyBackup, keys []*store.WalletKey, password string) ([]byte, error) {
	key, err := keycrypto.DeriveKey(password, b.Salt)
	if err != nil {
		return nil, walleterr.NewCrypto()
	}

	var probe error
	if b.Check != "" {
		var marker string
		marker, probe = keycrypto.DecryptWithKey(key, b.IV, b.Check)
		if probe == nil && marker != checkMarker {
			probe = walleterr.NewCrypto()
		}
	} else {
		for _, k := range keys {
			if k.HasBackup() {
				_, probe = keycrypto.DecryptWithKey(key, keyIV(b, k), k.EncryptedPrivateKey)
				break
			}
		}
	}
	if probe != nil {
		keycrypto.Wipe(key)
		metrics.DecryptFailures.Inc()
		return nil, walleterr.NewCrypto()
	}
	return key, nil
}

// CreateBackup encrypts secrets, keyed by wallet key id, and stores the
// ciphertexts on the key records. A wallet that already has a backup
// keeps its salt, the password must then match the existing one. Either
// every ciphertext is stored or none is.
func (v *Vault) CreateBackup(
	ctx context.Context,
	ownerID, walletID, password string,
	secrets map[string]string,
) (*store.KeyBackup, error) {
	if len(secrets) == 0 {
		return nil, walleterr.Newf(walleterr.Validation, "no keys to back up")
	}

	v.updateMu.Lock()
	defer v.updateMu.Unlock()

	wk, err := v.load(ctx, ownerID, walletID)
	if err != nil {
		return nil, err
	}
	for keyID, secret := range secrets {
		if _, ok := wk.byID[keyID]; !ok {
			return nil, walleterr.Newf(walleterr.Validation, "key %s does not belong to wallet %s", keyID, walletID)
		}
		if secret == "" {
			return nil, walleterr.Newf(walleterr.Validation, "empty secret for key %s", keyID)
		}
	}

	backup, err := v.backupOrNil(ctx, walletID)
	if err != nil {
		return nil, err
	}

	var key []byte
	if backup == nil {
		backup = &store.KeyBackup{WalletID: walletID}
		if backup.Salt, err = keycrypto.NewSalt(); err != nil {
			return nil, err
		}
		if backup.IV, err = keycrypto.NewIV(); err != nil {
			return nil, err
		}
		if key, err = keycrypto.DeriveKey(password, backup.Salt); err != nil {
			return nil, err
		}
		if backup.Check, err = keycrypto.EncryptWithKey(key, backup.IV, checkMarker); err != nil {
			keycrypto.Wipe(key)
			return nil, err
		}
	} else if key, err = unlock(backup, wk.keys, password); err != nil {
		return nil, err
	}
	defer keycrypto.Wipe(key)

	// deterministic order keeps logs and failures reproducible
	ids := make([]string, 0, len(secrets))
	for id := range secrets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return wk.byID[ids[i]].KeyIndex < wk.byID[ids[j]].KeyIndex
	})

	staged := make([]store.KeyCiphertext, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		iv, err := keycrypto.NewIV()
		if err != nil {
			return nil, err
		}
		ct, err := keycrypto.EncryptWithKey(key, iv, secrets[id])
		if err != nil {
			return nil, err
		}
		staged = append(staged, store.KeyCiphertext{KeyID: id, Ciphertext: ct, IV: iv})
	}

	if err := v.st.CommitBackup(ctx, backup, staged); err != nil {
		return nil, err
	}

	metrics.BackupsCreated.WithLabelValues("backup").Inc()
	logger.WithFields(logger.Fields{
		"wallet": walletID,
		"keys":   len(staged),
	}).Info("key backup committed")

	return v.st.GetKeyBackup(ctx, walletID)
}

// DecryptAll returns the secret of every backed up key, keyed by key id.
// It fails as a whole if any key does not decrypt.
func (v *Vault) DecryptAll(ctx context.Context, ownerID, walletID, password string) (map[string]string, error) {
	wk, err := v.load(ctx, ownerID, walletID)
	if err != nil {
		return nil, err
	}
	backup, err := v.st.GetKeyBackup(ctx, walletID)
	if err != nil {
		return nil, err
	}

	key, err := unlock(backup, wk.keys, password)
	if err != nil {
		return nil, err
	}
	defer keycrypto.Wipe(key)

	out := make(map[string]string, len(wk.keys))
	for _, k := range wk.keys {
		if !k.HasBackup() {
			continue
		}
		secret, err := keycrypto.DecryptWithKey(key, keyIV(backup, k), k.EncryptedPrivateKey)
		if err != nil {
			metrics.DecryptFailures.Inc()
			return nil, err
		}
		out[k.ID] = secret
	}
	return out, nil
}

// DecryptKey returns the secret of a single backed up key.
func (v *Vault) DecryptKey(ctx context.Context, ownerID, walletID, keyID, password string) (string, error) {
	wk, err := v.load(ctx, ownerID, walletID)
	if err != nil {
		return "", err
	}
	k, ok := wk.byID[keyID]
	if !ok {
		return "", walleterr.Newf(walleterr.NotFound, "key %s not found in wallet %s", keyID, walletID)
	}
	if !k.HasBackup() {
		return "", walleterr.Newf(walleterr.NotFound, "key %s has no backup", keyID)
	}
	backup, err := v.st.GetKeyBackup(ctx, walletID)
	if err != nil {
		return "", err
	}

	key, err := unlock(backup, wk.keys, password)
	if err != nil {
		return "", err
	}
	defer keycrypto.Wipe(key)

	secret, err := keycrypto.DecryptWithKey(key, keyIV(backup, k), k.EncryptedPrivateKey)
	if err != nil {
		metrics.DecryptFailures.Inc()
		return "", err
	}
	return secret, nil
}

// ExportEncryptedBundle builds the export document of the wallet's
// backed up keys.
func (v *Vault) ExportEncryptedBundle(ctx context.Context, ownerID, walletID string) (*Bundle, error) {
	wk, err := v.load(ctx, ownerID, walletID)
	if err != nil {
		return nil, err
	}
	backup, err := v.st.GetKeyBackup(ctx, walletID)
	if err != nil {
		return nil, err
	}

	b := &Bundle{
		Version:    BundleVersion,
		WalletID:   wk.wallet.ID,
		WalletName: wk.wallet.Name,
		WalletConfig: WalletConfig{
			M:       wk.wallet.M,
			N:       wk.wallet.N,
			Address: wk.wallet.Address,
		},
		Encryption:    Encryption{Salt: backup.Salt, IV: backup.IV},
		Created:       time.Now().UTC().Format(time.RFC3339),
		EncryptedKeys: []BundleKey{},
	}
	for _, k := range wk.keys {
		if !k.HasBackup() {
			continue
		}
		entry := BundleKey{
			Index:               k.KeyIndex,
			PublicKey:           k.PublicKey,
			EncryptedPrivateKey: k.EncryptedPrivateKey,
			OwnerName:           k.OwnerName,
			KeyID:               k.ID,
		}
		if k.KeyIV != backup.IV {
			entry.IV = k.KeyIV
		}
		b.EncryptedKeys = append(b.EncryptedKeys, entry)
	}
	return b, nil
}

// ImportResult reports what an import applied.
type ImportResult struct {
	Applied  int      `json:"applied"`
	Skipped  int      `json:"skipped"`
	Warnings []string `json:"warnings"`
}

// ImportEncryptedBundle writes the bundle's ciphertexts onto the wallet
// keys with the same public key. Entries without a matching key are
// skipped. A bundle exported from another wallet is imported with a
// warning.
func (v *Vault) ImportEncryptedBundle(ctx context.Context, ownerID, walletID string, b *Bundle) (*ImportResult, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	v.updateMu.Lock()
	defer v.updateMu.Unlock()

	wk, err := v.load(ctx, ownerID, walletID)
	if err != nil {
		return nil, err
	}

	res := &ImportResult{Warnings: []string{}}
	if b.WalletID != walletID {
		msg := "bundle was exported from wallet " + b.WalletID
		logger.WithFields(logger.Fields{
			"wallet": walletID,
			"bundle": b.WalletID,
		}).Warn("importing a bundle of another wallet")
		res.Warnings = append(res.Warnings, msg)
	}

	existing, err := v.backupOrNil(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Salt != b.Encryption.Salt {
		return nil, walleterr.Newf(walleterr.Conflict,
			"wallet %s already has a key backup with a different salt", walletID)
	}

	byPub := make(map[string]*store.WalletKey, len(wk.keys))
	for _, k := range wk.keys {
		byPub[multisig.NormalizePubKeyHex(k.PublicKey)] = k
	}

	staged := make([]store.KeyCiphertext, 0, len(b.EncryptedKeys))
	for i := range b.EncryptedKeys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry := &b.EncryptedKeys[i]
		k, ok := byPub[multisig.NormalizePubKeyHex(entry.PublicKey)]
		if !ok || entry.EncryptedPrivateKey == "" {
			res.Skipped++
			continue
		}
		staged = append(staged, store.KeyCiphertext{
			KeyID:      k.ID,
			Ciphertext: entry.EncryptedPrivateKey,
			// always explicit, the stored backup iv may differ from the bundle's
			IV: b.KeyIV(entry),
		})
	}
	if len(staged) == 0 {
		return res, nil
	}

	backup := &store.KeyBackup{
		WalletID: walletID,
		Salt:     b.Encryption.Salt,
		IV:       b.Encryption.IV,
	}
	if err := v.st.CommitBackup(ctx, backup, staged); err != nil {
		return nil, err
	}
	res.Applied = len(staged)

	metrics.BackupsCreated.WithLabelValues("import").Inc()
	logger.WithFields(logger.Fields{
		"wallet":  walletID,
		"applied": res.Applied,
		"skipped": res.Skipped,
	}).Info("key bundle imported")
	return res, nil
}

package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/btc-multisig/walleterr"
)

const owner = "user-1"

func newSQLiteStore(t *testing.T) *SQLiteStore {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "wallet.db"))
	require.NoError(t, err)

	st, err := NewSQLiteStore(db)
	require.NoError(t, err)

	t.Cleanup(func() {
		st.Close()
		db.Close()
	})
	return st
}

func pubKey(i int) string {
	return fmt.Sprintf("02%064x", i)
}

func TestWalletLifecycle(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()

	w, err := st.InsertWallet(ctx, owner, "treasury", 2, 3)
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID)
	assert.Equal(t, "treasury", w.Name)
	assert.False(t, w.IsFinalized())
	assert.False(t, w.CreatedAt.IsZero())

	// other owners cannot see it
	_, err = st.GetWallet(ctx, "user-2", w.ID)
	assert.True(t, walleterr.Is(err, walleterr.NotFound))

	for i := 0; i < 3; i++ {
		k, err := st.AppendWalletKey(ctx, w.ID, pubKey(i), fmt.Sprintf("signer%d", i), w.N)
		require.NoError(t, err)
		assert.Equal(t, i, k.KeyIndex)
	}
	_, err = st.AppendWalletKey(ctx, w.ID, pubKey(9), "", w.N)
	assert.True(t, walleterr.Is(err, walleterr.Conflict))

	keys, err := st.ListWalletKeys(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	for i, k := range keys {
		assert.Equal(t, i, k.KeyIndex)
		assert.Equal(t, pubKey(i), k.PublicKey)
		assert.False(t, k.HasBackup())
	}

	fw, first, err := st.FinalizeWallet(ctx, owner, w.ID, "2Maddr", "5221ae")
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, "2Maddr", fw.Address)
	assert.True(t, fw.IsComplete)

	again, first, err := st.FinalizeWallet(ctx, owner, w.ID, "2Mother", "00")
	require.NoError(t, err)
	assert.False(t, first)
	assert.Equal(t, "2Maddr", again.Address)
	assert.Equal(t, "5221ae", again.ScriptHex)

	_, _, err = st.FinalizeWallet(ctx, "user-2", w.ID, "2Mother", "00")
	assert.True(t, walleterr.Is(err, walleterr.NotFound))

	list, err := st.ListWallets(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAppendWalletKeyDuplicate(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()

	w, err := st.InsertWallet(ctx, owner, "w", 1, 2)
	require.NoError(t, err)

	_, err = st.AppendWalletKey(ctx, w.ID, pubKey(1), "", w.N)
	require.NoError(t, err)
	_, err = st.AppendWalletKey(ctx, w.ID, pubKey(1), "", w.N)
	assert.True(t, walleterr.Is(err, walleterr.Conflict))

	keys, err := st.ListWalletKeys(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestAppendWalletKeySamePointOtherEncoding(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()

	w, err := st.InsertWallet(ctx, owner, "w", 2, 2)
	require.NoError(t, err)

	var b [32]byte
	b[31] = 7
	_, pk := btcec.PrivKeyFromBytes(b[:])

	_, err = st.AppendWalletKey(ctx, w.ID, hex.EncodeToString(pk.SerializeCompressed()), "", w.N)
	require.NoError(t, err)
	_, err = st.AppendWalletKey(ctx, w.ID, hex.EncodeToString(pk.SerializeUncompressed()), "", w.N)
	assert.True(t, walleterr.Is(err, walleterr.Conflict))

	keys, err := st.ListWalletKeys(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestAppendWalletKeyConcurrent(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()

	w, err := st.InsertWallet(ctx, owner, "w", 2, 3)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := st.AppendWalletKey(ctx, w.ID, pubKey(i), "", w.N); err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
			} else {
				assert.True(t, walleterr.Is(err, walleterr.Conflict), err.Error())
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, applied)
	keys, err := st.ListWalletKeys(ctx, w.ID)
	require.NoError(t, err)
	for i, k := range keys {
		assert.Equal(t, i, k.KeyIndex)
	}
}

func newTransaction(t *testing.T, st *SQLiteStore, required int) *Transaction {
	ctx := context.Background()
	w, err := st.InsertWallet(ctx, owner, "w", required, required+1)
	require.NoError(t, err)

	tx, err := st.InsertTransaction(ctx, &Transaction{
		WalletID:           w.ID,
		ToAddress:          "2NBFNJTktNa7GZusGbDbGKRZTxdK9VVez3n",
		AmountSatoshis:     100000,
		FeeSatoshis:        1000,
		RequiredSignatures: required,
	})
	require.NoError(t, err)
	return tx
}

func TestTransactionSignatures(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()

	tx := newTransaction(t, st, 2)
	assert.NotEmpty(t, tx.ID)
	assert.Empty(t, tx.Signatures)
	assert.False(t, tx.IsComplete)

	_, err := st.GetTransaction(ctx, "user-2", tx.ID)
	assert.True(t, walleterr.Is(err, walleterr.NotFound))

	got, err := st.AppendSignature(ctx, owner, tx.ID, "sigA", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sigA"}, got.Signatures)
	assert.False(t, got.IsComplete)

	veto := errors.New("veto")
	_, err = st.AppendSignature(ctx, owner, tx.ID, "sigX", func(cur *Transaction) error {
		assert.Equal(t, []string{"sigA"}, cur.Signatures)
		return walleterr.New(walleterr.Conflict, "vetoed", veto)
	})
	assert.ErrorIs(t, err, veto)

	got, err = st.AppendSignature(ctx, owner, tx.ID, "sigB", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sigA", "sigB"}, got.Signatures)
	assert.True(t, got.IsComplete)

	_, err = st.AppendSignature(ctx, owner, tx.ID, "sigC", nil)
	assert.True(t, walleterr.Is(err, walleterr.Conflict))

	stored, err := st.GetTransaction(ctx, owner, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"sigA", "sigB"}, stored.Signatures)
	assert.True(t, stored.IsComplete)
}

func TestAppendSignatureConcurrent(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()
	tx := newTransaction(t, st, 3)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := st.AppendSignature(ctx, owner, tx.ID, fmt.Sprintf("sig%d", i), nil); err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, applied)
	stored, err := st.GetTransaction(ctx, owner, tx.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Signatures, 3)
	assert.True(t, stored.IsComplete)
}

func TestRawTransactionAndBroadcast(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()
	tx := newTransaction(t, st, 1)

	// not complete yet
	assert.True(t, walleterr.Is(st.SetRawTransaction(ctx, tx.ID, "0100", "ab"), walleterr.Conflict))
	assert.True(t, walleterr.Is(st.SetBroadcast(ctx, tx.ID), walleterr.Conflict))

	_, err := st.AppendSignature(ctx, owner, tx.ID, "sig", nil)
	require.NoError(t, err)

	require.NoError(t, st.SetRawTransaction(ctx, tx.ID, "0100", "ab"))
	require.NoError(t, st.SetBroadcast(ctx, tx.ID))

	stored, err := st.GetTransaction(ctx, owner, tx.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsBroadcast)
	assert.Equal(t, "0100", stored.RawTransaction)
	assert.Equal(t, "ab", stored.TransactionHash)

	// broadcast records are frozen
	assert.True(t, walleterr.Is(st.SetRawTransaction(ctx, tx.ID, "0200", "cd"), walleterr.Conflict))
}

func TestCommitBackup(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()

	w, err := st.InsertWallet(ctx, owner, "w", 1, 2)
	require.NoError(t, err)
	k0, err := st.AppendWalletKey(ctx, w.ID, pubKey(0), "", w.N)
	require.NoError(t, err)
	k1, err := st.AppendWalletKey(ctx, w.ID, pubKey(1), "", w.N)
	require.NoError(t, err)

	_, err = st.GetKeyBackup(ctx, w.ID)
	assert.True(t, walleterr.Is(err, walleterr.NotFound))

	backup := &KeyBackup{WalletID: w.ID, Salt: "aa", IV: "bb", Check: "cc"}
	require.NoError(t, st.CommitBackup(ctx, backup, []KeyCiphertext{
		{KeyID: k0.ID, Ciphertext: "ct0", IV: "iv0"},
		{KeyID: k1.ID, Ciphertext: "ct1"},
	}))

	got, err := st.GetKeyBackup(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "aa", got.Salt)
	assert.Equal(t, "cc", got.Check)

	keys, err := st.ListWalletKeys(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "ct0", keys[0].EncryptedPrivateKey)
	assert.Equal(t, "iv0", keys[0].KeyIV)
	assert.Equal(t, "ct1", keys[1].EncryptedPrivateKey)
	assert.Empty(t, keys[1].KeyIV)

	// different salt is rejected and nothing is written
	err = st.CommitBackup(ctx, &KeyBackup{WalletID: w.ID, Salt: "dd", IV: "ee"}, []KeyCiphertext{
		{KeyID: k0.ID, Ciphertext: "other"},
	})
	assert.True(t, walleterr.Is(err, walleterr.Conflict))

	// unknown key rolls back the whole batch
	err = st.CommitBackup(ctx, backup, []KeyCiphertext{
		{KeyID: k0.ID, Ciphertext: "new0"},
		{KeyID: "missing", Ciphertext: "x"},
	})
	assert.True(t, walleterr.Is(err, walleterr.NotFound))

	keys, err = st.ListWalletKeys(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "ct0", keys[0].EncryptedPrivateKey)
}

func TestCommitBackupCancelled(t *testing.T) {
	st := newSQLiteStore(t)
	bg := context.Background()

	w, err := st.InsertWallet(bg, owner, "w", 1, 1)
	require.NoError(t, err)
	k, err := st.AppendWalletKey(bg, w.ID, pubKey(0), "", w.N)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(bg)
	cancel()
	err = st.CommitBackup(ctx, &KeyBackup{WalletID: w.ID, Salt: "aa", IV: "bb"}, []KeyCiphertext{
		{KeyID: k.ID, Ciphertext: "ct"},
	})
	require.Error(t, err)

	_, err = st.GetKeyBackup(bg, w.ID)
	assert.True(t, walleterr.Is(err, walleterr.NotFound))
	keys, err := st.ListWalletKeys(bg, w.ID)
	require.NoError(t, err)
	assert.False(t, keys[0].HasBackup())
}

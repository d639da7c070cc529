package txthreshold

import (
	"bytes"
	"context"
	"encoding/hex"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/btc-multisig/keyvault"
	"github.com/TEENet-io/btc-multisig/store"
	"github.com/TEENet-io/btc-multisig/walleterr"
	"github.com/TEENet-io/btc-multisig/walletpolicy"
)

const (
	owner    = "alice"
	password = "password123"
)

var params = &chaincfg.TestNet3Params

type fixture struct {
	policy *walletpolicy.Policy
	vault  *keyvault.Vault
	mgr    *Manager
}

func newFixture(t *testing.T) *fixture {
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "wallet.db"))
	require.NoError(t, err)
	st, err := store.NewSQLiteStore(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		st.Close()
		db.Close()
	})

	vault := keyvault.NewVault(st)
	return &fixture{
		policy: walletpolicy.NewPolicy(st, params),
		vault:  vault,
		mgr:    NewManager(st, vault, params),
	}
}

func privKey(i byte) (*btcec.PrivateKey, string) {
	var b [32]byte
	b[31] = i
	sk, pk := btcec.PrivKeyFromBytes(b[:])
	return sk, hex.EncodeToString(pk.SerializeCompressed())
}

func destination(t *testing.T) btcutil.Address {
	_, pub := privKey(42)
	raw, _ := hex.DecodeString(pub)
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(raw), params)
	require.NoError(t, err)
	return addr
}

// finalizedWallet builds an m-of-n wallet whose keys are backed up.
func (f *fixture) finalizedWallet(t *testing.T, m, n int) (*store.Wallet, []*store.WalletKey) {
	ctx := context.Background()
	w, err := f.policy.CreateWallet(ctx, owner, "w", m, n)
	require.NoError(t, err)

	secrets := map[string]string{}
	for i := 1; i <= n; i++ {
		sk, pub := privKey(byte(i))
		k, err := f.policy.AddKey(ctx, owner, w.ID, pub, "")
		require.NoError(t, err)
		secrets[k.ID] = hex.EncodeToString(sk.Serialize())
	}
	w, err = f.policy.Finalize(ctx, owner, w.ID)
	require.NoError(t, err)

	_, err = f.vault.CreateBackup(ctx, owner, w.ID, password, secrets)
	require.NoError(t, err)

	v, err := f.policy.Wallet(ctx, owner, w.ID)
	require.NoError(t, err)
	return w, v.Keys
}

func TestThresholdTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, _ := f.finalizedWallet(t, 2, 3)

	tx, err := f.mgr.Create(ctx, owner, w.ID, destination(t).EncodeAddress(), 50000, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, tx.RequiredSignatures)
	assert.Equal(t, Pending, StatusOf(tx))

	tx, err = f.mgr.AddSignature(ctx, owner, tx.ID, "sig-a")
	require.NoError(t, err)
	assert.Equal(t, Pending, StatusOf(tx))
	assert.Len(t, tx.Signatures, 1)
	assert.False(t, tx.IsComplete)

	tx, err = f.mgr.AddSignature(ctx, owner, tx.ID, "sig-b")
	require.NoError(t, err)
	assert.Equal(t, Complete, StatusOf(tx))
	assert.True(t, tx.IsComplete)

	_, err = f.mgr.AddSignature(ctx, owner, tx.ID, "sig-c")
	assert.True(t, walleterr.Is(err, walleterr.Conflict))

	got, err := f.mgr.Get(ctx, owner, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"sig-a", "sig-b"}, got.Signatures)

	_, err = f.mgr.AddSignature(ctx, owner, tx.ID, "  ")
	assert.True(t, walleterr.Is(err, walleterr.Validation))
}

func TestConcurrentSignersNeverOverSign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, _ := f.finalizedWallet(t, 2, 3)

	tx, err := f.mgr.Create(ctx, owner, w.ID, destination(t).EncodeAddress(), 1000, 10)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.mgr.AddSignature(ctx, owner, tx.ID, "sig")
		}()
	}
	wg.Wait()

	got, err := f.mgr.Get(ctx, owner, tx.ID)
	require.NoError(t, err)
	assert.Len(t, got.Signatures, 2)
	assert.True(t, got.IsComplete)
}

func TestCreateRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, _ := f.finalizedWallet(t, 1, 1)
	to := destination(t).EncodeAddress()

	_, err := f.mgr.Create(ctx, owner, w.ID, to, 0, 0)
	assert.True(t, walleterr.Is(err, walleterr.Validation))
	_, err = f.mgr.Create(ctx, owner, w.ID, to, -5, 0)
	assert.True(t, walleterr.Is(err, walleterr.Validation))
	_, err = f.mgr.Create(ctx, owner, w.ID, to, 100, -1)
	assert.True(t, walleterr.Is(err, walleterr.Validation))
	_, err = f.mgr.Create(ctx, owner, w.ID, "not-an-address", 100, 0)
	assert.True(t, walleterr.Is(err, walleterr.Validation))
	// mainnet p2pkh
	_, err = f.mgr.Create(ctx, owner, w.ID, "1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH", 100, 0)
	assert.True(t, walleterr.Is(err, walleterr.Validation))

	_, err = f.mgr.Create(ctx, "mallory", w.ID, to, 100, 0)
	assert.True(t, walleterr.Is(err, walleterr.NotFound))

	open, err := f.policy.CreateWallet(ctx, owner, "open", 1, 2)
	require.NoError(t, err)
	_, err = f.mgr.Create(ctx, owner, open.ID, to, 100, 0)
	assert.True(t, walleterr.Is(err, walleterr.Conflict))

	list, err := f.mgr.List(ctx, owner, w.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSignAndVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, keys := f.finalizedWallet(t, 2, 3)

	tx, err := f.mgr.Create(ctx, owner, w.ID, destination(t).EncodeAddress(), 70000, 500)
	require.NoError(t, err)

	_, err = f.mgr.Sign(ctx, owner, tx.ID, keys[0].ID, "wrongpass")
	assert.True(t, walleterr.Is(err, walleterr.Crypto))

	tx, err = f.mgr.Sign(ctx, owner, tx.ID, keys[0].ID, password)
	require.NoError(t, err)
	assert.Len(t, tx.Signatures, 1)

	_, err = f.mgr.Sign(ctx, owner, tx.ID, keys[0].ID, password)
	assert.True(t, walleterr.Is(err, walleterr.Conflict))

	_, err = f.mgr.Sign(ctx, owner, tx.ID, "missing", password)
	assert.True(t, walleterr.Is(err, walleterr.NotFound))

	tx, err = f.mgr.Sign(ctx, owner, tx.ID, keys[2].ID, password)
	require.NoError(t, err)
	assert.True(t, tx.IsComplete)

	checks, err := f.mgr.VerifySignatures(ctx, owner, tx.ID)
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.True(t, checks[0].Valid)
	assert.Equal(t, 0, checks[0].KeyIndex)
	assert.True(t, checks[1].Valid)
	assert.Equal(t, 2, checks[1].KeyIndex)

	_, err = f.mgr.Sign(ctx, owner, tx.ID, keys[1].ID, password)
	assert.True(t, walleterr.Is(err, walleterr.Conflict))
}

func TestVerifyOpaqueAndForeignTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, _ := f.finalizedWallet(t, 3, 3)

	tx, err := f.mgr.Create(ctx, owner, w.ID, destination(t).EncodeAddress(), 1000, 0)
	require.NoError(t, err)

	// signature by key #1 over another digest
	sk, _ := privKey(2)
	other := FormatSignature(1, ecdsa.Sign(sk, chainhash.DoubleHashB([]byte("other"))).Serialize())

	for _, token := range []string{"placeholder", "7:3006020101020101", other} {
		_, err := f.mgr.AddSignature(ctx, owner, tx.ID, token)
		require.NoError(t, err)
	}

	checks, err := f.mgr.VerifySignatures(ctx, owner, tx.ID)
	require.NoError(t, err)
	require.Len(t, checks, 3)
	assert.Equal(t, -1, checks[0].KeyIndex)
	assert.Equal(t, "opaque token", checks[0].Reason)
	assert.Equal(t, "unknown key index", checks[1].Reason)
	assert.False(t, checks[2].Valid)
	assert.Equal(t, 1, checks[2].KeyIndex)
}

func TestLookalikeTokenDoesNotBlockSigner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, keys := f.finalizedWallet(t, 2, 3)

	tx, err := f.mgr.Create(ctx, owner, w.ID, destination(t).EncodeAddress(), 1000, 0)
	require.NoError(t, err)

	// parses as key #0 but carries no valid signature
	_, err = f.mgr.AddSignature(ctx, owner, tx.ID, "0:00")
	require.NoError(t, err)

	tx, err = f.mgr.Sign(ctx, owner, tx.ID, keys[0].ID, password)
	require.NoError(t, err)
	assert.Len(t, tx.Signatures, 2)
	assert.True(t, tx.IsComplete)

	checks, err := f.mgr.VerifySignatures(ctx, owner, tx.ID)
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.False(t, checks[0].Valid)
	assert.True(t, checks[1].Valid)
	assert.Equal(t, 0, checks[1].KeyIndex)
}

func TestAttachRawTransactionAndBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, keys := f.finalizedWallet(t, 1, 2)
	dest := destination(t)

	tx, err := f.mgr.Create(ctx, owner, w.ID, dest.EncodeAddress(), 40000, 1000)
	require.NoError(t, err)

	pkScript, err := txscript.PayToAddrScript(dest)
	require.NoError(t, err)
	msgTx := wire.NewMsgTx(wire.TxVersion)
	msgTx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{1}, 0), nil, nil))
	msgTx.AddTxOut(wire.NewTxOut(40000, pkScript))
	var buf bytes.Buffer
	require.NoError(t, msgTx.Serialize(&buf))
	rawHex := hex.EncodeToString(buf.Bytes())

	// still pending
	_, err = f.mgr.AttachRawTransaction(ctx, owner, tx.ID, rawHex)
	assert.True(t, walleterr.Is(err, walleterr.Conflict))
	_, err = f.mgr.MarkBroadcast(ctx, owner, tx.ID)
	assert.True(t, walleterr.Is(err, walleterr.Conflict))

	_, err = f.mgr.Sign(ctx, owner, tx.ID, keys[1].ID, password)
	require.NoError(t, err)

	_, err = f.mgr.AttachRawTransaction(ctx, owner, tx.ID, "zz")
	assert.True(t, walleterr.Is(err, walleterr.Validation))

	short := wire.NewMsgTx(wire.TxVersion)
	short.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{1}, 0), nil, nil))
	short.AddTxOut(wire.NewTxOut(39999, pkScript))
	var sbuf bytes.Buffer
	require.NoError(t, short.Serialize(&sbuf))
	_, err = f.mgr.AttachRawTransaction(ctx, owner, tx.ID, hex.EncodeToString(sbuf.Bytes()))
	assert.True(t, walleterr.Is(err, walleterr.Validation))

	// a valid transaction followed by extra bytes
	_, err = f.mgr.AttachRawTransaction(ctx, owner, tx.ID, rawHex+"deadbeef")
	assert.True(t, walleterr.Is(err, walleterr.Validation))
	pending, err := f.mgr.Get(ctx, owner, tx.ID)
	require.NoError(t, err)
	assert.Empty(t, pending.RawTransaction)

	got, err := f.mgr.AttachRawTransaction(ctx, owner, tx.ID, rawHex)
	require.NoError(t, err)
	assert.Equal(t, rawHex, got.RawTransaction)
	assert.Equal(t, msgTx.TxHash().String(), got.TransactionHash)
	assert.False(t, got.IsBroadcast)

	got, err = f.mgr.MarkBroadcast(ctx, owner, tx.ID)
	require.NoError(t, err)
	assert.True(t, got.IsBroadcast)

	_, err = f.mgr.AttachRawTransaction(ctx, owner, tx.ID, rawHex)
	assert.True(t, walleterr.Is(err, walleterr.Conflict))
}

func TestSpendDigestBindsFields(t *testing.T) {
	base := &store.Transaction{
		ID:                 "tx",
		WalletID:           "w",
		ToAddress:          "addr",
		AmountSatoshis:     100,
		FeeSatoshis:        1,
		RequiredSignatures: 2,
	}
	d := SpendDigest(base)
	assert.Len(t, d, chainhash.HashSize)
	assert.Equal(t, d, SpendDigest(base.Clone()))

	mutations := []func(*store.Transaction){
		func(tx *store.Transaction) { tx.ID = "tx2" },
		func(tx *store.Transaction) { tx.ToAddress = "addr2" },
		func(tx *store.Transaction) { tx.AmountSatoshis = 101 },
		func(tx *store.Transaction) { tx.FeeSatoshis = 2 },
		func(tx *store.Transaction) { tx.RequiredSignatures = 3 },
	}
	for i, mutate := range mutations {
		tx := base.Clone()
		mutate(tx)
		assert.NotEqual(t, d, SpendDigest(tx), i)
	}

	// signatures are not part of the digest
	signed := base.Clone()
	signed.Signatures = []string{"x"}
	assert.Equal(t, d, SpendDigest(signed))
}

func TestSignatureToken(t *testing.T) {
	token := FormatSignature(3, []byte{0x30, 0x01})
	assert.Equal(t, "3:3001", token)

	idx, sig, ok := ParseSignature(token)
	assert.True(t, ok)
	assert.Equal(t, 3, idx)
	assert.Equal(t, []byte{0x30, 0x01}, sig)

	for _, bad := range []string{"", "abc", "x:3001", "-1:3001", "1:", "1:zz"} {
		_, _, ok := ParseSignature(bad)
		assert.False(t, ok, bad)
	}
}

func TestEstimateFee(t *testing.T) {
	fee, err := EstimateFee(2, 3, 1, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(372), fee)

	fee, err = EstimateFee(2, 3, 2, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(6660), fee)

	for _, c := range [][5]int{{0, 1, 1, 1, 1}, {2, 1, 1, 1, 1}, {1, 16, 1, 1, 1}, {1, 1, 0, 1, 1}, {1, 1, 1, 0, 1}, {1, 1, 1, 1, -1}} {
		_, err := EstimateFee(c[0], c[1], c[2], c[3], int64(c[4]))
		assert.True(t, walleterr.Is(err, walleterr.Validation), "%v", c)
	}

	_, err = EstimateFee(2, 3, 1<<40, 1, 1)
	assert.True(t, walleterr.Is(err, walleterr.Validation))
	_, err = EstimateFee(2, 3, 1, 1<<40, 1)
	assert.True(t, walleterr.Is(err, walleterr.Validation))
	_, err = EstimateFee(2, 3, 1, 1, math.MaxInt64/100)
	assert.True(t, walleterr.Is(err, walleterr.Validation))

	fee, err = EstimateFee(15, 15, maxFeeInOut, maxFeeInOut, 1000)
	require.NoError(t, err)
	assert.Positive(t, fee)
}

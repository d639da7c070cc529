package main

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/btc-multisig/keycrypto"
	"github.com/TEENet-io/btc-multisig/keyvault"
)

const password = "password123"

func writeBundle(t *testing.T) (string, []string) {
	salt, err := keycrypto.NewSalt()
	require.NoError(t, err)
	iv, err := keycrypto.NewIV()
	require.NoError(t, err)
	key, err := keycrypto.DeriveKey(password, salt)
	require.NoError(t, err)
	defer keycrypto.Wipe(key)

	b := &keyvault.Bundle{
		Version:      keyvault.BundleVersion,
		WalletID:     "wallet-1",
		WalletName:   "shared",
		WalletConfig: keyvault.WalletConfig{M: 1, N: 2},
		Encryption:   keyvault.Encryption{Salt: salt, IV: iv},
		Created:      "2024-01-01T00:00:00Z",
	}

	var secrets []string
	for i := byte(1); i <= 2; i++ {
		var raw [32]byte
		raw[31] = i
		_, pk := btcec.PrivKeyFromBytes(raw[:])
		secret := hex.EncodeToString(raw[:])
		secrets = append(secrets, secret)

		entry := keyvault.BundleKey{
			Index:     int(i - 1),
			PublicKey: hex.EncodeToString(pk.SerializeCompressed()),
			KeyID:     "key-" + string('0'+i),
		}
		entryIV := iv
		if i == 2 {
			entryIV, err = keycrypto.NewIV()
			require.NoError(t, err)
			entry.IV = entryIV
		}
		entry.EncryptedPrivateKey, err = keycrypto.EncryptWithKey(key, entryIV, secret)
		require.NoError(t, err)
		b.EncryptedKeys = append(b.EncryptedKeys, entry)
	}

	data, err := b.Marshal()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "bundle.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, secrets
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestInspect(t *testing.T) {
	path, _ := writeBundle(t)

	out, err := run(t, "", "inspect", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wallet=wallet-1 (1-of-2) keys=2")
	assert.Contains(t, out, "iv=wallet")
	assert.Contains(t, out, "iv=own")
}

func TestInspectRejectsBadBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"9"}`), 0o600))

	_, err := run(t, "", "inspect", "--file", path)
	assert.Error(t, err)

	_, err = run(t, "", "inspect")
	assert.Error(t, err)
}

func TestDecrypt(t *testing.T) {
	path, secrets := writeBundle(t)

	out, err := run(t, password+"\n", "decrypt", "--file", path, "--password-stdin")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "matches=true"))
	assert.NotContains(t, out, secrets[0])

	out, err = run(t, password+"\n", "decrypt", "--file", path, "--password-stdin", "--show-secrets")
	require.NoError(t, err)
	assert.Contains(t, out, secrets[0])
	assert.Contains(t, out, secrets[1])

	_, err = run(t, "wrong-password\n", "decrypt", "--file", path, "--password-stdin")
	assert.Error(t, err)

	_, err = run(t, "\n", "decrypt", "--file", path, "--password-stdin")
	assert.Error(t, err)
}

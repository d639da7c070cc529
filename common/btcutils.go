package common

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	CHAIN_MAINNET = "mainnet"
	CHAIN_TESTNET = "testnet"
	CHAIN_REGTEST = "regtest"
)

// IsValidBtcAddress reports whether address decodes for the network of cfg.
func IsValidBtcAddress(address string, cfg *chaincfg.Params) bool {
	addr, err := btcutil.DecodeAddress(address, cfg)
	if err != nil {
		return false
	}
	return addr.IsForNet(cfg)
}

func MainNetParams() *chaincfg.Params {
	return &chaincfg.MainNetParams
}

// ChainParams maps a configured network name to its parameters.
// An empty name selects regtest.
func ChainParams(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case CHAIN_MAINNET:
		return &chaincfg.MainNetParams, nil
	case CHAIN_TESTNET, "testnet3":
		return &chaincfg.TestNet3Params, nil
	case CHAIN_REGTEST, "":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown btc chain %q, want %s|%s|%s", name, CHAIN_MAINNET, CHAIN_TESTNET, CHAIN_REGTEST)
}

// Server = sqlite record store + wallet services + http api.
// All components are configured via environment variables or a config file (strings!).

package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	logger "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/TEENet-io/btc-multisig/api"
	"github.com/TEENet-io/btc-multisig/common"
	"github.com/TEENet-io/btc-multisig/keyvault"
	"github.com/TEENet-io/btc-multisig/logconfig"
	"github.com/TEENet-io/btc-multisig/store"
	"github.com/TEENet-io/btc-multisig/txthreshold"
	"github.com/TEENet-io/btc-multisig/walletpolicy"
)

// Default params for server.
// More often we don't recommend users to tweak those.
const (
	DEFAULT_DB_FILE_PATH = "multisig_wallet.db"
	DEFAULT_HTTP_IP      = "0.0.0.0"
	DEFAULT_HTTP_PORT    = "8080"
	DEFAULT_LOG_LEVEL    = "info"

	shutdownTimeout = 5 * time.Second
)

// Config keys understood by LoadServerConfig.
const (
	KEY_DB_FILE_PATH        = "DB_FILE_PATH"
	KEY_BTC_CHAIN_CONFIG    = "BTC_CHAIN_CONFIG"
	KEY_HTTP_IP             = "HTTP_IP"
	KEY_HTTP_PORT           = "HTTP_PORT"
	KEY_LOG_LEVEL           = "LOG_LEVEL"
	KEY_LOG_FILE            = "LOG_FILE"
	KEY_MIN_PASSWORD_LENGTH = "MIN_PASSWORD_LENGTH"
)

type WalletServerConfig struct {
	DbFilePath        string           // sqlite db file path
	BtcChainConfig    *chaincfg.Params // regtest, testnet, mainnet
	HttpIp            string           // eg. 0.0.0.0
	HttpPort          string           // eg. 8080
	LogLevel          string           // logrus level name
	LogFile           string           // empty = stderr only
	MinPasswordLength int
}

// LoadServerConfig converts the text values held by v into a WalletServerConfig.
func LoadServerConfig(v *viper.Viper) (*WalletServerConfig, error) {
	v.SetDefault(KEY_DB_FILE_PATH, DEFAULT_DB_FILE_PATH)
	v.SetDefault(KEY_HTTP_IP, DEFAULT_HTTP_IP)
	v.SetDefault(KEY_HTTP_PORT, DEFAULT_HTTP_PORT)
	v.SetDefault(KEY_LOG_LEVEL, DEFAULT_LOG_LEVEL)
	v.SetDefault(KEY_MIN_PASSWORD_LENGTH, keyvault.DefaultMinPasswordLength)

	params, err := common.ChainParams(v.GetString(KEY_BTC_CHAIN_CONFIG))
	if err != nil {
		return nil, err
	}

	minLen := v.GetInt(KEY_MIN_PASSWORD_LENGTH)
	if minLen < 1 {
		return nil, fmt.Errorf("%s must be positive, got %d", KEY_MIN_PASSWORD_LENGTH, minLen)
	}

	return &WalletServerConfig{
		DbFilePath:        v.GetString(KEY_DB_FILE_PATH),
		BtcChainConfig:    params,
		HttpIp:            v.GetString(KEY_HTTP_IP),
		HttpPort:          v.GetString(KEY_HTTP_PORT),
		LogLevel:          v.GetString(KEY_LOG_LEVEL),
		LogFile:           v.GetString(KEY_LOG_FILE),
		MinPasswordLength: minLen,
	}, nil
}

// WalletServer holds the objects that consists of the wallet server.
type WalletServer struct {
	Db      *sql.DB
	Store   *store.SQLiteStore
	Policy  *walletpolicy.Policy
	Vault   *keyvault.Vault
	TxMgr   *txthreshold.Manager
	Http    *api.HttpServer
	Handler http.Handler
}

// NewWalletServer opens the record store and wires the services to the router.
func NewWalletServer(wsc *WalletServerConfig) (*WalletServer, error) {
	db, err := store.OpenSQLite(wsc.DbFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open db file %s: %w", wsc.DbFilePath, err)
	}

	st, err := store.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create wallet store: %w", err)
	}

	policy := walletpolicy.NewPolicy(st, wsc.BtcChainConfig)
	vault := keyvault.NewVault(st)
	txMgr := txthreshold.NewManager(st, vault, wsc.BtcChainConfig)

	httpServer := api.NewHttpServer(
		wsc.HttpIp,
		wsc.HttpPort,
		policy,
		txMgr,
		vault,
		wsc.MinPasswordLength,
	)

	return &WalletServer{
		Db:      db,
		Store:   st,
		Policy:  policy,
		Vault:   vault,
		TxMgr:   txMgr,
		Http:    httpServer,
		Handler: httpServer.SetupRouter(),
	}, nil
}

// Close releases the store and the db handle.
func (ws *WalletServer) Close() error {
	ws.Store.Close()
	return ws.Db.Close()
}

// Serve listens until ctx is cancelled, then shuts the http server down.
func (ws *WalletServer) Serve(ctx context.Context) error {
	addr := ws.Http.Address()
	srv := &http.Server{
		Addr:              addr,
		Handler:           ws.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.WithField("address", addr).Info("wallet http server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Create, then start the wallet server and wait.
// Press Ctrl-C to kill the server.
func StartWalletServerAndWait(wsc *WalletServerConfig) {
	closer, err := logconfig.ConfigLogger(wsc.LogLevel, wsc.LogFile)
	if err != nil {
		logger.Fatalf("failed to configure logger: %v", err)
		return
	}
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up a signal channel to listen for Ctrl-C (SIGINT) or SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		fmt.Printf("Received signal: %v, cancelling context...\n", sig)
		cancel()
	}()

	ws, err := NewWalletServer(wsc)
	if err != nil {
		logger.Fatalf("failed to create wallet server: %v", err)
		return
	}
	defer ws.Close()

	logger.WithFields(logger.Fields{
		"db":    wsc.DbFilePath,
		"chain": wsc.BtcChainConfig.Name,
	}).Info("wallet server started")

	if err := ws.Serve(ctx); err != nil {
		logger.Errorf("http server stopped: %v", err)
	}
}

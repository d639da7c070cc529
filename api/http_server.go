// This is the http surface of the multisig wallet.
// Every wallet scoped route takes the caller identity from the
// X-Owner-ID header and passes it down to the services.

package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/btc-multisig/keyvault"
	"github.com/TEENet-io/btc-multisig/metrics"
	"github.com/TEENet-io/btc-multisig/txthreshold"
	"github.com/TEENet-io/btc-multisig/walleterr"
	"github.com/TEENet-io/btc-multisig/walletpolicy"
)

const (
	ROUTE_HELLO   = "/hello"
	ROUTE_METRICS = "/metrics"
	ROUTE_FEE     = "/fee"

	ROUTE_WALLETS             = "/wallets"
	ROUTE_WALLET              = "/wallets/:id"
	ROUTE_WALLET_KEYS         = "/wallets/:id/keys"
	ROUTE_WALLET_FINALIZE     = "/wallets/:id/finalize"
	ROUTE_WALLET_TRANSACTIONS = "/wallets/:id/transactions"
	ROUTE_BACKUP              = "/wallets/:id/backup"
	ROUTE_BACKUP_DECRYPT      = "/wallets/:id/backup/decrypt"
	ROUTE_BACKUP_EXPORT       = "/wallets/:id/backup/export"
	ROUTE_BACKUP_IMPORT       = "/wallets/:id/backup/import"

	ROUTE_TRANSACTION            = "/transactions/:id"
	ROUTE_TRANSACTION_SIGNATURES = "/transactions/:id/signatures"
	ROUTE_TRANSACTION_SIGN       = "/transactions/:id/sign"
	ROUTE_TRANSACTION_VERIFY     = "/transactions/:id/verify"
	ROUTE_TRANSACTION_RAW        = "/transactions/:id/raw"
	ROUTE_TRANSACTION_BROADCAST  = "/transactions/:id/broadcast"

	HEADER_OWNER = "X-Owner-ID"

	ctxOwner = "owner"

	maxBundleBytes = 1 << 20
)

type HttpServer struct {
	serverIP   string // listen ip
	serverPort string // listen port

	policy         *walletpolicy.Policy
	txmgr          *txthreshold.Manager
	vault          *keyvault.Vault
	minPasswordLen int
}

func NewHttpServer(
	serverIP string,
	serverPort string,
	policy *walletpolicy.Policy,
	txmgr *txthreshold.Manager,
	vault *keyvault.Vault,
	minPasswordLen int,
) *HttpServer {
	return &HttpServer{
		serverIP:       serverIP,
		serverPort:     serverPort,
		policy:         policy,
		txmgr:          txmgr,
		vault:          vault,
		minPasswordLen: minPasswordLen,
	}
}

// Hook up routes & handlers
func (h *HttpServer) SetupRouter() *gin.Engine {
	router := gin.Default()
	router.Use(metrics.Middleware())

	router.GET(ROUTE_HELLO, Hello)
	router.GET(ROUTE_METRICS, gin.WrapH(metrics.Handler()))
	router.GET(ROUTE_FEE, EstimateFee)

	owned := router.Group("/", RequireOwner())

	owned.POST(ROUTE_WALLETS, h.CreateWallet)
	owned.GET(ROUTE_WALLETS, h.ListWallets)
	owned.GET(ROUTE_WALLET, h.GetWallet)
	owned.POST(ROUTE_WALLET_KEYS, h.AddKey)
	owned.POST(ROUTE_WALLET_FINALIZE, h.Finalize)
	owned.POST(ROUTE_WALLET_TRANSACTIONS, h.CreateTransaction)
	owned.GET(ROUTE_WALLET_TRANSACTIONS, h.ListTransactions)

	owned.GET(ROUTE_TRANSACTION, h.GetTransaction)
	owned.POST(ROUTE_TRANSACTION_SIGNATURES, h.AddSignature)
	owned.POST(ROUTE_TRANSACTION_SIGN, h.Sign)
	owned.GET(ROUTE_TRANSACTION_VERIFY, h.VerifySignatures)
	owned.POST(ROUTE_TRANSACTION_RAW, h.AttachRawTransaction)
	owned.POST(ROUTE_TRANSACTION_BROADCAST, h.MarkBroadcast)

	owned.POST(ROUTE_BACKUP, h.CreateBackup)
	owned.POST(ROUTE_BACKUP_DECRYPT, h.DecryptBackup)
	owned.GET(ROUTE_BACKUP_EXPORT, h.ExportBackup)
	owned.POST(ROUTE_BACKUP_IMPORT, h.ImportBackup)

	return router
}

// Address is the ip:port the server listens on.
func (h *HttpServer) Address() string {
	return h.serverIP + ":" + h.serverPort
}

// Example route.
func Hello(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "world",
	})
}

// RequireOwner rejects requests without a caller identity.
func RequireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.GetHeader(HEADER_OWNER)
		if owner == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing " + HEADER_OWNER + " header",
				"kind":  walleterr.Validation.String(),
			})
			return
		}
		c.Set(ctxOwner, owner)
		c.Next()
	}
}

func owner(c *gin.Context) string {
	return c.GetString(ctxOwner)
}

func statusOf(kind walleterr.Kind) int {
	switch kind {
	case walleterr.Validation:
		return http.StatusBadRequest
	case walleterr.NotFound:
		return http.StatusNotFound
	case walleterr.Conflict:
		return http.StatusConflict
	case walleterr.Crypto:
		return http.StatusUnauthorized
	case walleterr.Dependency:
		return http.StatusUnprocessableEntity
	case walleterr.PartialFailure:
		return http.StatusMultiStatus
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	kind := walleterr.KindOf(err)
	msg := err.Error()
	if kind == walleterr.Storage {
		logger.WithFields(logger.Fields{
			"route": c.FullPath(),
		}).Errorf("request failed: %v", err)
		msg = "internal storage error"
	}
	c.JSON(statusOf(kind), gin.H{"error": msg, "kind": kind.String()})
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		fail(c, walleterr.New(walleterr.Validation, "invalid request body", err))
		return false
	}
	return true
}

func EstimateFee(c *gin.Context) {
	var vals [4]int
	for i, name := range []string{"m", "n", "inputs", "outputs"} {
		v, err := strconv.Atoi(c.DefaultQuery(name, "1"))
		if err != nil {
			fail(c, walleterr.Newf(walleterr.Validation, "invalid %s", name))
			return
		}
		vals[i] = v
	}
	rate, err := strconv.ParseInt(c.DefaultQuery("rate", "1"), 10, 64)
	if err != nil {
		fail(c, walleterr.Newf(walleterr.Validation, "invalid rate"))
		return
	}

	fee, err := txthreshold.EstimateFee(vals[0], vals[1], vals[2], vals[3], rate)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"feeSatoshis": fee})
}

func (h *HttpServer) CreateWallet(c *gin.Context) {
	var req createWalletRequest
	if !bind(c, &req) {
		return
	}
	w, err := h.policy.CreateWallet(c.Request.Context(), owner(c), req.Name, req.M, req.N)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toWallet(w))
}

func (h *HttpServer) ListWallets(c *gin.Context) {
	wallets, err := h.policy.Wallets(c.Request.Context(), owner(c))
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]walletResponse, len(wallets))
	for i, w := range wallets {
		out[i] = toWallet(w)
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *HttpServer) GetWallet(c *gin.Context) {
	v, err := h.policy.Wallet(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toWalletView(v))
}

func (h *HttpServer) AddKey(c *gin.Context) {
	var req addKeyRequest
	if !bind(c, &req) {
		return
	}
	k, err := h.policy.AddKey(c.Request.Context(), owner(c), c.Param("id"), req.PublicKey, req.OwnerName)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toKey(k))
}

func (h *HttpServer) Finalize(c *gin.Context) {
	w, err := h.policy.Finalize(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toWallet(w))
}

func (h *HttpServer) CreateTransaction(c *gin.Context) {
	var req createTransactionRequest
	if !bind(c, &req) {
		return
	}
	tx, err := h.txmgr.Create(c.Request.Context(), owner(c), c.Param("id"),
		req.ToAddress, req.AmountSatoshis, req.FeeSatoshis)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTransaction(tx))
}

func (h *HttpServer) ListTransactions(c *gin.Context) {
	txs, err := h.txmgr.List(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]transactionResponse, len(txs))
	for i, tx := range txs {
		out[i] = toTransaction(tx)
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *HttpServer) GetTransaction(c *gin.Context) {
	tx, err := h.txmgr.Get(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toTransaction(tx))
}

func (h *HttpServer) AddSignature(c *gin.Context) {
	var req addSignatureRequest
	if !bind(c, &req) {
		return
	}
	tx, err := h.txmgr.AddSignature(c.Request.Context(), owner(c), c.Param("id"), req.Signature)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toTransaction(tx))
}

func (h *HttpServer) Sign(c *gin.Context) {
	var req signRequest
	if !bind(c, &req) {
		return
	}
	tx, err := h.txmgr.Sign(c.Request.Context(), owner(c), c.Param("id"), req.KeyID, req.Password)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toTransaction(tx))
}

func (h *HttpServer) VerifySignatures(c *gin.Context) {
	checks, err := h.txmgr.VerifySignatures(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": checks})
}

func (h *HttpServer) AttachRawTransaction(c *gin.Context) {
	var req rawTransactionRequest
	if !bind(c, &req) {
		return
	}
	tx, err := h.txmgr.AttachRawTransaction(c.Request.Context(), owner(c), c.Param("id"), req.RawTransaction)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toTransaction(tx))
}

func (h *HttpServer) MarkBroadcast(c *gin.Context) {
	tx, err := h.txmgr.MarkBroadcast(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toTransaction(tx))
}

func (h *HttpServer) CreateBackup(c *gin.Context) {
	var req createBackupRequest
	if !bind(c, &req) {
		return
	}
	if err := keyvault.ValidatePassword(req.Password, req.ConfirmPassword, h.minPasswordLen); err != nil {
		fail(c, err)
		return
	}
	b, err := h.vault.CreateBackup(c.Request.Context(), owner(c), c.Param("id"), req.Password, req.Keys)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toBackup(b))
}

func (h *HttpServer) DecryptBackup(c *gin.Context) {
	var req passwordRequest
	if !bind(c, &req) {
		return
	}
	secrets, err := h.vault.DecryptAll(c.Request.Context(), owner(c), c.Param("id"), req.Password)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": secrets})
}

func (h *HttpServer) ExportBackup(c *gin.Context) {
	b, err := h.vault.ExportEncryptedBundle(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="wallet-`+b.WalletID+`-backup.json"`)
	c.JSON(http.StatusOK, b)
}

func (h *HttpServer) ImportBackup(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBundleBytes))
	if err != nil {
		fail(c, walleterr.New(walleterr.Validation, "cannot read bundle", err))
		return
	}
	b, err := keyvault.ParseBundle(data)
	if err != nil {
		fail(c, err)
		return
	}
	res, err := h.vault.ImportEncryptedBundle(c.Request.Context(), owner(c), c.Param("id"), b)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

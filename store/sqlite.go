package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/TEENet-io/btc-multisig/database"
	"github.com/TEENet-io/btc-multisig/multisig"
	"github.com/TEENet-io/btc-multisig/walleterr"
)

// OpenSQLite opens the sqlite file at path. Write transactions take the
// database lock on BEGIN so that read-check-write sequences are serialized.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// SQLiteStore implements Storage on top of sqlite.
type SQLiteStore struct {
	db        *sql.DB
	stmtcache *database.StmtCache
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(walletTable + walletKeyTable + keyBackupTable + transactionTable); err != nil {
		return nil, err
	}

	return &SQLiteStore{
		db:        db,
		stmtcache: database.NewStmtCache(db),
	}, nil
}

func (s *SQLiteStore) Close() {
	s.stmtcache.Clear()
}

func storageErr(op string, err error) error {
	var we *walleterr.Error
	if errors.As(err, &we) {
		return err
	}
	return walleterr.New(walleterr.Storage, "failed to "+op, err)
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (s *SQLiteStore) InsertWallet(ctx context.Context, ownerID, name string, m, n int) (*Wallet, error) {
	stmt, err := s.stmtcache.Prepare(ctx, queryInsertWallet)
	if err != nil {
		return nil, storageErr("prepare insert wallet", err)
	}

	id := uuid.New().String()
	if _, err := stmt.ExecContext(ctx, id, ownerID, name, m, n); err != nil {
		return nil, storageErr("insert wallet", err)
	}

	return s.GetWallet(ctx, ownerID, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (*Wallet, error) {
	var (
		w         Wallet
		address   sql.NullString
		scriptHex sql.NullString
	)
	if err := row.Scan(
		&w.ID,
		&w.OwnerID,
		&w.Name,
		&w.M,
		&w.N,
		&address,
		&scriptHex,
		&w.IsComplete,
		&w.CreatedAt,
	); err != nil {
		return nil, err
	}
	w.Address = address.String
	w.ScriptHex = scriptHex.String
	return &w, nil
}

func (s *SQLiteStore) GetWallet(ctx context.Context, ownerID, walletID string) (*Wallet, error) {
	stmt, err := s.stmtcache.Prepare(ctx, queryGetWallet)
	if err != nil {
		return nil, storageErr("prepare get wallet", err)
	}

	w, err := scanWallet(stmt.QueryRowContext(ctx, walletID, ownerID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, walleterr.Newf(walleterr.NotFound, "wallet %s not found", walletID)
		}
		return nil, storageErr("get wallet", err)
	}
	return w, nil
}

func (s *SQLiteStore) ListWallets(ctx context.Context, ownerID string) ([]*Wallet, error) {
	stmt, err := s.stmtcache.Prepare(ctx, queryListWallets)
	if err != nil {
		return nil, storageErr("prepare list wallets", err)
	}

	rows, err := stmt.QueryContext(ctx, ownerID)
	if err != nil {
		return nil, storageErr("list wallets", err)
	}
	defer rows.Close()

	wallets := []*Wallet{}
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, storageErr("scan wallet", err)
		}
		wallets = append(wallets, w)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list wallets", err)
	}
	return wallets, nil
}

func scanWalletKey(row rowScanner) (*WalletKey, error) {
	var (
		k         WalletKey
		ownerName sql.NullString
		encKey    sql.NullString
		keyIV     sql.NullString
	)
	if err := row.Scan(
		&k.ID,
		&k.WalletID,
		&k.PublicKey,
		&k.KeyIndex,
		&ownerName,
		&encKey,
		&keyIV,
		&k.CreatedAt,
	); err != nil {
		return nil, err
	}
	k.OwnerName = ownerName.String
	k.EncryptedPrivateKey = encKey.String
	k.KeyIV = keyIV.String
	return &k, nil
}

func (s *SQLiteStore) ListWalletKeys(ctx context.Context, walletID string) ([]*WalletKey, error) {
	stmt, err := s.stmtcache.Prepare(ctx, queryListWalletKeys)
	if err != nil {
		return nil, storageErr("prepare list keys", err)
	}
	return listWalletKeys(ctx, stmt, walletID)
}

func listWalletKeys(ctx context.Context, stmt *sql.Stmt, walletID string) ([]*WalletKey, error) {
	rows, err := stmt.QueryContext(ctx, walletID)
	if err != nil {
		return nil, storageErr("list keys", err)
	}
	defer rows.Close()

	keys := []*WalletKey{}
	for rows.Next() {
		k, err := scanWalletKey(rows)
		if err != nil {
			return nil, storageErr("scan key", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list keys", err)
	}
	return keys, nil
}

func (s *SQLiteStore) AppendWalletKey(
	ctx context.Context,
	walletID, publicKey, ownerName string,
	n int,
) (*WalletKey, error) {
	key := &WalletKey{
		ID:        uuid.New().String(),
		WalletID:  walletID,
		PublicKey: publicKey,
		OwnerName: ownerName,
	}

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		countStmt, err := s.stmtcache.PrepareTx(ctx, tx, queryCountWalletKeys)
		if err != nil {
			return err
		}
		var count int
		if err := countStmt.QueryRowContext(ctx, walletID).Scan(&count); err != nil {
			return err
		}
		if count >= n {
			return walleterr.Newf(walleterr.Conflict, "wallet already has all %d keys", n)
		}
		key.KeyIndex = count

		insertStmt, err := s.stmtcache.PrepareTx(ctx, tx, queryInsertWalletKey)
		if err != nil {
			return err
		}
		var owner any
		if ownerName != "" {
			owner = ownerName
		}
		if _, err := insertStmt.ExecContext(ctx, key.ID, walletID, publicKey, multisig.PointKey(publicKey), key.KeyIndex, owner); err != nil {
			if isUniqueViolation(err) {
				return walleterr.New(walleterr.Conflict, "public key already in wallet", err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("append wallet key", err)
	}
	return key, nil
}

func (s *SQLiteStore) FinalizeWallet(
	ctx context.Context,
	ownerID, walletID, address, scriptHex string,
) (*Wallet, bool, error) {
	stmt, err := s.stmtcache.Prepare(ctx, queryFinalizeWallet)
	if err != nil {
		return nil, false, storageErr("prepare finalize wallet", err)
	}

	res, err := stmt.ExecContext(ctx, address, scriptHex, walletID, ownerID)
	if err != nil {
		return nil, false, storageErr("finalize wallet", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, storageErr("finalize wallet", err)
	}

	w, err := s.GetWallet(ctx, ownerID, walletID)
	if err != nil {
		return nil, false, err
	}
	return w, affected == 1, nil
}

func (s *SQLiteStore) InsertTransaction(ctx context.Context, tx *Transaction) (*Transaction, error) {
	stmt, err := s.stmtcache.Prepare(ctx, queryInsertTransaction)
	if err != nil {
		return nil, storageErr("prepare insert transaction", err)
	}

	rec := tx.Clone()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	var sqlTx sqlTransaction
	if _, err := sqlTx.encode(rec); err != nil {
		return nil, storageErr("encode transaction", err)
	}

	if _, err := stmt.ExecContext(ctx,
		sqlTx.ID,
		sqlTx.WalletID,
		sqlTx.ToAddress,
		sqlTx.AmountSatoshis,
		sqlTx.FeeSatoshis,
		sqlTx.RequiredSignatures,
		sqlTx.Signatures,
		sqlTx.SigCount,
		sqlTx.IsComplete,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, walleterr.New(walleterr.Conflict, "transaction already exists", err)
		}
		return nil, storageErr("insert transaction", err)
	}

	return s.getTransaction(ctx, s.db, rec.ID)
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var sqlTx sqlTransaction
	if err := row.Scan(
		&sqlTx.ID,
		&sqlTx.WalletID,
		&sqlTx.ToAddress,
		&sqlTx.AmountSatoshis,
		&sqlTx.FeeSatoshis,
		&sqlTx.RequiredSignatures,
		&sqlTx.Signatures,
		&sqlTx.SigCount,
		&sqlTx.IsComplete,
		&sqlTx.IsBroadcast,
		&sqlTx.RawTransaction,
		&sqlTx.TransactionHash,
		&sqlTx.CreatedAt,
	); err != nil {
		return nil, err
	}
	return sqlTx.decode()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// getTransaction reads a record without the owner check.
func (s *SQLiteStore) getTransaction(ctx context.Context, q queryer, txID string) (*Transaction, error) {
	t, err := scanTransaction(q.QueryRowContext(ctx, queryGetTransactionById, txID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, walleterr.Newf(walleterr.NotFound, "transaction %s not found", txID)
		}
		return nil, storageErr("get transaction", err)
	}
	return t, nil
}

func (s *SQLiteStore) GetTransaction(ctx context.Context, ownerID, txID string) (*Transaction, error) {
	stmt, err := s.stmtcache.Prepare(ctx, queryGetTransaction)
	if err != nil {
		return nil, storageErr("prepare get transaction", err)
	}

	t, err := scanTransaction(stmt.QueryRowContext(ctx, txID, ownerID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, walleterr.Newf(walleterr.NotFound, "transaction %s not found", txID)
		}
		return nil, storageErr("get transaction", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, walletID string) ([]*Transaction, error) {
	stmt, err := s.stmtcache.Prepare(ctx, queryListTransactions)
	if err != nil {
		return nil, storageErr("prepare list transactions", err)
	}

	rows, err := stmt.QueryContext(ctx, walletID)
	if err != nil {
		return nil, storageErr("list transactions", err)
	}
	defer rows.Close()

	txs := []*Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, storageErr("scan transaction", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list transactions", err)
	}
	return txs, nil
}

func (s *SQLiteStore) AppendSignature(
	ctx context.Context,
	ownerID, txID, sig string,
	check func(*Transaction) error,
) (*Transaction, error) {
	var updated *Transaction

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		getStmt, err := s.stmtcache.PrepareTx(ctx, tx, queryGetTransaction)
		if err != nil {
			return err
		}
		cur, err := scanTransaction(getStmt.QueryRowContext(ctx, txID, ownerID))
		if err != nil {
			if err == sql.ErrNoRows {
				return walleterr.Newf(walleterr.NotFound, "transaction %s not found", txID)
			}
			return err
		}
		if cur.IsComplete {
			return walleterr.Newf(walleterr.Conflict, "transaction %s already has all %d signatures",
				txID, cur.RequiredSignatures)
		}
		if check != nil {
			if err := check(cur); err != nil {
				return err
			}
		}

		next := cur.Clone()
		next.Signatures = append(next.Signatures, sig)
		next.IsComplete = len(next.Signatures) >= next.RequiredSignatures

		var sqlTx sqlTransaction
		if _, err := sqlTx.encode(next); err != nil {
			return err
		}
		updStmt, err := s.stmtcache.PrepareTx(ctx, tx, queryAppendSignature)
		if err != nil {
			return err
		}
		res, err := updStmt.ExecContext(ctx,
			sqlTx.Signatures,
			sqlTx.SigCount,
			sqlTx.IsComplete,
			txID,
			len(cur.Signatures),
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return walleterr.Newf(walleterr.Conflict, "transaction %s changed concurrently", txID)
		}

		updated = next
		return nil
	})
	if err != nil {
		return nil, storageErr("append signature", err)
	}
	return updated, nil
}

func (s *SQLiteStore) SetRawTransaction(ctx context.Context, txID, rawHex, txHash string) error {
	stmt, err := s.stmtcache.Prepare(ctx, querySetRawTransaction)
	if err != nil {
		return storageErr("prepare set raw transaction", err)
	}

	res, err := stmt.ExecContext(ctx, rawHex, txHash, txID)
	if err != nil {
		return storageErr("set raw transaction", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storageErr("set raw transaction", err)
	} else if n != 1 {
		return walleterr.Newf(walleterr.Conflict, "transaction %s is not complete or already broadcast", txID)
	}
	return nil
}

func (s *SQLiteStore) SetBroadcast(ctx context.Context, txID string) error {
	stmt, err := s.stmtcache.Prepare(ctx, querySetBroadcast)
	if err != nil {
		return storageErr("prepare set broadcast", err)
	}

	res, err := stmt.ExecContext(ctx, txID)
	if err != nil {
		return storageErr("set broadcast", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storageErr("set broadcast", err)
	} else if n != 1 {
		return walleterr.Newf(walleterr.Conflict, "transaction %s has no raw transaction attached", txID)
	}
	return nil
}

func scanBackup(row rowScanner) (*KeyBackup, error) {
	var (
		b     KeyBackup
		check sql.NullString
	)
	if err := row.Scan(&b.WalletID, &b.Salt, &b.IV, &check, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.Check = check.String
	return &b, nil
}

func (s *SQLiteStore) GetKeyBackup(ctx context.Context, walletID string) (*KeyBackup, error) {
	stmt, err := s.stmtcache.Prepare(ctx, queryGetBackup)
	if err != nil {
		return nil, storageErr("prepare get backup", err)
	}

	b, err := scanBackup(stmt.QueryRowContext(ctx, walletID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, walleterr.Newf(walleterr.NotFound, "no key backup for wallet %s", walletID)
		}
		return nil, storageErr("get backup", err)
	}
	return b, nil
}

func (s *SQLiteStore) CommitBackup(ctx context.Context, backup *KeyBackup, keys []KeyCiphertext) error {
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		insStmt, err := s.stmtcache.PrepareTx(ctx, tx, queryInsertBackup)
		if err != nil {
			return err
		}
		var check any
		if backup.Check != "" {
			check = backup.Check
		}
		if _, err := insStmt.ExecContext(ctx, backup.WalletID, backup.Salt, backup.IV, check); err != nil {
			return err
		}

		getStmt, err := s.stmtcache.PrepareTx(ctx, tx, queryGetBackup)
		if err != nil {
			return err
		}
		stored, err := scanBackup(getStmt.QueryRowContext(ctx, backup.WalletID))
		if err != nil {
			return err
		}
		if stored.Salt != backup.Salt {
			return walleterr.Newf(walleterr.Conflict,
				"wallet %s already has a key backup with a different salt", backup.WalletID)
		}

		updStmt, err := s.stmtcache.PrepareTx(ctx, tx, querySetEncryptedKey)
		if err != nil {
			return err
		}
		for _, k := range keys {
			// a cancelled request must not leave a partial batch behind
			if err := ctx.Err(); err != nil {
				return err
			}
			var iv any
			if k.IV != "" {
				iv = k.IV
			}
			res, err := updStmt.ExecContext(ctx, k.Ciphertext, iv, k.KeyID, backup.WalletID)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n != 1 {
				return walleterr.Newf(walleterr.NotFound, "key %s not found in wallet %s", k.KeyID, backup.WalletID)
			}
		}
		return nil
	})
	if err != nil {
		return storageErr("commit backup", err)
	}
	return nil
}

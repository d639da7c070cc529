package store

var (
	walletTable = `CREATE TABLE IF NOT EXISTS wallet (
		id CHAR(36) PRIMARY KEY NOT NULL,
		ownerId VARCHAR(128) NOT NULL,
		name VARCHAR(128) NOT NULL,
		m INT NOT NULL,
		n INT NOT NULL,
		address VARCHAR(64),
		scriptHex TEXT,
		isComplete BOOLEAN NOT NULL DEFAULT FALSE,
		createdAt TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT chk_m CHECK (m >= 1 AND m <= 15),
		CONSTRAINT chk_n CHECK (n >= m AND n <= 15),
		CONSTRAINT chk_finalized CHECK ((address IS NULL) = (scriptHex IS NULL))
	);
	CREATE INDEX IF NOT EXISTS idx_wallet_owner ON wallet (ownerId);`

	walletKeyTable = `CREATE TABLE IF NOT EXISTS wallet_key (
		id CHAR(36) PRIMARY KEY NOT NULL,
		walletId CHAR(36) NOT NULL REFERENCES wallet (id) ON DELETE CASCADE,
		publicKey VARCHAR(130) NOT NULL,
		pointKey VARCHAR(130) NOT NULL,
		keyIndex INT NOT NULL,
		ownerName VARCHAR(128),
		encryptedPrivateKey TEXT,
		keyIv CHAR(32),
		createdAt TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT chk_keyIndex CHECK (keyIndex >= 0),
		UNIQUE (walletId, keyIndex),
		UNIQUE (walletId, publicKey),
		UNIQUE (walletId, pointKey)
	);`

	keyBackupTable = `CREATE TABLE IF NOT EXISTS key_backup (
		walletId CHAR(36) PRIMARY KEY NOT NULL REFERENCES wallet (id) ON DELETE CASCADE,
		salt CHAR(32) NOT NULL,
		iv CHAR(32) NOT NULL,
		checkValue TEXT,
		createdAt TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`

	transactionTable = `CREATE TABLE IF NOT EXISTS spend_tx (
		id CHAR(36) PRIMARY KEY NOT NULL,
		walletId CHAR(36) NOT NULL REFERENCES wallet (id) ON DELETE CASCADE,
		toAddress VARCHAR(90) NOT NULL,
		amount BIGINT NOT NULL,
		fee BIGINT NOT NULL DEFAULT 0,
		requiredSignatures INT NOT NULL,
		signatures TEXT NOT NULL DEFAULT '[]',
		sigCount INT NOT NULL DEFAULT 0,
		isComplete BOOLEAN NOT NULL DEFAULT FALSE,
		isBroadcast BOOLEAN NOT NULL DEFAULT FALSE,
		rawTransaction TEXT,
		transactionHash CHAR(64),
		createdAt TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT chk_amount CHECK (amount > 0),
		CONSTRAINT chk_fee CHECK (fee >= 0),
		CONSTRAINT chk_required CHECK (requiredSignatures >= 1),
		CONSTRAINT chk_sigCount CHECK (sigCount <= requiredSignatures)
	);
	CREATE INDEX IF NOT EXISTS idx_spend_tx_wallet ON spend_tx (walletId);`

	// wallet
	queryInsertWallet = `INSERT INTO wallet (id, ownerId, name, m, n) VALUES (?, ?, ?, ?, ?);`
	queryGetWallet    = `SELECT id, ownerId, name, m, n, address, scriptHex, isComplete, createdAt
		FROM wallet WHERE id = ? AND ownerId = ?;`
	queryListWallets = `SELECT id, ownerId, name, m, n, address, scriptHex, isComplete, createdAt
		FROM wallet WHERE ownerId = ? ORDER BY rowid ASC;`
	// only an unfinalized wallet can be finalized
	queryFinalizeWallet = `UPDATE wallet SET address = ?, scriptHex = ?, isComplete = TRUE
		WHERE id = ? AND ownerId = ? AND address IS NULL;`

	// wallet key
	// pointKey is the compressed form, one point cannot join a wallet twice
	queryInsertWalletKey = `INSERT INTO wallet_key (id, walletId, publicKey, pointKey, keyIndex, ownerName)
		VALUES (?, ?, ?, ?, ?, ?);`
	queryListWalletKeys = `SELECT id, walletId, publicKey, keyIndex, ownerName, encryptedPrivateKey, keyIv, createdAt
		FROM wallet_key WHERE walletId = ? ORDER BY keyIndex ASC;`
	queryCountWalletKeys = `SELECT COUNT(*) FROM wallet_key WHERE walletId = ?;`
	querySetEncryptedKey = `UPDATE wallet_key SET encryptedPrivateKey = ?, keyIv = ? WHERE id = ? AND walletId = ?;`

	// key backup
	queryInsertBackup = `INSERT OR IGNORE INTO key_backup (walletId, salt, iv, checkValue) VALUES (?, ?, ?, ?);`
	queryGetBackup    = `SELECT walletId, salt, iv, checkValue, createdAt FROM key_backup WHERE walletId = ?;`

	// spend transaction
	queryInsertTransaction = `INSERT INTO spend_tx (id, walletId, toAddress, amount, fee, requiredSignatures, signatures, sigCount, isComplete)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`
	queryGetTransaction = `SELECT t.id, t.walletId, t.toAddress, t.amount, t.fee, t.requiredSignatures, t.signatures,
		t.sigCount, t.isComplete, t.isBroadcast, t.rawTransaction, t.transactionHash, t.createdAt
		FROM spend_tx t JOIN wallet w ON w.id = t.walletId
		WHERE t.id = ? AND w.ownerId = ?;`
	queryGetTransactionById = `SELECT id, walletId, toAddress, amount, fee, requiredSignatures, signatures,
		sigCount, isComplete, isBroadcast, rawTransaction, transactionHash, createdAt
		FROM spend_tx WHERE id = ?;`
	queryListTransactions = `SELECT id, walletId, toAddress, amount, fee, requiredSignatures, signatures,
		sigCount, isComplete, isBroadcast, rawTransaction, transactionHash, createdAt
		FROM spend_tx WHERE walletId = ? ORDER BY rowid ASC;`
	// compare-and-swap on the signature count
	queryAppendSignature = `UPDATE spend_tx SET signatures = ?, sigCount = ?, isComplete = ?
		WHERE id = ? AND sigCount = ? AND sigCount < requiredSignatures;`
	querySetRawTransaction = `UPDATE spend_tx SET rawTransaction = ?, transactionHash = ?
		WHERE id = ? AND isComplete = TRUE AND isBroadcast = FALSE;`
	querySetBroadcast = `UPDATE spend_tx SET isBroadcast = TRUE
		WHERE id = ? AND rawTransaction IS NOT NULL;`
)

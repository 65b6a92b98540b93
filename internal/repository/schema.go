package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL. Amounts are stored as
// TEXT and parsed into decimals to avoid floating-point drift.

const schemaAccounts = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    system INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_user ON accounts(user_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_user_name ON accounts(user_id, name);
`

const schemaStatements = `
CREATE TABLE IF NOT EXISTS statements (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    account_id TEXT,
    source TEXT NOT NULL DEFAULT '',
    imported_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_statements_user ON statements(user_id);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    statement_id TEXT NOT NULL,
    date TIMESTAMP NOT NULL,
    amount TEXT NOT NULL,
    direction TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(user_id, status);
CREATE INDEX IF NOT EXISTS idx_transactions_statement ON transactions(user_id, statement_id);
CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(user_id, date);
`

const schemaEntries = `
CREATE TABLE IF NOT EXISTS entries (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    date TIMESTAMP NOT NULL,
    memo TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT 'user',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_user ON entries(user_id);
CREATE INDEX IF NOT EXISTS idx_entries_date ON entries(user_id, date);
CREATE INDEX IF NOT EXISTS idx_entries_status ON entries(user_id, status);
`

const schemaEntryLines = `
CREATE TABLE IF NOT EXISTS entry_lines (
    id TEXT PRIMARY KEY,
    entry_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    account_type TEXT NOT NULL,
    direction TEXT NOT NULL,
    amount TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entry_lines_entry ON entry_lines(entry_id);
CREATE INDEX IF NOT EXISTS idx_entry_lines_account ON entry_lines(account_id);
`

const schemaMatches = `
CREATE TABLE IF NOT EXISTS matches (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    txn_id TEXT NOT NULL,
    entry_ids TEXT NOT NULL,
    score INTEGER NOT NULL,
    breakdown TEXT NOT NULL,
    status TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    superseded_by_id TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_matches_user ON matches(user_id);
CREATE INDEX IF NOT EXISTS idx_matches_txn ON matches(user_id, txn_id);
CREATE INDEX IF NOT EXISTS idx_matches_status ON matches(user_id, status);
`

const schemaTransferPairs = `
CREATE TABLE IF NOT EXISTS transfer_pairs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    out_entry_id TEXT NOT NULL,
    in_entry_id TEXT NOT NULL,
    score INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transfer_pairs_user ON transfer_pairs(user_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transfer_pairs_out ON transfer_pairs(out_entry_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transfer_pairs_in ON transfer_pairs(in_entry_id);
`

// AllSchemas returns all schema definitions in creation order.
func AllSchemas() []string {
	return []string{
		schemaAccounts,
		schemaStatements,
		schemaTransactions,
		schemaEntries,
		schemaEntryLines,
		schemaMatches,
		schemaTransferPairs,
	}
}

package sqlite

import "database/sql"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		external_key TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		payment_method_id TEXT NOT NULL,
		state_name TEXT NOT NULL DEFAULT '',
		last_success_state_name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS payment_transactions (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL REFERENCES payments(id),
		external_key TEXT NOT NULL,
		transaction_type TEXT NOT NULL,
		status TEXT NOT NULL,
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		processed_amount INTEGER NOT NULL DEFAULT 0,
		processed_currency TEXT NOT NULL DEFAULT '',
		gateway_error_code TEXT NOT NULL DEFAULT '',
		gateway_error_msg TEXT NOT NULL DEFAULT '',
		effective_date TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_payment
		ON payment_transactions(payment_id);`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_external_key
		ON payment_transactions(external_key);`,
	`CREATE TABLE IF NOT EXISTS payment_attempts (
		id TEXT PRIMARY KEY,
		payment_external_key TEXT NOT NULL,
		transaction_external_key TEXT NOT NULL,
		account_id TEXT NOT NULL,
		payment_method_id TEXT NOT NULL,
		transaction_type TEXT NOT NULL,
		state_name TEXT NOT NULL,
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		plugin_name TEXT NOT NULL DEFAULT '',
		plugin_properties BLOB,
		control_plugins TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_transaction_external_key
		ON payment_attempts(transaction_external_key);`,
}

// Migrate applies the schema. Safe to run on every boot.
func Migrate(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

// New opens (creating if needed) the sqlite database at path. Transactions
// start IMMEDIATE so concurrent writers queue on the busy timeout instead of
// failing on a stale snapshot.
func New(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	migrations := []string{
		migrationRecipientLists,
		migrationRecipients,
		migrationCampaigns,
		migrationCampaignLists,
		migrationLots,
		migrationQueueItems,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const migrationRecipientLists = `
CREATE TABLE IF NOT EXISTS recipient_lists (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

const migrationRecipients = `
CREATE TABLE IF NOT EXISTS recipients (
    id TEXT PRIMARY KEY,
    list_id TEXT NOT NULL REFERENCES recipient_lists(id) ON DELETE CASCADE,
    address TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    variables JSON,
    status TEXT NOT NULL DEFAULT 'active',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(list_id, address)
);
CREATE INDEX IF NOT EXISTS idx_recipients_list_id ON recipients(list_id);
CREATE INDEX IF NOT EXISTS idx_recipients_status ON recipients(status);
`

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    message_template TEXT NOT NULL,
    schedule JSON NOT NULL,
    channel TEXT NOT NULL DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1,
    last_executed_at TIMESTAMP,
    next_fire_at TIMESTAMP,
    total_sent INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_campaigns_due ON campaigns(active, next_fire_at);
`

const migrationCampaignLists = `
CREATE TABLE IF NOT EXISTS campaign_lists (
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    list_id TEXT NOT NULL REFERENCES recipient_lists(id) ON DELETE CASCADE,
    position INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (campaign_id, list_id)
);
`

const migrationLots = `
CREATE TABLE IF NOT EXISTS lots (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL,
    fire_at TIMESTAMP NOT NULL,
    seq INTEGER NOT NULL,
    size INTEGER NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(campaign_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_lots_firing ON lots(campaign_id, fire_at);
`

const migrationQueueItems = `
CREATE TABLE IF NOT EXISTS queue_items (
    id TEXT PRIMARY KEY,
    lot_id TEXT NOT NULL REFERENCES lots(id) ON DELETE CASCADE,
    campaign_id TEXT NOT NULL,
    fire_at TIMESTAMP NOT NULL,
    recipient JSON NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    seq INTEGER NOT NULL,
    claimed_at TIMESTAMP,
    claim_token TEXT NOT NULL DEFAULT '',
    resolved_at TIMESTAMP,
    error_detail TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_queue_items_lot_status ON queue_items(lot_id, status, seq);
CREATE INDEX IF NOT EXISTS idx_queue_items_firing ON queue_items(campaign_id, fire_at, status);
CREATE INDEX IF NOT EXISTS idx_queue_items_claimed ON queue_items(status, claimed_at);
`

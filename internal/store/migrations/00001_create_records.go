// Package migrations holds the Postgres schema, applied with goose.
package migrations

import (
	"database/sql"

	"github.com/pressly/goose"
)

func init() {
	goose.AddMigration(upCreateRecords, downCreateRecords)
}

func upCreateRecords(tx *sql.Tx) error {
	_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS records (
    kind         TEXT        NOT NULL,
    id           TEXT        NOT NULL,
    status       TEXT        NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    body         JSONB       NOT NULL,
    PRIMARY KEY (kind, id)
);
CREATE INDEX IF NOT EXISTS records_kind_status_idx ON records (kind, status);`)
	return err
}

func downCreateRecords(tx *sql.Tx) error {
	_, err := tx.Exec(`DROP TABLE IF EXISTS records;`)
	return err
}

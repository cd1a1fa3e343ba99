package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/thatsimonsguy/fan-controller/internal/model"
)

// Fixed width so timestamps order lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

const (
	EventZoneCommand = "zone_command"
	EventFailsafe    = "failsafe"
)

// StartTransaction starts a new database transaction.
func StartTransaction(db *sql.DB) (*sql.Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

func RecordZoneCommand(db *sql.DB, ts time.Time, zone model.Zone, speed int, drivers []model.DeviceID) error {
	ids := make([]string, len(drivers))
	for i, d := range drivers {
		ids[i] = string(d)
	}
	tx, err := StartTransaction(db)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO events (ts, kind, zone, speed, drivers) VALUES (?, ?, ?, ?, ?)`,
		ts.UTC().Format(tsLayout), EventZoneCommand, int(zone), speed, strings.Join(ids, ","))
	if err != nil {
		RollbackTransaction(tx)
		return fmt.Errorf("record zone command: %w", err)
	}
	return CommitTransaction(tx)
}

func RecordFailsafe(db *sql.DB, ts time.Time, zone model.Zone, engaged bool, reason string) error {
	tx, err := StartTransaction(db)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO events (ts, kind, zone, engaged, reason) VALUES (?, ?, ?, ?, ?)`,
		ts.UTC().Format(tsLayout), EventFailsafe, int(zone), engaged, reason)
	if err != nil {
		RollbackTransaction(tx)
		return fmt.Errorf("record failsafe transition: %w", err)
	}
	return CommitTransaction(tx)
}

// PruneEvents deletes events older than cutoff and returns how many went.
func PruneEvents(db *sql.DB, cutoff time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM events WHERE ts < ?`, cutoff.UTC().Format(tsLayout))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return n, nil
}

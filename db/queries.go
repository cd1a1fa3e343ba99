package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/thatsimonsguy/fan-controller/internal/model"
)

type Event struct {
	ID      int64
	Time    time.Time
	Kind    string
	Zone    model.Zone
	Speed   int
	Engaged bool
	Drivers []model.DeviceID
	Reason  string
}

// RecentEvents returns up to limit events, newest first.
func RecentEvents(db *sql.DB, limit int) ([]Event, error) {
	rows, err := db.Query(`SELECT id, ts, kind, zone, speed, engaged, drivers, reason
		FROM events ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			ts      string
			zone    int
			speed   sql.NullInt64
			engaged sql.NullBool
			drivers sql.NullString
			reason  sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Kind, &zone, &speed, &engaged, &drivers, &reason); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Time, err = time.Parse(tsLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("event %d: bad timestamp %q", e.ID, ts)
		}
		e.Zone = model.Zone(zone)
		e.Speed = int(speed.Int64)
		e.Engaged = engaged.Bool
		e.Reason = reason.String
		if drivers.String != "" {
			for _, d := range strings.Split(drivers.String, ",") {
				e.Drivers = append(e.Drivers, model.DeviceID(d))
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

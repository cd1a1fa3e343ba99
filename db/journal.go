package db

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/fan-controller/internal/model"
)

const pruneEvery = time.Hour

// Journal records controller events and keeps the table within its
// retention window.
type Journal struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time
	lastPrune time.Time
}

func NewJournal(dbConn *sql.DB, retention time.Duration) *Journal {
	return &Journal{db: dbConn, retention: retention, now: time.Now}
}

func (j *Journal) RecordZoneCommand(zone model.Zone, speed int, drivers []model.DeviceID) error {
	ts := j.now()
	j.maybePrune(ts)
	return RecordZoneCommand(j.db, ts, zone, speed, drivers)
}

func (j *Journal) RecordFailsafe(zone model.Zone, engaged bool, reason string) error {
	ts := j.now()
	j.maybePrune(ts)
	return RecordFailsafe(j.db, ts, zone, engaged, reason)
}

func (j *Journal) maybePrune(now time.Time) {
	if !j.lastPrune.IsZero() && now.Sub(j.lastPrune) < pruneEvery {
		return
	}
	j.lastPrune = now
	n, err := PruneEvents(j.db, now.Add(-j.retention))
	if err != nil {
		log.Warn().Err(err).Msg("Could not prune journal")
		return
	}
	if n > 0 {
		log.Debug().Int64("deleted", n).Msg("Pruned journal events")
	}
}

package db

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// PrintEventsCLI writes the newest events from the journal at dbPath.
func PrintEventsCLI(w io.Writer, dbPath string, limit int) error {
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	events, err := RecentEvents(dbConn, limit)
	if err != nil {
		return err
	}
	for _, e := range events {
		ts := e.Time.Local().Format(time.DateTime)
		switch e.Kind {
		case EventZoneCommand:
			drivers := make([]string, len(e.Drivers))
			for i, d := range e.Drivers {
				drivers[i] = string(d)
			}
			fmt.Fprintf(w, "%s  %-6s  set %3d%%  drivers=%s\n", ts, e.Zone, e.Speed, strings.Join(drivers, ","))
		case EventFailsafe:
			state := "cleared"
			if e.Engaged {
				state = "ENGAGED"
			}
			fmt.Fprintf(w, "%s  %-6s  fail-safe %s %s\n", ts, e.Zone, state, e.Reason)
		}
	}
	return nil
}

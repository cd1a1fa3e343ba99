package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/thatsimonsguy/fan-controller/db"
	"github.com/thatsimonsguy/fan-controller/internal/cmdexec"
	"github.com/thatsimonsguy/fan-controller/internal/curve"
	"github.com/thatsimonsguy/fan-controller/internal/hardware"
	"github.com/thatsimonsguy/fan-controller/internal/ipmi"
	"github.com/thatsimonsguy/fan-controller/internal/model"
)

func main() {
	DebugCLI()
}

func DebugCLI() {
	var dbPath, command, mode, rule string
	var zone, speed, zones, limit int
	var temp float64
	flag.StringVar(&dbPath, "db", "fan-controller.db", "Path to the SQLite journal")
	flag.StringVar(&command, "cmd", "", "Command to run: get-mode, set-mode, get-zone, set-zone, check-curve, events")
	flag.IntVar(&zone, "zone", 0, "Zone number for zone commands")
	flag.IntVar(&zones, "zones", hardware.DefaultZones, "Number of fan zones on the board")
	flag.StringVar(&mode, "mode", "", "Fan mode: standard, full, optimal, heavyio")
	flag.IntVar(&speed, "speed", 0, "Duty cycle percent for set-zone")
	flag.StringVar(&rule, "curve", "", "Curve rule for check-curve, e.g. gpu0-zone1=60:30,80:100")
	flag.Float64Var(&temp, "temp", -1, "Temperature to evaluate with check-curve")
	flag.IntVar(&limit, "limit", 50, "Number of journal events to print")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of fan-debug:")
		fmt.Println("  -cmd string\tCommand to run: get-mode, set-mode, get-zone, set-zone, check-curve, events")
		fmt.Println("  -zone int\tZone number for zone commands")
		fmt.Println("  -zones int\tNumber of fan zones on the board (default 2)")
		fmt.Println("  -mode string\tFan mode for set-mode")
		fmt.Println("  -speed int\tDuty cycle percent for set-zone")
		fmt.Println("  -curve string\tCurve rule for check-curve")
		fmt.Println("  -temp float\tTemperature to evaluate with check-curve")
		fmt.Println("  -db string\tPath to the SQLite journal (default 'fan-controller.db')")
		fmt.Println("  -limit int\tNumber of journal events to print")
		fmt.Println("  -help\tShow this help message")
		os.Exit(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	board := hardware.NewSupermicro(ipmi.NewClient(cmdexec.Exec{Timeout: 10 * time.Second}), nil, zones)

	var err error
	switch command {
	case "get-mode":
		var m model.Mode
		if m, err = board.GetMode(ctx); err == nil {
			fmt.Printf("Fan mode: %s\n", m)
		}
	case "set-mode":
		var m model.Mode
		if m, err = model.ParseMode(mode); err == nil {
			err = board.SetMode(ctx, m)
		}
	case "get-zone":
		var duty int
		if duty, err = board.GetZoneSpeed(ctx, model.Zone(zone)); err == nil {
			fmt.Printf("%s duty: %d%%\n", model.Zone(zone), duty)
		}
	case "set-zone":
		err = board.SetZoneSpeed(ctx, model.Zone(zone), speed)
	case "check-curve":
		err = checkCurve(rule, temp)
	case "events":
		err = db.PrintEventsCLI(os.Stdout, dbPath, limit)
	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command %s failed: %v\n", command, err)
		os.Exit(1)
	}
	fmt.Printf("Command %s completed successfully\n", command)
}

func checkCurve(rule string, temp float64) error {
	r, err := curve.ParseRule(rule, curve.DefaultDefaults())
	if err != nil {
		return err
	}
	fmt.Printf("Rule: %s\n", r)
	if r.Disabled {
		fmt.Println("Selector is removed from zone arbitration")
		return nil
	}
	for i, bp := range r.Curve.Breakpoints {
		fmt.Printf("  tier %d: >= %.1fC -> %d%% (deadband %.1fC, hold %s)\n", i, bp.Threshold, bp.Speed, bp.TempHysteresis, bp.TimeHysteresis)
	}
	if temp >= 0 {
		speed, tier := r.Curve.Evaluate(temp)
		fmt.Printf("At %.1fC: tier %d, %d%%\n", temp, tier, speed)
	}
	return nil
}

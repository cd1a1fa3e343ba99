package main

import (
	"context"
	"errors"
	"os"
	"syscall"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/fan-controller/db"
	"github.com/thatsimonsguy/fan-controller/internal/cmdexec"
	"github.com/thatsimonsguy/fan-controller/internal/config"
	"github.com/thatsimonsguy/fan-controller/internal/controllers/failsafecontroller"
	"github.com/thatsimonsguy/fan-controller/internal/controllers/fancontroller"
	"github.com/thatsimonsguy/fan-controller/internal/datadog"
	"github.com/thatsimonsguy/fan-controller/internal/env"
	"github.com/thatsimonsguy/fan-controller/internal/hardware"
	"github.com/thatsimonsguy/fan-controller/internal/ipmi"
	"github.com/thatsimonsguy/fan-controller/internal/logging"
	"github.com/thatsimonsguy/fan-controller/internal/mqtt"
	"github.com/thatsimonsguy/fan-controller/internal/notifications"
	"github.com/thatsimonsguy/fan-controller/internal/sensor"
	"github.com/thatsimonsguy/fan-controller/internal/temperature"
	"github.com/thatsimonsguy/fan-controller/system/shutdown"
)

func main() {
	if err := start(); err != nil {
		shutdown.ShutdownWithError(err, "Fan controller failed")
		return
	}
	shutdown.Shutdown()
}

// start runs until a shutdown signal. Deferred cleanup happens before the
// process exits.
func start() error {
	cfg, err := config.LoadWithUsage(os.Args[1:], os.Stderr)
	if err != nil {
		return err
	}
	env.Cfg = cfg

	logCloser, err := logging.Init(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	log.Info().
		Str("config_file", cfg.ConfigFile).
		Dur("interval", cfg.Interval).
		Int("zones", cfg.Zones).
		Msg("Starting fan controller")

	datadog.InitMetrics()
	defer datadog.Close()
	notifications.Init()

	var journal *db.Journal
	if cfg.JournalPath != "" {
		dbConn, err := db.Open(cfg.JournalPath)
		if err != nil {
			log.Error().Err(err).Str("path", cfg.JournalPath).Msg("Journal disabled, could not open database")
		} else {
			defer dbConn.Close()
			journal = db.NewJournal(dbConn, cfg.JournalRetention)
			log.Info().Str("path", cfg.JournalPath).Dur("retention", cfg.JournalRetention).Msg("Journal enabled")
		}
	}

	var publisher *mqtt.Publisher
	if cfg.MQTTBroker != "" {
		publisher, err = mqtt.Connect(cfg.MQTTBroker, cfg.MQTTTopic)
		if err != nil {
			log.Error().Err(err).Str("broker", cfg.MQTTBroker).Msg("MQTT status publishing disabled")
			publisher = nil
		} else {
			defer publisher.Close()
		}
	}

	runner := cmdexec.Exec{Timeout: cfg.ReadTimeout, WaitDelay: cfg.ShutdownGrace}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sensors := sensor.Discover(ctx, runner, sensor.DiscoveryConfig{
		HwmonRoot:    cfg.HwmonRoot,
		SysBlockRoot: cfg.SysBlockRoot,
		DevRoot:      cfg.DevRoot,
		HDDDevices:   cfg.HDDDevices,
		NVMeDevices:  cfg.NVMeDevices,
		GPUSlots:     cfg.GPUSlots,
		IPMISensors:  cfg.IPMISensors,
	})
	temps := temperature.NewService(sensors, cfg.ReadTimeout)
	board := hardware.NewSupermicro(ipmi.NewClient(runner), temps, cfg.Zones)

	for _, d := range board.Devices() {
		log.Info().Str("device", string(d.ID)).Str("kind", string(d.Kind)).Msg("Detected device")
	}
	for _, s := range sensors {
		log.Info().Str("sensor", s.Name()).Int("devices", len(s.Devices())).Msg("Sensor source")
	}

	assignments, err := fancontroller.BuildAssignments(board.Devices(), cfg.Rules, fancontroller.Options{
		Zones:      board.Zones(),
		KindCurves: cfg.KindCurves,
		KindZones:  cfg.KindZones,
	})
	if err != nil {
		return err
	}
	fancontroller.LogAssignments(assignments, cfg.Required)

	var notifier failsafecontroller.Notifier
	if notifications.Enabled() {
		notifier = notifications.Notifier{}
	}
	var policyJournal failsafecontroller.Journal
	if journal != nil {
		policyJournal = journal
	}
	policy := failsafecontroller.NewPolicy(board, notifier, policyJournal)

	controller := fancontroller.New(board, policy, assignments, cfg.Required, cfg.Interval)
	if journal != nil {
		controller.Journal = journal
	}
	if publisher != nil {
		controller.Publisher = publisher
	}

	var g run.Group
	{
		loopCtx, loopCancel := context.WithCancel(ctx)
		g.Add(func() error {
			return controller.Run(loopCtx)
		}, func(error) {
			loopCancel()
		})
	}
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		log.Info().Str("signal", sig.Signal.String()).Msg("Received shutdown signal")
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

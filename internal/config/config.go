package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/thatsimonsguy/fan-controller/internal/curve"
	"github.com/thatsimonsguy/fan-controller/internal/fault"
	"github.com/thatsimonsguy/fan-controller/internal/model"
)

const MaxZones = 8

// DefaultCurves apply to every kind with no matching --curve rule.
var DefaultCurves = map[model.Kind]string{
	model.KindCPU:  "40:25,50:35,60:50,70:70,80:100",
	model.KindGPU:  "40:25,50:35,60:50,70:75,80:100",
	model.KindRAM:  "45:25,55:40,65:60,75:100",
	model.KindHDD:  "35:25,40:35,45:50,50:75,55:100",
	model.KindNVMe: "45:25,55:40,65:60,75:100",
	model.KindBMC:  "40:25,50:40,60:60,70:100",
}

type Config struct {
	ConfigFile string
	LogLevel   zerolog.Level
	LogFile    string

	Interval      time.Duration
	ReadTimeout   time.Duration
	ShutdownGrace time.Duration
	Zones         int

	CurveDefaults curve.Defaults
	Rules         []curve.Rule
	KindCurves    map[model.Kind]curve.Curve
	KindZones     map[model.Kind][]model.Zone
	Required      []curve.Selector

	GPUSlots     int
	HDDDevices   []string
	NVMeDevices  []string
	HwmonRoot    string
	SysBlockRoot string
	DevRoot      string
	IPMISensors  map[string]model.DeviceID

	EnableDatadog bool
	DDAgentAddr   string
	DDNamespace   string
	DDTags        []string

	NtfyTopic  string
	NtfyServer string

	JournalPath      string
	JournalRetention time.Duration

	MQTTBroker string
	MQTTTopic  string
}

// ZoneList returns zone0..zoneN-1.
func (c *Config) ZoneList() []model.Zone {
	zs := make([]model.Zone, c.Zones)
	for i := range zs {
		zs[i] = model.Zone(i)
	}
	return zs
}

// raw holds values as they appear on the command line and in the file.
type raw struct {
	ConfigFile     string   `yaml:"-"`
	LogLevel       string   `yaml:"log_level"`
	LogFile        string   `yaml:"log_file"`
	Interval       string   `yaml:"interval"`
	ReadTimeout    string   `yaml:"read_timeout"`
	ShutdownGrace  string   `yaml:"shutdown_grace"`
	MinSpeed       int      `yaml:"min_speed"`
	TempHysteresis float64  `yaml:"temp_hysteresis"`
	TimeHysteresis string   `yaml:"time_hysteresis"`
	Zones          int      `yaml:"zones"`
	Curves         []string `yaml:"curves"`
	Required       []string `yaml:"required"`
	GPUSlots       int      `yaml:"gpu_slots"`
	HDDDevices     []string `yaml:"hdd_devices"`
	NVMeDevices    []string `yaml:"nvme_devices"`
	HwmonRoot      string   `yaml:"hwmon_root"`
	SysBlockRoot   string   `yaml:"sysblock_root"`
	DevRoot        string   `yaml:"dev_root"`

	IPMISensors map[string]string `yaml:"ipmi_sensors"`
	KindZones   map[string][]int  `yaml:"kind_zones"`

	Datadog          bool     `yaml:"datadog"`
	DDAgentAddr      string   `yaml:"dd_agent_addr"`
	DDNamespace      string   `yaml:"dd_namespace"`
	DDTags           []string `yaml:"dd_tags"`
	NtfyTopic        string   `yaml:"ntfy_topic"`
	NtfyServer       string   `yaml:"ntfy_server"`
	Journal          string   `yaml:"journal"`
	JournalRetention string   `yaml:"journal_retention"`
	MQTTBroker       string   `yaml:"mqtt_broker"`
	MQTTTopic        string   `yaml:"mqtt_topic"`
}

// Load parses args (without the program name), merges the optional YAML
// file and validates the result. Flags set on the command line win over
// the file; the file wins over defaults. All failures wrap fault.ErrConfig.
func Load(args []string) (*Config, error) {
	return load(args, io.Discard)
}

// LoadWithUsage is Load but prints flag usage to w on parse errors.
func LoadWithUsage(args []string, w io.Writer) (*Config, error) {
	return load(args, w)
}

func load(args []string, usage io.Writer) (*Config, error) {
	var r raw
	fs := flag.NewFlagSet("fan-controller", flag.ContinueOnError)
	fs.SetOutput(usage)

	fs.StringVar(&r.ConfigFile, "config-file", "", "Optional YAML config file")
	fs.StringVar(&r.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&r.LogFile, "log-file", "", "Log file path (stderr when empty)")
	fs.StringVar(&r.Interval, "interval", "5s", "Poll interval")
	fs.StringVar(&r.ReadTimeout, "read-timeout", "5s", "Timeout for a single sensor read")
	fs.StringVar(&r.ShutdownGrace, "shutdown-grace", "2s", "Grace period for in-flight reads on shutdown")
	fs.IntVar(&r.MinSpeed, "min-speed", curve.MinFloor, "Minimum fan duty (%)")
	fs.Float64Var(&r.TempHysteresis, "temp-hysteresis", 3, "Default temperature deadband (C)")
	fs.StringVar(&r.TimeHysteresis, "time-hysteresis", "30s", "Default minimum hold before a decrease")
	fs.IntVar(&r.Zones, "zones", 2, "Number of fan zones")
	fs.Var((*listFlag)(&r.Curves), "curve", "Curve rule SELECTOR=T:S[:TH[:TIME]],... (repeatable)")
	fs.Var((*csvFlag)(&r.Required), "required", "Comma-separated selectors whose failure forces fail-safe (default cpu,gpu)")
	fs.IntVar(&r.GPUSlots, "gpu-slots", 5, "Number of PCIe GPU slots for the IPMI fallback")
	fs.Var((*csvFlag)(&r.HDDDevices), "hdd-devices", "Comma-separated HDD paths (auto-detect when empty)")
	fs.Var((*csvFlag)(&r.NVMeDevices), "nvme-devices", "Comma-separated NVMe paths (auto-detect when empty)")
	fs.StringVar(&r.HwmonRoot, "hwmon-root", "/sys/class/hwmon", "hwmon sysfs root")
	fs.StringVar(&r.SysBlockRoot, "sysblock-root", "/sys/block", "Block device sysfs root")
	fs.StringVar(&r.DevRoot, "dev-root", "/dev", "Device node root")
	fs.BoolVar(&r.Datadog, "datadog", false, "Emit DogStatsD metrics")
	fs.StringVar(&r.DDAgentAddr, "dd-agent-addr", "127.0.0.1:8125", "DogStatsD address")
	fs.StringVar(&r.DDNamespace, "dd-namespace", "fan_controller.", "Metric namespace")
	fs.Var((*csvFlag)(&r.DDTags), "dd-tags", "Comma-separated global metric tags")
	fs.StringVar(&r.NtfyTopic, "ntfy-topic", "", "ntfy topic for fail-safe notifications")
	fs.StringVar(&r.NtfyServer, "ntfy-server", "https://ntfy.sh", "ntfy server")
	fs.StringVar(&r.Journal, "journal", "", "SQLite journal path (disabled when empty)")
	fs.StringVar(&r.JournalRetention, "journal-retention", "24h", "How long journal events are kept")
	fs.StringVar(&r.MQTTBroker, "mqtt-broker", "", "MQTT broker URL for status publishing (disabled when empty)")
	fs.StringVar(&r.MQTTTopic, "mqtt-topic", "fan-controller", "MQTT topic prefix")

	if err := fs.Parse(args); err != nil {
		return nil, fault.Config("%v", err)
	}
	if fs.NArg() > 0 {
		return nil, fault.Config("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if r.ConfigFile != "" {
		if err := mergeFile(&r, r.ConfigFile, set); err != nil {
			return nil, err
		}
	}
	if len(r.Required) == 0 && !set["required"] {
		r.Required = []string{"cpu", "gpu"}
	}

	return r.build()
}

func mergeFile(r *raw, path string, set map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fault.Config("read config file: %v", err)
	}
	var f raw
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return fault.Config("parse config file %s: %v", path, err)
	}

	str := func(name string, dst *string, v string) {
		if v != "" && !set[name] {
			*dst = v
		}
	}
	list := func(name string, dst *[]string, v []string) {
		if len(v) > 0 && !set[name] {
			*dst = v
		}
	}
	num := func(name string, dst *int, v int) {
		if v != 0 && !set[name] {
			*dst = v
		}
	}

	str("log-level", &r.LogLevel, f.LogLevel)
	str("log-file", &r.LogFile, f.LogFile)
	str("interval", &r.Interval, f.Interval)
	str("read-timeout", &r.ReadTimeout, f.ReadTimeout)
	str("shutdown-grace", &r.ShutdownGrace, f.ShutdownGrace)
	num("min-speed", &r.MinSpeed, f.MinSpeed)
	if f.TempHysteresis != 0 && !set["temp-hysteresis"] {
		r.TempHysteresis = f.TempHysteresis
	}
	str("time-hysteresis", &r.TimeHysteresis, f.TimeHysteresis)
	num("zones", &r.Zones, f.Zones)
	list("curve", &r.Curves, f.Curves)
	list("required", &r.Required, f.Required)
	num("gpu-slots", &r.GPUSlots, f.GPUSlots)
	list("hdd-devices", &r.HDDDevices, f.HDDDevices)
	list("nvme-devices", &r.NVMeDevices, f.NVMeDevices)
	str("hwmon-root", &r.HwmonRoot, f.HwmonRoot)
	str("sysblock-root", &r.SysBlockRoot, f.SysBlockRoot)
	str("dev-root", &r.DevRoot, f.DevRoot)
	if f.Datadog && !set["datadog"] {
		r.Datadog = true
	}
	str("dd-agent-addr", &r.DDAgentAddr, f.DDAgentAddr)
	str("dd-namespace", &r.DDNamespace, f.DDNamespace)
	list("dd-tags", &r.DDTags, f.DDTags)
	str("ntfy-topic", &r.NtfyTopic, f.NtfyTopic)
	str("ntfy-server", &r.NtfyServer, f.NtfyServer)
	str("journal", &r.Journal, f.Journal)
	str("journal-retention", &r.JournalRetention, f.JournalRetention)
	str("mqtt-broker", &r.MQTTBroker, f.MQTTBroker)
	str("mqtt-topic", &r.MQTTTopic, f.MQTTTopic)

	r.IPMISensors = f.IPMISensors
	r.KindZones = f.KindZones
	return nil
}

func (r *raw) build() (*Config, error) {
	cfg := &Config{
		ConfigFile:    r.ConfigFile,
		LogFile:       r.LogFile,
		Zones:         r.Zones,
		GPUSlots:      r.GPUSlots,
		HDDDevices:    r.HDDDevices,
		NVMeDevices:   r.NVMeDevices,
		HwmonRoot:     r.HwmonRoot,
		SysBlockRoot:  r.SysBlockRoot,
		DevRoot:       r.DevRoot,
		EnableDatadog: r.Datadog,
		DDAgentAddr:   r.DDAgentAddr,
		DDNamespace:   r.DDNamespace,
		DDTags:        r.DDTags,
		NtfyTopic:     r.NtfyTopic,
		NtfyServer:    r.NtfyServer,
		JournalPath:   r.Journal,
		MQTTBroker:    r.MQTTBroker,
		MQTTTopic:     r.MQTTTopic,
	}

	var err error
	if cfg.LogLevel, err = parseLogLevel(r.LogLevel); err != nil {
		return nil, err
	}
	if cfg.Interval, err = parsePositive("interval", r.Interval); err != nil {
		return nil, err
	}
	if cfg.ReadTimeout, err = parsePositive("read-timeout", r.ReadTimeout); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace, err = time.ParseDuration(r.ShutdownGrace); err != nil || cfg.ShutdownGrace < 0 {
		return nil, fault.Config("shutdown-grace %q is not a non-negative duration", r.ShutdownGrace)
	}
	if cfg.JournalRetention, err = parsePositive("journal-retention", r.JournalRetention); err != nil {
		return nil, err
	}
	timeHyst, err := time.ParseDuration(r.TimeHysteresis)
	if err != nil || timeHyst < 0 {
		return nil, fault.Config("time-hysteresis %q is not a non-negative duration", r.TimeHysteresis)
	}

	if r.MinSpeed < curve.MinFloor || r.MinSpeed > curve.MaxSpeed {
		return nil, fault.Config("min-speed %d outside [%d, %d]", r.MinSpeed, curve.MinFloor, curve.MaxSpeed)
	}
	if r.TempHysteresis < 0 {
		return nil, fault.Config("temp-hysteresis must not be negative")
	}
	if cfg.Zones < 1 || cfg.Zones > MaxZones {
		return nil, fault.Config("zones %d outside [1, %d]", cfg.Zones, MaxZones)
	}
	if cfg.GPUSlots < 0 {
		return nil, fault.Config("gpu-slots must not be negative")
	}
	cfg.CurveDefaults = curve.Defaults{
		TempHysteresis: r.TempHysteresis,
		TimeHysteresis: timeHyst,
		Floor:          r.MinSpeed,
	}

	for _, s := range r.Curves {
		rule, err := curve.ParseRule(s, cfg.CurveDefaults)
		if err != nil {
			return nil, err
		}
		if rule.Selector.Zone != curve.Any && rule.Selector.Zone >= cfg.Zones {
			return nil, fault.Config("curve rule %q: board has %d zones", s, cfg.Zones)
		}
		cfg.Rules = append(cfg.Rules, rule)
	}

	for _, s := range r.Required {
		sel, err := curve.ParseSelector(s)
		if err != nil {
			return nil, err
		}
		if sel.Zone != curve.Any {
			return nil, fault.Config("required %q: a device failure affects every zone, drop the zone part", s)
		}
		cfg.Required = append(cfg.Required, sel)
	}

	if cfg.KindCurves, err = defaultKindCurves(cfg.CurveDefaults); err != nil {
		return nil, err
	}

	if cfg.KindZones, err = parseKindZones(r.KindZones, cfg.Zones); err != nil {
		return nil, err
	}

	if len(r.IPMISensors) > 0 {
		cfg.IPMISensors = make(map[string]model.DeviceID, len(r.IPMISensors))
		for name, id := range r.IPMISensors {
			if _, err := model.ParseDeviceID(id); err != nil {
				return nil, fault.Config("ipmi_sensors %q: %v", name, err)
			}
			cfg.IPMISensors[name] = model.DeviceID(id)
		}
	}

	return cfg, nil
}

// defaultKindCurves parses DefaultCurves with the process defaults, raising
// any speed below the configured floor.
func defaultKindCurves(d curve.Defaults) (map[model.Kind]curve.Curve, error) {
	out := make(map[model.Kind]curve.Curve, len(DefaultCurves))
	for kind, s := range DefaultCurves {
		lifted, err := liftSpeeds(s, d.Floor)
		if err != nil {
			return nil, fmt.Errorf("default %s curve: %w", kind, err)
		}
		c, err := curve.Parse(lifted, d)
		if err != nil {
			return nil, fmt.Errorf("default %s curve: %w", kind, err)
		}
		out[kind] = c
	}
	return out, nil
}

func liftSpeeds(s string, floor int) (string, error) {
	parts := strings.Split(s, ",")
	for i, p := range parts {
		temp, speed, _ := strings.Cut(p, ":")
		n, err := strconv.Atoi(speed)
		if err != nil {
			return "", fault.Config("breakpoint %d: speed %q: %v", i, speed, err)
		}
		if n < floor {
			n = floor
		}
		parts[i] = fmt.Sprintf("%s:%d", temp, n)
	}
	return strings.Join(parts, ","), nil
}

func parseKindZones(in map[string][]int, zones int) (map[model.Kind][]model.Zone, error) {
	out := make(map[model.Kind][]model.Zone)
	for name, list := range in {
		kind, err := model.ParseKind(strings.ToLower(name))
		if err != nil {
			return nil, fault.Config("kind_zones: %v", err)
		}
		if len(list) == 0 {
			return nil, fault.Config("kind_zones %s: empty zone list", name)
		}
		zs := make([]model.Zone, 0, len(list))
		for _, z := range list {
			if z < 0 || z >= zones {
				return nil, fault.Config("kind_zones %s: zone %d outside [0, %d)", name, z, zones)
			}
			zs = append(zs, model.Zone(z))
		}
		sort.Slice(zs, func(i, j int) bool { return zs[i] < zs[j] })
		out[kind] = zs
	}
	return out, nil
}

func parsePositive(name, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fault.Config("%s %q is not a positive duration", name, v)
	}
	return d, nil
}

func parseLogLevel(level string) (zerolog.Level, error) {
	switch level {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	}
	return zerolog.NoLevel, fault.Config("log-level %q: want debug, info, warn or error", level)
}

// listFlag collects a repeatable flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, " ") }
func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// csvFlag is a comma-separated list; repeating the flag appends.
type csvFlag []string

func (c *csvFlag) String() string { return strings.Join(*c, ",") }
func (c *csvFlag) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			*c = append(*c, p)
		}
	}
	return nil
}

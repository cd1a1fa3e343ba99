package model

import (
	"fmt"
	"strconv"
	"time"
)

// Kind classifies a thermal source independent of the sensor backing it.
type Kind string

const (
	KindCPU  Kind = "cpu"
	KindGPU  Kind = "gpu"
	KindRAM  Kind = "ram"
	KindHDD  Kind = "hdd"
	KindNVMe Kind = "nvme"
	KindBMC  Kind = "bmc"
)

// Kinds lists every known kind in reporting order.
var Kinds = []Kind{KindCPU, KindGPU, KindRAM, KindHDD, KindNVMe, KindBMC}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown device kind %q", s)
}

// DeviceID is kind followed by instance index, e.g. "gpu1".
type DeviceID string

type LogicalDevice struct {
	ID    DeviceID
	Kind  Kind
	Index int
}

func NewDevice(kind Kind, index int) LogicalDevice {
	return LogicalDevice{
		ID:    DeviceID(string(kind) + strconv.Itoa(index)),
		Kind:  kind,
		Index: index,
	}
}

// ParseDeviceID splits "gpu1" into its kind and index.
func ParseDeviceID(s string) (LogicalDevice, error) {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if i == len(s) {
		return LogicalDevice{}, fmt.Errorf("device id %q has no instance index", s)
	}
	kind, err := ParseKind(s[:i])
	if err != nil {
		return LogicalDevice{}, err
	}
	index, err := strconv.Atoi(s[i:])
	if err != nil {
		return LogicalDevice{}, fmt.Errorf("device id %q: %w", s, err)
	}
	return NewDevice(kind, index), nil
}

// Zone is an independently commandable group of fan headers.
type Zone int

func (z Zone) String() string {
	return "zone" + strconv.Itoa(int(z))
}

// Mode is the board fan operating mode.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeFull     Mode = "full"
	ModeOptimal  Mode = "optimal"
	ModeHeavyIO  Mode = "heavyio"
)

var modeCodes = map[Mode]byte{
	ModeStandard: 0x00,
	ModeFull:     0x01,
	ModeOptimal:  0x02,
	ModeHeavyIO:  0x04,
}

func (m Mode) Code() (byte, bool) {
	c, ok := modeCodes[m]
	return c, ok
}

func ModeFromCode(code byte) (Mode, error) {
	for m, c := range modeCodes {
		if c == code {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown fan mode code 0x%02x", code)
}

func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if _, ok := modeCodes[m]; !ok {
		return "", fmt.Errorf("unknown fan mode %q", s)
	}
	return m, nil
}

// Reading is one device temperature for one poll. Err is set when the
// device produced no usable value this cycle.
type Reading struct {
	Device    DeviceID
	Celsius   float64
	Source    string
	Err       error
	Timestamp time.Time
}

func (r Reading) OK() bool {
	return r.Err == nil
}

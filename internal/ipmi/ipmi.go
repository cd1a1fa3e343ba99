// Package ipmi wraps the ipmitool binary: raw management-controller
// commands and the `ipmitool sensor` table.
package ipmi

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/thatsimonsguy/fan-controller/internal/cmdexec"
)

const Binary = "ipmitool"

// SensorRow is one parsed line of `ipmitool sensor`.
type SensorRow struct {
	Name   string
	Value  float64
	Unit   string // e.g. "degrees C", "RPM"
	Status string // e.g. "ok", "na", "cr"
	Valid  bool   // false when the reading column is "na" or not numeric
}

func (r SensorRow) IsTemperature() bool {
	return strings.EqualFold(r.Unit, "degrees C")
}

type Client struct {
	Runner cmdexec.Runner
}

func NewClient(r cmdexec.Runner) *Client {
	return &Client{Runner: r}
}

// Raw issues `ipmitool raw` with the given bytes and returns the response
// bytes.
func (c *Client) Raw(ctx context.Context, data ...byte) ([]byte, error) {
	args := make([]string, 0, len(data)+1)
	args = append(args, "raw")
	for _, b := range data {
		args = append(args, fmt.Sprintf("0x%02x", b))
	}
	out, err := c.Runner.Run(ctx, Binary, args...)
	if err != nil {
		return nil, fmt.Errorf("ipmitool %s: %w", strings.Join(args, " "), err)
	}
	resp, err := ParseRawOutput(out)
	if err != nil {
		return nil, fmt.Errorf("ipmitool %s: %w", strings.Join(args, " "), err)
	}
	return resp, nil
}

// Sensors returns the `ipmitool sensor` table keyed by sensor name.
func (c *Client) Sensors(ctx context.Context) (map[string]SensorRow, error) {
	out, err := c.Runner.Run(ctx, Binary, "sensor")
	if err != nil {
		return nil, fmt.Errorf("failed to execute ipmitool sensor: %w", err)
	}
	rows, err := ParseSensorTable(strings.NewReader(out))
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ParseRawOutput parses the whitespace-separated hex bytes ipmitool prints
// for a raw response, e.g. " 01" or " 32 00".
func ParseRawOutput(out string) ([]byte, error) {
	fields := strings.Fields(out)
	resp := make([]byte, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(f), "0x"), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("unexpected raw response %q", strings.TrimSpace(out))
		}
		resp = append(resp, byte(v))
	}
	return resp, nil
}

var sensorLineRegex = regexp.MustCompile(`^([^|]+?)\s*\|\s*([^|]*?)\s*\|\s*([^|]*?)\s*\|\s*([^|]*?)\s*(\||$)`)

// ParseSensorTable parses `ipmitool sensor` output. Lines that are not
// pipe-separated rows are skipped. When a name repeats the last row wins.
func ParseSensorTable(r io.Reader) (map[string]SensorRow, error) {
	result := make(map[string]SensorRow)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		matches := sensorLineRegex.FindStringSubmatch(scanner.Text())
		if len(matches) != 6 {
			continue
		}

		row := SensorRow{
			Name:   strings.TrimSpace(matches[1]),
			Unit:   matches[3],
			Status: matches[4],
		}
		if v, err := strconv.ParseFloat(matches[2], 64); err == nil {
			row.Value = v
			row.Valid = true
		}
		result[row.Name] = row
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning ipmitool sensor output: %w", err)
	}
	return result, nil
}

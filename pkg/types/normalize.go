package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Peers report telemetry in one of two historical field-naming conventions:
// older builds emit snake_case ("total_usage"), newer builds camelCase
// ("totalUsage"). Normalize accepts either, preferring the camelCase value
// when both are present, and emits the canonical Snapshot shape.

// NormalizeSnapshot parses a raw peer telemetry payload into the canonical
// Snapshot form. The raw shape never propagates past this function.
func NormalizeSnapshot(data []byte) (*Snapshot, error) {
	var raw rawSnapshot
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing snapshot payload: %w", err)
	}

	snap := &Snapshot{
		Applications: make(map[string]AppUsage, len(raw.Applications)),
		Plugins:      make(map[string]map[string]PluginUsage, len(raw.Plugins)),
		Timestamp:    raw.Timestamp.Time(),
	}

	for name, u := range raw.Applications {
		snap.Applications[name] = AppUsage{
			TotalUsage:  pickFloat(u.TotalUsageCamel, u.TotalUsageSnake),
			LastUsed:    pickTime(u.LastUsedCamel, u.LastUsedSnake),
			Sessions:    u.Sessions,
			MonthlyCost: pickFloat(u.MonthlyCostCamel, u.MonthlyCostSnake, u.Cost),
		}
	}

	for vendor, products := range raw.Plugins {
		out := make(map[string]PluginUsage, len(products))
		for product, u := range products {
			out[product] = PluginUsage{
				TotalUsage:  pickFloat(u.TotalUsageCamel, u.TotalUsageSnake),
				LastUsed:    pickTime(u.LastUsedCamel, u.LastUsedSnake),
				MonthlyCost: pickFloat(u.MonthlyCostCamel, u.MonthlyCostSnake, u.Cost),
			}
		}
		snap.Plugins[vendor] = out
	}

	if sys := pickSystem(raw.SystemCamel, raw.SystemSnake); sys != nil {
		snap.System = SystemInfo{
			Hostname:          sys.Hostname,
			Platform:          sys.Platform,
			OS:                sys.OS,
			UptimeSeconds:     uint64(pickFloat(sys.UptimeCamel, sys.UptimeSnake)),
			MemoryUsedPercent: pickFloat(sys.MemoryCamel, sys.MemorySnake),
		}
	}

	return snap, nil
}

type rawSnapshot struct {
	Applications map[string]rawUsage            `json:"applications"`
	Plugins      map[string]map[string]rawUsage `json:"plugins"`
	SystemCamel  *rawSystem                     `json:"systemInfo"`
	SystemSnake  *rawSystem                     `json:"system_info"`
	Timestamp    flexTime                       `json:"timestamp"`
}

type rawUsage struct {
	TotalUsageCamel  *float64  `json:"totalUsage"`
	TotalUsageSnake  *float64  `json:"total_usage"`
	LastUsedCamel    *flexTime `json:"lastUsed"`
	LastUsedSnake    *flexTime `json:"last_used"`
	Sessions         int       `json:"sessions"`
	MonthlyCostCamel *float64  `json:"monthlyCost"`
	MonthlyCostSnake *float64  `json:"monthly_cost"`
	Cost             *float64  `json:"cost"`
}

type rawSystem struct {
	Hostname    string   `json:"hostname"`
	Platform    string   `json:"platform"`
	OS          string   `json:"os"`
	UptimeCamel *float64 `json:"uptimeSeconds"`
	UptimeSnake *float64 `json:"uptime_seconds"`
	MemoryCamel *float64 `json:"memoryUsedPercent"`
	MemorySnake *float64 `json:"memory_used_percent"`
}

// pickFloat returns the first non-nil candidate. Candidates are ordered
// camelCase first, so newer-convention fields win.
func pickFloat(candidates ...*float64) float64 {
	for _, c := range candidates {
		if c != nil {
			return *c
		}
	}
	return 0
}

func pickTime(candidates ...*flexTime) time.Time {
	for _, c := range candidates {
		if c != nil && !c.Time().IsZero() {
			return c.Time()
		}
	}
	return time.Time{}
}

func pickSystem(camel, snake *rawSystem) *rawSystem {
	if camel != nil {
		return camel
	}
	return snake
}

// flexTime accepts timestamps as RFC3339 strings, epoch seconds, or epoch
// milliseconds. Older peers emit epoch millis; newer ones RFC3339.
type flexTime struct {
	t time.Time
}

func (f *flexTime) Time() time.Time { return f.t }

func (f *flexTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		return nil
	}

	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339, str)
		if err != nil {
			return fmt.Errorf("parsing timestamp %q: %w", str, err)
		}
		f.t = t
		return nil
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parsing timestamp %s: %w", s, err)
	}
	// Heuristic: values past the year 33658 in seconds are millis.
	if n > 1e12 {
		f.t = time.UnixMilli(int64(n)).UTC()
	} else {
		f.t = time.Unix(int64(n), 0).UTC()
	}
	return nil
}

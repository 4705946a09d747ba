// Package device models smart-home entities and converts the loosely typed
// registry the hub broadcasts into the canonical DeviceState view.
package device

import (
	"encoding/json"
	"fmt"
	"sort"
)

// DeviceState is the canonical view of a device consumed by user interfaces.
// Optional fields are nil when the device does not report them.
type DeviceState struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        Type     `json:"type"`
	IsOnline    bool     `json:"isOnline"`
	IsOn        bool     `json:"isOn"`
	Mode        *string  `json:"mode,omitempty"`
	Brightness  *float64 `json:"brightness,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Color       *Color   `json:"color,omitempty"`
	Power       *float64 `json:"power,omitempty"`
	Energy      *float64 `json:"energy,omitempty"`
}

// Report summarises what Normalize had to skip
type Report struct {
	Skipped   int
	Malformed map[string]error
}

// Normalize maps a raw registry into one DeviceState per well-formed entry.
// Entries with an empty key or a status that does not parse are skipped and
// reported. The result is sorted by id.
func Normalize(registry map[string]RawDevice) ([]DeviceState, Report) {
	states := make([]DeviceState, 0, len(registry))
	report := Report{}

	for key, raw := range registry {
		state, err := NormalizeOne(key, raw)
		if err != nil {
			if report.Malformed == nil {
				report.Malformed = make(map[string]error)
			}
			report.Malformed[key] = err
			report.Skipped++
			continue
		}
		states = append(states, state)
	}

	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states, report
}

// NormalizeOne converts a single registry entry
func NormalizeOne(key string, raw RawDevice) (DeviceState, error) {
	id := raw.ID
	if id == "" {
		id = key
	}
	if id == "" {
		return DeviceState{}, fmt.Errorf("%w: entry without id", ErrMalformedStatus)
	}

	status, err := ParseStatus(raw.Status)
	if err != nil {
		return DeviceState{}, err
	}

	return FromStatus(id, raw.Name, raw.Type, status), nil
}

// FromStatus builds the canonical state from an already typed status
func FromStatus(id string, name string, deviceType Type, status Status) DeviceState {
	state := DeviceState{
		ID:          id,
		Name:        name,
		Type:        deviceType,
		IsOnline:    status.Online != nil && *status.Online,
		IsOn:        status.IsOn(),
		Mode:        status.Mode,
		Brightness:  status.Brightness,
		Temperature: status.Temperature,
		Color:       status.Color,
	}
	if status.Metering != nil {
		state.Power = status.Metering.Power
		state.Energy = status.Metering.Energy
	}
	return state
}

// DecodeRegistry decodes a {"id": RawDevice} object entry by entry. Entries that
// do not decode are returned in the malformed map instead of failing the batch.
func DecodeRegistry(data json.RawMessage) (map[string]RawDevice, map[string]error, error) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, nil, fmt.Errorf("decode registry: %w", err)
	}

	registry := make(map[string]RawDevice, len(entries))
	var malformed map[string]error
	for key, entry := range entries {
		var raw RawDevice
		if err := json.Unmarshal(entry, &raw); err != nil {
			if malformed == nil {
				malformed = make(map[string]error)
			}
			malformed[key] = err
			continue
		}
		registry[key] = raw
	}
	return registry, malformed, nil
}

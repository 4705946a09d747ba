package driver

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/helto4real/go-homelab/device"
)

// DefaultTopicPrefix is the root topic Shelly devices publish under
const DefaultTopicPrefix = "shellies"

const manufacturerShelly = "shelly"

// Publish is one mqtt message to send
type Publish struct {
	Topic   string
	Payload []byte
}

// Event is a decoded mqtt message. Either Announce is set or DeviceID and
// Status are.
type Event struct {
	Announce *device.Discovered
	DeviceID string
	Status   map[string]interface{}
}

type announcePayload struct {
	ID       string `json:"id"`
	Model    string `json:"model"`
	MAC      string `json:"mac"`
	IP       string `json:"ip"`
	Firmware string `json:"fw_ver"`
}

// Commands maps a desired change to the Shelly color channel topics. Mode and
// levels go to <prefix>/<id>/color/0/set as json, power to .../command as on/off.
func Commands(prefix string, id string, d device.Desired) ([]Publish, error) {
	base := prefix + "/" + id + "/color/0"
	var out []Publish

	set := map[string]interface{}{}
	if d.Mode != nil {
		set[device.KeyMode] = *d.Mode
	}
	if d.Color != nil {
		set[device.KeyRed] = d.Color.Red
		set[device.KeyGreen] = d.Color.Green
		set[device.KeyBlue] = d.Color.Blue
	}
	if d.Brightness != nil {
		set[device.KeyBrightness] = *d.Brightness
	}
	if d.Temperature != nil {
		set[device.KeyTemperature] = *d.Temperature
	}
	if len(set) > 0 {
		set["gain"] = 100
		payload, err := json.Marshal(set)
		if err != nil {
			return nil, err
		}
		out = append(out, Publish{Topic: base + "/set", Payload: payload})
	}

	if d.On != nil {
		payload := "off"
		if *d.On {
			payload = "on"
		}
		out = append(out, Publish{Topic: base + "/command", Payload: []byte(payload)})
	}
	return out, nil
}

// ParseMessage decodes a message received under prefix. The second return
// value is false for topics that carry nothing for the registry.
func ParseMessage(prefix string, topic string, payload []byte) (Event, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[0] != prefix {
		return Event{}, false
	}

	last := parts[len(parts)-1]
	if last == "announce" {
		var a announcePayload
		if err := json.Unmarshal(payload, &a); err != nil || a.ID == "" {
			log.Debugf("Ignoring announce on %s: %s", topic, string(payload))
			return Event{}, false
		}
		return Event{Announce: &device.Discovered{
			ID:           a.ID,
			Name:         a.ID,
			Type:         typeForModel(a.Model),
			Manufacturer: manufacturerShelly,
			Model:        a.Model,
			IP:           a.IP,
			MAC:          a.MAC,
			Firmware:     a.Firmware}}, true
	}

	// <prefix>/<id>/<key...>
	if len(parts) < 3 || parts[1] == "" || last == "set" {
		return Event{}, false
	}
	id := parts[1]

	var value interface{}
	if err := json.Unmarshal(payload, &value); err != nil {
		value = textValue(string(payload))
	}
	if bag, ok := value.(map[string]interface{}); ok {
		return Event{DeviceID: id, Status: bag}, true
	}
	return Event{DeviceID: id, Status: map[string]interface{}{statusKey(parts[2:]): value}}, true
}

// statusKey names a single value topic. The bare channel topic (color/0,
// relay/0, light/0) carries the power state.
func statusKey(path []string) string {
	last := path[len(path)-1]
	if len(path) >= 2 {
		if _, err := strconv.Atoi(last); err == nil {
			switch path[len(path)-2] {
			case "color", "relay", "light", "white":
				return device.KeyIsOn
			}
		}
	}
	return last
}

func textValue(s string) interface{} {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true":
		return true
	case "off", "false":
		return false
	}
	return s
}

func typeForModel(model string) device.Type {
	for _, p := range []string{"SHCB", "SHRGBW", "SHBDUO", "SHBLB", "SHVIN"} {
		if strings.HasPrefix(model, p) {
			return device.TypeLight
		}
	}
	return device.TypePlug
}

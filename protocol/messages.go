package protocol

import (
	"encoding/json"

	"github.com/helto4real/go-homelab/device"
)

// CommandKind names a command on the channel
type CommandKind string

const (
	TurnOnMultiple      CommandKind = "turn_on_multiple"
	TurnOffMultiple     CommandKind = "turn_off_multiple"
	SetWhiteMode        CommandKind = "set_white_mode"
	SetColorMode        CommandKind = "set_color_mode"
	GetAllData          CommandKind = "get_all_data"
	TurnOn              CommandKind = "turn_on"
	TurnOff             CommandKind = "turn_off"
	SetColor            CommandKind = "set_color"
	SetWhiteBrightness  CommandKind = "set_white_brightness"
	SetWhiteTemperature CommandKind = "set_white_temperature"

	// StateEcho is only ever sent by the hub
	StateEcho CommandKind = "state"
)

var commandKinds = map[CommandKind]bool{
	TurnOnMultiple: true, TurnOffMultiple: true, SetWhiteMode: true, SetColorMode: true,
	GetAllData: true, TurnOn: true, TurnOff: true, SetColor: true, SetWhiteBrightness: true,
	SetWhiteTemperature: true,
}

// Valid returns true for kinds a client may send
func (k CommandKind) Valid() bool { return commandKinds[k] }

// TargetsDevices returns true when the command needs a non-empty device_ids list
func (k CommandKind) TargetsDevices() bool { return k.Valid() && k != GetAllData }

// MessageType is the explicit discriminant carried by every hub frame
type MessageType string

const (
	TypeSnapshot   MessageType = "snapshot"
	TypeRooms      MessageType = "rooms"
	TypeNewDevices MessageType = "new_devices"
	TypeState      MessageType = "state"
	TypeResponse   MessageType = "response"
	TypeCommand    MessageType = "command"
)

// Response statuses
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Message is one decoded frame
type Message interface {
	Type() MessageType
}

// IDList is a list of device ids. On decode a single string is accepted as a
// one element list.
type IDList []string

// UnmarshalJSON accepts both "id" and ["id", ...]
func (l *IDList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*l = IDList{}
		} else {
			*l = IDList{single}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*l = list
	return nil
}

// Params holds the mode specific fields of a command
type Params struct {
	Red         *uint8   `json:"red,omitempty"`
	Green       *uint8   `json:"green,omitempty"`
	Blue        *uint8   `json:"blue,omitempty"`
	Brightness  *float64 `json:"brightness,omitempty"`
	Temperature *float64 `json:"temp,omitempty"`
}

// Command is a client to hub request
type Command struct {
	Command   CommandKind `json:"command"`
	DeviceIDs IDList      `json:"device_ids,omitempty"`
	Params
}

func (*Command) Type() MessageType { return TypeCommand }

// Snapshot is the hub's canonical device registry. Entries that failed to
// decode are listed in Malformed and left out of Devices.
type Snapshot struct {
	Devices    map[string]device.RawDevice  `json:"devices"`
	NewDevices map[string]device.Discovered `json:"new_devices,omitempty"`
	Malformed  map[string]error             `json:"-"`
}

func (*Snapshot) Type() MessageType { return TypeSnapshot }

// Rooms carries the room list keyed by room id
type Rooms struct {
	Rooms map[string]device.Room `json:"rooms"`
}

func (*Rooms) Type() MessageType { return TypeRooms }

// NewDevices lists devices seen on the network that wait for confirmation
type NewDevices struct {
	Devices map[string]device.Discovered `json:"new_devices"`
}

func (*NewDevices) Type() MessageType { return TypeNewDevices }

// State is a hub confirmed echo of one device's state
type State struct {
	Command     CommandKind `json:"command"`
	DeviceID    string      `json:"device_id"`
	State       string      `json:"state"`
	Brightness  *float64    `json:"brightness,omitempty"`
	Temperature *float64    `json:"temperature,omitempty"`
}

func (*State) Type() MessageType { return TypeState }

// IsOn returns true when the echo reports the device on
func (s *State) IsOn() bool { return s.State == "on" }

// NewState builds the echo for a device status
func NewState(id string, status device.Status) *State {
	st := &State{Command: StateEcho, DeviceID: id, State: "off",
		Brightness: status.Brightness, Temperature: status.Temperature}
	if status.IsOn() {
		st.State = "on"
	}
	return st
}

// Response answers a request
type Response struct {
	Status  string        `json:"status"`
	Command CommandKind   `json:"command,omitempty"`
	Message string        `json:"message,omitempty"`
	Data    *ResponseData `json:"data,omitempty"`
}

func (*Response) Type() MessageType { return TypeResponse }

// OK returns true for a success response
func (r *Response) OK() bool { return r.Status == StatusSuccess }

// ResponseData is the payload of a response. get_all_data fills the registry
// parts; batch commands fill the per device outcome.
type ResponseData struct {
	Devices    map[string]device.RawDevice  `json:"devices,omitempty"`
	Rooms      map[string]device.Room       `json:"rooms,omitempty"`
	NewDevices map[string]device.Discovered `json:"new_devices,omitempty"`
	Applied    []string                     `json:"applied,omitempty"`
	Failed     map[string]string            `json:"failed,omitempty"`
	Unknown    []string                     `json:"unknown,omitempty"`
	Malformed  map[string]error             `json:"-"`
}

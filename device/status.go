package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformedStatus is returned when a status bag holds a known key with a value
// of the wrong type or outside its range.
var ErrMalformedStatus = errors.New("malformed device status")

// Raw status keys as reported by device firmware
const (
	KeyOnline      = "online"
	KeyIsOn        = "ison"
	KeyCommand     = "command"
	KeyMode        = "mode"
	KeyBrightness  = "brightness"
	KeyTemperature = "temp"
	KeyRed         = "red"
	KeyGreen       = "green"
	KeyBlue        = "blue"
	KeyPower       = "power"
	KeyEnergy      = "energy"
)

// PowerSource tells which raw key the power state was read from.
type PowerSource string

const (
	PowerFromIsOn    PowerSource = KeyIsOn
	PowerFromCommand PowerSource = KeyCommand
)

// Power is the on/off capability
type Power struct {
	On     bool
	Source PowerSource
}

// Color is an RGB triple. It only exists when all three channels are known.
type Color struct {
	Red   uint8 `json:"red"`
	Green uint8 `json:"green"`
	Blue  uint8 `json:"blue"`
}

// Metering holds the consumption readings of devices that report them
type Metering struct {
	Power  *float64
	Energy *float64
}

// Status is the typed device status. A nil capability means the device does not
// report it. Keys the model does not know are kept in Extra and passed through.
type Status struct {
	Online      *bool
	Power       *Power
	Mode        *string
	Brightness  *float64
	Temperature *float64
	Color       *Color
	Metering    *Metering
	Extra       map[string]interface{}
}

func withoutNulls(bag map[string]interface{}) map[string]interface{} {
	for _, v := range bag {
		if v != nil {
			continue
		}
		clean := make(map[string]interface{}, len(bag))
		for key, value := range bag {
			if value != nil {
				clean[key] = value
			}
		}
		return clean
	}
	return bag
}

// ParseStatus converts a raw status bag into a Status. A null value counts as
// an absent key.
func ParseStatus(bag map[string]interface{}) (Status, error) {
	var s Status
	var err error

	bag = withoutNulls(bag)

	for key, value := range bag {
		switch key {
		case KeyOnline:
			var b bool
			if b, err = toBool(key, value); err != nil {
				return Status{}, err
			}
			s.Online = &b
		case KeyIsOn, KeyCommand, KeyRed, KeyGreen, KeyBlue:
			// resolved below, precedence and all-or-nothing rules need the whole bag
		case KeyMode:
			str, ok := value.(string)
			if !ok {
				return Status{}, fmt.Errorf("%w: %s is %T, want string", ErrMalformedStatus, key, value)
			}
			s.Mode = &str
		case KeyBrightness:
			var f float64
			if f, err = toRange(key, value, 0, 100); err != nil {
				return Status{}, err
			}
			s.Brightness = &f
		case KeyTemperature:
			var f float64
			if f, err = toFloat(key, value); err != nil {
				return Status{}, err
			}
			s.Temperature = &f
		case KeyPower, KeyEnergy:
			var f float64
			if f, err = toFloat(key, value); err != nil {
				return Status{}, err
			}
			if s.Metering == nil {
				s.Metering = &Metering{}
			}
			if key == KeyPower {
				s.Metering.Power = &f
			} else {
				s.Metering.Energy = &f
			}
		default:
			s.setExtra(key, value)
		}
	}

	// ison wins over command, the shadowed command stays as passthrough
	if v, ok := bag[KeyIsOn]; ok {
		on, err := toBool(KeyIsOn, v)
		if err != nil {
			return Status{}, err
		}
		s.Power = &Power{On: on, Source: PowerFromIsOn}
		if c, ok := bag[KeyCommand]; ok {
			s.setExtra(KeyCommand, c)
		}
	} else if v, ok := bag[KeyCommand]; ok {
		on, err := toBool(KeyCommand, v)
		if err != nil {
			return Status{}, err
		}
		s.Power = &Power{On: on, Source: PowerFromCommand}
	}

	channels := make(map[string]uint8, 3)
	for _, key := range []string{KeyRed, KeyGreen, KeyBlue} {
		v, ok := bag[key]
		if !ok {
			continue
		}
		f, err := toRange(key, v, 0, 255)
		if err != nil {
			return Status{}, err
		}
		channels[key] = uint8(math.Round(f))
	}
	if len(channels) == 3 {
		s.Color = &Color{Red: channels[KeyRed], Green: channels[KeyGreen], Blue: channels[KeyBlue]}
	} else {
		for key := range channels {
			s.setExtra(key, bag[key])
		}
	}

	return s, nil
}

// Bag converts the status back to its raw wire form
func (s Status) Bag() map[string]interface{} {
	bag := make(map[string]interface{}, len(s.Extra)+8)
	for k, v := range s.Extra {
		bag[k] = v
	}
	if s.Online != nil {
		bag[KeyOnline] = *s.Online
	}
	if s.Power != nil {
		if s.Power.Source == PowerFromCommand {
			bag[KeyCommand] = s.Power.On
		} else {
			bag[KeyIsOn] = s.Power.On
		}
	}
	if s.Mode != nil {
		bag[KeyMode] = *s.Mode
	}
	if s.Brightness != nil {
		bag[KeyBrightness] = *s.Brightness
	}
	if s.Temperature != nil {
		bag[KeyTemperature] = *s.Temperature
	}
	if s.Color != nil {
		bag[KeyRed] = s.Color.Red
		bag[KeyGreen] = s.Color.Green
		bag[KeyBlue] = s.Color.Blue
	}
	if s.Metering != nil {
		if s.Metering.Power != nil {
			bag[KeyPower] = *s.Metering.Power
		}
		if s.Metering.Energy != nil {
			bag[KeyEnergy] = *s.Metering.Energy
		}
	}
	return bag
}

// MarshalJSON writes the status as its raw bag
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Bag())
}

// UnmarshalJSON reads a raw bag
func (s *Status) UnmarshalJSON(data []byte) error {
	var bag map[string]interface{}
	if err := json.Unmarshal(data, &bag); err != nil {
		return err
	}
	parsed, err := ParseStatus(bag)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsOn reports the power state, false when the device reports none
func (s Status) IsOn() bool {
	return s.Power != nil && s.Power.On
}

// Clone returns a deep copy
func (s Status) Clone() Status {
	c := Status{Extra: cloneBag(s.Extra)}
	if s.Online != nil {
		v := *s.Online
		c.Online = &v
	}
	if s.Power != nil {
		v := *s.Power
		c.Power = &v
	}
	if s.Mode != nil {
		v := *s.Mode
		c.Mode = &v
	}
	c.Brightness = cloneFloat(s.Brightness)
	c.Temperature = cloneFloat(s.Temperature)
	if s.Color != nil {
		v := *s.Color
		c.Color = &v
	}
	if s.Metering != nil {
		c.Metering = &Metering{Power: cloneFloat(s.Metering.Power), Energy: cloneFloat(s.Metering.Energy)}
	}
	return c
}

// Merge returns a copy of s with every capability present in update overwritten.
func (s Status) Merge(update Status) Status {
	m := s.Clone()
	u := update.Clone()
	if u.Online != nil {
		m.Online = u.Online
	}
	if u.Power != nil {
		m.Power = u.Power
		if u.Power.Source == PowerFromIsOn && m.Extra != nil {
			// a fresh ison report supersedes any shadowed command value
			delete(m.Extra, KeyCommand)
		}
	}
	if u.Mode != nil {
		m.Mode = u.Mode
	}
	if u.Brightness != nil {
		m.Brightness = u.Brightness
	}
	if u.Temperature != nil {
		m.Temperature = u.Temperature
	}
	if u.Color != nil {
		m.Color = u.Color
		for _, key := range []string{KeyRed, KeyGreen, KeyBlue} {
			delete(m.Extra, key)
		}
	}
	if u.Metering != nil {
		if m.Metering == nil {
			m.Metering = &Metering{}
		}
		if u.Metering.Power != nil {
			m.Metering.Power = u.Metering.Power
		}
		if u.Metering.Energy != nil {
			m.Metering.Energy = u.Metering.Energy
		}
	}
	for k, v := range u.Extra {
		m.setExtra(k, v)
	}
	return m
}

// Desired is a requested state change for one device. Nil fields are left alone.
type Desired struct {
	On          *bool
	Mode        *string
	Brightness  *float64
	Temperature *float64
	Color       *Color
}

// IsEmpty returns true when the change requests nothing
func (d Desired) IsEmpty() bool {
	return d.On == nil && d.Mode == nil && d.Brightness == nil && d.Temperature == nil && d.Color == nil
}

// Apply returns a copy of s with the desired change applied as a whole.
func (s Status) Apply(d Desired) Status {
	update := Status{Mode: d.Mode, Brightness: d.Brightness, Temperature: d.Temperature, Color: d.Color}
	if d.On != nil {
		source := PowerFromIsOn
		if s.Power != nil {
			source = s.Power.Source
		}
		update.Power = &Power{On: *d.On, Source: source}
	}
	return s.Merge(update)
}

func (s *Status) setExtra(key string, value interface{}) {
	if s.Extra == nil {
		s.Extra = make(map[string]interface{})
	}
	s.Extra[key] = value
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func toBool(key string, value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(v) {
		case "on", "true":
			return true, nil
		case "off", "false":
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: %s=%v is not a boolean", ErrMalformedStatus, key, value)
}

func toFloat(key string, value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err == nil {
			return f, nil
		}
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: %s=%v is not a number", ErrMalformedStatus, key, value)
}

func toRange(key string, value interface{}, min, max float64) (float64, error) {
	f, err := toFloat(key, value)
	if err != nil {
		return 0, err
	}
	if f < min || f > max || math.IsNaN(f) {
		return 0, fmt.Errorf("%w: %s=%v outside [%v, %v]", ErrMalformedStatus, key, f, min, max)
	}
	return f, nil
}

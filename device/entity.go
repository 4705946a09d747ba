package device

// Type is the device type tag. The set is open: unknown tags are kept as-is.
type Type string

const (
	TypeLight  Type = "light"
	TypePlug   Type = "plug"
	TypeSensor Type = "sensor"
	TypeOther  Type = "other"
)

// Entity is a registered device as the hub holds it.
type Entity struct {
	ID           string
	Name         string
	Type         Type
	Manufacturer string
	Model        string
	RoomID       *int64
	Config       map[string]interface{}
	Status       Status
}

// NewEntity creates an entity with an empty status
func NewEntity(id string, name string, entityType Type) *Entity {
	return &Entity{
		ID:   id,
		Name: name,
		Type: entityType}
}

// Clone returns a deep copy of the entity
func (e Entity) Clone() Entity {
	c := e
	if e.RoomID != nil {
		id := *e.RoomID
		c.RoomID = &id
	}
	c.Config = cloneBag(e.Config)
	c.Status = e.Status.Clone()
	return c
}

// Raw returns the wire representation of the entity
func (e Entity) Raw() RawDevice {
	return RawDevice{
		ID:           e.ID,
		Name:         e.Name,
		Type:         e.Type,
		Manufacturer: e.Manufacturer,
		Model:        e.Model,
		RoomID:       e.RoomID,
		Config:       cloneBag(e.Config),
		Status:       e.Status.Bag()}
}

// RawDevice is a device as it travels on the wire, with a loosely typed status bag.
type RawDevice struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Type         Type                   `json:"type"`
	Manufacturer string                 `json:"manufacturer,omitempty"`
	Model        string                 `json:"model,omitempty"`
	RoomID       *int64                 `json:"room_id,omitempty"`
	Config       map[string]interface{} `json:"config,omitempty"`
	Status       map[string]interface{} `json:"status"`
}

// Room groups entities. Rooms are resolved to device ids before a command is built.
type Room struct {
	ID       int64       `json:"id"`
	Name     string      `json:"name"`
	Image    string      `json:"image,omitempty"`
	Entities []RawDevice `json:"entities"`
}

// EntityIDs returns the ids of the room members in room order
func (r Room) EntityIDs() []string {
	ids := make([]string, 0, len(r.Entities))
	for _, e := range r.Entities {
		if e.ID != "" {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// Discovered is a device seen on the network but not yet confirmed by a human.
type Discovered struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Type         Type   `json:"type"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	IP           string `json:"ip,omitempty"`
	MAC          string `json:"mac,omitempty"`
	Firmware     string `json:"fw_ver,omitempty"`
}

func cloneBag(bag map[string]interface{}) map[string]interface{} {
	if bag == nil {
		return nil
	}
	c := make(map[string]interface{}, len(bag))
	for k, v := range bag {
		c[k] = v
	}
	return c
}

// Entity turns a confirmed discovery into a registry entity with the device off
func (d Discovered) Entity() Entity {
	name := d.Name
	if name == "" {
		name = d.ID
	}
	return Entity{
		ID:           d.ID,
		Name:         name,
		Type:         d.Type,
		Manufacturer: d.Manufacturer,
		Model:        d.Model,
		Status:       Status{Power: &Power{On: false, Source: PowerFromIsOn}}}
}

package model

// RegisterDevice is the device block of an MQTT discovery message.
type RegisterDevice struct {
	Name         string   `json:"name"`
	Identifiers  []string `json:"identifiers"`
	Model        string   `json:"model,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// RegisterMessage is the discovery config published for each entity.
type RegisterMessage struct {
	Tilda             string         `json:"~"`
	Name              string         `json:"name"`
	ID                string         `json:"unique_id"`
	ObjectID          string         `json:"object_id"`
	StateTopic        string         `json:"state_topic"`
	AvailabilityTopic string         `json:"availability_topic"`
	CommandTopic      string         `json:"command_topic,omitempty"`
	ValueTemplate     string         `json:"value_template"`
	Unit              string         `json:"unit_of_measurement,omitempty"`
	DeviceClass       string         `json:"device_class,omitempty"`
	StateClass        string         `json:"state_class,omitempty"`
	Icon              string         `json:"icon,omitempty"`
	Category          string         `json:"entity_category,omitempty"`
	PayloadOn         string         `json:"payload_on,omitempty"`
	PayloadOff        string         `json:"payload_off,omitempty"`
	Device            RegisterDevice `json:"device"`
}

// StatusMessage is the state payload of an entity.
type StatusMessage struct {
	Value     *string `json:"value"`
	Unit      string  `json:"unit,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

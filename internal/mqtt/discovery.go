//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/csrmesh_03_0010/role/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Min               *int     `json:"min,omitempty"`
	Max               *int     `json:"max,omitempty"`
	CommandTemplate   string   `json:"command_template,omitempty"`
	Device            haDevice `json:"device"`
}

// sanitizeID makes a string safe for HA unique ids and topic segments.
func sanitizeID(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, s)
}

// buildDiscovery returns the HA entities for one node: its network time,
// sync role, stored action count, broadcast interval and a sync button.
func buildDiscovery(nodeID, prefix, discoveryPrefix string) []discoveryMsg {
	id := sanitizeID(nodeID)
	dev := haDevice{
		Identifiers:  []string{id},
		Manufacturer: "CSR",
		Model:        "CSRmesh node",
		Name:         nodeID,
	}
	avail := prefix + "/bridge/state"
	intervalMin, intervalMax := 0, 0xFFFF

	entities := []struct {
		component string
		object    string
		payload   haDiscovery
	}{
		{"sensor", "time", haDiscovery{
			Name:          "Network time",
			StateTopic:    prefix + "/time",
			ValueTemplate: "{{ value_json.utc if value_json.available else None }}",
			DeviceClass:   "timestamp",
		}},
		{"sensor", "role", haDiscovery{
			Name:           "Time sync role",
			StateTopic:     prefix + "/time",
			ValueTemplate:  "{{ value_json.role }}",
			EntityCategory: "diagnostic",
		}},
		{"sensor", "actions", haDiscovery{
			Name:          "Scheduled actions",
			StateTopic:    prefix + "/actions",
			ValueTemplate: "{{ value_json.actions | count }}",
		}},
		{"number", "broadcast_interval", haDiscovery{
			Name:              "Time broadcast interval",
			StateTopic:        prefix + "/time",
			CommandTopic:      prefix + "/time/interval/set",
			ValueTemplate:     "{{ value_json.broadcast_interval }}",
			CommandTemplate:   `{"interval": {{ value }}}`,
			UnitOfMeasurement: "s",
			EntityCategory:    "config",
			Min:               &intervalMin,
			Max:               &intervalMax,
		}},
		{"button", "sync_time", haDiscovery{
			Name:         "Set network time from host",
			CommandTopic: prefix + "/time/set",
			PayloadPress: "{}",
		}},
	}

	msgs := make([]discoveryMsg, 0, len(entities))
	for _, e := range entities {
		p := e.payload
		p.UniqueID = id + "_" + e.object
		p.AvailabilityTopic = avail
		p.Device = dev
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("%s/%s/%s/%s/config", discoveryPrefix, e.component, id, e.object),
			Payload: mustJSON(p),
		})
	}
	return msgs
}

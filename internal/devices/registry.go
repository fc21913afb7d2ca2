package devices

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Coordinates is a WGS84 position, serialised as [lat, lng].
type Coordinates struct {
	Lat float64
	Lng float64
}

// MarshalJSON encodes the pair as a two element array.
func (c Coordinates) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{c.Lat, c.Lng})
}

// UnmarshalJSON decodes a [lat, lng] array.
func (c *Coordinates) UnmarshalJSON(b []byte) error {
	var pair []float64
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("coordinates need 2 values, got %d", len(pair))
	}
	c.Lat, c.Lng = pair[0], pair[1]
	return nil
}

// UnmarshalYAML accepts the same [lat, lng] form in device files.
func (c *Coordinates) UnmarshalYAML(node *yaml.Node) error {
	var pair []float64
	if err := node.Decode(&pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("line %d: coordinates need 2 values, got %d", node.Line, len(pair))
	}
	c.Lat, c.Lng = pair[0], pair[1]
	return nil
}

// Device is reference data for a field sensor.
type Device struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Firmware    string       `json:"firmware,omitempty" yaml:"firmware"`
	Location    string       `json:"location" yaml:"location"`
	Coordinates *Coordinates `json:"coordinates" yaml:"coordinates"`
}

// Registry is a read-only list of devices.
type Registry struct {
	devices []Device
}

// NewRegistry copies the given devices into a registry.
func NewRegistry(list []Device) *Registry {
	cp := make([]Device, len(list))
	copy(cp, list)
	return &Registry{devices: cp}
}

// DefaultRegistry returns the four campus sensors the dashboard ships with.
func DefaultRegistry() *Registry {
	return NewRegistry([]Device{
		{ID: "SHIELD-001", Name: "S&H", Firmware: "2.1.4", Location: "S&H (Science & Humanities)", Coordinates: &Coordinates{Lat: 11.271763, Lng: 77.606255}},
		{ID: "SHIELD-002", Name: "MTS", Firmware: "2.1.4", Location: "Mechatronics Block", Coordinates: &Coordinates{Lat: 11.270545, Lng: 77.603761}},
		{ID: "SHIELD-003", Name: "ECE", Firmware: "2.1.4", Location: "Electronics & Communication Engineering Block", Coordinates: &Coordinates{Lat: 11.272222, Lng: 77.605406}},
		{ID: "SHIELD-004", Name: "FT", Firmware: "2.1.4", Location: "Food Tech Block", Coordinates: &Coordinates{Lat: 11.272541, Lng: 77.607353}},
	})
}

type deviceFile struct {
	Devices []Device `yaml:"devices"`
}

// LoadFile reads a YAML device list of the form `devices: [{id, name, location, coordinates}]`.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open device file: %w", err)
	}
	defer f.Close()

	var doc deviceFile
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode device file: %w", err)
	}
	if len(doc.Devices) == 0 {
		return nil, errors.New("device file lists no devices")
	}
	seen := make(map[string]struct{}, len(doc.Devices))
	for i, d := range doc.Devices {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			return nil, fmt.Errorf("device %d has no id", i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate device id %q", id)
		}
		seen[id] = struct{}{}
	}
	return NewRegistry(doc.Devices), nil
}

// Len returns the number of devices.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.devices)
}

// At returns the i-th device.
func (r *Registry) At(i int) Device {
	return r.devices[i]
}

// List returns a copy of all devices.
func (r *Registry) List() []Device {
	if r == nil {
		return nil
	}
	cp := make([]Device, len(r.devices))
	copy(cp, r.devices)
	return cp
}

// Lookup finds a device by id.
func (r *Registry) Lookup(id string) (Device, bool) {
	if r == nil {
		return Device{}, false
	}
	for _, d := range r.devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

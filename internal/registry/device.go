package registry

import "time"

// Device is one machine that has ever run init against this registry.
// Devices are never deleted so that backup history stays attributable;
// only the display name may change after creation.
type Device struct {
	ID        string    `yaml:"-"` // map key in devices.yml
	Name      string    `yaml:"name"`
	Hostname  string    `yaml:"hostname,omitempty"`
	OS        string    `yaml:"os"`
	CreatedAt time.Time `yaml:"created_at"`
}

// AddDevice registers a new device. The id and name must both be unique.
func (r *Registry) AddDevice(d *Device) error {
	if d.ID == "" {
		return &ValidationError{Entity: "device", ID: d.Name, Reason: "missing id"}
	}
	if d.Name == "" {
		return &ValidationError{Entity: "device", ID: d.ID, Reason: "missing name"}
	}
	if _, ok := r.Devices[d.ID]; ok {
		return &ValidationError{Entity: "device", ID: d.ID, Reason: "id already exists"}
	}
	for _, existing := range r.Devices {
		if existing.Name == d.Name {
			return &ValidationError{Entity: "device", ID: d.Name, Reason: "name already in use"}
		}
	}
	r.Devices[d.ID] = d
	r.dirtyDevices = true
	return nil
}

// RenameDevice changes a device's display name, the only mutable field.
func (r *Registry) RenameDevice(deviceID, name string) error {
	d, ok := r.Devices[deviceID]
	if !ok {
		return &ValidationError{Entity: "device", ID: deviceID, Reason: "unknown device"}
	}
	if name == "" {
		return &ValidationError{Entity: "device", ID: deviceID, Reason: "empty name"}
	}
	for id, existing := range r.Devices {
		if id != deviceID && existing.Name == name {
			return &ValidationError{Entity: "device", ID: name, Reason: "name already in use"}
		}
	}
	d.Name = name
	r.dirtyDevices = true
	return nil
}

// DeviceByName looks a device up by display name.
func (r *Registry) DeviceByName(name string) (*Device, bool) {
	for _, d := range r.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

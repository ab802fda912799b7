// Package addressbook tracks the microphone devices discovered on the
// network and their address-resolution lifecycle.
//
// The book is a passive table: it performs no I/O and takes no locks.
// All mutation is serialized through the session controller's owner
// context, which is the only code allowed to touch it.
package addressbook

import (
	"time"

	"github.com/airmic/airmic/internal/discovery"
	"github.com/google/uuid"
)

// A microphone device discovered on the network.
//
// Identity is a uuid generated at discovery time, not derived from network
// data: advertised names may collide and devices may re-advertise.
//
// IPAddress and Port are both set or both zero. Partial resolution is never
// observable.
type Device struct {
	ID     uuid.UUID
	Name   string
	Handle discovery.Handle

	IPAddress string
	Port      int

	Resolving bool
	LastSeen  time.Time
	State     ConnectionState
}

// Whether this device has a connectable address.
func (d *Device) Resolved() bool {
	return d.IPAddress != "" && d.Port != 0
}

// Record the outcome of a successful resolution. Port must be in 1..65535;
// out-of-range values leave the device unresolved.
func (d *Device) SetAddress(ip string, port int) {
	if ip == "" || port < 1 || port > 65535 {
		return
	}
	d.IPAddress = ip
	d.Port = port
}

// AddressBook is the table of discovered devices, in discovery order.
type AddressBook struct {
	devices   []*Device
	searching bool
}

func New() *AddressBook {
	return &AddressBook{}
}

// BeginSearch clears all devices and marks the search active.
// Returns false (a no-op) if a search is already active.
func (b *AddressBook) BeginSearch() bool {
	if b.searching {
		return false
	}
	b.devices = nil
	b.searching = true
	return true
}

// EndSearch marks the search inactive. Devices already found remain listed.
func (b *AddressBook) EndSearch() {
	b.searching = false
}

func (b *AddressBook) Searching() bool {
	return b.searching
}

// DeviceFound inserts a new device for the advertisement, iff no existing
// device has the same name. The advertised name is the de-duplication key:
// duplicate advertisements are coalesced and the later one ignored, beyond
// refreshing LastSeen on the existing entry.
//
// Returns the new device, or nil when the advertisement was coalesced.
func (b *AddressBook) DeviceFound(name string, handle discovery.Handle, now time.Time) *Device {
	if existing := b.ByName(name); existing != nil {
		existing.LastSeen = now
		return nil
	}

	device := &Device{
		ID:       uuid.New(),
		Name:     name,
		Handle:   handle,
		LastSeen: now,
		State:    Disconnected(),
	}
	b.devices = append(b.devices, device)
	return device
}

// DeviceRemoved removes all devices whose advertisement matches by name,
// returning the removed entries.
func (b *AddressBook) DeviceRemoved(name string) []*Device {
	var removed []*Device
	kept := b.devices[:0]
	for _, d := range b.devices {
		if d.Name == name {
			removed = append(removed, d)
		} else {
			kept = append(kept, d)
		}
	}
	b.devices = kept
	return removed
}

func (b *AddressBook) ByID(id uuid.UUID) *Device {
	for _, d := range b.devices {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (b *AddressBook) ByName(name string) *Device {
	for _, d := range b.devices {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// Devices returns the table in discovery order. The slice is a copy but the
// entries are the live devices; callers outside the owner context must not
// retain them.
func (b *AddressBook) Devices() []*Device {
	out := make([]*Device, len(b.devices))
	copy(out, b.devices)
	return out
}

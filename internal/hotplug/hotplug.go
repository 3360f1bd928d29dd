// Package hotplug watches the kernel uevent stream and reports USB device
// arrivals and departures.
package hotplug

// Action distinguishes attach from detach.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// Event is one USB device arrival or departure. VendorID and ProductID are
// zero when the uevent did not carry them, which is common for removals.
// Bus and Address are always set and identify the device slot.
type Event struct {
	Action    Action
	VendorID  uint16
	ProductID uint16
	Bus       int
	Address   int
}

// Monitor delivers hotplug events until closed.
type Monitor interface {
	// Events returns the channel hotplug events arrive on.
	Events() <-chan Event

	// Close stops the monitor and releases the underlying socket.
	Close() error
}

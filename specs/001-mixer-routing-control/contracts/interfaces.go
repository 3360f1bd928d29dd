// Package contracts defines the interfaces for mixctl.
// This file serves as documentation and is not compiled.
// Actual implementations live in internal/ packages.
package contracts

// =============================================================================
// Model Types
// =============================================================================

// StereoPair is a pair of channel labels, always left then right. Mono
// sources repeat the same label in both positions or describe the pair in
// Left with an empty Right, following the hardware silkscreen.
type StereoPair struct {
	Left  string
	Right string
}

// Route connects a source pair to a capture target pair. Fixed routes are
// wired in hardware and cannot be changed.
type Route struct {
	Target StereoPair
	Source StereoPair
}

// State is the persisted record for one device product.
type State struct {
	Source *int `json:"source,omitempty"` // ordinal of the last selection
}

// HotplugAction distinguishes attach from detach.
type HotplugAction string

const (
	HotplugAdd    HotplugAction = "add"
	HotplugRemove HotplugAction = "remove"
)

// HotplugEvent is one USB device arrival or departure. VendorID and
// ProductID are zero when the uevent did not carry them, which is common
// for removals. Bus and Address are always set.
type HotplugEvent struct {
	Action    HotplugAction
	VendorID  uint16
	ProductID uint16
	Bus       int
	Address   int
}

// =============================================================================
// USB Transport Interface
// =============================================================================

// Transport enumerates and opens USB devices.
type Transport interface {
	// Open returns a handle to the first attached device matching the
	// given vendor/product ids, or an error when none is attached.
	Open(vendorID, productID uint16) (USBDevice, error)

	Close() error
}

// USBDevice is an opened USB device capable of vendor control transfers.
type USBDevice interface {
	// Product reads the product string descriptor.
	Product() (string, error)

	// Release returns the raw bcdDevice field (BCD-coded firmware release).
	Release() uint16

	// Bus and Address locate the device on the USB topology. Hotplug
	// remove events are matched against them.
	Bus() int
	Address() int

	// Control issues a control transfer on the default endpoint and
	// returns the number of bytes transferred.
	Control(requestType, request uint8, value, index uint16, data []byte) (int, error)

	Close() error
}

// =============================================================================
// Hotplug Monitor Interface
// =============================================================================

// Monitor delivers hotplug events until closed.
type Monitor interface {
	// Events returns the channel hotplug events arrive on.
	Events() <-chan HotplugEvent

	// Close stops the monitor and releases the underlying socket.
	Close() error
}

// =============================================================================
// State Store Interface
// =============================================================================

// Store reads and writes per-product state files in a single directory.
type Store interface {
	// Dir returns the directory holding the state files.
	Dir() string

	// Path returns the state file path for the given product name.
	Path(product string) string

	// EnsureDir creates the state directory if it doesn't exist.
	EnsureDir() error

	// Load reads the state for product. A missing or corrupt file yields
	// the zero state, never an error.
	Load(product string) State

	// Save writes the state for product, creating the directory if needed.
	Save(product string, st State) error
}

// =============================================================================
// Bus Object Host Interface
// =============================================================================

// ObjectHost publishes the manager and device objects on the session bus.
// The service drives it from its event loop; implementations do not need
// to be safe for concurrent export calls.
type ObjectHost interface {
	// ExportManager publishes the manager object and claims the bus name.
	// Fails when another instance already owns the name.
	ExportManager() error

	// ExportDevice publishes one device object at the given path.
	ExportDevice(path string) error

	// UnexportDevice withdraws a device object.
	UnexportDevice(path string) error

	// UpdateRoutingSource pushes a routingSource property change,
	// emitting PropertiesChanged to subscribers.
	UpdateRoutingSource(path, key string)

	// EmitAdded and EmitRemoved raise the manager's device lifecycle
	// signals.
	EmitAdded(path string) error
	EmitRemoved(path string) error

	// SetDevices replaces the manager's devices property.
	SetDevices(paths []string)
}

// =============================================================================
// Device View Interface
// =============================================================================

// DeviceView is the read/write surface the CLI consumes. Both the bus
// proxy and the direct USB device satisfy it.
type DeviceView interface {
	// Name returns the product name and firmware, e.g.
	// "Notepad-8FX (fw v1.09)".
	Name() (string, error)

	// FixedRouting lists the hardware-wired routes, oldest input first.
	FixedRouting() ([]Route, error)

	// RoutingTarget returns the capture channel pair the selectable
	// sources feed.
	RoutingTarget() (StereoPair, error)

	// Sources maps source keys to their channel labels.
	Sources() (map[string]StereoPair, error)

	// RoutingSource returns the currently selected source key, or the
	// unknown marker when no selection has been recorded.
	RoutingSource() (string, error)

	// SetRoutingSource resolves the request (ordinal, key, or unique
	// substring) and applies it to the hardware.
	SetRoutingSource(request string) error
}

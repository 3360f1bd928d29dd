package dbus

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/jmylchreest/mixctl/internal/device"
)

const (
	// BusName is the well-known session bus name claimed by the service.
	BusName = "io.github.jmylchreest.mixctl"
	// ManagerPath is the manager object path.
	ManagerPath = "/io/github/jmylchreest/mixctl"
	// ManagerInterface is the manager interface name.
	ManagerInterface = "io.github.jmylchreest.mixctl"
	// DeviceInterface is the interface name of published device objects.
	DeviceInterface = "io.github.jmylchreest.mixctl.device"
)

// invalidSelectionErrName is the named bus error carried by rejected
// routingSource writes.
const invalidSelectionErrName = DeviceInterface + ".InvalidSelection"

// serviceUnknownErrName is what the bus daemon answers when nobody owns the
// requested name and it cannot activate an owner.
const serviceUnknownErrName = "org.freedesktop.DBus.Error.ServiceUnknown"

// ErrServiceNotAvailable indicates no service owns the bus name and the bus
// could not activate one.
var ErrServiceNotAvailable = errors.New("mixctl service is not available on the session bus")

// VersionError reports a client/service version mismatch that could not be
// resolved by restarting the service.
type VersionError struct {
	ServiceVersion string
	ServicePID     uint32
	ClientVersion  string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("service version %s (pid %d) does not match client version %s",
		e.ServiceVersion, e.ServicePID, e.ClientVersion)
}

// devicePath returns the object path for the nth published device. The
// service only ever publishes index 0 and re-uses it across replace cycles.
func devicePath(n int) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/%d", ManagerPath, n))
}

// namedError extracts the name and body of a bus error regardless of whether
// it travelled as a value or behind a pointer.
func namedError(err error) (string, []interface{}, bool) {
	var val dbus.Error
	if errors.As(err, &val) {
		return val.Name, val.Body, true
	}
	var ptr *dbus.Error
	if errors.As(err, &ptr) {
		return ptr.Name, ptr.Body, true
	}
	return "", nil, false
}

// invalidSelectionBusError converts a resolver rejection into the named bus
// error, preserving the diagnostic for the client side.
func invalidSelectionBusError(err error) *dbus.Error {
	return dbus.NewError(invalidSelectionErrName, []interface{}{err.Error()})
}

// mapSelectionError converts the named bus error back into an error that
// matches device.ErrInvalidSelection while keeping the service's diagnostic.
func mapSelectionError(err error) error {
	if err == nil {
		return nil
	}
	name, body, ok := namedError(err)
	if !ok || name != invalidSelectionErrName {
		return err
	}
	if len(body) > 0 {
		if msg, ok := body[0].(string); ok && msg != "" {
			return &selectionError{msg: msg}
		}
	}
	return device.ErrInvalidSelection
}

// selectionError carries the service-side diagnostic while staying matchable
// as device.ErrInvalidSelection.
type selectionError struct {
	msg string
}

func (e *selectionError) Error() string { return e.msg }
func (e *selectionError) Unwrap() error { return device.ErrInvalidSelection }

// managerInterface returns the manager introspection data.
func managerInterface() introspect.Interface {
	return introspect.Interface{
		Name: ManagerInterface,
		Methods: []introspect.Method{
			{Name: "Shutdown"},
		},
		Signals: []introspect.Signal{
			{
				Name: "Added",
				Args: []introspect.Arg{{Name: "path", Type: "o"}},
			},
			{
				Name: "Removed",
				Args: []introspect.Arg{{Name: "path", Type: "o"}},
			},
		},
		Properties: []introspect.Property{
			{Name: "version", Type: "s", Access: "read"},
			{Name: "devices", Type: "ao", Access: "read"},
		},
	}
}

// deviceInterface returns the device object introspection data.
func deviceInterface() introspect.Interface {
	return introspect.Interface{
		Name: DeviceInterface,
		Properties: []introspect.Property{
			{Name: "name", Type: "s", Access: "read"},
			{Name: "fixedRouting", Type: "a((ss)(ss))", Access: "read"},
			{Name: "routingTarget", Type: "(ss)", Access: "read"},
			{Name: "sources", Type: "a{s(ss)}", Access: "read"},
			{Name: "routingSource", Type: "s", Access: "readwrite"},
		},
	}
}

// devicePropNames lists the device properties in introspection order.
var devicePropNames = []string{"name", "fixedRouting", "routingTarget", "sources", "routingSource"}

// isDeviceProperty reports whether name is a device property.
func isDeviceProperty(name string) bool {
	for _, known := range devicePropNames {
		if name == known {
			return true
		}
	}
	return false
}

// deviceSnapshot is the point-in-time view a published device object serves
// property reads from. Only RoutingSource ever changes after publication.
type deviceSnapshot struct {
	Name          string
	FixedRouting  []device.Route
	RoutingTarget device.StereoPair
	Sources       map[string]device.StereoPair
	RoutingSource string
}

// setFunc applies a routingSource write and returns the canonical key of the
// resolved selection.
type setFunc func(request string) (string, error)

// signalPath extracts the object path argument of an Added or Removed signal.
func signalPath(sig *dbus.Signal) (dbus.ObjectPath, bool) {
	if len(sig.Body) != 1 {
		return "", false
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	return path, ok
}

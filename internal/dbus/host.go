package dbus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/jmylchreest/mixctl/internal/device"
	"github.com/jmylchreest/mixctl/internal/version"
)

// objectHost publishes service objects on the bus. Split from Service so the
// event loop can be exercised without a bus connection.
type objectHost interface {
	exportManager(m *manager) error
	exportDevice(path dbus.ObjectPath, snap deviceSnapshot, set setFunc) error
	unexportDevice(path dbus.ObjectPath) error
	updateRoutingSource(path dbus.ObjectPath, key string)
	emitAdded(path dbus.ObjectPath) error
	emitRemoved(path dbus.ObjectPath) error
	setDevices(paths []dbus.ObjectPath)
}

// BusHost owns the service's session bus connection and publishes the
// manager and device objects on it.
type BusHost struct {
	conn   *dbus.Conn
	logger *slog.Logger

	props *prop.Properties // manager properties

	mu      sync.Mutex
	devices map[dbus.ObjectPath]*deviceObject
}

// NewBusHost opens a private connection to the session bus. The well-known
// name is not claimed until the service exports its manager object.
func NewBusHost(logger *slog.Logger) (*BusHost, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return &BusHost{
		conn:    conn,
		logger:  logger,
		devices: make(map[dbus.ObjectPath]*deviceObject),
	}, nil
}

// Close releases the bus name and drops the connection.
func (h *BusHost) Close() error {
	if _, err := h.conn.ReleaseName(BusName); err != nil {
		h.logger.Warn("failed to release bus name", "error", err)
	}
	return h.conn.Close()
}

// exportManager publishes the manager object with its properties and
// introspection data, then claims the well-known name. Exactly one service
// instance per session: losing the name race is an error, not a queue slot.
func (h *BusHost) exportManager(m *manager) error {
	if err := h.conn.Export(m, ManagerPath, ManagerInterface); err != nil {
		return fmt.Errorf("failed to export manager object: %w", err)
	}

	props, err := prop.Export(h.conn, ManagerPath, prop.Map{
		ManagerInterface: {
			"version": {Value: version.Version, Writable: false, Emit: prop.EmitFalse},
			"devices": {Value: []dbus.ObjectPath{}, Writable: false, Emit: prop.EmitTrue},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to export manager properties: %w", err)
	}
	h.props = props

	node := &introspect.Node{
		Name: ManagerPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			managerInterface(),
		},
	}
	if err := h.conn.Export(introspect.NewIntrospectable(node), ManagerPath,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("failed to export manager introspection: %w", err)
	}

	reply, err := h.conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already taken, is another instance running?", BusName)
	}

	h.logger.Info("claimed bus name", "name", BusName, "path", ManagerPath)
	return nil
}

func (h *BusHost) exportDevice(path dbus.ObjectPath, snap deviceSnapshot, set setFunc) error {
	o := &deviceObject{
		conn:   h.conn,
		logger: h.logger,
		path:   path,
		set:    set,
		snap:   snap,
	}

	if err := h.conn.Export(o, path, "org.freedesktop.DBus.Properties"); err != nil {
		return fmt.Errorf("failed to export device properties: %w", err)
	}

	node := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			deviceInterface(),
		},
	}
	if err := h.conn.Export(introspect.NewIntrospectable(node), path,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("failed to export device introspection: %w", err)
	}

	h.mu.Lock()
	h.devices[path] = o
	h.mu.Unlock()
	return nil
}

func (h *BusHost) unexportDevice(path dbus.ObjectPath) error {
	h.mu.Lock()
	delete(h.devices, path)
	h.mu.Unlock()

	if err := h.conn.Export(nil, path, "org.freedesktop.DBus.Properties"); err != nil {
		return fmt.Errorf("failed to unexport device properties: %w", err)
	}
	if err := h.conn.Export(nil, path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("failed to unexport device introspection: %w", err)
	}
	return nil
}

func (h *BusHost) updateRoutingSource(path dbus.ObjectPath, key string) {
	h.mu.Lock()
	o := h.devices[path]
	h.mu.Unlock()
	if o != nil {
		o.updateRoutingSource(key)
	}
}

func (h *BusHost) emitAdded(path dbus.ObjectPath) error {
	if err := h.conn.Emit(ManagerPath, ManagerInterface+".Added", path); err != nil {
		return fmt.Errorf("failed to emit Added signal: %w", err)
	}
	h.logger.Debug("emitted Added signal", "path", path)
	return nil
}

func (h *BusHost) emitRemoved(path dbus.ObjectPath) error {
	if err := h.conn.Emit(ManagerPath, ManagerInterface+".Removed", path); err != nil {
		return fmt.Errorf("failed to emit Removed signal: %w", err)
	}
	h.logger.Debug("emitted Removed signal", "path", path)
	return nil
}

func (h *BusHost) setDevices(paths []dbus.ObjectPath) {
	if paths == nil {
		paths = []dbus.ObjectPath{}
	}
	h.props.SetMust(ManagerInterface, "devices", paths)
}

// deviceObject implements org.freedesktop.DBus.Properties for one published
// device. The stock prop helper stores whatever value a writer supplies, but
// a routingSource write must land as the canonical key the resolver
// produced, so the interface is implemented by hand.
type deviceObject struct {
	conn   *dbus.Conn
	logger *slog.Logger
	path   dbus.ObjectPath
	set    setFunc

	mu   sync.Mutex
	snap deviceSnapshot
}

// Get implements org.freedesktop.DBus.Properties.Get.
func (o *deviceObject) Get(iface, property string) (dbus.Variant, *dbus.Error) {
	if iface != DeviceInterface {
		return dbus.Variant{}, prop.ErrIfaceNotFound
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.variantFor(property)
	if !ok {
		return dbus.Variant{}, prop.ErrPropNotFound
	}
	return v, nil
}

// GetAll implements org.freedesktop.DBus.Properties.GetAll.
func (o *deviceObject) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != DeviceInterface {
		return nil, prop.ErrIfaceNotFound
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	all := make(map[string]dbus.Variant, len(devicePropNames))
	for _, name := range devicePropNames {
		v, _ := o.variantFor(name)
		all[name] = v
	}
	return all, nil
}

// Set implements org.freedesktop.DBus.Properties.Set. Only routingSource is
// writable; the write is applied through the service loop and the stored
// value is the canonical key, never the raw request.
func (o *deviceObject) Set(iface, property string, value dbus.Variant) *dbus.Error {
	if iface != DeviceInterface {
		return prop.ErrIfaceNotFound
	}
	if property != "routingSource" {
		if isDeviceProperty(property) {
			return prop.ErrReadOnly
		}
		return prop.ErrPropNotFound
	}

	var request string
	if err := value.Store(&request); err != nil {
		return prop.ErrPropTypeChanged
	}

	key, err := o.set(request)
	if err != nil {
		if errors.Is(err, device.ErrInvalidSelection) {
			return invalidSelectionBusError(err)
		}
		return dbus.MakeFailedError(err)
	}

	o.updateRoutingSource(key)
	return nil
}

// updateRoutingSource records the canonical selection and notifies property
// subscribers. Serves both bus writes and selections re-applied from the
// state file; a write that lands on the current value stays silent.
func (o *deviceObject) updateRoutingSource(key string) {
	o.mu.Lock()
	if o.snap.RoutingSource == key {
		o.mu.Unlock()
		return
	}
	o.snap.RoutingSource = key
	o.mu.Unlock()

	if o.conn == nil {
		return
	}
	err := o.conn.Emit(o.path, "org.freedesktop.DBus.Properties.PropertiesChanged",
		DeviceInterface,
		map[string]dbus.Variant{"routingSource": dbus.MakeVariant(key)},
		[]string{})
	if err != nil {
		o.logger.Warn("failed to emit PropertiesChanged", "path", o.path, "error", err)
		return
	}
	o.logger.Debug("routingSource changed", "path", o.path, "source", key)
}

// variantFor builds the wire value of a property. Callers hold o.mu.
func (o *deviceObject) variantFor(name string) (dbus.Variant, bool) {
	switch name {
	case "name":
		return dbus.MakeVariant(o.snap.Name), true
	case "fixedRouting":
		routes := o.snap.FixedRouting
		if routes == nil {
			routes = []device.Route{}
		}
		return dbus.MakeVariant(routes), true
	case "routingTarget":
		return dbus.MakeVariant(o.snap.RoutingTarget), true
	case "sources":
		return dbus.MakeVariant(o.snap.Sources), true
	case "routingSource":
		return dbus.MakeVariant(o.snap.RoutingSource), true
	}
	return dbus.Variant{}, false
}

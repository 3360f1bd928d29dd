package dbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/jmylchreest/mixctl/internal/config"
	"github.com/jmylchreest/mixctl/internal/device"
	"github.com/jmylchreest/mixctl/internal/version"
)

// managerAPI is the slice of the manager object the client consumes. Split
// out so the version protocol can be exercised against fakes.
type managerAPI interface {
	resolve() error
	version() (string, error)
	devices() ([]dbus.ObjectPath, error)
	canShutdown() bool
	shutdown() error
	pid() (uint32, error)
	waitVacated(timeout time.Duration) error
	proxy(path dbus.ObjectPath) *DeviceProxy
}

// ClientOptions configures a Client. The zero value picks the compiled-in
// version and the default restart wait.
type ClientOptions struct {
	// Version overrides the compiled-in client version.
	Version string
	// RestartWait bounds the wait for an old service to vacate the bus name
	// during the restart protocol.
	RestartWait time.Duration
	// OnDeviceAdded, when set, is subscribed before the initial device scan
	// so construction reports an already-registered device.
	OnDeviceAdded func(path dbus.ObjectPath)
	// OnDeviceRemoved observes device unregistration.
	OnDeviceRemoved func(path dbus.ObjectPath)
}

// Client is a session client of the device service. Callbacks run on the
// client's dispatch goroutine in subscription order.
type Client struct {
	conn   *dbus.Conn
	logger *slog.Logger
	mgr    managerAPI

	version        string
	serviceVersion string
	restartWait    time.Duration

	mu             sync.Mutex
	onAdded        []func(path dbus.ObjectPath)
	onRemoved      []func(path dbus.ObjectPath)
	onConnected    []func()
	onDisconnected []func()
	waiters        []chan dbus.ObjectPath
}

// NewClient connects to the session bus, resolves the manager object and
// enforces the version protocol before returning. A missing service surfaces
// as ErrServiceNotAvailable, an unresolvable version mismatch as a
// VersionError.
func NewClient(opts ClientOptions, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	mgr := &busManager{conn: conn, logger: logger}
	if err := mgr.resolve(); err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		conn:        conn,
		logger:      logger,
		mgr:         mgr,
		version:     opts.Version,
		restartWait: opts.RestartWait,
	}
	if c.version == "" {
		c.version = version.Version
	}
	if c.restartWait <= 0 {
		c.restartWait = config.DefaultRestartWait.Duration()
	}
	if opts.OnDeviceAdded != nil {
		c.onAdded = append(c.onAdded, opts.OnDeviceAdded)
	}
	if opts.OnDeviceRemoved != nil {
		c.onRemoved = append(c.onRemoved, opts.OnDeviceRemoved)
	}

	if err := c.ensureServiceVersion(true); err != nil {
		conn.Close()
		return nil, err
	}

	if err := c.subscribe(); err != nil {
		conn.Close()
		return nil, err
	}

	if opts.OnDeviceAdded != nil {
		if _, err := c.Autodetect(); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Close drops the bus connection; the dispatch goroutine exits with it.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ServiceVersion returns the version the service reported when the client
// verified compatibility.
func (c *Client) ServiceVersion() string {
	return c.serviceVersion
}

// OnDeviceAdded registers fn for device registrations.
func (c *Client) OnDeviceAdded(fn func(path dbus.ObjectPath)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAdded = append(c.onAdded, fn)
}

// OnDeviceRemoved registers fn for device unregistrations.
func (c *Client) OnDeviceRemoved(fn func(path dbus.ObjectPath)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemoved = append(c.onRemoved, fn)
}

// OnServiceConnected registers fn for the bus name gaining an owner.
func (c *Client) OnServiceConnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = append(c.onConnected, fn)
}

// OnServiceDisconnected registers fn for the bus name losing its owner.
func (c *Client) OnServiceDisconnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnected = append(c.onDisconnected, fn)
}

// Autodetect returns a proxy for the registered device, notifying added
// callbacks, or nil when the service has none.
func (c *Client) Autodetect() (*DeviceProxy, error) {
	paths, err := c.mgr.devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	if len(paths) == 0 {
		return nil, nil
	}

	path := paths[0]
	c.mu.Lock()
	added := append([]func(dbus.ObjectPath){}, c.onAdded...)
	c.mu.Unlock()
	for _, fn := range added {
		fn(path)
	}
	return c.mgr.proxy(path), nil
}

// WaitForDevice blocks until a device is registered, then returns its proxy.
// Cancelling ctx unblocks with ctx.Err().
func (c *Client) WaitForDevice(ctx context.Context) (*DeviceProxy, error) {
	ch := make(chan dbus.ObjectPath, 1)
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()
	defer c.removeWaiter(ch)

	// A device may already be registered
	proxy, err := c.Autodetect()
	if err != nil || proxy != nil {
		return proxy, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ch:
		return c.Autodetect()
	}
}

func (c *Client) removeWaiter(ch chan dbus.ObjectPath) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// ensureServiceVersion enforces the compatibility protocol: the service must
// run the exact client version. On mismatch a shutdown-capable service is
// restarted once; any remaining mismatch is fatal.
func (c *Client) ensureServiceVersion(allowRestart bool) error {
	serviceVersion, err := c.mgr.version()
	if err != nil {
		return fmt.Errorf("failed to read service version: %w", err)
	}
	if serviceVersion == c.version {
		c.serviceVersion = serviceVersion
		return nil
	}

	if !allowRestart || !c.mgr.canShutdown() {
		verr := &VersionError{ServiceVersion: serviceVersion, ClientVersion: c.version}
		if pid, err := c.mgr.pid(); err == nil {
			verr.ServicePID = pid
		}
		return verr
	}

	c.logger.Info("service version differs, restarting it",
		"service", serviceVersion, "client", c.version)
	if err := c.mgr.shutdown(); err != nil {
		// The old service may drop the connection while replying
		c.logger.Warn("shutdown call failed", "error", err)
	}
	if err := c.mgr.waitVacated(c.restartWait); err != nil {
		return fmt.Errorf("old service did not shut down: %w", err)
	}
	if err := c.mgr.resolve(); err != nil {
		return err
	}
	return c.ensureServiceVersion(false)
}

// subscribe sets up the signal matches and starts the dispatch goroutine.
func (c *Client) subscribe() error {
	mgrMatch := []dbus.MatchOption{
		dbus.WithMatchSender(BusName),
		dbus.WithMatchObjectPath(ManagerPath),
		dbus.WithMatchInterface(ManagerInterface),
	}
	if err := c.conn.AddMatchSignal(mgrMatch...); err != nil {
		return fmt.Errorf("failed to subscribe to manager signals: %w", err)
	}

	ownerMatch := []dbus.MatchOption{
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, BusName),
	}
	if err := c.conn.AddMatchSignal(ownerMatch...); err != nil {
		return fmt.Errorf("failed to subscribe to name owner changes: %w", err)
	}

	ch := make(chan *dbus.Signal, 16)
	c.conn.Signal(ch)
	go c.pump(ch)
	return nil
}

func (c *Client) pump(ch chan *dbus.Signal) {
	for sig := range ch {
		c.dispatch(sig)
	}
}

func (c *Client) dispatch(sig *dbus.Signal) {
	switch sig.Name {
	case ManagerInterface + ".Added":
		path, ok := signalPath(sig)
		if !ok {
			return
		}
		c.logger.Debug("device registered", "path", path)
		c.mu.Lock()
		added := append([]func(dbus.ObjectPath){}, c.onAdded...)
		waiters := c.waiters
		c.waiters = nil
		c.mu.Unlock()
		for _, fn := range added {
			fn(path)
		}
		for _, w := range waiters {
			select {
			case w <- path:
			default:
			}
		}

	case ManagerInterface + ".Removed":
		path, ok := signalPath(sig)
		if !ok {
			return
		}
		c.logger.Debug("device unregistered", "path", path)
		c.mu.Lock()
		removed := append([]func(dbus.ObjectPath){}, c.onRemoved...)
		c.mu.Unlock()
		for _, fn := range removed {
			fn(path)
		}

	case "org.freedesktop.DBus.NameOwnerChanged":
		var name, oldOwner, newOwner string
		if err := dbus.Store(sig.Body, &name, &oldOwner, &newOwner); err != nil || name != BusName {
			return
		}
		if newOwner == "" {
			c.logger.Debug("service left the bus", "owner", oldOwner)
			c.mu.Lock()
			fns := append([]func(){}, c.onDisconnected...)
			c.mu.Unlock()
			for _, fn := range fns {
				fn()
			}
			return
		}
		c.logger.Debug("service appeared on the bus", "owner", newOwner)
		c.mu.Lock()
		fns := append([]func(){}, c.onConnected...)
		c.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
}

// busManager talks to the real manager object.
type busManager struct {
	conn   *dbus.Conn
	logger *slog.Logger

	obj         dbus.BusObject
	hasShutdown bool
}

// resolve introspects the manager object, doubling as a liveness probe and
// Shutdown capability detection.
func (m *busManager) resolve() error {
	obj := m.conn.Object(BusName, ManagerPath)
	node, err := introspect.Call(obj)
	if err != nil {
		if name, _, ok := namedError(err); ok && name == serviceUnknownErrName {
			return fmt.Errorf("%w (is mixctld installed and running?)", ErrServiceNotAvailable)
		}
		return fmt.Errorf("failed to resolve the manager object: %w", err)
	}

	m.obj = obj
	m.hasShutdown = false
	for _, iface := range node.Interfaces {
		if iface.Name != ManagerInterface {
			continue
		}
		for _, method := range iface.Methods {
			if method.Name == "Shutdown" {
				m.hasShutdown = true
				break
			}
		}
	}
	return nil
}

func (m *busManager) version() (string, error) {
	v, err := m.obj.GetProperty(ManagerInterface + ".version")
	if err != nil {
		return "", err
	}
	var s string
	if err := v.Store(&s); err != nil {
		return "", fmt.Errorf("unexpected version property type: %w", err)
	}
	return s, nil
}

func (m *busManager) devices() ([]dbus.ObjectPath, error) {
	v, err := m.obj.GetProperty(ManagerInterface + ".devices")
	if err != nil {
		return nil, err
	}
	var paths []dbus.ObjectPath
	if err := v.Store(&paths); err != nil {
		return nil, fmt.Errorf("unexpected devices property type: %w", err)
	}
	return paths, nil
}

func (m *busManager) canShutdown() bool {
	return m.hasShutdown
}

func (m *busManager) shutdown() error {
	return m.obj.Call(ManagerInterface+".Shutdown", 0).Err
}

func (m *busManager) pid() (uint32, error) {
	var pid uint32
	err := m.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, BusName).Store(&pid)
	if err != nil {
		return 0, err
	}
	return pid, nil
}

func (m *busManager) proxy(path dbus.ObjectPath) *DeviceProxy {
	return &DeviceProxy{obj: m.conn.Object(BusName, path), path: path}
}

// waitVacated blocks until the well-known name has no owner, bounded by
// timeout. Subscribes before checking the current owner so the transition
// cannot be missed.
func (m *busManager) waitVacated(timeout time.Duration) error {
	opts := []dbus.MatchOption{
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, BusName),
	}
	if err := m.conn.AddMatchSignal(opts...); err != nil {
		return fmt.Errorf("failed to watch name owner changes: %w", err)
	}
	defer m.conn.RemoveMatchSignal(opts...)

	ch := make(chan *dbus.Signal, 8)
	m.conn.Signal(ch)
	defer m.conn.RemoveSignal(ch)

	var owner string
	if err := m.conn.BusObject().Call("org.freedesktop.DBus.GetNameOwner", 0, BusName).Store(&owner); err != nil {
		// Nobody owns the name anymore
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case sig, ok := <-ch:
			if !ok {
				return errors.New("bus connection closed")
			}
			if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" {
				continue
			}
			var name, oldOwner, newOwner string
			if err := dbus.Store(sig.Body, &name, &oldOwner, &newOwner); err != nil || name != BusName {
				continue
			}
			if newOwner == "" {
				m.logger.Debug("old service released the bus name", "owner", oldOwner)
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("service did not release %s within %s", BusName, timeout)
		}
	}
}

// DeviceProxy is the client-side view of a published device object.
type DeviceProxy struct {
	obj  dbus.BusObject
	path dbus.ObjectPath
}

// Path returns the device object path.
func (d *DeviceProxy) Path() dbus.ObjectPath {
	return d.path
}

// Name returns the device display name.
func (d *DeviceProxy) Name() (string, error) {
	return d.stringProperty("name")
}

// RoutingSource returns the current selection key, or "UNKNOWN".
func (d *DeviceProxy) RoutingSource() (string, error) {
	return d.stringProperty("routingSource")
}

// RoutingTarget returns the capture channel pair the sources feed.
func (d *DeviceProxy) RoutingTarget() (device.StereoPair, error) {
	var pair device.StereoPair
	v, err := d.obj.GetProperty(DeviceInterface + ".routingTarget")
	if err != nil {
		return pair, err
	}
	if err := v.Store(&pair); err != nil {
		return pair, fmt.Errorf("unexpected routingTarget type: %w", err)
	}
	return pair, nil
}

// FixedRouting returns the always-active routes.
func (d *DeviceProxy) FixedRouting() ([]device.Route, error) {
	v, err := d.obj.GetProperty(DeviceInterface + ".fixedRouting")
	if err != nil {
		return nil, err
	}
	var routes []device.Route
	if err := v.Store(&routes); err != nil {
		return nil, fmt.Errorf("unexpected fixedRouting type: %w", err)
	}
	return routes, nil
}

// Sources returns the selectable sources keyed by symbolic name.
func (d *DeviceProxy) Sources() (map[string]device.StereoPair, error) {
	v, err := d.obj.GetProperty(DeviceInterface + ".sources")
	if err != nil {
		return nil, err
	}
	var sources map[string]device.StereoPair
	if err := v.Store(&sources); err != nil {
		return nil, fmt.Errorf("unexpected sources type: %w", err)
	}
	return sources, nil
}

// SetRoutingSource writes the routingSource property. Unresolvable requests
// come back as device.ErrInvalidSelection with the service's diagnostic.
func (d *DeviceProxy) SetRoutingSource(request string) error {
	err := d.obj.SetProperty(DeviceInterface+".routingSource", dbus.MakeVariant(request))
	return mapSelectionError(err)
}

func (d *DeviceProxy) stringProperty(name string) (string, error) {
	v, err := d.obj.GetProperty(DeviceInterface + "." + name)
	if err != nil {
		return "", err
	}
	var s string
	if err := v.Store(&s); err != nil {
		return "", fmt.Errorf("unexpected %s type: %w", name, err)
	}
	return s, nil
}

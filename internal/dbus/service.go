package dbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/jmylchreest/mixctl/internal/device"
	"github.com/jmylchreest/mixctl/internal/hotplug"
	"github.com/jmylchreest/mixctl/internal/state"
	"github.com/jmylchreest/mixctl/internal/usb"
)

var errServiceStopping = errors.New("service is shutting down")

// Service is the device session service. It owns at most one registered
// device, publishes it through the object host and serializes every state
// change onto a single event loop goroutine.
type Service struct {
	host      objectHost
	transport usb.Transport
	store     *state.Store
	events    <-chan hotplug.Event
	logger    *slog.Logger

	dev   *device.Device // loop goroutine only
	calls chan func()
	quit  chan struct{}
	once  sync.Once
}

// NewService wires a service from its collaborators. The hotplug channel may
// be nil when attach/detach tracking is unavailable.
func NewService(host objectHost, transport usb.Transport, store *state.Store, events <-chan hotplug.Event, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		host:      host,
		transport: transport,
		store:     store,
		events:    events,
		logger:    logger,
		calls:     make(chan func()),
		quit:      make(chan struct{}),
	}
}

// manager is the bus-facing manager object. Its exported methods are the bus
// surface, everything else stays on Service.
type manager struct {
	svc *Service
}

// Shutdown implements the manager Shutdown method. The reply goes out before
// the loop finishes unregistering.
func (m *manager) Shutdown() *dbus.Error {
	m.svc.logger.Info("shutdown requested over the bus")
	m.svc.Shutdown()
	return nil
}

// Run publishes the manager, attempts an initial registration and serves the
// event loop until ctx is cancelled or Shutdown is called. The device is
// unregistered on the way out.
func (s *Service) Run(ctx context.Context) error {
	if err := s.host.exportManager(&manager{svc: s}); err != nil {
		return err
	}

	s.tryRegister()

	// Closing quit on the way out releases bus dispatchers blocked in
	// runSerialized when the loop exits via ctx instead of Shutdown.
	defer s.unregister()
	defer s.Shutdown()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down", "reason", context.Cause(ctx))
			return nil
		case <-s.quit:
			return nil
		case ev := <-s.events:
			s.handleHotplug(ev)
		case fn := <-s.calls:
			fn()
		}
	}
}

// Shutdown unblocks Run. Idempotent and safe from any goroutine.
func (s *Service) Shutdown() {
	s.once.Do(func() { close(s.quit) })
}

// WatchState starts w and re-applies externally edited selections for the
// registered device. The watcher callback posts into the event loop.
func (s *Service) WatchState(w *state.Watcher) error {
	w.SetChangeCallback(func(product string) {
		s.post(func() { s.handleStateChange(product) })
	})
	return w.Start()
}

// post enqueues fn for the event loop without waiting for it.
func (s *Service) post(fn func()) {
	select {
	case s.calls <- fn:
	case <-s.quit:
	}
}

// runSerialized runs fn on the event loop and waits for it. Bus dispatch
// goroutines use this so property writes observe loop ordering.
func (s *Service) runSerialized(fn func() error) error {
	done := make(chan error, 1)
	select {
	case s.calls <- func() { done <- fn() }:
	case <-s.quit:
		return errServiceStopping
	}

	select {
	case err := <-done:
		return err
	case <-s.quit:
		// The loop may have run fn right before exiting
		select {
		case err := <-done:
			return err
		default:
			return errServiceStopping
		}
	}
}

// tryRegister discovers and publishes a device. Idempotent: an existing
// registration wins and discovery failure leaves the service unregistered
// until the next hotplug event. Loop goroutine only.
func (s *Service) tryRegister() {
	if s.dev != nil {
		s.logger.Debug("device already registered, ignoring registration attempt")
		return
	}

	dev, err := device.Autodetect(s.transport, s.store, s.logger)
	if err != nil {
		if errors.Is(err, device.ErrNoDevice) {
			s.logger.Info("no compatible device attached")
		} else {
			s.logger.Error("device discovery failed", "error", err)
		}
		return
	}

	// Force hardware and persisted state back into agreement
	if err := dev.ResetState(); err != nil {
		s.logger.Warn("could not re-apply persisted selection", "error", err)
	}

	path := devicePath(0)
	if err := s.host.exportDevice(path, snapshotOf(dev), s.setRoutingSource); err != nil {
		s.logger.Error("failed to publish device object", "error", err)
		dev.Close()
		return
	}
	s.dev = dev
	s.logger.Info("registered device", "name", dev.Name(), "path", path)

	if err := s.host.emitAdded(path); err != nil {
		s.logger.Warn("failed to emit Added signal", "error", err)
	}
	s.host.setDevices([]dbus.ObjectPath{path})
}

// unregister unpublishes the device and closes its USB handle. No-op when
// nothing is registered. Loop goroutine only.
func (s *Service) unregister() {
	if s.dev == nil {
		return
	}

	path := devicePath(0)
	if err := s.host.unexportDevice(path); err != nil {
		s.logger.Warn("failed to unpublish device object", "error", err)
	}
	s.host.setDevices(nil)
	if err := s.host.emitRemoved(path); err != nil {
		s.logger.Warn("failed to emit Removed signal", "error", err)
	}

	s.logger.Info("unregistered device", "name", s.dev.Name())
	if err := s.dev.Close(); err != nil {
		s.logger.Warn("failed to close USB handle", "error", err)
	}
	s.dev = nil
}

// handleHotplug reacts to one attach or detach event. Attaches by a foreign
// vendor are skipped outright; detaches only count when they match the
// registered device's bus slot.
func (s *Service) handleHotplug(ev hotplug.Event) {
	switch ev.Action {
	case hotplug.ActionAdd:
		if ev.VendorID != 0 && ev.VendorID != device.VendorID {
			return
		}
		s.logger.Debug("usb device attached", "bus", ev.Bus, "address", ev.Address)
		s.tryRegister()
		if s.dev == nil {
			s.logger.Info("attached usb device is not supported",
				"vendor", fmt.Sprintf("%04x", ev.VendorID),
				"product", fmt.Sprintf("%04x", ev.ProductID))
		}
	case hotplug.ActionRemove:
		if s.dev == nil {
			return
		}
		bus, address := s.dev.BusAddress()
		if ev.Bus != bus || ev.Address != address {
			return
		}
		s.logger.Info("registered device detached", "bus", ev.Bus, "address", ev.Address)
		s.unregister()
	}
}

// handleStateChange re-reads the registered device's state file after an
// external edit and re-applies a differing selection. Loop goroutine only.
func (s *Service) handleStateChange(product string) {
	if s.dev == nil || s.dev.Product() != product {
		return
	}

	key, changed, err := s.dev.ReloadState()
	if err != nil {
		s.logger.Warn("could not re-apply edited state file", "product", product, "error", err)
		return
	}
	if !changed {
		return
	}

	s.logger.Info("state file edited, selection re-applied", "product", product, "source", key)
	s.host.updateRoutingSource(devicePath(0), key)
}

// setRoutingSource serves routingSource writes from bus dispatch goroutines
// by funneling them through the event loop.
func (s *Service) setRoutingSource(request string) (string, error) {
	var key string
	err := s.runSerialized(func() error {
		if s.dev == nil {
			return errors.New("device is no longer registered")
		}
		if err := s.dev.SetRoutingSource(request); err != nil {
			return err
		}
		key = s.dev.RoutingSource()
		return nil
	})
	return key, err
}

func snapshotOf(dev *device.Device) deviceSnapshot {
	return deviceSnapshot{
		Name:          dev.Name(),
		FixedRouting:  dev.FixedRouting(),
		RoutingTarget: dev.RoutingTarget(),
		Sources:       dev.Sources(),
		RoutingSource: dev.RoutingSource(),
	}
}

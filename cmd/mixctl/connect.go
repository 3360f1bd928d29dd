package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmylchreest/mixctl/internal/dbus"
	"github.com/jmylchreest/mixctl/internal/device"
	"github.com/jmylchreest/mixctl/internal/state"
	"github.com/jmylchreest/mixctl/internal/usb"
)

// errNoDevice is what the CLI reports when neither the service nor direct
// access finds a supported mixer.
var errNoDevice = errors.New("no compatible device detected")

// deviceView is the slice of a device the CLI renders and mutates. Served by
// a service proxy in the normal case and by the hardware itself with --direct.
type deviceView interface {
	Name() (string, error)
	FixedRouting() ([]device.Route, error)
	RoutingTarget() (device.StereoPair, error)
	Sources() (map[string]device.StereoPair, error)
	RoutingSource() (string, error)
	SetRoutingSource(request string) error
}

// acquireDevice finds a device per the global connection flags. The returned
// cleanup releases whichever path was taken and must be called once.
func acquireDevice(ctx context.Context) (deviceView, func(), error) {
	if globalOpts.direct {
		return acquireDirect()
	}

	client, err := dbus.NewClient(dbus.ClientOptions{
		RestartWait: cfg.Client.RestartWait.Duration(),
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { client.Close() }

	proxy, err := client.Autodetect()
	if err == nil && proxy == nil && globalOpts.wait {
		fmt.Println("No devices found... waiting for one to appear")
		proxy, err = client.WaitForDevice(ctx)
	}
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if proxy == nil {
		cleanup()
		return nil, nil, errNoDevice
	}
	return proxy, cleanup, nil
}

// acquireDirect opens the hardware without going through mixctld. Selections
// made this way persist to the same state files the service reads.
func acquireDirect() (deviceView, func(), error) {
	if globalOpts.wait {
		logger.Warn("--wait only works through the service, detecting immediately")
	}

	transport := usb.NewTransport()
	store := state.NewStore(cfg.ResolvedStateDir())
	dev, err := device.Autodetect(transport, store, logger)
	if err != nil {
		transport.Close()
		if errors.Is(err, device.ErrNoDevice) {
			return nil, nil, errNoDevice
		}
		return nil, nil, err
	}

	cleanup := func() {
		dev.Close()
		transport.Close()
	}
	return directDevice{dev: dev}, cleanup, nil
}

// directDevice adapts hardware access to the view the renderers consume.
type directDevice struct {
	dev *device.Device
}

func (d directDevice) Name() (string, error) { return d.dev.Name(), nil }

func (d directDevice) FixedRouting() ([]device.Route, error) { return d.dev.FixedRouting(), nil }

func (d directDevice) RoutingTarget() (device.StereoPair, error) { return d.dev.RoutingTarget(), nil }

func (d directDevice) Sources() (map[string]device.StereoPair, error) { return d.dev.Sources(), nil }

func (d directDevice) RoutingSource() (string, error) { return d.dev.RoutingSource(), nil }

func (d directDevice) SetRoutingSource(request string) error { return d.dev.SetRoutingSource(request) }

package hotplug

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/pilebones/go-udev/netlink"
)

// udevMonitor reads udev uevents from a netlink socket. The netlink-side
// matcher narrows the stream to usb_device add and remove events, attribute
// parsing happens in the pump.
type udevMonitor struct {
	conn   *netlink.UEventConn
	logger *slog.Logger

	events chan Event
	quit   chan struct{} // stops the netlink reader
	done   chan struct{} // stops the pump

	mu      sync.Mutex
	running bool
}

// NewUdevMonitor connects to the udev netlink socket and starts delivering
// USB attach and detach events.
func NewUdevMonitor(logger *slog.Logger) (Monitor, error) {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, fmt.Errorf("failed to connect to udev netlink socket: %w", err)
	}

	m := &udevMonitor{
		conn:    conn,
		logger:  logger,
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
		running: true,
	}

	queue := make(chan netlink.UEvent, 16)
	errs := make(chan error, 1)
	m.quit = conn.Monitor(queue, errs, usbMatcher())

	go m.pump(queue, errs)
	return m, nil
}

func (m *udevMonitor) pump(queue chan netlink.UEvent, errs chan error) {
	for {
		select {
		case <-m.done:
			return
		case uev := <-queue:
			ev, ok := parseEvent(uev)
			if !ok {
				m.logger.Debug("ignoring usb uevent without device numbers", "kobj", uev.KObj)
				continue
			}
			m.logger.Debug("usb hotplug event",
				"action", ev.Action, "bus", ev.Bus, "address", ev.Address)
			select {
			case m.events <- ev:
			case <-m.done:
				return
			}
		case err := <-errs:
			m.logger.Warn("udev monitor read failed", "error", err)
		}
	}
}

func (m *udevMonitor) Events() <-chan Event {
	return m.events
}

func (m *udevMonitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false
	close(m.quit)
	close(m.done)
	return m.conn.Close()
}

// usbMatcher selects add and remove uevents for whole USB devices. Interface
// uevents share SUBSYSTEM=usb but carry a different DEVTYPE.
func usbMatcher() *netlink.RuleDefinitions {
	add := "^" + string(netlink.ADD) + "$"
	remove := "^" + string(netlink.REMOVE) + "$"
	env := map[string]string{
		"SUBSYSTEM": "^usb$",
		"DEVTYPE":   "^usb_device$",
	}
	return &netlink.RuleDefinitions{Rules: []netlink.RuleDefinition{
		{Action: &add, Env: env},
		{Action: &remove, Env: env},
	}}
}

// parseEvent extracts the device identity from a uevent. Events without
// parseable bus and device numbers are dropped, the ID_* properties are
// optional because udev omits them on removal.
func parseEvent(uev netlink.UEvent) (Event, bool) {
	bus, err := strconv.Atoi(uev.Env["BUSNUM"])
	if err != nil {
		return Event{}, false
	}
	address, err := strconv.Atoi(uev.Env["DEVNUM"])
	if err != nil {
		return Event{}, false
	}

	ev := Event{
		Action:  Action(uev.Action),
		Bus:     bus,
		Address: address,
	}
	if id, err := strconv.ParseUint(uev.Env["ID_VENDOR_ID"], 16, 16); err == nil {
		ev.VendorID = uint16(id)
	}
	if id, err := strconv.ParseUint(uev.Env["ID_MODEL_ID"], 16, 16); err == nil {
		ev.ProductID = uint16(id)
	}
	return ev, true
}

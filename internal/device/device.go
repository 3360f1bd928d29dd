package device

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/mixctl/internal/state"
	"github.com/jmylchreest/mixctl/internal/usb"
)

// ErrNoDevice is returned by Autodetect when no supported mixer is attached.
var ErrNoDevice = errors.New("no compatible device found")

// UnknownSource is the routing source reported before any selection has been
// recorded.
const UnknownSource = "UNKNOWN"

// Vendor control transfer parameters for selecting the routing source.
const (
	ctrlRequestType = 0x40
	ctrlRequest     = 16
	ctrlValue       = 0
	ctrlIndex       = 0
)

// routingCommand builds the 8-byte vendor command selecting ordinal.
// Byte 3 carries the ordinal, the rest of the layout is fixed.
func routingCommand(ordinal int) []byte {
	return []byte{0x00, 0x00, 0x04, byte(ordinal), 0x00, 0x00, 0x00, 0x00}
}

// Device is one opened mixer together with its persisted selection. Created
// by Autodetect, mutated only through SetRoutingSource, closed when the
// hardware disappears or the owning service shuts down.
type Device struct {
	desc    Descriptor
	handle  usb.Device
	store   *state.Store
	logger  *slog.Logger
	product string
	fw      string
	current *int // ordinal of the in-memory selection, nil = unknown
}

// Autodetect opens the first attached supported mixer in descriptor priority
// order. Returns ErrNoDevice when nothing compatible is attached.
func Autodetect(transport usb.Transport, store *state.Store, logger *slog.Logger) (*Device, error) {
	for _, desc := range Descriptors() {
		handle, err := transport.Open(VendorID, desc.ProductID)
		if err != nil {
			if errors.Is(err, usb.ErrDeviceNotFound) {
				continue
			}
			return nil, err
		}
		return newDevice(desc, handle, store, logger), nil
	}
	return nil, ErrNoDevice
}

func newDevice(desc Descriptor, handle usb.Device, store *state.Store, logger *slog.Logger) *Device {
	product, err := handle.Product()
	if err != nil || product == "" {
		// Reading the product string needs write access to the device node
		product = desc.Model
	}

	release := handle.Release()
	d := &Device{
		desc:    desc,
		handle:  handle,
		store:   store,
		logger:  logger,
		product: product,
		fw:      fmt.Sprintf("%d.%02d", release>>8, release&0xff),
	}

	st := store.Load(product)
	if st.Source != nil {
		if _, ok := desc.SourceByOrdinal(*st.Source); ok {
			d.current = st.Source
		} else {
			logger.Warn("ignoring persisted selection outside the source set",
				"product", product, "ordinal", *st.Source)
		}
	}
	return d
}

// Name returns the display name, product plus firmware version.
func (d *Device) Name() string {
	return fmt.Sprintf("%s (fw v%s)", d.product, d.fw)
}

// Product returns the product name keying the persisted state.
func (d *Device) Product() string { return d.product }

// FirmwareVersion returns the firmware version read from the USB descriptor.
func (d *Device) FirmwareVersion() string { return d.fw }

// Descriptor returns the hardware descriptor backing this device.
func (d *Device) Descriptor() Descriptor { return d.desc }

// RoutingTarget returns the capture channel pair the selectable sources feed.
func (d *Device) RoutingTarget() StereoPair { return d.desc.RoutingTarget }

// FixedRouting returns the always-active routes.
func (d *Device) FixedRouting() []Route { return d.desc.FixedRouting }

// Sources returns the selectable sources keyed by symbolic name.
func (d *Device) Sources() map[string]StereoPair { return d.desc.SourceMap() }

// RoutingSource returns the key of the current selection, or UnknownSource
// when none has been recorded.
func (d *Device) RoutingSource() string {
	if d.current == nil {
		return UnknownSource
	}
	src, ok := d.desc.SourceByOrdinal(*d.current)
	if !ok {
		return UnknownSource
	}
	return src.Key
}

// BusAddress returns the USB bus and device numbers; hotplug remove events
// are matched against them.
func (d *Device) BusAddress() (bus, address int) {
	return d.handle.Bus(), d.handle.Address()
}

// SetRoutingSource resolves request, issues the hardware command for the
// resolved ordinal and persists the new selection. The hardware write and
// the persist are not transactional: when the state file cannot be written
// the applied command stands and only a warning is logged.
func (d *Device) SetRoutingSource(request string) error {
	src, err := d.desc.ResolveRequest(request)
	if err != nil {
		return err
	}

	d.logger.Info("switching USB audio input", "product", d.product, "source", src.Key)
	if _, err := d.handle.Control(ctrlRequestType, ctrlRequest, ctrlValue, ctrlIndex, routingCommand(src.Ordinal)); err != nil {
		return fmt.Errorf("failed to send routing command: %w", err)
	}

	ordinal := src.Ordinal
	d.current = &ordinal
	if err := d.store.Save(d.product, state.State{Source: &ordinal}); err != nil {
		d.logger.Warn("could not write state file", "product", d.product, "error", err)
	}
	return nil
}

// ResetState re-applies the persisted selection so hardware and state agree
// again, e.g. after the mixer was power-cycled. No-op when nothing has ever
// been selected.
func (d *Device) ResetState() error {
	current := d.RoutingSource()
	if current == UnknownSource {
		return nil
	}
	return d.SetRoutingSource(current)
}

// ReloadState re-reads the persisted selection and, when it differs from the
// in-memory one, re-applies it to hardware. Returns the now-current source
// key and whether anything changed.
func (d *Device) ReloadState() (string, bool, error) {
	st := d.store.Load(d.product)
	if st.Source == nil {
		return d.RoutingSource(), false, nil
	}

	src, ok := d.desc.SourceByOrdinal(*st.Source)
	if !ok {
		return d.RoutingSource(), false, nil
	}
	if d.current != nil && *d.current == src.Ordinal {
		return src.Key, false, nil
	}

	if err := d.SetRoutingSource(src.Key); err != nil {
		return d.RoutingSource(), false, err
	}
	return src.Key, true, nil
}

// Close releases the USB handle.
func (d *Device) Close() error {
	return d.handle.Close()
}

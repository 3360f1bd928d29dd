package usb

import (
	"fmt"

	"github.com/google/gousb"
)

// NewTransport returns a Transport backed by libusb via gousb.
func NewTransport() Transport {
	return &gousbTransport{ctx: gousb.NewContext()}
}

type gousbTransport struct {
	ctx *gousb.Context
}

func (t *gousbTransport) Open(vendorID, productID uint16) (Device, error) {
	devs, err := t.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(vendorID) && desc.Product == gousb.ID(productID)
	})

	// OpenDevices can return usable handles alongside an error; keep the
	// first handle and close the rest.
	var dev *gousb.Device
	for _, d := range devs {
		if dev == nil {
			dev = d
			continue
		}
		_ = d.Close()
	}

	if dev == nil {
		if err != nil {
			return nil, fmt.Errorf("failed to open USB device %04x:%04x: %w", vendorID, productID, err)
		}
		return nil, ErrDeviceNotFound
	}
	return &gousbDevice{dev: dev}, nil
}

func (t *gousbTransport) Close() error {
	return t.ctx.Close()
}

type gousbDevice struct {
	dev *gousb.Device
}

func (d *gousbDevice) Product() (string, error) {
	return d.dev.Product()
}

func (d *gousbDevice) Release() uint16 {
	return uint16(d.dev.Desc.Device)
}

func (d *gousbDevice) Bus() int     { return d.dev.Desc.Bus }
func (d *gousbDevice) Address() int { return d.dev.Desc.Address }

func (d *gousbDevice) Control(requestType, request uint8, value, index uint16, data []byte) (int, error) {
	return d.dev.Control(requestType, request, value, index, data)
}

func (d *gousbDevice) Close() error {
	return d.dev.Close()
}

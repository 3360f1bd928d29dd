// Package usb abstracts the USB transport used to reach mixer hardware.
package usb

import "errors"

// ErrDeviceNotFound is returned by Open when no attached device matches.
var ErrDeviceNotFound = errors.New("no matching USB device attached")

// Device represents an opened USB device capable of vendor control transfers.
type Device interface {
	// Product reads the product string descriptor.
	Product() (string, error)

	// Release returns the raw bcdDevice field (BCD-coded firmware release).
	Release() uint16

	// Bus and Address locate the device on the USB topology. Hotplug remove
	// events are matched against them.
	Bus() int
	Address() int

	// Control issues a control transfer on the default endpoint and returns
	// the number of bytes transferred.
	Control(requestType, request uint8, value, index uint16, data []byte) (int, error)

	Close() error
}

// Transport enumerates and opens USB devices.
type Transport interface {
	// Open returns a handle to the first attached device matching the given
	// vendor/product ids, or ErrDeviceNotFound.
	Open(vendorID, productID uint16) (Device, error)

	Close() error
}

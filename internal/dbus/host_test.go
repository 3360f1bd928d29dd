package dbus

import (
	"fmt"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/mixctl/internal/device"
)

func testSnapshot() deviceSnapshot {
	return deviceSnapshot{
		Name: "Notepad-8FX (fw v1.09)",
		FixedRouting: []device.Route{
			{Source: device.StereoPair{Left: "Mic/Line 1", Right: "Mic/Line 2"}, Target: device.StereoPair{Left: "playback_1", Right: "playback_2"}},
		},
		RoutingTarget: device.StereoPair{Left: "capture_1", Right: "capture_2"},
		Sources: map[string]device.StereoPair{
			"INPUT_1_2": {Left: "Mic/Line 1", Right: "Mic/Line 2"},
		},
		RoutingSource: device.UnknownSource,
	}
}

func testObject(set setFunc) *deviceObject {
	return &deviceObject{
		logger: testLogger(),
		path:   devicePath(0),
		set:    set,
		snap:   testSnapshot(),
	}
}

func TestDeviceObjectGet(t *testing.T) {
	o := testObject(nil)

	v, derr := o.Get(DeviceInterface, "name")
	require.Nil(t, derr)
	assert.Equal(t, dbus.MakeVariant("Notepad-8FX (fw v1.09)"), v)

	v, derr = o.Get(DeviceInterface, "routingSource")
	require.Nil(t, derr)
	assert.Equal(t, dbus.MakeVariant(device.UnknownSource), v)

	_, derr = o.Get(DeviceInterface, "gain")
	assert.Equal(t, prop.ErrPropNotFound, derr)

	_, derr = o.Get("org.example.Other", "name")
	assert.Equal(t, prop.ErrIfaceNotFound, derr)
}

func TestDeviceObjectGetAll(t *testing.T) {
	o := testObject(nil)

	all, derr := o.GetAll(DeviceInterface)
	require.Nil(t, derr)
	require.Len(t, all, len(devicePropNames))
	for _, name := range devicePropNames {
		assert.Contains(t, all, name)
	}
	assert.Equal(t, dbus.MakeVariant(device.UnknownSource), all["routingSource"])

	_, derr = o.GetAll("org.example.Other")
	assert.Equal(t, prop.ErrIfaceNotFound, derr)
}

func TestDeviceObjectGetEmptyFixedRouting(t *testing.T) {
	o := testObject(nil)
	o.snap.FixedRouting = nil

	// A nil slice would marshal as a nil variant, so the getter substitutes
	// an empty one.
	v, derr := o.Get(DeviceInterface, "fixedRouting")
	require.Nil(t, derr)
	assert.Equal(t, dbus.MakeVariant([]device.Route{}), v)
}

func TestDeviceObjectSet(t *testing.T) {
	var got string
	o := testObject(func(request string) (string, error) {
		got = request
		return "INPUT_1_2", nil
	})

	derr := o.Set(DeviceInterface, "routingSource", dbus.MakeVariant("1_2"))
	require.Nil(t, derr)
	assert.Equal(t, "1_2", got)

	// The stored value is the canonical key, not the raw request.
	v, _ := o.Get(DeviceInterface, "routingSource")
	assert.Equal(t, dbus.MakeVariant("INPUT_1_2"), v)
}

func TestDeviceObjectSetInvalidSelection(t *testing.T) {
	o := testObject(func(request string) (string, error) {
		return "", fmt.Errorf("%w: no source matches %q", device.ErrInvalidSelection, request)
	})

	derr := o.Set(DeviceInterface, "routingSource", dbus.MakeVariant("bogus"))
	require.NotNil(t, derr)
	assert.Equal(t, invalidSelectionErrName, derr.Name)
	require.NotEmpty(t, derr.Body)
	assert.Contains(t, derr.Body[0], "bogus")

	v, _ := o.Get(DeviceInterface, "routingSource")
	assert.Equal(t, dbus.MakeVariant(device.UnknownSource), v)
}

func TestDeviceObjectSetHardwareFailure(t *testing.T) {
	o := testObject(func(string) (string, error) {
		return "", fmt.Errorf("control transfer failed: broken pipe")
	})

	derr := o.Set(DeviceInterface, "routingSource", dbus.MakeVariant("1"))
	require.NotNil(t, derr)
	assert.NotEqual(t, invalidSelectionErrName, derr.Name)
}

func TestDeviceObjectSetRejections(t *testing.T) {
	o := testObject(func(string) (string, error) {
		t.Fatal("set must not be called")
		return "", nil
	})

	assert.Equal(t, prop.ErrIfaceNotFound, o.Set("org.example.Other", "routingSource", dbus.MakeVariant("1")))
	assert.Equal(t, prop.ErrReadOnly, o.Set(DeviceInterface, "name", dbus.MakeVariant("x")))
	assert.Equal(t, prop.ErrPropNotFound, o.Set(DeviceInterface, "gain", dbus.MakeVariant("x")))
	assert.Equal(t, prop.ErrPropTypeChanged, o.Set(DeviceInterface, "routingSource", dbus.MakeVariant(int32(5))))
}

func TestDeviceObjectUpdateRoutingSource(t *testing.T) {
	// No bus connection: the update must still land in the snapshot without
	// attempting to emit.
	o := testObject(nil)

	o.updateRoutingSource("MASTER_L_R")
	v, _ := o.Get(DeviceInterface, "routingSource")
	assert.Equal(t, dbus.MakeVariant("MASTER_L_R"), v)

	// Same value again is a no-op.
	o.updateRoutingSource("MASTER_L_R")
	v, _ = o.Get(DeviceInterface, "routingSource")
	assert.Equal(t, dbus.MakeVariant("MASTER_L_R"), v)
}

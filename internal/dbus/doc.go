// Package dbus exposes the device session service and its client over the
// session bus. The service claims io.github.jmylchreest.mixctl, publishes at
// most one device object and serializes every state change through a single
// event loop; the client resolves the manager, enforces the version/restart
// protocol and hands out typed device proxies.
package dbus

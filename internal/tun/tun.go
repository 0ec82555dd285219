// Package tun wraps a kernel TUN device in L3 (no packet-info, no
// Ethernet header) mode, configured per tunnel rather than the
// teacher's single hardcoded /24.
package tun

import (
	"fmt"
	"net"
	"os/exec"
	"runtime"

	"github.com/songgao/water"
)

// Device is one tunnel's TUN interface.
type Device struct {
	iface   *water.Interface
	name    string
	mtu     int
	gateway net.IP
	netmask net.IPMask
}

// Config describes how a tunnel wants its TUN device set up, matching
// spec §6's "{ name, local_addr = tunnel_gateway, netmask, destination
// = tunnel_gateway, mtu }".
type Config struct {
	Name    string
	MTU     int
	Gateway net.IP
	Netmask net.IPMask
}

// New creates and configures a TUN interface for one tunnel.
func New(cfg Config) (*Device, error) {
	waterCfg := water.Config{DeviceType: water.TUN}
	if cfg.Name != "" && runtime.GOOS != "darwin" {
		waterCfg.Name = cfg.Name
	}

	iface, err := water.New(waterCfg)
	if err != nil {
		return nil, fmt.Errorf("tun: create device: %w", err)
	}

	dev := &Device{
		iface:   iface,
		name:    iface.Name(),
		mtu:     cfg.MTU,
		gateway: cfg.Gateway,
		netmask: cfg.Netmask,
	}

	if err := dev.configure(); err != nil {
		iface.Close()
		return nil, fmt.Errorf("tun: configure device: %w", err)
	}

	return dev, nil
}

// configure brings the interface up with the tunnel's gateway address
// as both the interface address and the point-to-point destination
// (the server is the only thing on the other end of every client's
// point of view of the subnet).
func (d *Device) configure() error {
	switch runtime.GOOS {
	case "darwin":
		return d.configureDarwin()
	case "linux":
		return d.configureLinux()
	default:
		return fmt.Errorf("tun: unsupported OS: %s", runtime.GOOS)
	}
}

func (d *Device) configureDarwin() error {
	cmd := exec.Command("ifconfig", d.name,
		d.gateway.String(), d.gateway.String(),
		"mtu", fmt.Sprintf("%d", d.mtu), "up")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ifconfig failed: %s: %w", string(out), err)
	}
	return nil
}

func (d *Device) configureLinux() error {
	cmd := exec.Command("ip", "link", "set", "dev", d.name, "mtu", fmt.Sprintf("%d", d.mtu), "up")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ip link set failed: %s: %w", string(out), err)
	}

	ones, _ := d.netmask.Size()
	cmd = exec.Command("ip", "addr", "add",
		fmt.Sprintf("%s/%d", d.gateway.String(), ones),
		"dev", d.name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ip addr add failed: %s: %w", string(out), err)
	}

	return nil
}

// Read reads one packet from the TUN device.
func (d *Device) Read(b []byte) (int, error) {
	return d.iface.Read(b)
}

// Write writes one packet to the TUN device.
func (d *Device) Write(b []byte) (int, error) {
	return d.iface.Write(b)
}

// Close tears down the TUN interface.
func (d *Device) Close() error {
	return d.iface.Close()
}

// Name returns the kernel interface name.
func (d *Device) Name() string {
	return d.name
}

// MTU returns the configured MTU.
func (d *Device) MTU() int {
	return d.mtu
}

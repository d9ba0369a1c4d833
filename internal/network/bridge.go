// Package network provisions the host-side bridge and tap devices that back
// microVM networking. Operations are idempotent: existing devices in the
// desired state are left alone.
package network

import (
	"fmt"
	"regexp"

	"github.com/vishvananda/netlink"

	"github.com/nulvox/firecracker-helpers/internal/logging"
)

// Options names the devices and the bridge address.
type Options struct {
	Bridge  string
	Tap     string
	Address string // CIDR assigned to the bridge, e.g. "172.16.0.1/24"
}

var ifaceNameRE = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]{0,14}$`)

// Validate checks device names against kernel interface naming rules.
func Validate(opts Options) error {
	if !ifaceNameRE.MatchString(opts.Bridge) {
		return fmt.Errorf("invalid bridge name %q", opts.Bridge)
	}
	if !ifaceNameRE.MatchString(opts.Tap) {
		return fmt.Errorf("invalid tap name %q", opts.Tap)
	}
	if opts.Bridge == opts.Tap {
		return fmt.Errorf("bridge and tap must not share a name")
	}
	if _, err := netlink.ParseAddr(opts.Address); err != nil {
		return fmt.Errorf("invalid bridge address %q: %w", opts.Address, err)
	}
	return nil
}

// Up creates the bridge, assigns its address, creates the tap, enslaves it
// to the bridge, and brings both devices up.
func Up(opts Options) error {
	if err := Validate(opts); err != nil {
		return err
	}

	bridge, err := ensureBridge(opts.Bridge)
	if err != nil {
		return err
	}
	if err := ensureAddress(bridge, opts.Address); err != nil {
		return err
	}
	if err := netlink.LinkSetUp(bridge); err != nil {
		return fmt.Errorf("failed to bring up bridge %s: %w", opts.Bridge, err)
	}

	tap, err := ensureTap(opts.Tap)
	if err != nil {
		return err
	}
	if err := netlink.LinkSetMaster(tap, bridge); err != nil {
		return fmt.Errorf("failed to attach %s to %s: %w", opts.Tap, opts.Bridge, err)
	}
	if err := netlink.LinkSetUp(tap); err != nil {
		return fmt.Errorf("failed to bring up tap %s: %w", opts.Tap, err)
	}

	logging.Info("Network ready",
		"bridge", opts.Bridge, "tap", opts.Tap, "address", opts.Address)
	return nil
}

// Down removes the tap and then the bridge. Missing devices are not errors,
// so Down is safe to run repeatedly.
func Down(opts Options) error {
	if err := Validate(opts); err != nil {
		return err
	}

	if err := deleteLink(opts.Tap); err != nil {
		return err
	}
	if err := deleteLink(opts.Bridge); err != nil {
		return err
	}

	logging.Info("Network removed", "bridge", opts.Bridge, "tap", opts.Tap)
	return nil
}

func ensureBridge(name string) (netlink.Link, error) {
	if link, err := netlink.LinkByName(name); err == nil {
		if _, ok := link.(*netlink.Bridge); !ok {
			return nil, fmt.Errorf("device %s exists but is not a bridge", name)
		}
		logging.Debug("Bridge already exists", "bridge", name)
		return link, nil
	}

	bridge := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := netlink.LinkAdd(bridge); err != nil {
		return nil, fmt.Errorf("failed to create bridge %s: %w", name, err)
	}
	logging.Debug("Created bridge", "bridge", name)
	return bridge, nil
}

func ensureAddress(link netlink.Link, cidr string) error {
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("invalid bridge address %q: %w", cidr, err)
	}

	existing, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("failed to list addresses: %w", err)
	}
	for _, a := range existing {
		if a.Equal(*addr) {
			logging.Debug("Bridge address already assigned", "address", cidr)
			return nil
		}
	}

	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("failed to assign %s: %w", cidr, err)
	}
	return nil
}

func ensureTap(name string) (netlink.Link, error) {
	if link, err := netlink.LinkByName(name); err == nil {
		if _, ok := link.(*netlink.Tuntap); !ok {
			return nil, fmt.Errorf("device %s exists but is not a tap", name)
		}
		logging.Debug("Tap already exists", "tap", name)
		return link, nil
	}

	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return nil, fmt.Errorf("failed to create tap %s: %w", name, err)
	}
	logging.Debug("Created tap", "tap", name)
	return tap, nil
}

func deleteLink(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			logging.Debug("Device already absent", "device", name)
			return nil
		}
		return fmt.Errorf("failed to look up %s: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

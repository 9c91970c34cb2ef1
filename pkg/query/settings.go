package query

import (
	"fmt"
	"strings"

	"github.com/prometheus/procfs/sysfs"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// LinkSettings is the physical-layer state of an interface.
type LinkSettings struct {
	// SpeedMbps is zero when the kernel does not report a speed.
	SpeedMbps int64
	Duplex    string
	AutoNeg   *bool
}

// LinkSettingsReader reads link settings for an interface in a VRF.
type LinkSettingsReader interface {
	LinkSettings(ifName, vrfName string) (LinkSettings, error)
}

// OperStatusReader reads the operational status of an interface in a VRF.
type OperStatusReader interface {
	OperStatus(ifName, vrfName string) (string, error)
}

// SysfsLinkSettings reads speed and duplex from /sys/class/net.
type SysfsLinkSettings struct {
	fs sysfs.FS
}

// NewSysfsLinkSettings builds a reader rooted at the sysfs mount point.
func NewSysfsLinkSettings(mountPoint string) (*SysfsLinkSettings, error) {
	fs, err := sysfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open sysfs %q: %w", mountPoint, err)
	}

	return &SysfsLinkSettings{fs: fs}, nil
}

// LinkSettings implements LinkSettingsReader. Sysfs only reflects the
// daemon's own namespace, so vrfName is informational.
func (s *SysfsLinkSettings) LinkSettings(ifName, _ string) (LinkSettings, error) {
	iface, err := s.fs.NetClassByIface(ifName)
	if err != nil {
		return LinkSettings{}, fmt.Errorf("read sysfs for %q: %w", ifName, err)
	}

	settings := LinkSettings{Duplex: strings.TrimSpace(iface.Duplex)}
	if iface.Speed != nil && *iface.Speed > 0 {
		settings.SpeedMbps = *iface.Speed
	}

	return settings, nil
}

// NamespaceFunc opens the network namespace of a VRF.
type NamespaceFunc func(vrfName string) (netns.NsHandle, error)

// NetlinkOperStatus reads operational state with a netlink handle opened in
// the VRF's namespace.
type NetlinkOperStatus struct {
	namespace NamespaceFunc
}

// NewNetlinkOperStatus builds a reader that resolves namespaces with fn.
func NewNetlinkOperStatus(fn NamespaceFunc) *NetlinkOperStatus {
	return &NetlinkOperStatus{namespace: fn}
}

// OperStatus implements OperStatusReader.
func (n *NetlinkOperStatus) OperStatus(ifName, vrfName string) (string, error) {
	ns, err := n.namespace(vrfName)
	if err != nil {
		return "", fmt.Errorf("resolve namespace for vrf %q: %w", vrfName, err)
	}

	var handle *netlink.Handle
	if ns.IsOpen() {
		defer ns.Close()

		handle, err = netlink.NewHandleAt(ns)
	} else {
		handle, err = netlink.NewHandle()
	}

	if err != nil {
		return "", fmt.Errorf("open netlink handle: %w", err)
	}
	defer handle.Close()

	link, err := handle.LinkByName(ifName)
	if err != nil {
		return "", fmt.Errorf("lookup %q: %w", ifName, err)
	}

	return link.Attrs().OperState.String(), nil
}

package dispatcher

import "net"

// interfaceByName resolves an interface name to the kernel ifindex that
// cilium/ebpf's link.AttachXDP expects.
func interfaceByName(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, err
	}
	return iface.Index, nil
}

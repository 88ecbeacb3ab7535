package dnssd

import (
	"net"
)

// HostAddresses returns the distinct addresses a published service is
// reachable at: every address of every interface that is up, is not
// loopback and has a real (non-zero) hardware address.
func HostAddresses() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var addrs []string
	for i := range ifaces {
		if !usableInterface(&ifaces[i]) {
			continue
		}
		ifaceAddrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		addrs = append(addrs, collectAddrs(ifaceAddrs)...)
	}
	return dedupeAddrs(addrs), nil
}

func usableInterface(ifi *net.Interface) bool {
	if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
		return false
	}
	return !zeroMAC(ifi.HardwareAddr)
}

// Interfaces without a hardware address (or with an all-zero one) are
// virtual constructs we do not want to advertise.
func zeroMAC(hw net.HardwareAddr) bool {
	if len(hw) == 0 {
		return true
	}
	for _, b := range hw {
		if b != 0 {
			return false
		}
	}
	return true
}

func collectAddrs(addrs []net.Addr) []string {
	var result []string
	for _, addr := range addrs {
		var ip net.IP
		switch a := addr.(type) {
		case *net.IPNet:
			ip = a.IP
		case *net.IPAddr:
			ip = a.IP
		default:
			continue
		}
		if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
			continue
		}
		result = append(result, ip.String())
	}
	return result
}

func dedupeAddrs(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	result := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if _, found := seen[a]; found {
			continue
		}
		seen[a] = struct{}{}
		result = append(result, a)
	}
	return result
}

package telemetry

import (
	"net"
	"os"

	"github.com/google/uuid"
)

// NodeID derives a stable machine identity: the UUIDv5 of the first
// non-loopback interface's hardware address. The MAC survives reboots and
// reinstalls of the daemon, so the backend sees one machine, not a new one
// per restart. Hosts with no usable MAC fall back to the hostname UUID.
func NodeID() string {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			return uuid.NewSHA1(uuid.NameSpaceDNS, iface.HardwareAddr).String()
		}
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(hostname)).String()
}

// SelfIP returns the node's preferred outbound IPv4 address. The UDP dial
// never sends a packet; it just asks the kernel which source address it
// would route from. Falls back to an interface scan, then to loopback.
func SelfIP() string {
	if conn, err := net.Dial("udp", "10.255.255.255:1"); err == nil {
		addr := conn.LocalAddr().(*net.UDPAddr)
		conn.Close()
		return addr.IP.String()
	}

	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}

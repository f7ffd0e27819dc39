package core

import (
	"net"
)

// LocalIP returns the address of the interface this machine would use to reach
// probeAddr, or nil if it can't be determined. Dialing UDP sends no packets.
func LocalIP(probeAddr string) net.IP {
	conn, err := net.Dial("udp", probeAddr)
	if err != nil {
		return nil
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsUnspecified() {
		return nil
	}
	return addr.IP
}

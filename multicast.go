package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// fnv1hash implements the 32-bit FNV-1 hash
func fnv1hash(data []byte) uint32 {
	hash := uint32(0x811c9dc5) // FNV-1 offset basis
	for _, b := range data {
		hash *= 0x01000193 // FNV-1 prime
		hash ^= uint32(b)
	}
	return hash
}

// makeMaddr derives an administratively scoped multicast address from a stream name
func makeMaddr(name string) string {
	hash := fnv1hash([]byte(name))

	addr := (239 << 24) | (hash & 0xffffff)

	// Avoid 239.0.0.0/24 and 239.128.0.0/24, they share Ethernet multicast MACs
	if (addr & 0x007fff00) == 0 {
		addr |= (addr & 0xff) << 8
	}
	if (addr & 0x007fff00) == 0 {
		addr |= 0x00100000
	}

	return fmt.Sprintf("%d.%d.%d.%d",
		(addr>>24)&0xff,
		(addr>>16)&0xff,
		(addr>>8)&0xff,
		addr&0xff)
}

// resolveMulticastAddr resolves "host:port". Names that do not resolve are
// hashed into 239.0.0.0/8 so that sender and receiver agree without DNS.
func resolveMulticastAddr(addrStr string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp4", addrStr)
	if err == nil {
		return addr, nil
	}

	host, port, splitErr := net.SplitHostPort(addrStr)
	if splitErr != nil {
		host = strings.TrimSpace(addrStr)
		port = "0"
	}
	if host == "" {
		return nil, fmt.Errorf("invalid address format: %s", addrStr)
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in address %s: %w", addrStr, err)
	}

	return &net.UDPAddr{IP: net.ParseIP(makeMaddr(host)), Port: portNum}, nil
}

// setupDataSocket creates a UDP socket bound to a multicast group. Several
// pipelines may listen to the same group, so the port is shared.
func setupDataSocket(addr *net.UDPAddr, iface *net.Interface) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEPORT: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
					return
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), "udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	udpConn := conn.(*net.UDPConn)

	if err := udpConn.SetReadBuffer(1024 * 1024); err != nil {
		log.Printf("Warning: failed to set read buffer size: %v", err)
	}

	if !addr.IP.IsMulticast() {
		return udpConn, nil
	}

	p := ipv4.NewPacketConn(udpConn)
	if iface != nil {
		if err := p.JoinGroup(iface, addr); err != nil {
			log.Printf("Warning: failed to join multicast group on %s: %v", iface.Name, err)
		}
	}

	// Local senders only reach us through loopback
	loopback, err := getLoopbackInterface()
	if err == nil && loopback != nil {
		if err := p.JoinGroup(loopback, addr); err != nil {
			log.Printf("Warning: failed to join multicast group on loopback: %v", err)
		}
	}

	return udpConn, nil
}

func getLoopbackInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			return &iface, nil
		}
	}

	return nil, fmt.Errorf("loopback interface not found")
}

// lookupInterface returns the named interface, or nil for the system default
func lookupInterface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", name, err)
	}
	return iface, nil
}

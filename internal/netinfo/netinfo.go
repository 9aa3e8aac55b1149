// Package netinfo provides a read-only view of the host's network
// configuration: interfaces, default route, hostname, domain, and name
// servers. It backs the controller's informational API surface and performs
// no mutation.
package netinfo

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
)

// Interface describes one network interface.
type Interface struct {
	Name         string   `json:"name"`
	HardwareAddr string   `json:"hardware_addr,omitempty"`
	Up           bool     `json:"up"`
	Addrs        []string `json:"addrs"`
}

// Info is a snapshot of host network configuration.
type Info struct {
	Hostname     string      `json:"hostname"`
	Domain       string      `json:"domain,omitempty"`
	Interfaces   []Interface `json:"interfaces"`
	DefaultRoute string      `json:"default_route,omitempty"`
	NameServers  []string    `json:"name_servers"`
}

// Collect gathers the snapshot. Pieces that cannot be determined are left
// empty rather than failing the whole call.
func Collect() (*Info, error) {
	info := &Info{}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("netinfo: hostname: %w", err)
	}
	info.Hostname = hostname

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("netinfo: interfaces: %w", err)
	}
	for _, iface := range ifaces {
		entry := Interface{
			Name:         iface.Name,
			HardwareAddr: iface.HardwareAddr.String(),
			Up:           iface.Flags&net.FlagUp != 0,
			Addrs:        []string{},
		}
		if addrs, err := iface.Addrs(); err == nil {
			for _, a := range addrs {
				entry.Addrs = append(entry.Addrs, a.String())
			}
		}
		info.Interfaces = append(info.Interfaces, entry)
	}

	if f, err := os.Open("/proc/net/route"); err == nil {
		info.DefaultRoute = parseDefaultRoute(f)
		f.Close()
	}

	if f, err := os.Open("/etc/resolv.conf"); err == nil {
		info.Domain, info.NameServers = parseResolvConf(f)
		f.Close()
	}
	if info.Domain == "" {
		// Fall back to the hostname's domain part.
		if _, domain, ok := strings.Cut(hostname, "."); ok {
			info.Domain = domain
		}
	}
	if info.NameServers == nil {
		info.NameServers = []string{}
	}
	return info, nil
}

// parseDefaultRoute finds the gateway of the all-zero destination in
// /proc/net/route format. Returns "" when there is no default route.
func parseDefaultRoute(r io.Reader) string {
	scanner := bufio.NewScanner(r)
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		if fields[1] != "00000000" {
			continue
		}
		gw, err := strconv.ParseUint(fields[2], 16, 32)
		if err != nil {
			continue
		}
		// The kernel writes the address little-endian.
		ip := make(net.IP, 4)
		binary.LittleEndian.PutUint32(ip, uint32(gw))
		return ip.String()
	}
	return ""
}

// parseResolvConf extracts the domain and name servers from resolv.conf
// format.
func parseResolvConf(r io.Reader) (domain string, servers []string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "nameserver":
			servers = append(servers, fields[1])
		case "domain":
			domain = fields[1]
		case "search":
			if domain == "" {
				domain = fields[1]
			}
		}
	}
	return domain, servers
}

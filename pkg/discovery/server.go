package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/hashicorp/mdns"
)

// Server advertises a host on the local network via mDNS.
type Server struct {
	info   ServiceInfo
	server *mdns.Server
}

// NewServer creates a new mDNS server for advertising a host.
func NewServer(info ServiceInfo) *Server {
	return &Server{info: info}
}

// Start begins advertising the host on the network.
func (s *Server) Start() error {
	if s.info.Port == 0 {
		return errors.New("advertised port is required")
	}

	if len(s.info.IPs) == 0 {
		ips, err := LocalIPs()
		if err != nil {
			return fmt.Errorf("failed to get local IPs: %w", err)
		}
		s.info.IPs = ips
	}

	service, err := mdns.NewMDNSService(
		s.info.ID,
		ServiceName,
		"",
		"",
		s.info.Port,
		s.info.IPs,
		s.info.TXT(),
	)
	if err != nil {
		return fmt.Errorf("failed to create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to start mDNS server: %w", err)
	}

	s.server = server
	return nil
}

// Stop stops advertising.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Shutdown()
	}
	return nil
}

// Info returns the service info being advertised.
func (s *Server) Info() ServiceInfo {
	return s.info
}

// RunContext advertises until ctx is cancelled.
func (s *Server) RunContext(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	return s.Stop()
}

// LocalIPs returns the non-loopback IPv4 addresses of interfaces that are
// up.
func LocalIPs() ([]net.IP, error) {
	var ips []net.IP

	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}
			ips = append(ips, ip)
		}
	}

	return ips, nil
}

// GetHostname returns the local hostname.
func GetHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

// GetPlatform returns the OS the process runs on.
func GetPlatform() string {
	return runtime.GOOS
}

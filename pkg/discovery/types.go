// Package discovery finds Update.io hosts on the local network over
// mDNS/DNS-SD, and advertises one.
package discovery

import (
	"net"
	"strconv"
	"time"
)

// ServiceName is the mDNS service type for Update.io hosts.
const ServiceName = "_updateio._tcp"

// DefaultTTL is the default TTL for mDNS records.
const DefaultTTL = 120

// HostInfo is what a host publishes in its TXT records.
type HostInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

// DiscoveredHost represents a host found via mDNS.
type DiscoveredHost struct {
	Info         HostInfo  `json:"info"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	IPs          []net.IP  `json:"ips"`
	DiscoveredAt time.Time `json:"discoveredAt"`
	LastSeen     time.Time `json:"lastSeen"`
}

// Address returns host:port for connecting to the host, preferring the
// first advertised IP.
func (h *DiscoveredHost) Address() string {
	if len(h.IPs) > 0 {
		return net.JoinHostPort(h.IPs[0].String(), strconv.Itoa(h.Port))
	}
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// DialHost returns the host name or IP to dial.
func (h *DiscoveredHost) DialHost() string {
	if len(h.IPs) > 0 {
		return h.IPs[0].String()
	}
	return h.Host
}

// WebSocketAddress returns the WebSocket endpoint of the host.
func (h *DiscoveredHost) WebSocketAddress() string {
	return "ws://" + h.Address() + "/ws"
}

// IsStale returns true if the host hasn't been seen recently.
func (h *DiscoveredHost) IsStale(timeout time.Duration) bool {
	return time.Since(h.LastSeen) > timeout
}

// ServiceInfo contains information for advertising a host.
type ServiceInfo struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Platform string   `json:"platform"`
	Version  string   `json:"version"`
	Port     int      `json:"port"`
	IPs      []net.IP `json:"ips,omitempty"`
}

// HostInfo converts ServiceInfo to the published HostInfo.
func (s *ServiceInfo) HostInfo() HostInfo {
	return HostInfo{
		ID:       s.ID,
		Name:     s.Name,
		Platform: s.Platform,
		Version:  s.Version,
	}
}

// TXT returns the TXT records advertised for s.
func (s *ServiceInfo) TXT() []string {
	return []string{
		"id=" + s.ID,
		"name=" + s.Name,
		"platform=" + s.Platform,
		"version=" + s.Version,
	}
}

// Event represents a discovery or loss event.
type Event struct {
	Type EventType       `json:"type"`
	Host *DiscoveredHost `json:"host"`
}

// EventType indicates the type of discovery event.
type EventType int

const (
	EventDiscovered EventType = iota
	EventUpdated
	EventLost
)

func (e EventType) String() string {
	switch e {
	case EventDiscovered:
		return "discovered"
	case EventUpdated:
		return "updated"
	case EventLost:
		return "lost"
	default:
		return "unknown"
	}
}

package discovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// ErrNoHost is returned by FindFirst when nothing answered in time.
var ErrNoHost = errors.New("no Update.io host found")

// Client discovers hosts on the local network via mDNS/DNS-SD.
type Client struct {
	mu       sync.RWMutex
	hosts    map[string]*DiscoveredHost
	eventsCh chan Event
	timeout  time.Duration
}

// NewClient creates a new mDNS discovery client.
func NewClient() *Client {
	return &Client{
		hosts:    make(map[string]*DiscoveredHost),
		eventsCh: make(chan Event, 16),
		timeout:  time.Duration(DefaultTTL) * time.Second,
	}
}

// SetTimeout sets the stale host timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// Events returns a channel of discovery events.
func (c *Client) Events() <-chan Event {
	return c.eventsCh
}

// Discover performs a one-time mDNS query and returns the hosts that
// answered within timeout.
func (c *Client) Discover(ctx context.Context, timeout time.Duration) ([]*DiscoveredHost, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var hosts []*DiscoveredHost
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			if host := c.processEntry(entry); host != nil {
				hosts = append(hosts, host)
			}
		}
	}()

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := resolver.Browse(browseCtx, ServiceName, "local.", entries); err != nil {
		return nil, err
	}

	// zeroconf closes entries once the browse context ends
	<-browseCtx.Done()
	wg.Wait()

	return hosts, nil
}

// FindFirst returns the first host that answers within timeout.
func (c *Client) FindFirst(ctx context.Context, timeout time.Duration) (*DiscoveredHost, error) {
	hosts, err := c.Discover(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, ErrNoHost
	}
	return hosts[0], nil
}

// StartContinuousDiscovery browses every interval until ctx ends.
func (c *Client) StartContinuousDiscovery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Discover(ctx, 3*time.Second)

	for {
		select {
		case <-ticker.C:
			c.Discover(ctx, 3*time.Second)
			c.pruneStaleHosts()
		case <-ctx.Done():
			return
		}
	}
}

// processEntry converts a zeroconf entry to a DiscoveredHost.
func (c *Client) processEntry(entry *zeroconf.ServiceEntry) *DiscoveredHost {
	if entry == nil {
		return nil
	}

	info := parseTXT(entry.Text)
	if info.ID == "" {
		info.ID = entry.Instance
	}
	if info.Name == "" {
		info.Name = entry.HostName
	}

	now := time.Now()
	host := &DiscoveredHost{
		Info:         info,
		Host:         entry.HostName,
		Port:         entry.Port,
		IPs:          usableIPs(entry.AddrIPv4),
		DiscoveredAt: now,
		LastSeen:     now,
	}

	c.mu.Lock()
	existing, exists := c.hosts[info.ID]
	if exists {
		existing.LastSeen = now
		existing.IPs = host.IPs
		existing.Port = entry.Port
		host = existing
		c.mu.Unlock()
		c.emitEvent(Event{Type: EventUpdated, Host: host})
	} else {
		c.hosts[info.ID] = host
		c.mu.Unlock()
		c.emitEvent(Event{Type: EventDiscovered, Host: host})
	}

	return host
}

func parseTXT(records []string) HostInfo {
	var info HostInfo
	for _, txt := range records {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "id":
			info.ID = value
		case "name":
			info.Name = value
		case "platform":
			info.Platform = value
		case "version":
			info.Version = value
		}
	}
	return info
}

// usableIPs drops link-local IPv4 addresses.
func usableIPs(addrs []net.IP) []net.IP {
	var ips []net.IP
	for _, ip := range addrs {
		ip4 := ip.To4()
		if ip4 != nil && !(ip4[0] == 169 && ip4[1] == 254) {
			ips = append(ips, ip)
		}
	}
	return ips
}

// pruneStaleHosts removes hosts that haven't been seen recently.
func (c *Client) pruneStaleHosts() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, host := range c.hosts {
		if host.IsStale(c.timeout) {
			delete(c.hosts, id)
			c.emitEvent(Event{Type: EventLost, Host: host})
		}
	}
}

// emitEvent sends an event non-blocking.
func (c *Client) emitEvent(event Event) {
	select {
	case c.eventsCh <- event:
	default:
		// Channel full, skip event
	}
}

// GetHosts returns all currently known hosts.
func (c *Client) GetHosts() []*DiscoveredHost {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hosts := make([]*DiscoveredHost, 0, len(c.hosts))
	for _, host := range c.hosts {
		hosts = append(hosts, host)
	}
	return hosts
}

// GetHost returns a specific host by ID.
func (c *Client) GetHost(id string) *DiscoveredHost {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hosts[id]
}

// Close closes the client and its event channel.
func (c *Client) Close() {
	close(c.eventsCh)
}

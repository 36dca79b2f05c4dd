// Package discovery finds relays on the local network. A relay started
// with announcing enabled multicasts a beacon naming its address; a
// participant without a configured address listens for one.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

const (
	// MulticastAddr is the group beacons are sent to.
	MulticastAddr = "239.255.255.250:9999"

	// DefaultInterval is how often a relay announces itself.
	DefaultInterval = 5 * time.Second

	// DefaultPort is the relay port used when none is configured.
	DefaultPort = "5000"

	beaconPrefix = "RELAY"
	delimiter    = '|'
)

// ErrNoBeacon is returned by Discover when no relay announced itself
// before the timeout.
var ErrNoBeacon = errors.New("no relay beacon received")

// LocalIP returns the address of the interface used for outbound
// traffic, or 127.0.0.1 when there is no route. No packet is sent.
func LocalIP() string {
	c, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer c.Close()

	addr, ok := c.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsUnspecified() {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

// DefaultAddress is LocalIP on DefaultPort.
func DefaultAddress() string {
	return net.JoinHostPort(LocalIP(), DefaultPort)
}

// FormatBeacon builds the datagram a relay at relayAddr announces.
func FormatBeacon(relayAddr string) []byte {
	return []byte(fmt.Sprintf("%s%c%s", beaconPrefix, delimiter, relayAddr))
}

// ParseBeacon extracts the relay address from a beacon datagram. An
// unspecified host is replaced with the sender's IP.
func ParseBeacon(payload []byte, from net.IP) (string, error) {
	command, addr, ok := strings.Cut(strings.TrimSpace(string(payload)), string(delimiter))
	if !ok || command != beaconPrefix {
		return "", fmt.Errorf("not a relay beacon: %q", payload)
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid beacon address %q: %w", addr, err)
	}
	if ip := net.ParseIP(host); (host == "" || (ip != nil && ip.IsUnspecified())) && from != nil {
		host = from.String()
	}
	return net.JoinHostPort(host, port), nil
}

// Announce multicasts a beacon for relayAddr every interval until ctx is
// cancelled.
func Announce(ctx context.Context, relayAddr string, interval time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	group, err := net.ResolveUDPAddr("udp4", MulticastAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve multicast group: %w", err)
	}
	c, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		return fmt.Errorf("failed to open beacon socket: %w", err)
	}
	defer c.Close()

	beacon := FormatBeacon(relayAddr)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("announcing relay", "addr", relayAddr, "group", MulticastAddr)
	for {
		if _, err := c.Write(beacon); err != nil {
			logger.Warn("beacon send failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Discover waits up to timeout for a relay beacon and returns the
// announced address.
func Discover(ctx context.Context, timeout time.Duration) (string, error) {
	group, err := net.ResolveUDPAddr("udp4", MulticastAddr)
	if err != nil {
		return "", fmt.Errorf("failed to resolve multicast group: %w", err)
	}
	c, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return "", fmt.Errorf("failed to join multicast group: %w", err)
	}
	defer c.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	buffer := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// Short reads so cancellation is noticed between datagrams.
		readDeadline := time.Now().Add(time.Second)
		if readDeadline.After(deadline) {
			readDeadline = deadline
		}
		c.SetReadDeadline(readDeadline)

		n, from, err := c.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if !time.Now().Before(deadline) {
					return "", ErrNoBeacon
				}
				continue
			}
			return "", fmt.Errorf("beacon read: %w", err)
		}

		addr, err := ParseBeacon(buffer[:n], from.IP)
		if err != nil {
			continue
		}
		return addr, nil
	}
}

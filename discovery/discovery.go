// Package discovery announces and finds relay servers on the local network
// over mDNS, so a LAN deployment needs no configured relay URL.
//
// The relay daemon calls Register; Browse is the matching client half,
// exported for host applications that pick a relay at startup instead of
// reading one from configuration. Both halves need real multicast on a
// LAN interface, which is why the tests here stop at the URL formatter.
package discovery

import (
	"context"
	"fmt"
	"os"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Service is the mDNS service name relays register under.
const Service = "_collabsync._tcp"

// Relay is one discovered relay endpoint.
type Relay struct {
	Instance string
	Host     string
	Port     int
}

// URL returns the websocket endpoint for the relay.
func (r Relay) URL() string {
	return fmt.Sprintf("ws://%s:%d", r.Host, r.Port)
}

// Register announces a relay on the LAN. The caller shuts the returned
// server down when the relay stops.
func Register(port int, log *zap.Logger) (*zeroconf.Server, error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("collabsync-%s", host),
		Service,
		"local.",
		port,
		[]string{"proto=1"},
		nil,
	)
	if err != nil {
		return nil, errors.Wrap(err, "discovery: register")
	}
	log.Info("mDNS service registered", zap.String("service", Service), zap.Int("port", port))
	return server, nil
}

// Browse streams relays found on the LAN until ctx is done.
func Browse(ctx context.Context, log *zap.Logger) (<-chan Relay, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, errors.Wrap(err, "discovery: resolver")
	}
	entries := make(chan *zeroconf.ServiceEntry)
	out := make(chan Relay)
	go func() {
		defer close(out)
		for entry := range entries {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			r := Relay{
				Instance: entry.Instance,
				Host:     entry.AddrIPv4[0].String(),
				Port:     entry.Port,
			}
			log.Info("discovered relay",
				zap.String("instance", r.Instance),
				zap.String("host", r.Host),
				zap.Int("port", r.Port))
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}()
	if err := resolver.Browse(ctx, Service, "local.", entries); err != nil {
		return nil, errors.Wrap(err, "discovery: browse")
	}
	return out, nil
}

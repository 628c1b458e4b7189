// Package discovery advertises checkbox servers on the local network and
// finds them again from agents.
package discovery

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
)

const (
	// Service is the mDNS service type of a checkbox server.
	Service = "_checkboxes._tcp"
	// Domain is the mDNS browse domain.
	Domain = "local."

	pathKey = "path="
)

// ErrNotFound is returned when browsing ends without a usable server.
var ErrNotFound = errors.New("no checkbox server found")

// Endpoint is one advertised server.
type Endpoint struct {
	Instance string
	Host     string
	Port     int
	Path     string
}

// URL is the websocket URL of the endpoint.
func (e Endpoint) URL() string {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(e.Host, strconv.Itoa(e.Port)),
		Path:   e.Path,
	}
	return u.String()
}

// Advertise registers this host's server on port. Shutdown the returned
// server to withdraw it.
func Advertise(port int, path string) (*zeroconf.Server, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	server, err := zeroconf.Register(
		fmt.Sprintf("checkboxes-%s", host),
		Service,
		Domain,
		port,
		[]string{pathKey + path},
		nil,
	)
	if err != nil {
		return nil, errors.Wrap(err, "register mDNS service failed")
	}
	return server, nil
}

// Browse returns the first server that answers before ctx is done.
func Browse(ctx context.Context) (Endpoint, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return Endpoint{}, errors.Wrap(err, "create mDNS resolver failed")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return Endpoint{}, errors.Wrap(err, "browse mDNS services failed")
	}
	for {
		select {
		case <-ctx.Done():
			return Endpoint{}, ErrNotFound
		case entry, ok := <-entries:
			if !ok {
				return Endpoint{}, ErrNotFound
			}
			if ep, err := endpointFromEntry(entry); err == nil {
				return ep, nil
			}
		}
	}
}

func endpointFromEntry(entry *zeroconf.ServiceEntry) (Endpoint, error) {
	if entry == nil {
		return Endpoint{}, ErrNotFound
	}
	ep := Endpoint{Instance: entry.Instance, Port: entry.Port, Path: "/ws"}
	switch {
	case len(entry.AddrIPv4) > 0:
		ep.Host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		ep.Host = entry.AddrIPv6[0].String()
	default:
		return Endpoint{}, errors.Errorf("entry %s has no address", entry.Instance)
	}
	for _, txt := range entry.Text {
		if path, ok := strings.CutPrefix(txt, pathKey); ok && path != "" {
			ep.Path = path
		}
	}
	return ep, nil
}

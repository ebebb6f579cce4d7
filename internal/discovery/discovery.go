// Package discovery advertises the hub on the local network over mDNS and
// lets agents find it without typing an address.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	logs "github.com/danmuck/smsrelay/internal/logging"
)

const (
	Service = "_smsrelay._tcp"
	Domain  = "local."
)

var ErrInvalidAdvert = errors.New("discovery: invalid advertisement")

// Advert is what the hub publishes. CodeHint carries only the first two
// digits of the pairing code so a user can pick the right hub.
type Advert struct {
	Instance string
	Port     int
	Path     string
	CodeHint string
}

func (a Advert) TXT() []string {
	txt := []string{"path=" + a.Path}
	if a.CodeHint != "" {
		txt = append(txt, "code_hint="+a.CodeHint)
	}
	return txt
}

// CodeHint returns the leading two digits of a pairing code.
func CodeHint(code string) string {
	if len(code) < 2 {
		return ""
	}
	return code[:2]
}

// Advertise registers a and returns a func that withdraws it.
func Advertise(a Advert) (func(), error) {
	if strings.TrimSpace(a.Instance) == "" || a.Port <= 0 {
		return nil, fmt.Errorf("%w: instance=%q port=%d", ErrInvalidAdvert, a.Instance, a.Port)
	}
	if a.Path == "" {
		a.Path = "/ws"
	}
	server, err := zeroconf.Register(a.Instance, Service, Domain, a.Port, a.TXT(), nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register: %w", err)
	}
	logs.Infof("discovery.Advertise instance=%q port=%d", a.Instance, a.Port)
	return server.Shutdown, nil
}

// Hub is one browsed hub endpoint.
type Hub struct {
	Instance string `json:"instance"`
	URL      string `json:"url"`
	CodeHint string `json:"codeHint,omitempty"`
}

// Browse collects hubs until ctx ends.
func Browse(ctx context.Context) ([]Hub, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}
	var hubs []Hub
	seen := make(map[string]bool)
	for entry := range entries {
		h, ok := FromEntry(entry)
		if !ok || seen[h.URL] {
			continue
		}
		seen[h.URL] = true
		hubs = append(hubs, h)
	}
	return hubs, nil
}

// FromEntry converts a resolved service entry to a websocket URL, preferring IPv4.
func FromEntry(e *zeroconf.ServiceEntry) (Hub, bool) {
	if e == nil || e.Port <= 0 {
		return Hub{}, false
	}
	host := strings.TrimSuffix(e.HostName, ".")
	switch {
	case len(e.AddrIPv4) > 0:
		host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		host = e.AddrIPv6[0].String()
	}
	if host == "" {
		return Hub{}, false
	}
	txt := parseTXT(e.Text)
	path := txt["path"]
	if path == "" {
		path = "/ws"
	}
	return Hub{
		Instance: e.Instance,
		URL:      "ws://" + net.JoinHostPort(host, strconv.Itoa(e.Port)) + path,
		CodeHint: txt["code_hint"],
	}, true
}

func parseTXT(txt []string) map[string]string {
	out := make(map[string]string, len(txt))
	for _, kv := range txt {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

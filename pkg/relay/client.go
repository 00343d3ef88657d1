// Package relay broadcasts committed registry logs to Nostr relays so
// off-chain indexers can follow the node without polling it.
package relay

import (
	"context"
	"fmt"
	"strings"

	"fiatjaf.com/nostr"
)

// Client is the part of a relay connection the broadcaster needs.
type Client interface {
	URL() string
	Publish(ctx context.Context, evt nostr.Event) error
	Close()
}

type nostrClient struct {
	relay *nostr.Relay
}

func (c *nostrClient) URL() string {
	if c == nil || c.relay == nil {
		return ""
	}
	return c.relay.URL
}

func (c *nostrClient) Publish(ctx context.Context, evt nostr.Event) error {
	return c.relay.Publish(ctx, evt)
}

func (c *nostrClient) Close() {
	if c == nil || c.relay == nil {
		return
	}
	c.relay.Close()
}

// Dial connects to every url it can. Unreachable relays are reported, not fatal.
func Dial(ctx context.Context, urls []string) ([]Client, []error) {
	var clients []Client
	var errs []error
	for _, u := range urls {
		r, err := nostr.RelayConnect(ctx, u, nostr.RelayOptions{})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
			continue
		}
		clients = append(clients, &nostrClient{relay: r})
	}
	return clients, errs
}

// ParseURLs splits a comma separated relay list, dropping blanks and duplicates.
func ParseURLs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := map[string]struct{}{}
	for _, p := range parts {
		u := strings.TrimSpace(p)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

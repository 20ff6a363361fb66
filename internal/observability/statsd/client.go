// Package statsd emits engine metrics over the StatsD UDP line protocol.
package statsd

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sink is the metric surface the schedule and task engines emit against.
// Call sites treat a nil Sink as metrics-off.
type Sink interface {
	Count(name string, value int64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
	Timing(name string, value time.Duration, tags map[string]string)
}

// Config connects a Client to a StatsD endpoint.
type Config struct {
	Enabled bool
	Address string
	Prefix  string
	Logger  *slog.Logger
}

// Client sends one UDP datagram per metric. It is safe for concurrent use;
// a disabled client swallows every call.
type Client struct {
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	enabled bool
}

var _ Sink = (*Client)(nil)

const dialTimeout = 5 * time.Second

// NewClient dials the endpoint unless the config disables emission. A
// disabled client is still usable; its methods do nothing.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		prefix: cleanPrefix(cfg.Prefix),
		logger: logger,
	}

	address := strings.TrimSpace(cfg.Address)
	if !cfg.Enabled || address == "" {
		return c, nil
	}

	conn, err := net.DialTimeout("udp", address, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("statsd dial %s: %w", address, err)
	}
	c.conn = conn
	c.enabled = true
	return c, nil
}

// Enabled reports whether datagrams are actually sent.
func (c *Client) Enabled() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Count increments a counter metric.
func (c *Client) Count(name string, value int64, tags map[string]string) {
	c.send(name, strconv.FormatInt(value, 10), "c", tags)
}

// Gauge records the current value of a gauge metric.
func (c *Client) Gauge(name string, value float64, tags map[string]string) {
	c.send(name, formatValue(value), "g", tags)
}

// Timing records a duration in milliseconds.
func (c *Client) Timing(name string, value time.Duration, tags map[string]string) {
	ms := float64(value) / float64(time.Millisecond)
	c.send(name, formatValue(ms), "ms", tags)
}

// Close shuts the UDP socket. Further emission calls become no-ops.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.enabled = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) send(name, value, unit string, tags map[string]string) {
	if c == nil {
		return
	}
	key := c.metricKey(name)
	if key == "" {
		return
	}

	var line strings.Builder
	line.WriteString(key)
	line.WriteByte(':')
	line.WriteString(value)
	line.WriteByte('|')
	line.WriteString(unit)
	line.WriteString(encodeTags(tags))

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled || c.conn == nil {
		return
	}
	if _, err := c.conn.Write([]byte(line.String())); err != nil {
		c.logger.Debug("statsd write failed", "metric", key, "error", err)
	}
}

// metricKey joins the configured prefix with a cleaned metric name. An
// unusable name drops the metric rather than emitting a bare prefix.
func (c *Client) metricKey(name string) string {
	cleaned := cleanName(name)
	switch {
	case cleaned == "":
		return ""
	case c.prefix == "":
		return cleaned
	default:
		return c.prefix + "." + cleaned
	}
}

func cleanPrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), ".")
}

// cleanName maps characters the line protocol cannot carry to underscores
// and drops empty dot segments.
func cleanName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', ':', '|', '@', '#':
			return '_'
		default:
			return r
		}
	}, strings.TrimSpace(name))

	segments := strings.FieldsFunc(mapped, func(r rune) bool { return r == '.' })
	return strings.Join(segments, ".")
}

// encodeTags renders DogStatsD-style tags sorted by key for stable output.
// Blank keys are dropped; keys and values are trimmed.
func encodeTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}

	keys := make([]string, 0, len(tags))
	for k := range tags {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("|#")
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strings.TrimSpace(k))
		b.WriteByte(':')
		b.WriteString(strings.TrimSpace(tags[k]))
	}
	return b.String()
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

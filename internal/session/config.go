package session

import (
	"net/url"
	"strings"
	"time"
)

// KernelMode selects where code executes. Selection is strict: there is
// no automatic cross-fallback between modes.
type KernelMode string

const (
	KernelModeBackend KernelMode = "backend"
	KernelModePyodide KernelMode = "pyodide"
)

// DefaultConnectTimeout is the remote snapshot fetch and sync watchdog
// timeout.
const DefaultConnectTimeout = 2000 * time.Millisecond

// Config enumerates the client-side settings.
type Config struct {
	// CollabEnabled gates collaboration. NewConfig defaults it to true
	// iff CollabServerURL is non-empty.
	CollabEnabled bool
	// CollabServerURL is the gateway base URL, ws or wss. http and https
	// are normalized.
	CollabServerURL string
	// CollabToken is appended as token=<value> to websocket and snapshot
	// requests.
	CollabToken string
	// CollabConnectTimeout is the bootstrap snapshot timeout and the
	// connecting-to-fallback watchdog.
	CollabConnectTimeout time.Duration
	// BackendKernelURL is the kernel service base URL. Required in
	// backend mode.
	BackendKernelURL string
	// KernelMode selects backend or pyodide execution.
	KernelMode KernelMode
}

// NewConfig applies the documented defaults.
func NewConfig(collabServerURL string) Config {
	return Config{
		CollabEnabled:        collabServerURL != "",
		CollabServerURL:      collabServerURL,
		CollabConnectTimeout: DefaultConnectTimeout,
		KernelMode:           KernelModeBackend,
	}
}

func (c Config) connectTimeout() time.Duration {
	if c.CollabConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return c.CollabConnectTimeout
}

func (c Config) collabConfigured() bool {
	return c.CollabEnabled && c.CollabServerURL != ""
}

// normalizeScheme maps http(s) onto ws(s) and defaults a bare host to ws.
func normalizeScheme(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
		return raw
	default:
		return "ws://" + raw
	}
}

func (c Config) withToken(u string) string {
	if c.CollabToken == "" {
		return u
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	q := parsed.Query()
	q.Set("token", c.CollabToken)
	parsed.RawQuery = q.Encode()
	return parsed.String()
}

// WebsocketURL is the gateway websocket endpoint for one notebook.
func (c Config) WebsocketURL(notebookID string) string {
	base := strings.TrimRight(normalizeScheme(c.CollabServerURL), "/")
	return c.withToken(base + "/ws/" + notebookID)
}

// SnapshotURL is the gateway HTTP snapshot endpoint for one notebook.
func (c Config) SnapshotURL(notebookID string) string {
	base := strings.TrimRight(normalizeScheme(c.CollabServerURL), "/")
	switch {
	case strings.HasPrefix(base, "wss://"):
		base = "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "ws://"):
		base = "http://" + strings.TrimPrefix(base, "ws://")
	}
	return c.withToken(base + "/" + notebookID + "/snapshot")
}

// Package config holds zoned's global configuration and the on-disk layout
// helpers derived from it. Loading config from a file or flags is left to
// the binary that constructs a Config; DefaultConfig is the entrypoint
// tests and the daemon wiring use.
package config

import (
	"net"
	"path/filepath"
	"runtime"

	coretypes "github.com/projecteru2/core/types"

	"github.com/zonelabs/zoned/utils"
)

// Config holds global zoned configuration.
type Config struct {
	// RootDir is the base directory for persistent data: RootDir/zone.db,
	// RootDir/ip.db, RootDir/cache/<digest>.<ext>, RootDir/tls/.
	RootDir string `json:"root_dir"`

	// PoolSize bounds concurrent layer downloads and blocking-pool work.
	// DefaultConfig sets it to runtime.NumCPU(); a zero value means one
	// layer download at a time and a 256-worker network pool.
	PoolSize int `json:"pool_size"`

	// Platform is the (os, arch) pair used when resolving multi-arch OCI
	// manifest indexes.
	PlatformOS   string `json:"platform_os"`
	PlatformArch string `json:"platform_arch"`

	// Networking.
	CIDRv4 *net.IPNet `json:"-"`
	CIDRv6 *net.IPNet `json:"-"`

	// FlowCap bounds the number of concurrently tracked NAT flows per zone
	// backend; the oldest-idle flow is reclaimed on overflow.
	FlowCap int `json:"flow_cap"`

	// BridgeMACTableCap bounds the virtual bridge's MAC-learning table
	// (LRU eviction).
	BridgeMACTableCap int `json:"bridge_mac_table_cap"`

	// Devices is the host's device inventory: every name a zone spec may
	// claim. Device discovery itself is an external collaborator; this is
	// the static list the control surface reports claim state against.
	Devices []string `json:"devices"`

	// ReconcileQueueCapacity is not read by the reconciler: its work queue
	// holds at most one pending entry per zone UUID and has no fixed
	// capacity.
	ReconcileQueueCapacity int `json:"reconcile_queue_capacity"`

	// EventStreamCapacity defaults to 1000. events.Stream does not read it;
	// the stream uses its own fixed per-subscriber capacity of 1000.
	EventStreamCapacity int `json:"event_stream_capacity"`

	// Log configuration, reusing eru core's ServerLogConfig type. Log
	// *setup* (sinks, rotation) is left to the binary that calls
	// log.SetupLog; the type is carried so callers have a place to set it.
	Log coretypes.ServerLogConfig `json:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	_, cidrV4, _ := net.ParseCIDR("10.42.0.0/16")
	_, cidrV6, _ := net.ParseCIDR("fd00:42::/64")
	return &Config{
		RootDir:                "/var/lib/zoned",
		PoolSize:               runtime.NumCPU(),
		PlatformOS:             runtime.GOOS,
		PlatformArch:           runtime.GOARCH,
		CIDRv4:                 cidrV4,
		CIDRv6:                 cidrV6,
		FlowCap:                4096,
		BridgeMACTableCap:      8192,
		ReconcileQueueCapacity: 256,
		EventStreamCapacity:    1000,
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// Derived path helpers.

func (c *Config) ZoneDBFile() string        { return filepath.Join(c.RootDir, "zone.db") }
func (c *Config) ZoneDBLock() string        { return filepath.Join(c.RootDir, "zone.db.lock") }
func (c *Config) ReservationDBFile() string { return filepath.Join(c.RootDir, "ip.db") }
func (c *Config) ReservationDBLock() string { return filepath.Join(c.RootDir, "ip.db.lock") }

func (c *Config) CacheDir() string { return filepath.Join(c.RootDir, "cache") }
func (c *Config) TempDir() string  { return filepath.Join(c.RootDir, "temp") }
func (c *Config) TLSDir() string   { return filepath.Join(c.RootDir, "tls") }

func (c *Config) PackedImagePath(digestHex string, format string) string {
	return filepath.Join(c.CacheDir(), digestHex+"."+format)
}

func (c *Config) PackedManifestPath(digestHex string) string {
	return filepath.Join(c.CacheDir(), digestHex+".manifest.json")
}

func (c *Config) PackedConfigPath(digestHex string) string {
	return filepath.Join(c.CacheDir(), digestHex+".config.json")
}

func (c *Config) OverlayImagePath(zoneUUID string) string {
	return filepath.Join(c.RootDir, "overlay", zoneUUID+".img")
}

// EnsureDirs creates every root-level directory zoned needs at startup.
func (c *Config) EnsureDirs() error {
	return utils.EnsureDirs(
		c.RootDir,
		c.CacheDir(),
		c.TempDir(),
		filepath.Join(c.RootDir, "overlay"),
	)
}

// Package view holds the fleet data model: the raw snapshots returned by
// upstream sources and the two derived views (sites and graph) pushed to
// subscribers.
package view

import (
	"sort"
	"time"
)

// Source names.
const (
	SourceSites   = "sites"
	SourceTunnel  = "tunnel"
	SourceMetrics = "metrics"
	SourceBackups = "backups"
)

// View names; the update message for a view is tagged "<name>.update".
const (
	ViewSites = "sites"
	ViewGraph = "graph"
)

type PortMapping struct {
	Private  string `json:"private"`
	Public   string `json:"public,omitempty"`
	Protocol string `json:"protocol"`
}

type ContainerStatus struct {
	Name   string        `json:"name"`
	Status string        `json:"status"`
	State  string        `json:"state,omitempty"`
	Image  string        `json:"image,omitempty"`
	Ports  []PortMapping `json:"ports"`
}

type Service struct {
	Name          string            `json:"name"`
	ContainerName string            `json:"container_name,omitempty"`
	Image         string            `json:"image,omitempty"`
	Ports         []PortMapping     `json:"ports"`
	Labels        map[string]string `json:"labels"`
	Environment   map[string]string `json:"environment"`
}

// Site is one deployed compose project.
type Site struct {
	Name         string            `json:"name"`
	Path         string            `json:"path"`
	ComposeFile  string            `json:"compose_file"`
	Services     []Service         `json:"services"`
	Containers   []ContainerStatus `json:"containers"`
	CaddyDomains []string          `json:"caddy_domains"`
	CaddyTargets []string          `json:"caddy_targets"`
	Status       string            `json:"status"`
}

// Inventory is the snapshot of the critical source.
type Inventory struct {
	Sites     []Site    `json:"sites"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SiteNames returns the names of all sites, sorted.
func (inv Inventory) SiteNames() []string {
	out := make([]string, 0, len(inv.Sites))
	for _, s := range inv.Sites {
		out = append(out, s.Name)
	}
	sort.Strings(out)
	return out
}

// ContainerNames returns the names of all containers across sites, sorted.
func (inv Inventory) ContainerNames() []string {
	var out []string
	for _, s := range inv.Sites {
		for _, c := range s.Containers {
			out = append(out, c.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Tunnel snapshot.

type Connector struct {
	ID       string `json:"id"`
	Version  string `json:"version,omitempty"`
	Location string `json:"location,omitempty"`
	Status   string `json:"status,omitempty"`
}

type Hostname struct {
	Hostname string `json:"hostname"`
	Service  string `json:"service"`
}

type Tunnel struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Status      string      `json:"status,omitempty"`
	Connections []Connector `json:"connections"`
	Hostnames   []Hostname  `json:"hostnames"`
}

type TunnelStatus struct {
	Tunnel *Tunnel `json:"tunnel"`
}

// Container metrics snapshot.

type ContainerMetrics struct {
	ContainerName string  `json:"container_name"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsageMB float64 `json:"memory_usage_mb"`
	MemoryLimitMB float64 `json:"memory_limit_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	NetworkRxMB   float64 `json:"network_rx_mb"`
	NetworkTxMB   float64 `json:"network_tx_mb"`
	BlockReadMB   float64 `json:"block_read_mb"`
	BlockWriteMB  float64 `json:"block_write_mb"`
}

// MetricsSet maps container name to its latest metrics.
type MetricsSet map[string]ContainerMetrics

// Backup snapshot.

type BackupState string

const (
	BackupCurrent BackupState = "current"
	BackupStale   BackupState = "stale"
	BackupMissing BackupState = "missing"
	BackupUnknown BackupState = "unknown"
)

type BackupInfo struct {
	SiteName         string      `json:"site_name"`
	Status           BackupState `json:"status"`
	LastBackup       *time.Time  `json:"last_backup"`
	BackupSizeMB     *float64    `json:"backup_size_mb"`
	BackupPath       string      `json:"backup_path,omitempty"`
	HoursSinceBackup *float64    `json:"hours_since_backup"`
}

type BackupStatus struct {
	Connected         bool         `json:"connected"`
	Host              string       `json:"host,omitempty"`
	Backups           []BackupInfo `json:"backups"`
	TotalBackupSizeMB float64      `json:"total_backup_size_mb"`
	LastCheck         *time.Time   `json:"last_check"`
	Error             string       `json:"error,omitempty"`
}

// Sites is the flat inventory view. UpdatedAt is the agent's snapshot
// time and takes part in the fingerprint like every other field.
type Sites struct {
	Sites     []Site    `json:"sites"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Graph view.

type NodeMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsageMB float64 `json:"memory_usage_mb"`
	MemoryLimitMB float64 `json:"memory_limit_mb"`
}

type NodeBackup struct {
	Status           string     `json:"status"`
	LastBackup       *time.Time `json:"last_backup"`
	HoursSinceBackup *float64   `json:"hours_since_backup"`
	BackupSizeMB     *float64   `json:"backup_size_mb"`
}

type Node struct {
	ID      string         `json:"id"`
	Label   string         `json:"label"`
	Type    string         `json:"type"`
	Status  string         `json:"status"`
	Meta    map[string]any `json:"meta"`
	Metrics *NodeMetrics   `json:"metrics"`
	Backup  *NodeBackup    `json:"backup"`
}

type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

type Graph struct {
	Nodes        []Node `json:"nodes"`
	Edges        []Edge `json:"edges"`
	NASConnected bool   `json:"nas_connected"`
	NASError     string `json:"nas_error,omitempty"`
}

// Snapshots maps optional source name to its snapshot. A missing key means
// the source was unavailable this tick.
type Snapshots map[string]any

// Lookup returns the snapshot stored under name if it has type T.
func Lookup[T any](s Snapshots, name string) (T, bool) {
	v, ok := s[name]
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Builder combines the critical snapshot and the optional snapshots into the
// two views. Implementations must be pure functions of their inputs.
type Builder interface {
	Build(inv Inventory, opt Snapshots) (Sites, Graph)
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(inv Inventory, opt Snapshots) (Sites, Graph)

func (f BuilderFunc) Build(inv Inventory, opt Snapshots) (Sites, Graph) { return f(inv, opt) }

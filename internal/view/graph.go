package view

import (
	"fmt"
	"slices"
	"strings"
)

// Fixed node ids.
const (
	NodeInternet   = "internet"
	NodeCloudflare = "cloudflare"
	NodeGateway    = "caddy-gateway"
	NodeNAS        = "nas-backup"
)

// Node statuses.
const (
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusDegraded = "degraded"
	StatusActive   = "active"
	StatusUnknown  = "unknown"
)

// GraphBuilder is the default Builder. It lays out the request path
// internet → cloudflare → domain → gateway → container → site, with an
// optional backup node linked from every site that has a backup.
type GraphBuilder struct {
	// GatewayPath is shown in the gateway node meta.
	GatewayPath string
}

func NewGraphBuilder() GraphBuilder {
	return GraphBuilder{GatewayPath: "/opt/gateway"}
}

// Build implements Builder.
func (b GraphBuilder) Build(inv Inventory, opt Snapshots) (Sites, Graph) {
	sorted := Sites{Sites: make([]Site, len(inv.Sites))}
	for i, s := range inv.Sites {
		sorted.Sites[i] = canonicalSite(s)
	}
	slices.SortFunc(sorted.Sites, compareSites)
	sorted.UpdatedAt = inv.UpdatedAt

	tunnel, _ := Lookup[TunnelStatus](opt, SourceTunnel)
	metrics, _ := Lookup[MetricsSet](opt, SourceMetrics)
	backups, hasBackups := Lookup[BackupStatus](opt, SourceBackups)

	return sorted, b.graph(sorted.Sites, tunnel, metrics, backups, hasBackups)
}

type graphState struct {
	nodes    []Node
	nodeIdx  map[string]int
	edges    []Edge
	edgeSeen map[string]struct{}
}

func (g *graphState) putNode(n Node) {
	if i, ok := g.nodeIdx[n.ID]; ok {
		g.nodes[i] = n
		return
	}
	g.nodeIdx[n.ID] = len(g.nodes)
	g.nodes = append(g.nodes, n)
}

func (g *graphState) hasNode(id string) bool {
	_, ok := g.nodeIdx[id]
	return ok
}

func (g *graphState) addEdge(source, target, label string) {
	id := "edge-" + source + "-" + target
	if label != "" {
		id += "-" + strings.ReplaceAll(label, " ", "-")
	}
	if _, ok := g.edgeSeen[id]; ok {
		return
	}
	g.edgeSeen[id] = struct{}{}
	g.edges = append(g.edges, Edge{ID: id, Source: source, Target: target, Label: label})
}

func (b GraphBuilder) graph(sites []Site, tunnel TunnelStatus, metrics MetricsSet, backups BackupStatus, hasBackups bool) Graph {
	g := &graphState{nodeIdx: map[string]int{}, edgeSeen: map[string]struct{}{}}

	g.putNode(Node{ID: NodeInternet, Label: "Internet", Type: "internet", Status: StatusRunning, Meta: map[string]any{}})

	cf := Node{ID: NodeCloudflare, Label: "Cloudflare", Type: "cloudflare", Status: StatusActive, Meta: map[string]any{}}
	if tunnel.Tunnel != nil {
		cf.Status = StatusRunning
		cf.Meta = map[string]any{
			"tunnel":      tunnel.Tunnel.Name,
			"connections": len(tunnel.Tunnel.Connections),
		}
	}
	g.putNode(cf)
	g.addEdge(NodeInternet, NodeCloudflare, "DNS")

	g.putNode(Node{
		ID: NodeGateway, Label: "Caddy Gateway", Type: "gateway", Status: StatusRunning,
		Meta: map[string]any{"remote_path": b.GatewayPath},
	})

	backupBySite := map[string]BackupInfo{}
	if hasBackups {
		for _, bi := range backups.Backups {
			backupBySite[bi.SiteName] = bi
		}
		host := backups.Host
		if host == "" {
			host = "Backup Server"
		}
		status := StatusDegraded
		if backups.Connected {
			status = StatusRunning
		}
		g.putNode(Node{
			ID: NodeNAS, Label: "NAS: " + host, Type: "nas", Status: status,
			Meta: map[string]any{
				"total_size_mb": backups.TotalBackupSizeMB,
				"backup_count":  len(backups.Backups),
			},
		})
	}

	for _, site := range sites {
		siteID := "site-" + site.Name
		n := Node{
			ID: siteID, Label: "Site: " + site.Name, Type: "site", Status: site.Status,
			Meta: map[string]any{"path": site.Path, "services": len(site.Services)},
		}
		bi, hasBackup := backupBySite[site.Name]
		if hasBackup {
			n.Backup = &NodeBackup{
				Status:           string(bi.Status),
				LastBackup:       bi.LastBackup,
				HoursSinceBackup: bi.HoursSinceBackup,
				BackupSizeMB:     bi.BackupSizeMB,
			}
		}
		g.putNode(n)
		if hasBackup {
			g.addEdge(siteID, NodeNAS, "backup")
		}

		for _, c := range site.Containers {
			cid := "container-" + c.Name
			g.putNode(containerNode(cid, c, metrics))
			g.addEdge(cid, siteID, "deployed as")
			g.addEdge(NodeGateway, cid, "reverse proxy")
		}

		for _, domain := range site.CaddyDomains {
			did := "domain-" + domain
			// The first site to claim a domain owns its node.
			if !g.hasNode(did) {
				g.putNode(Node{
					ID: did, Label: domain, Type: "domain", Status: site.Status,
					Meta: map[string]any{"targets": slices.Clone(site.CaddyTargets)},
				})
			}
			g.addEdge(NodeCloudflare, did, "proxy")
			g.addEdge(did, NodeGateway, "reverse proxy")
		}
	}

	out := Graph{Nodes: g.nodes, Edges: g.edges}
	if hasBackups {
		out.NASConnected = backups.Connected
		out.NASError = backups.Error
	}
	return out
}

func containerNode(id string, c ContainerStatus, metrics MetricsSet) Node {
	ports := make([]string, 0, len(c.Ports))
	for _, p := range c.Ports {
		pub := p.Public
		if pub == "" {
			pub = "int"
		}
		ports = append(ports, fmt.Sprintf("%s->%s", pub, p.Private))
	}
	n := Node{
		ID: id, Label: "Container: " + c.Name, Type: "container", Status: ContainerState(c.Status),
		Meta: map[string]any{"image": c.Image, "ports": strings.Join(ports, ", ")},
	}
	if m, ok := metrics[c.Name]; ok {
		n.Metrics = &NodeMetrics{
			CPUPercent:    m.CPUPercent,
			MemoryPercent: m.MemoryPercent,
			MemoryUsageMB: m.MemoryUsageMB,
			MemoryLimitMB: m.MemoryLimitMB,
		}
	}
	return n
}

// ContainerState maps a `docker ps` status string to a node status.
func ContainerState(status string) string {
	switch {
	case status == "":
		return StatusUnknown
	case strings.Contains(status, "Up"):
		return StatusRunning
	case strings.Contains(status, "Exited"):
		return StatusStopped
	default:
		return StatusDegraded
	}
}

package view

import (
	"bytes"
	"cmp"
	"encoding/json"
	"slices"
)

// byKey orders by key and breaks ties on the encoded value, so entries
// sharing a key still sort the same whatever the input order.
func byKey[T any](key func(T) string) func(a, b T) int {
	return func(a, b T) int {
		if c := cmp.Compare(key(a), key(b)); c != 0 {
			return c
		}
		ea, _ := json.Marshal(a)
		eb, _ := json.Marshal(b)
		return bytes.Compare(ea, eb)
	}
}

var (
	compareSites      = byKey(func(s Site) string { return s.Name })
	compareServices   = byKey(func(s Service) string { return s.Name })
	compareContainers = byKey(func(c ContainerStatus) string { return c.Name })
	compareNodes      = byKey(func(n Node) string { return n.ID })
	compareEdges      = byKey(func(e Edge) string { return e.ID })
)

// Canonical returns a copy of s with every order-irrelevant collection
// sorted.
func (s Sites) Canonical() any {
	out := Sites{UpdatedAt: s.UpdatedAt, Sites: make([]Site, len(s.Sites))}
	for i, site := range s.Sites {
		out.Sites[i] = canonicalSite(site)
	}
	slices.SortFunc(out.Sites, compareSites)
	return out
}

func canonicalSite(s Site) Site {
	s.Services = slices.Clone(s.Services)
	for i := range s.Services {
		s.Services[i].Ports = sortedPorts(s.Services[i].Ports)
	}
	slices.SortFunc(s.Services, compareServices)

	s.Containers = slices.Clone(s.Containers)
	for i := range s.Containers {
		s.Containers[i].Ports = sortedPorts(s.Containers[i].Ports)
	}
	slices.SortFunc(s.Containers, compareContainers)

	s.CaddyDomains = sortedStrings(s.CaddyDomains)
	s.CaddyTargets = sortedStrings(s.CaddyTargets)
	return s
}

func sortedPorts(in []PortMapping) []PortMapping {
	out := slices.Clone(in)
	slices.SortFunc(out, func(a, b PortMapping) int {
		return cmp.Or(
			cmp.Compare(a.Private, b.Private),
			cmp.Compare(a.Public, b.Public),
			cmp.Compare(a.Protocol, b.Protocol),
		)
	})
	return out
}

func sortedStrings(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return out
}

// Canonical returns a copy of g with nodes and edges sorted by id.
func (g Graph) Canonical() any {
	out := g
	out.Nodes = slices.Clone(g.Nodes)
	out.Edges = slices.Clone(g.Edges)
	slices.SortFunc(out.Nodes, compareNodes)
	slices.SortFunc(out.Edges, compareEdges)
	return out
}

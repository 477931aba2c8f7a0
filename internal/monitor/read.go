package monitor

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/fleetwatch/internal/breaker"
	"github.com/loykin/fleetwatch/internal/source"
	"github.com/loykin/fleetwatch/internal/view"
)

// Sites reads the sites view for request handlers. It shares the sources'
// cache slots with the ticker but never records into the breakers.
func (m *Monitor) Sites(ctx context.Context, force bool) (view.Sites, error) {
	inv, err := m.readCritical(ctx, force)
	if err != nil {
		return view.Sites{}, err
	}
	sites, _ := m.builder.Build(inv, view.Snapshots{})
	return sites, nil
}

// Graph reads the graph view for request handlers. Optional sources that
// fail, or whose breaker is open, are left out.
func (m *Monitor) Graph(ctx context.Context, force bool) (view.Graph, error) {
	inv, err := m.readCritical(ctx, force)
	if err != nil {
		return view.Graph{}, err
	}
	req := source.Request{Force: force, Sites: inv.SiteNames(), Containers: inv.ContainerNames()}
	vals := make([]any, len(m.optional))
	g := new(errgroup.Group)
	g.SetLimit(m.cfg.Workers)
	for i, s := range m.optional {
		if s.cb.State() == breaker.Open {
			continue
		}
		g.Go(func() error {
			v, err := m.fetch(ctx, s, req)
			if err != nil {
				m.logger.Debug("optional source read failed", "source", s.src.Name(), "error", err)
				return nil
			}
			vals[i] = v
			return nil
		})
	}
	_ = g.Wait()

	snaps := view.Snapshots{}
	for i, s := range m.optional {
		if vals[i] != nil {
			snaps[s.src.Name()] = vals[i]
		}
	}
	_, graph := m.builder.Build(inv, snaps)
	return graph, nil
}

func (m *Monitor) readCritical(ctx context.Context, force bool) (view.Inventory, error) {
	v, err := m.fetch(ctx, m.critical, source.Request{Force: force})
	if err != nil {
		return view.Inventory{}, fmt.Errorf("%w: %w", ErrCriticalSource, err)
	}
	inv, ok := v.(view.Inventory)
	if !ok {
		return view.Inventory{}, fmt.Errorf("%w: unexpected snapshot type %T", ErrCriticalSource, v)
	}
	return inv, nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/fleetwatch/pkg/client"
)

const defaultAPIUrl = "http://127.0.0.1:8080/api"

type command struct {
	global *GlobalFlags
	out    io.Writer
}

func (c *command) client() *client.Client {
	apiUrl := c.global.APIUrl
	if apiUrl == "" {
		apiUrl = defaultAPIUrl
	}
	cfg := client.Config{BaseURL: apiUrl, Timeout: c.global.APITimeout, Token: c.global.Token, Insecure: c.global.Insecure}
	if c.global.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: c.global.CACert}
	}
	return client.New(cfg)
}

// reachable returns a client for a running server or a hint to start one.
func (c *command) reachable(ctx context.Context) (*client.Client, error) {
	cl := c.client()
	if !cl.IsReachable(ctx) {
		apiUrl := c.global.APIUrl
		if apiUrl == "" {
			apiUrl = defaultAPIUrl
		}
		return nil, fmt.Errorf("server not reachable at %s - please start it first with 'fleetwatch serve'", apiUrl)
	}
	return cl, nil
}

// Status prints the monitor state and every breaker
func (c *command) Status(ctx context.Context, f StatusFlags) error {
	cl, err := c.reachable(ctx)
	if err != nil {
		return err
	}
	st, err := cl.Monitor(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(c.out, st)
		return nil
	}

	_, _ = fmt.Fprintf(c.out, "running: %t  stale: %t  subscribers: %d  interval: %gs\n",
		st.Running, st.Stale, st.Subscribers, st.IntervalSeconds)
	lt := st.LastTick
	if !lt.At.IsZero() {
		_, _ = fmt.Fprintf(c.out, "last tick: %s at %s (%.1fms)", lt.Outcome, lt.At.Format(time.RFC3339), lt.DurationMS)
		if len(lt.Broadcast) > 0 {
			_, _ = fmt.Fprintf(c.out, " broadcast=%s", strings.Join(lt.Broadcast, ","))
		}
		if len(lt.Degraded) > 0 {
			_, _ = fmt.Fprintf(c.out, " degraded=%s", strings.Join(lt.Degraded, ","))
		}
		if lt.Error != "" {
			_, _ = fmt.Fprintf(c.out, " error=%q", lt.Error)
		}
		_, _ = fmt.Fprintln(c.out)
	}
	return c.printBreakers(st.Breakers)
}

// Breakers prints the breaker table
func (c *command) Breakers(ctx context.Context, f StatusFlags) error {
	cl, err := c.reachable(ctx)
	if err != nil {
		return err
	}
	bs, err := cl.Breakers(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(c.out, bs)
		return nil
	}
	return c.printBreakers(bs)
}

func (c *command) printBreakers(bs []client.BreakerStatus) error {
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SOURCE\tSTATE\tFAILURES\tRECOVERY\tLAST ERROR")
	for _, b := range bs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%gs\t%s\n", b.Name, b.State, b.FailureCount, b.Threshold, b.RecoveryTimeout, b.LastError)
	}
	return tw.Flush()
}

// Sites prints the sites view
func (c *command) Sites(ctx context.Context, f ViewFlags) error {
	cl, err := c.reachable(ctx)
	if err != nil {
		return err
	}
	raw, err := cl.Sites(ctx, f.Refresh)
	if err != nil {
		return err
	}
	printRawJSON(c.out, raw)
	return nil
}

// Graph prints the graph view
func (c *command) Graph(ctx context.Context, f ViewFlags) error {
	cl, err := c.reachable(ctx)
	if err != nil {
		return err
	}
	raw, err := cl.Graph(ctx, f.Refresh)
	if err != nil {
		return err
	}
	printRawJSON(c.out, raw)
	return nil
}

// Refresh forces a rebuild and broadcast of every view
func (c *command) Refresh(ctx context.Context) error {
	cl, err := c.reachable(ctx)
	if err != nil {
		return err
	}
	if err := cl.Refresh(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "broadcast triggered")
	return nil
}

// Invalidate clears one source's cache
func (c *command) Invalidate(ctx context.Context, f InvalidateFlags) error {
	if f.Source == "" {
		return errors.New("source name is required")
	}
	cl, err := c.reachable(ctx)
	if err != nil {
		return err
	}
	if err := cl.Invalidate(ctx, f.Source); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "cache of %s invalidated\n", f.Source)
	return nil
}

// Watch subscribes to the update stream and prints one JSON line per frame
func (c *command) Watch(ctx context.Context, f WatchFlags) error {
	stream, err := c.client().Stream(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()
	for _, t := range f.Topics {
		if err := stream.Subscribe(ctx, t); err != nil {
			return err
		}
	}
	for n := 0; f.Count == 0 || n < f.Count; n++ {
		fr, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		b, _ := json.Marshal(fr)
		_, _ = fmt.Fprintln(c.out, string(b))
	}
	return nil
}

// Action runs a container action and prints its output
func (c *command) Action(ctx context.Context, f ActionFlags) error {
	if f.Container == "" || f.Action == "" {
		return errors.New("container and action are required")
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	stream, err := c.client().Stream(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()

	if err := stream.StartAction(ctx, f.Container, f.Action); err != nil {
		return err
	}
	for {
		fr, err := stream.Next(ctx)
		if err != nil {
			return fmt.Errorf("waiting for action output: %w", err)
		}
		switch fr.Type {
		case "error":
			var e struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(fr.Data, &e)
			return fmt.Errorf("server rejected action: %s", e.Message)
		case "action.output":
			var out client.ActionOutput
			if err := json.Unmarshal(fr.Data, &out); err != nil {
				return err
			}
			if out.Container != f.Container || out.Action != f.Action {
				continue
			}
			switch out.Status {
			case "started":
				_, _ = fmt.Fprintf(c.out, "%s %s: started\n", f.Action, f.Container)
			case "failed":
				return fmt.Errorf("%s %s failed: %s", f.Action, f.Container, out.Error)
			default:
				if out.Output != "" {
					_, _ = fmt.Fprintln(c.out, strings.TrimRight(out.Output, "\n"))
				}
				_, _ = fmt.Fprintf(c.out, "%s %s: %s\n", f.Action, f.Container, out.Status)
				return nil
			}
		}
	}
}

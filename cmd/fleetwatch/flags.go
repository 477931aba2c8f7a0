package main

import "time"

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	// Remote server connection
	APIUrl     string
	APITimeout time.Duration
	Token      string
	CACert     string
	Insecure   bool
}

type StatusFlags struct {
	JSON bool
}

type ViewFlags struct {
	Refresh bool
}

type InvalidateFlags struct {
	Source string
}

type WatchFlags struct {
	Topics []string
	// Count stops after this many frames; zero watches until interrupted.
	Count int
}

type ActionFlags struct {
	Container string
	Action    string
	Timeout   time.Duration
}

type TokenFlags struct {
	Subject string
	Roles   []string
	TTL     time.Duration
}

type InitFlags struct {
	Profile  string
	AgentURL string
	Output   string
	Force    bool
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

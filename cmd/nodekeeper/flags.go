package main

import "time"

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
	Token      string
}

type RunFlags struct {
	Daemonize bool
	PIDFile   string
	LogFile   string
	// NoServer skips the HTTP API even when the config enables it.
	NoServer bool
}

type InstallFlags struct {
	Version string
	// Remote asks the daemon to install instead of installing in-process.
	Remote bool
	Wait   bool
}

type StatusFlags struct {
	JSON bool
}

type LogsFlags struct {
	Tail int
}

type HistoryFlags struct {
	Limit int
	JSON  bool
}

type ScrapeFlags struct {
	Endpoint string
	All      bool
}

type ConfigInitFlags struct {
	Path  string
	Force bool
}

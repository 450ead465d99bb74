package main

import "time"

// GlobalFlags holds the persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

// WatchFlags Flag structs to decouple cobra from logic for testing.
type WatchFlags struct {
	Root       string
	SpecFile   string
	ServerAddr string
	NoServer   bool
}

type RunFlags struct {
	Target   string
	SpecFile string
	Files    []string
	Judges   []string
	Timeout  time.Duration
	Output   string
}

// StatusFlags address the status API of a running watch
type StatusFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Output     string
}

type StubFlags struct {
	Addr  string
	Token string
}

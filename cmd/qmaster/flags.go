package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type GlobalFlags struct {
	ConfigPath string
	Channel    string
	// API is the base URL of a running supervisor's status API.
	API      string
	Insecure bool
}

type ListenFlags struct {
	GlobalFlags
	HTTP string
}

type PushFlags struct {
	GlobalFlags
	Payload string
	Delay   time.Duration
}

type StatusFlags struct {
	GlobalFlags
	JSON bool
}

type StopFlags struct {
	GlobalFlags
	Wait time.Duration
}

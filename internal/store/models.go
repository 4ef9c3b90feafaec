package store

import "time"

// Run records one provisioning attempt against one unit
type Run struct {
	ID            string // uuid
	Serial        string
	Bundle        string
	Port          string
	Status        string // audit status, or "running"
	Encrypted     bool   // device had or got flash encryption
	Compression   string // write_flash flag: "-z", "-u", "--encrypt"
	WifiRequested bool
	ErrorMessage  string
	StartTime     time.Time
	EndTime       time.Time
}

// RunEvent is one step transition within a run
type RunEvent struct {
	ID      int64
	RunID   string
	Step    string
	Status  string // "started", "ok", "skipped", "warning", "failed"
	Message string
	Time    time.Time
}

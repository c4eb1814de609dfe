package builder

import (
	"strings"
	"time"
)

// State represents the lifecycle state of a builder.
type State string

const (
	StateUncreated      State = "uncreated"
	StateCreating       State = "creating"
	StateCreatedStopped State = "created_stopped"
	StateConnecting     State = "connecting"
	StateReady          State = "ready"
	StateTerminating    State = "terminating"
	StateTerminated     State = "terminated"
)

// Platform is the operating system family a builder runs.
type Platform string

const (
	PlatformLinux   Platform = "Linux"
	PlatformWindows Platform = "Windows"
)

// ParsePlatform maps a configured platform name to a Platform, defaulting to
// Linux.
func ParsePlatform(value string) Platform {
	if strings.EqualFold(strings.TrimSpace(value), string(PlatformWindows)) {
		return PlatformWindows
	}
	return PlatformLinux
}

// Spec describes the builder to create for one provisioning request.
type Spec struct {
	// ApplicationUUID, when set, names an existing application whose
	// cartridge the builder clones. Type is then ignored.
	ApplicationUUID string `json:"application_uuid,omitempty"`

	Type     string   `json:"type"`
	Size     string   `json:"size"`
	Region   string   `json:"region,omitempty"`
	Platform Platform `json:"platform"`

	// Timeout bounds the DNS wait. Zero or negative means unbounded.
	Timeout   time.Duration `json:"timeout"`
	Executors int           `json:"executors"`
	IdleTTL   time.Duration `json:"idle_ttl"`
}

// Worker is the CI-side record of a builder.
type Worker struct {
	Name      string        `json:"name"`
	Label     string        `json:"label"`
	UUID      string        `json:"uuid,omitempty"`
	Executors int           `json:"executors"`
	IdleTTL   time.Duration `json:"idle_ttl"`
}

// Status is a point-in-time view of a builder for API responses.
type Status struct {
	Worker
	State     State     `json:"state"`
	Spec      Spec      `json:"spec"`
	Connected bool      `json:"connected"`
	UpdatedAt time.Time `json:"updated_at"`
}

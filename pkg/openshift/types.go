package openshift

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when the broker reports a missing resource.
var ErrNotFound = errors.New("resource not found")

// ServiceError is a non-2xx broker response other than 404.
type ServiceError struct {
	StatusCode int
	Messages   []string
}

func (e *ServiceError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("openshift broker returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("openshift broker returned status %d: %s", e.StatusCode, strings.Join(e.Messages, "; "))
}

// Scale controls whether an application is created horizontally scalable.
type Scale bool

const (
	NoScale Scale = false
	Scaled  Scale = true
)

// User carries the account capacity reported by the broker.
type User struct {
	Login         string   `json:"login"`
	MaxGears      int      `json:"max_gears"`
	ConsumedGears int      `json:"consumed_gears"`
	GearSizes     []string `json:"gear_sizes,omitempty"`
}

// HasCapacity reports whether the account can host another application.
func (u User) HasCapacity() bool {
	return u.ConsumedGears < u.MaxGears
}

// Cartridge is a packaged runtime an application is created from. URL is set
// for downloadable cartridges.
type Cartridge struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Gear is a single compute unit of an application.
type Gear struct {
	ID     string `json:"id"`
	State  string `json:"state,omitempty"`
	SSHURL string `json:"ssh_url"`
}

// GearGroup groups gears that run the same set of cartridges.
type GearGroup struct {
	Name       string      `json:"name"`
	Cartridges []Cartridge `json:"cartridges"`
	Gears      []Gear      `json:"gears"`
}

// Application is a remote application owned by the broker.
type Application struct {
	Name        string      `json:"name"`
	UUID        string      `json:"id"`
	Domain      string      `json:"domain_id"`
	Cartridge   Cartridge   `json:"cartridge"`
	GearProfile string      `json:"gear_profile"`
	Scale       Scale       `json:"scalable"`
	Region      string      `json:"region,omitempty"`
	GearGroups  []GearGroup `json:"gear_groups,omitempty"`
}

// FirstGear returns the first gear of the first non-empty gear group.
func (a Application) FirstGear() (Gear, bool) {
	for _, group := range a.GearGroups {
		if len(group.Gears) > 0 {
			return group.Gears[0], true
		}
	}
	return Gear{}, false
}

// CreateApplicationRequest describes a new application.
type CreateApplicationRequest struct {
	Name        string
	Cartridge   Cartridge
	Scale       Scale
	Region      string
	GearProfile string
}

// Client is the subset of the broker API the builder cloud consumes. Every
// call may fail with ErrNotFound or a *ServiceError.
type Client interface {
	User(ctx context.Context) (User, error)
	Applications(ctx context.Context, namespace string) ([]Application, error)
	ApplicationByName(ctx context.Context, namespace, name string) (Application, error)
	ApplicationByUUID(ctx context.Context, uuid string) (Application, error)
	CreateApplication(ctx context.Context, namespace string, req CreateApplicationRequest) (Application, error)
	StopApplication(ctx context.Context, namespace, name string) error
	DestroyApplication(ctx context.Context, namespace, name string) error
	GearProfiles(ctx context.Context, namespace string) ([]string, error)
	StandaloneCartridges(ctx context.Context) ([]Cartridge, error)
}

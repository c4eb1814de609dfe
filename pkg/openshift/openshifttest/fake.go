// Package openshifttest provides an in-memory broker for tests.
package openshifttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vyvo/buildercloud/pkg/openshift"
)

// Broker is an in-memory openshift.Client. Created applications get a single
// gear whose SSH URL is "<uuid>@<name>-<namespace>.<DNSSuffix>".
type Broker struct {
	mu sync.Mutex

	MaxGears   int
	Cartridges []openshift.Cartridge
	Profiles   []string
	DNSSuffix  string
	// Consumed counts gears used by applications outside this broker's view.
	Consumed int

	// Fail, when set, is consulted before every call; a non-nil result is
	// returned instead of performing the call.
	Fail func(method string) error

	apps  map[string]*openshift.Application
	calls map[string]int
	stops []string
}

var _ openshift.Client = (*Broker)(nil)

// NewBroker returns a broker with room for maxGears applications.
func NewBroker(maxGears int) *Broker {
	return &Broker{
		MaxGears:   maxGears,
		Cartridges: []openshift.Cartridge{{Name: "diy-0.1"}, {Name: "jbossas-7"}, {Name: "php-5.3"}},
		Profiles:   []string{"small", "medium", "large"},
		DNSSuffix:  "rhcloud.test",
		apps:       map[string]*openshift.Application{},
		calls:      map[string]int{},
	}
}

func (b *Broker) enter(method string) error {
	b.mu.Lock()
	b.calls[method]++
	fail := b.Fail
	b.mu.Unlock()
	if fail != nil {
		return fail(method)
	}
	return nil
}

// Calls reports how many times method was invoked.
func (b *Broker) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// Stopped lists the names of applications stopped so far.
func (b *Broker) Stopped() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.stops...)
}

// Seed inserts an application as if it had been created earlier.
func (b *Broker) Seed(namespace string, app openshift.Application) openshift.Application {
	b.mu.Lock()
	defer b.mu.Unlock()
	app = b.complete(namespace, app)
	b.apps[app.Name] = &app
	return app
}

func (b *Broker) complete(namespace string, app openshift.Application) openshift.Application {
	if app.UUID == "" {
		app.UUID = uuid.NewString()
	}
	app.Domain = namespace
	if len(app.GearGroups) == 0 {
		host := fmt.Sprintf("%s-%s.%s", app.Name, namespace, b.DNSSuffix)
		app.GearGroups = []openshift.GearGroup{{
			Name:       app.Cartridge.Name,
			Cartridges: []openshift.Cartridge{app.Cartridge},
			Gears:      []openshift.Gear{{ID: app.UUID, SSHURL: "ssh://" + app.UUID + "@" + host + "/"}},
		}}
	}
	return app
}

// Has reports whether an application named name exists.
func (b *Broker) Has(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.apps[name]
	return ok
}

// Len returns the number of live applications.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.apps)
}

func (b *Broker) User(ctx context.Context) (openshift.User, error) {
	if err := b.enter("User"); err != nil {
		return openshift.User{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return openshift.User{
		Login:         "builder@example.com",
		MaxGears:      b.MaxGears,
		ConsumedGears: len(b.apps) + b.Consumed,
		GearSizes:     append([]string(nil), b.Profiles...),
	}, nil
}

func (b *Broker) Applications(ctx context.Context, namespace string) ([]openshift.Application, error) {
	if err := b.enter("Applications"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	apps := make([]openshift.Application, 0, len(b.apps))
	for _, app := range b.apps {
		apps = append(apps, *app)
	}
	return apps, nil
}

func (b *Broker) ApplicationByName(ctx context.Context, namespace, name string) (openshift.Application, error) {
	if err := b.enter("ApplicationByName"); err != nil {
		return openshift.Application{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	app, ok := b.apps[name]
	if !ok {
		return openshift.Application{}, openshift.ErrNotFound
	}
	return *app, nil
}

func (b *Broker) ApplicationByUUID(ctx context.Context, id string) (openshift.Application, error) {
	if err := b.enter("ApplicationByUUID"); err != nil {
		return openshift.Application{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, app := range b.apps {
		if app.UUID == id {
			return *app, nil
		}
	}
	return openshift.Application{}, openshift.ErrNotFound
}

func (b *Broker) CreateApplication(ctx context.Context, namespace string, req openshift.CreateApplicationRequest) (openshift.Application, error) {
	if err := b.enter("CreateApplication"); err != nil {
		return openshift.Application{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.apps[req.Name]; exists {
		return openshift.Application{}, &openshift.ServiceError{StatusCode: 422, Messages: []string{"application " + req.Name + " already exists"}}
	}
	if len(b.apps)+b.Consumed >= b.MaxGears {
		return openshift.Application{}, &openshift.ServiceError{StatusCode: 409, Messages: []string{"gear limit reached"}}
	}
	app := b.complete(namespace, openshift.Application{
		Name:        req.Name,
		Cartridge:   req.Cartridge,
		GearProfile: req.GearProfile,
		Scale:       req.Scale,
		Region:      req.Region,
	})
	b.apps[app.Name] = &app
	return app, nil
}

func (b *Broker) StopApplication(ctx context.Context, namespace, name string) error {
	if err := b.enter("StopApplication"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.apps[name]; !ok {
		return openshift.ErrNotFound
	}
	b.stops = append(b.stops, name)
	return nil
}

func (b *Broker) DestroyApplication(ctx context.Context, namespace, name string) error {
	if err := b.enter("DestroyApplication"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.apps[name]; !ok {
		return openshift.ErrNotFound
	}
	delete(b.apps, name)
	return nil
}

func (b *Broker) GearProfiles(ctx context.Context, namespace string) ([]string, error) {
	if err := b.enter("GearProfiles"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.Profiles...), nil
}

func (b *Broker) StandaloneCartridges(ctx context.Context) ([]openshift.Cartridge, error) {
	if err := b.enter("StandaloneCartridges"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]openshift.Cartridge(nil), b.Cartridges...), nil
}

// Client returns the broker itself so it can stand in for a Connector.
func (b *Broker) Client() (openshift.Client, error) {
	return b, nil
}

// Reauthenticate mirrors Connector.Reauthenticate.
func (b *Broker) Reauthenticate(ctx context.Context) (openshift.Client, error) {
	if _, err := b.User(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

package inventory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vyvo/buildercloud/pkg/builder"
)

// Record is the persisted form of a registered builder.
type Record struct {
	Worker    builder.Worker
	Spec      builder.Spec
	State     builder.State
	UpdatedAt time.Time
}

// Store persists inventory records.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Record, error)
}

// Inventory is the thread-safe registry of builders known to the CI side,
// keyed by builder name. When a Store is configured every change is written
// through; store failures are logged and do not fail the mutation.
type Inventory struct {
	store  Store
	logger *slog.Logger

	mu       sync.RWMutex
	builders map[string]*builder.Builder
}

// New returns an empty inventory. store may be nil.
func New(store Store, logger *slog.Logger) *Inventory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inventory{store: store, logger: logger, builders: map[string]*builder.Builder{}}
}

// Add registers b, replacing any other builder with the same name. It reports
// whether b was not already registered.
func (i *Inventory) Add(ctx context.Context, b *builder.Builder) bool {
	i.mu.Lock()
	existing, ok := i.builders[b.Name()]
	i.builders[b.Name()] = b
	i.mu.Unlock()

	i.persist(ctx, b)
	return !ok || existing != b
}

// Update writes b's current state through to the store if it is registered.
func (i *Inventory) Update(ctx context.Context, b *builder.Builder) {
	i.mu.RLock()
	current, ok := i.builders[b.Name()]
	i.mu.RUnlock()
	if ok && current == b {
		i.persist(ctx, b)
	}
}

func (i *Inventory) persist(ctx context.Context, b *builder.Builder) {
	if i.store == nil {
		return
	}
	status := b.Status()
	rec := Record{Worker: status.Worker, Spec: status.Spec, State: status.State, UpdatedAt: status.UpdatedAt}
	if err := i.store.Save(ctx, rec); err != nil {
		i.logger.Error("persist builder", "builder", b.Name(), "error", err)
	}
}

// Get returns the builder registered under name.
func (i *Inventory) Get(name string) (*builder.Builder, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	b, ok := i.builders[name]
	return b, ok
}

// Remove unregisters name and reports whether it was registered.
func (i *Inventory) Remove(ctx context.Context, name string) bool {
	i.mu.Lock()
	_, ok := i.builders[name]
	delete(i.builders, name)
	i.mu.Unlock()

	if ok && i.store != nil {
		if err := i.store.Delete(ctx, name); err != nil {
			i.logger.Error("delete persisted builder", "builder", name, "error", err)
		}
	}
	return ok
}

// List returns the registered builders ordered by name.
func (i *Inventory) List() []*builder.Builder {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]*builder.Builder, 0, len(i.builders))
	for _, b := range i.builders {
		out = append(out, b)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name() < out[b].Name() })
	return out
}

// Len returns the number of registered builders.
func (i *Inventory) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.builders)
}

// Restore registers a builder for every persisted record, using build to
// construct it. Records of terminated builders are dropped from the store.
func (i *Inventory) Restore(ctx context.Context, build func(Record) *builder.Builder) (int, error) {
	if i.store == nil {
		return 0, nil
	}
	records, err := i.store.List(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, rec := range records {
		if rec.State == builder.StateTerminated {
			_ = i.store.Delete(ctx, rec.Worker.Name)
			continue
		}
		b := build(rec)
		i.mu.Lock()
		i.builders[b.Name()] = b
		i.mu.Unlock()
		restored++
	}
	return restored, nil
}

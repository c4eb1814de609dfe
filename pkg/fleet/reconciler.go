// Package fleet discovers builder applications that already exist on the
// broker.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vyvo/buildercloud/pkg/builder"
	"github.com/vyvo/buildercloud/pkg/inventory"
)

// Defaults describe builders discovered without a known job configuration.
type Defaults struct {
	Size    string
	IdleTTL time.Duration
}

// Reconciler rebuilds the builder list from the applications in the
// namespace. It never deletes anything.
type Reconciler struct {
	env       *builder.Environment
	inventory *inventory.Inventory
	defaults  Defaults
	logger    *slog.Logger
}

func NewReconciler(env *builder.Environment, inv *inventory.Inventory, defaults Defaults, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{env: env, inventory: inv, defaults: defaults, logger: logger}
}

// ListBuilders returns one builder per builder-named application. Builders
// already in the inventory are reused as is.
func (r *Reconciler) ListBuilders(ctx context.Context) ([]*builder.Builder, error) {
	client, err := r.env.Clients.Client()
	if err != nil {
		return nil, err
	}
	apps, err := client.Applications(ctx, r.env.Namespace)
	if err != nil {
		return nil, fmt.Errorf("list applications in %s: %w", r.env.Namespace, err)
	}

	builders := make([]*builder.Builder, 0, len(apps))
	for _, app := range apps {
		if !builder.IsBuilderName(app.Name) {
			continue
		}
		if existing, ok := r.inventory.Get(app.Name); ok {
			builders = append(builders, existing)
			continue
		}
		r.logger.Info("discovered builder application", "builder", app.Name, "cartridge", app.Cartridge.Name)
		builders = append(builders, builder.Existing(r.env, app.Name, builder.DefaultLabel, builder.Spec{
			Type:      app.Cartridge.Name,
			Size:      r.defaults.Size,
			Platform:  builder.PlatformLinux,
			Timeout:   builder.DefaultTimeoutMs * time.Millisecond,
			Executors: 1,
			IdleTTL:   r.defaults.IdleTTL,
		}))
	}
	return builders, nil
}

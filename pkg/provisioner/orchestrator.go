// Package provisioner decides when builders are created for queued CI work
// and owns their teardown.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyvo/buildercloud/pkg/builder"
	"github.com/vyvo/buildercloud/pkg/ci"
	"github.com/vyvo/buildercloud/pkg/executor"
	"github.com/vyvo/buildercloud/pkg/fleet"
	"github.com/vyvo/buildercloud/pkg/inventory"
	"github.com/vyvo/buildercloud/pkg/openshift"
	"github.com/vyvo/buildercloud/pkg/retry"
	"github.com/vyvo/buildercloud/pkg/telemetry"
)

var (
	// ErrUnsupported is returned for provisioning requests without a label.
	ErrUnsupported = errors.New("provisioning requires a label")
	// ErrBuilderNotFound is returned when terminating an unknown builder.
	ErrBuilderNotFound = errors.New("builder not found")
)

const (
	DefaultRetryAttempts = 5
	DefaultRetryDelay    = 5 * time.Second
)

var tracer = otel.Tracer("github.com/vyvo/buildercloud/pkg/provisioner")

// Connection re-establishes the broker session. *openshift.Connector
// satisfies it.
type Connection interface {
	Reauthenticate(ctx context.Context) (openshift.Client, error)
}

// Launcher starts the CI agent on a ready builder.
type Launcher interface {
	Launch(ctx context.Context, b *builder.Builder) error
}

// Config holds the orchestrator's tunables.
type Config struct {
	DefaultSize    string
	DefaultIdleTTL time.Duration
	Retry          retry.Policy
}

// Deps are the orchestrator's collaborators. Reloader and Launcher are
// optional.
type Deps struct {
	Connection Connection
	Env        *builder.Environment
	Reconciler *fleet.Reconciler
	Inventory  *inventory.Inventory
	Jobs       ci.JobConfigs
	Queue      ci.Queue
	Reloader   ci.Reloader
	Launcher   Launcher
	Executor   *executor.Executor
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
}

// PlannedWorker is a builder whose creation has been scheduled. Future
// resolves with the builder's worker record once it is provisioned.
type PlannedWorker struct {
	ID        string
	Name      string
	Label     string
	Executors int
	Future    *executor.Future[builder.Worker]
}

// Orchestrator turns demand for a label into at most one builder.
type Orchestrator struct {
	cfg Config
	Deps

	mu       sync.Mutex
	inFlight map[string]*PlannedWorker
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = DefaultRetryAttempts
	}
	if cfg.Retry.Delay <= 0 {
		cfg.Retry.Delay = DefaultRetryDelay
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, Deps: deps, inFlight: map[string]*PlannedWorker{}}
}

// Provision plans builders for excessWorkload queued items of label. Only a
// missing label is reported as an error; every other failure is retried and,
// once the budget is spent, turned into cancellation of the queued work.
func (o *Orchestrator) Provision(ctx context.Context, label string, excessWorkload int) ([]*PlannedWorker, error) {
	ctx, span := tracer.Start(ctx, "provisioner.provision", trace.WithAttributes(
		attribute.String("ci.label", label),
		attribute.Int("ci.excess_workload", excessWorkload),
	))
	defer span.End()

	log := o.Logger.With("label", label)
	log.Info("provisioning builder", "excess_workload", excessWorkload)

	if strings.TrimSpace(label) == "" {
		log.Info("cancelling build, label is empty")
		o.cancelBuild(ctx, builder.DefaultName, "", "no label")
		return nil, ErrUnsupported
	}

	name := builder.DeriveName(label)
	spec := o.specFor(label, excessWorkload)

	var (
		planned []*PlannedWorker
		settled bool
	)
	res := retry.Do(ctx, o.cfg.Retry, func(ctx context.Context, attempt int) error {
		o.Metrics.ProvisionAttempt(label)
		p, done, err := o.attempt(ctx, log, name, label, spec, excessWorkload)
		if err != nil {
			return err
		}
		planned, settled = p, done
		return nil
	}, func(attempt int, err error) {
		o.Metrics.ProvisionFailure(label)
		log.Warn("provisioning attempt failed", "attempt", attempt, "error", err)
	})

	if !res.OK() {
		span.RecordError(res.Err)
		log.Error("provisioning gave up", "outcome", res.Outcome.String(), "attempts", res.Attempts, "error", res.Err)
		o.cancelBuild(ctx, name, label, "retries exhausted")
		return nil, nil
	}

	log.Info("provisioned new builders", "count", len(planned))
	if len(planned) == 0 && !settled {
		o.cancelBuild(ctx, name, label, "no builder planned")
	}
	return planned, nil
}

// attempt runs one provisioning pass. settled reports that no builder is
// needed because one exists, is in flight or was just cleaned up.
func (o *Orchestrator) attempt(ctx context.Context, log *slog.Logger, name, label string, spec builder.Spec, excessWorkload int) (planned []*PlannedWorker, settled bool, err error) {
	client, err := o.Connection.Reauthenticate(ctx)
	if err != nil {
		return nil, false, err
	}

	builders, err := o.Reconciler.ListBuilders(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("load existing builders: %w", err)
	}
	live := make(map[string]bool, len(builders))
	for _, b := range builders {
		live[b.Name()] = true
		o.Inventory.Add(ctx, b)
	}
	o.Metrics.SetRegistered(o.Inventory.Len())

	if excessWorkload <= 0 {
		return nil, true, nil
	}

	if p, ok := o.inFlightFor(name); ok {
		log.Info("builder already being provisioned", "builder", name, "planned", p.ID)
		return nil, true, nil
	}

	if existing, ok := o.Inventory.Get(name); ok {
		if live[name] {
			log.Info("found an existing builder, not provisioning", "builder", name)
			return nil, true, nil
		}
		log.Info("builder exists without its application, removing it", "builder", name)
		existing.Terminate(ctx)
		o.Inventory.Remove(ctx, name)
		o.Metrics.BuilderTerminated()
		o.Metrics.SetRegistered(o.Inventory.Len())
		return nil, true, nil
	}

	user, err := client.User(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("read account capacity: %w", err)
	}
	log.Info("checking capacity", "consumed_gears", user.ConsumedGears, "max_gears", user.MaxGears)
	if !user.HasCapacity() {
		log.Info("no capacity remaining, not provisioning")
		return nil, false, nil
	}

	if o.Reloader != nil {
		log.Info("reloading job configuration")
		if err := o.Reloader.Reload(ctx, label); err != nil {
			return nil, false, err
		}
	}

	p, err := o.submit(name, label, spec)
	if err != nil {
		return nil, false, err
	}
	return []*PlannedWorker{p}, false, nil
}

func (o *Orchestrator) specFor(label string, excessWorkload int) builder.Spec {
	spec := builder.Spec{
		Type:      builder.DefaultType,
		Size:      o.cfg.DefaultSize,
		Platform:  builder.PlatformLinux,
		Executors: excessWorkload,
		IdleTTL:   o.cfg.DefaultIdleTTL,
	}
	if o.Jobs == nil {
		return spec
	}
	job, ok := o.Jobs.Lookup(label)
	if !ok {
		return spec
	}
	if job.BuilderSize != "" {
		spec.Size = job.BuilderSize
	}
	if job.BuilderType != "" {
		spec.Type = job.BuilderType
	}
	spec.ApplicationUUID = job.ApplicationUUID
	if job.TimeoutMs != nil {
		spec.Timeout = time.Duration(*job.TimeoutMs) * time.Millisecond
	}
	spec.Platform = builder.ParsePlatform(job.Platform)
	spec.Region = job.Region
	if job.IdleTTLMinutes != 0 {
		spec.IdleTTL = time.Duration(job.IdleTTLMinutes) * time.Minute
	}
	return spec
}

func (o *Orchestrator) inFlightFor(name string) (*PlannedWorker, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.inFlight[name]
	return p, ok
}

func (o *Orchestrator) submit(name, label string, spec builder.Spec) (*PlannedWorker, error) {
	p := &PlannedWorker{ID: uuid.NewString(), Name: name, Label: label, Executors: max(spec.Executors, 1)}

	o.mu.Lock()
	o.inFlight[name] = p
	o.mu.Unlock()

	future, err := executor.Submit(o.Executor, func(ctx context.Context) (builder.Worker, error) {
		defer o.clearInFlight(name)
		return o.build(ctx, name, label, spec)
	})
	if err != nil {
		o.clearInFlight(name)
		return nil, err
	}
	p.Future = future
	return p, nil
}

func (o *Orchestrator) clearInFlight(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, name)
}

// build creates, registers and launches one builder.
func (o *Orchestrator) build(ctx context.Context, name, label string, spec builder.Spec) (builder.Worker, error) {
	log := o.Logger.With("builder", name, "label", label)
	b := builder.New(o.Env, name, label, spec)

	if err := b.Provision(ctx); err != nil {
		log.Warn("unable to provision builder", "error", err)
		o.cancelBuild(ctx, name, label, "provision failed")
		if b.State() != builder.StateUncreated {
			b.Terminate(ctx)
		}
		return builder.Worker{}, err
	}

	o.Inventory.Add(ctx, b)
	o.Metrics.BuilderCreated()
	o.Metrics.SetRegistered(o.Inventory.Len())

	if o.Launcher != nil && b.State() == builder.StateReady {
		if err := o.Launcher.Launch(ctx, b); err != nil {
			log.Warn("unable to launch build agent", "error", err)
			o.cancelBuild(ctx, name, label, "launch failed")
			return builder.Worker{}, err
		}
		o.Inventory.Update(ctx, b)
	}
	return b.Worker(), nil
}

// cancelBuild terminates a registered builder called name and cancels the
// queued build for label, or the first queued build when label is empty.
func (o *Orchestrator) cancelBuild(ctx context.Context, name, label, reason string) {
	log := o.Logger.With("builder", name, "label", label, "reason", reason)
	log.Info("cancelling build")

	if b, ok := o.Inventory.Get(name); ok {
		b.Terminate(ctx)
		o.Inventory.Remove(ctx, name)
		o.Metrics.BuilderTerminated()
		o.Metrics.SetRegistered(o.Inventory.Len())
	}

	var (
		cancelled bool
		err       error
	)
	if label == "" {
		cancelled, err = o.Queue.CancelFirst(ctx)
	} else {
		cancelled, err = o.Queue.Cancel(ctx, label)
	}
	if err != nil {
		log.Error("unable to cancel queued build", "error", err)
		return
	}
	if cancelled {
		o.Metrics.QueueCancelled(reason)
		log.Warn("queued build has been cancelled")
	}
}

// Terminate destroys the builder registered under name and removes it from
// the inventory.
func (o *Orchestrator) Terminate(ctx context.Context, name string) error {
	b, ok := o.Inventory.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBuilderNotFound, name)
	}
	b.Terminate(ctx)
	o.Inventory.Remove(ctx, name)
	o.Metrics.BuilderTerminated()
	o.Metrics.SetRegistered(o.Inventory.Len())
	return nil
}

package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyvo/buildercloud/pkg/openshift"
)

var (
	// ErrDNSTimeout is returned when a new builder's host does not resolve
	// within the configured timeout.
	ErrDNSTimeout = errors.New("builder DNS not propagated, timing out")
	// ErrCartridgeNotFound is returned when no cartridge matches the builder type.
	ErrCartridgeNotFound = errors.New("cartridge not found")
	// ErrNoGear is returned when a builder application exposes no gear.
	ErrNoGear = errors.New("builder application has no gear")
	// ErrInvalidTransition is returned when an operation is not valid in the
	// builder's current state.
	ErrInvalidTransition = errors.New("invalid builder state transition")
)

const (
	defaultPollInterval = 5 * time.Second
	defaultDNSGrace     = 5 * time.Second
)

var tracer = otel.Tracer("github.com/vyvo/buildercloud/pkg/builder")

// ClientSource hands out the current broker client.
type ClientSource interface {
	Client() (openshift.Client, error)
}

// Demand reports whether the CI queue still holds work for a label.
type Demand interface {
	Pending(ctx context.Context, label string) (bool, error)
}

// Resolver resolves host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Environment carries the collaborators shared by every builder.
type Environment struct {
	Clients   ClientSource
	Namespace string
	Demand    Demand
	Resolver  Resolver
	Logger    *slog.Logger

	// PollInterval is the delay between DNS attempts; DNSGrace is slept
	// once before the first attempt when a connect asks for it.
	PollInterval time.Duration
	DNSGrace     time.Duration
}

func (e *Environment) pollInterval() time.Duration {
	if e.PollInterval > 0 {
		return e.PollInterval
	}
	return defaultPollInterval
}

func (e *Environment) dnsGrace() time.Duration {
	if e.DNSGrace > 0 {
		return e.DNSGrace
	}
	return defaultDNSGrace
}

func (e *Environment) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Builder drives one remote application through its lifecycle.
type Builder struct {
	env  *Environment
	spec Spec

	mu        sync.Mutex
	state     State
	worker    Worker
	host      string
	channel   io.Closer
	updatedAt time.Time
}

// New returns a builder that has not been created yet.
func New(env *Environment, name, label string, spec Spec) *Builder {
	return newBuilder(env, name, label, spec, StateUncreated)
}

// Existing returns a builder for an application that already exists on the
// broker, such as one found by reconciliation.
func Existing(env *Environment, name, label string, spec Spec) *Builder {
	return newBuilder(env, name, label, spec, StateCreatedStopped)
}

// Restored rebuilds a builder from a persisted worker record, keeping its
// connection identifier.
func Restored(env *Environment, w Worker, spec Spec) *Builder {
	b := newBuilder(env, w.Name, w.Label, spec, StateCreatedStopped)
	b.worker.UUID = w.UUID
	if w.Executors > 0 {
		b.worker.Executors = w.Executors
	}
	return b
}

func newBuilder(env *Environment, name, label string, spec Spec, state State) *Builder {
	executors := spec.Executors
	if executors < 1 {
		executors = 1
	}
	return &Builder{
		env:   env,
		spec:  spec,
		state: state,
		worker: Worker{
			Name:      name,
			Label:     label,
			Executors: executors,
			IdleTTL:   spec.IdleTTL,
		},
		updatedAt: time.Now().UTC(),
	}
}

var transitions = map[State][]State{
	StateUncreated:      {StateCreating},
	StateCreating:       {StateCreatedStopped, StateUncreated},
	StateCreatedStopped: {StateConnecting, StateTerminating},
	StateConnecting:     {StateReady, StateCreatedStopped, StateTerminating},
	StateReady:          {StateConnecting, StateTerminating},
	StateTerminating:    {StateTerminated},
}

func (b *Builder) transition(to State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if to == StateTerminated {
		b.setState(to)
		return nil
	}
	for _, allowed := range transitions[b.state] {
		if allowed == to {
			b.setState(to)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.state, to)
}

func (b *Builder) setState(to State) {
	b.state = to
	b.updatedAt = time.Now().UTC()
}

func (b *Builder) Name() string { return b.worker.Name }

func (b *Builder) Label() string { return b.worker.Label }

func (b *Builder) Spec() Spec { return b.spec }

func (b *Builder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Worker returns a copy of the builder's CI record.
func (b *Builder) Worker() Worker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.worker
}

// UUID returns the connection identifier, empty until the first connect.
func (b *Builder) UUID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.worker.UUID
}

// Status returns a snapshot for API responses.
func (b *Builder) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Worker:    b.worker,
		State:     b.state,
		Spec:      b.spec,
		Connected: b.channel != nil,
		UpdatedAt: b.updatedAt,
	}
}

// AttachChannel records the agent channel so Terminate can close it.
func (b *Builder) AttachChannel(c io.Closer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channel = c
}

// DetachChannel forgets the agent channel without closing it.
func (b *Builder) DetachChannel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channel = nil
}

// Provision creates the remote application and waits for it to become
// reachable.
func (b *Builder) Provision(ctx context.Context) error {
	if err := b.Create(ctx); err != nil {
		return err
	}
	return b.Connect(ctx, true)
}

func (b *Builder) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "builder."+op, trace.WithAttributes(
		attribute.String("builder.name", b.worker.Name),
		attribute.String("builder.label", b.worker.Label),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Create makes the remote application and stops it; the builder only needs
// the application to exist.
func (b *Builder) Create(ctx context.Context) (err error) {
	ctx, span := b.startSpan(ctx, "create")
	defer func() { endSpan(span, err) }()

	if err := b.transition(StateCreating); err != nil {
		return err
	}
	if err := b.create(ctx); err != nil {
		_ = b.transition(StateUncreated)
		return err
	}
	return b.transition(StateCreatedStopped)
}

func (b *Builder) create(ctx context.Context) error {
	client, err := b.env.Clients.Client()
	if err != nil {
		return err
	}
	ns := b.env.Namespace

	cartridge, err := b.resolveCartridge(ctx, client)
	if err != nil {
		return err
	}
	profile, err := b.resolveGearProfile(ctx, client)
	if err != nil {
		return err
	}

	scale := openshift.NoScale
	if b.spec.Platform == PlatformWindows {
		scale = openshift.Scaled
	}
	region := b.spec.Region
	logRegion := region
	if logRegion == "" {
		logRegion = "default"
	}

	b.env.logger().Info("creating builder application",
		"builder", b.worker.Name,
		"cartridge", cartridge.Name,
		"namespace", ns,
		"size", profile,
		"region", logRegion,
		"scaled", bool(scale),
	)
	if _, err := client.CreateApplication(ctx, ns, openshift.CreateApplicationRequest{
		Name:        b.worker.Name,
		Cartridge:   cartridge,
		Scale:       scale,
		Region:      region,
		GearProfile: profile,
	}); err != nil {
		return err
	}

	b.env.logger().Info("stopping application on builder gear", "builder", b.worker.Name)
	if err := client.StopApplication(ctx, ns, b.worker.Name); err != nil {
		// The builder reverts to uncreated, so the application must not outlive it.
		if derr := client.DestroyApplication(ctx, ns, b.worker.Name); derr != nil {
			b.env.logger().Warn("unable to remove application after failed stop",
				"builder", b.worker.Name, "error", derr)
		}
		return fmt.Errorf("stop application: %w", err)
	}
	return nil
}

func (b *Builder) resolveCartridge(ctx context.Context, client openshift.Client) (openshift.Cartridge, error) {
	var target string
	if id := strings.TrimSpace(b.spec.ApplicationUUID); id != "" {
		base, err := client.ApplicationByUUID(ctx, id)
		if err != nil {
			return openshift.Cartridge{}, fmt.Errorf("locate application with uuid %s: %w", id, err)
		}
		if base.Cartridge.URL != "" {
			return base.Cartridge, nil
		}
		target = base.Cartridge.Name
	} else {
		target = strings.Replace(b.spec.Type, "redhat-", "", 1)
	}

	cartridges, err := client.StandaloneCartridges(ctx)
	if err != nil {
		return openshift.Cartridge{}, err
	}
	for _, cart := range cartridges {
		if cart.Name == target {
			return cart, nil
		}
	}
	return openshift.Cartridge{}, fmt.Errorf("%w: %s", ErrCartridgeNotFound, target)
}

func (b *Builder) resolveGearProfile(ctx context.Context, client openshift.Client) (string, error) {
	profiles, err := client.GearProfiles(ctx, b.env.Namespace)
	if err != nil {
		return "", err
	}
	if len(profiles) == 0 {
		return b.spec.Size, nil
	}
	for _, profile := range profiles {
		if profile == b.spec.Size {
			return profile, nil
		}
	}
	return profiles[0], nil
}

// Connect establishes the connection identifier and waits for the builder's
// host to resolve. The wait ends early without error once the label has no
// pending queue items; the builder is then left CreatedStopped.
func (b *Builder) Connect(ctx context.Context, delayDNS bool) (err error) {
	ctx, span := b.startSpan(ctx, "connect")
	defer func() { endSpan(span, err) }()

	if err := b.transition(StateConnecting); err != nil {
		return err
	}
	ready, err := b.connect(ctx, delayDNS)
	if err != nil || !ready {
		_ = b.transition(StateCreatedStopped)
		return err
	}
	return b.transition(StateReady)
}

func (b *Builder) connect(ctx context.Context, delayDNS bool) (bool, error) {
	log := b.env.logger().With("builder", b.worker.Name)
	log.Info("connecting to builder")

	host, err := b.lookup(ctx)
	if err != nil {
		return false, fmt.Errorf("unable to connect to application %s: %w", b.worker.Name, err)
	}

	if delayDNS {
		if err := sleep(ctx, b.env.dnsGrace()); err != nil {
			return false, err
		}
	}

	timeout := b.spec.Timeout
	start := time.Now()
	for {
		pending, err := b.env.Demand.Pending(ctx, b.worker.Label)
		if err != nil {
			return false, fmt.Errorf("check queue for %s: %w", b.worker.Label, err)
		}
		if !pending {
			log.Info("no queued work left for label, abandoning DNS wait", "label", b.worker.Label)
			return false, nil
		}

		elapsed := time.Since(start)
		if timeout > 0 && elapsed >= timeout {
			log.Warn("builder DNS not propagated, timing out", "host", host, "timeout", timeout)
			return false, ErrDNSTimeout
		}

		log.Info("checking builder DNS", "host", host, "timeout", timeout)
		addrs, err := b.env.Resolver.LookupHost(ctx, host)
		if err == nil && len(addrs) > 0 {
			log.Info("builder DNS resolved", "host", host, "address", addrs[0])
			return true, nil
		}

		wait := b.env.pollInterval()
		if timeout > 0 {
			remaining := timeout - time.Since(start)
			log.Info("builder DNS not propagated yet, retrying", "remaining", remaining)
			if remaining < wait {
				wait = max(remaining, 0)
			}
		}
		if err := sleep(ctx, wait); err != nil {
			return false, err
		}
	}
}

// lookup fetches the application, records the connection identifier on first
// success and returns the builder's SSH host.
func (b *Builder) lookup(ctx context.Context) (string, error) {
	client, err := b.env.Clients.Client()
	if err != nil {
		return "", err
	}
	app, err := client.ApplicationByName(ctx, b.env.Namespace, b.worker.Name)
	if err != nil {
		return "", err
	}
	gear, ok := app.FirstGear()
	if !ok {
		return "", ErrNoGear
	}

	b.mu.Lock()
	if b.worker.UUID == "" {
		b.worker.UUID = gear.ID
		b.env.logger().Info("established builder uuid", "builder", b.worker.Name, "uuid", gear.ID)
	}
	b.mu.Unlock()

	host := hostFromSSHURL(sshURLFor(app, b.spec.Type))
	if host == "" {
		return "", fmt.Errorf("unable to find ssh url for %s", b.worker.Name)
	}
	b.mu.Lock()
	b.host = host
	b.mu.Unlock()
	return host, nil
}

// HostName returns the builder's SSH host, looking it up when unknown.
func (b *Builder) HostName(ctx context.Context) (string, error) {
	b.mu.Lock()
	host := b.host
	b.mu.Unlock()
	if host != "" {
		return host, nil
	}
	return b.lookup(ctx)
}

// sshURLFor prefers the gear group running the builder's cartridge.
func sshURLFor(app openshift.Application, cartridgeType string) string {
	want := []string{app.Cartridge.Name, strings.Replace(cartridgeType, "redhat-", "", 1)}
	for _, group := range app.GearGroups {
		if len(group.Gears) == 0 {
			continue
		}
		for _, cart := range group.Cartridges {
			for _, name := range want {
				if name != "" && cart.Name == name {
					return group.Gears[0].SSHURL
				}
			}
		}
	}
	if gear, ok := app.FirstGear(); ok {
		return gear.SSHURL
	}
	return ""
}

func hostFromSSHURL(url string) string {
	if idx := strings.Index(url, "@"); idx != -1 {
		url = url[idx+1:]
	}
	url = strings.TrimPrefix(url, "ssh://")
	return strings.ReplaceAll(url, "/", "")
}

// Terminate closes the agent channel and destroys the remote application.
// Destroy failures are logged, never returned.
func (b *Builder) Terminate(ctx context.Context) {
	ctx, span := b.startSpan(ctx, "terminate")
	defer span.End()

	log := b.env.logger().With("builder", b.worker.Name)
	b.mu.Lock()
	if b.state == StateTerminated {
		b.mu.Unlock()
		return
	}
	b.setState(StateTerminating)
	channel := b.channel
	b.channel = nil
	uuid := b.worker.UUID
	b.mu.Unlock()

	log.Info("terminating builder", "uuid", uuid)
	if channel != nil {
		log.Info("closing agent channel")
		if err := channel.Close(); err != nil {
			log.Warn("close agent channel", "error", err)
		}
	}

	if err := b.destroy(ctx); err != nil {
		span.RecordError(err)
		log.Warn("unable to terminate builder application", "error", err)
	}
	_ = b.transition(StateTerminated)
}

func (b *Builder) destroy(ctx context.Context) error {
	client, err := b.env.Clients.Client()
	if err != nil {
		return err
	}
	return client.DestroyApplication(ctx, b.env.Namespace, b.worker.Name)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package provisioner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vyvo/buildercloud/pkg/builder"
	"github.com/vyvo/buildercloud/pkg/ci"
	"github.com/vyvo/buildercloud/pkg/executor"
	"github.com/vyvo/buildercloud/pkg/fleet"
	"github.com/vyvo/buildercloud/pkg/inventory"
	"github.com/vyvo/buildercloud/pkg/openshift/openshifttest"
	"github.com/vyvo/buildercloud/pkg/retry"
	"github.com/vyvo/buildercloud/pkg/telemetry"
)

type staticResolver struct{ ok bool }

func (r staticResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if r.ok {
		return []string{"10.1.2.3"}, nil
	}
	return nil, errors.New("no such host")
}

type countingReloader struct{ calls atomic.Int32 }

func (r *countingReloader) Reload(ctx context.Context, label string) error {
	r.calls.Add(1)
	return nil
}

type recordingLauncher struct {
	launched atomic.Int32
	err      error
}

func (l *recordingLauncher) Launch(ctx context.Context, b *builder.Builder) error {
	l.launched.Add(1)
	return l.err
}

type harness struct {
	broker   *openshifttest.Broker
	queue    *ci.MemQueue
	jobs     *ci.JobConfigStore
	env      *builder.Environment
	inv      *inventory.Inventory
	reloader *countingReloader
	orch     *Orchestrator
}

func newHarness(t *testing.T, maxGears int, resolvable bool) *harness {
	t.Helper()
	h := &harness{
		broker:   openshifttest.NewBroker(maxGears),
		queue:    ci.NewMemQueue(),
		jobs:     ci.NewJobConfigStore(),
		inv:      inventory.New(nil, nil),
		reloader: &countingReloader{},
	}
	h.env = &builder.Environment{
		Clients:      h.broker,
		Namespace:    "ci",
		Demand:       h.queue,
		Resolver:     staticResolver{ok: resolvable},
		PollInterval: 5 * time.Millisecond,
		DNSGrace:     time.Millisecond,
	}
	exec := executor.New(4)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = exec.Shutdown(ctx)
	})
	h.orch = New(Config{
		DefaultSize: "small",
		Retry:       retry.Policy{Attempts: 5, Delay: time.Millisecond},
	}, Deps{
		Connection: h.broker,
		Env:        h.env,
		Reconciler: fleet.NewReconciler(h.env, h.inv, fleet.Defaults{Size: "small"}, nil),
		Inventory:  h.inv,
		Jobs:       h.jobs,
		Queue:      h.queue,
		Reloader:   h.reloader,
		Executor:   exec,
		Metrics:    telemetry.NewMetrics(),
	})
	return h
}

func (h *harness) pending(t *testing.T, label string) bool {
	t.Helper()
	ok, err := h.queue.Pending(context.Background(), label)
	if err != nil {
		t.Fatalf("Pending returned error: %v", err)
	}
	return ok
}

func waitWorker(t *testing.T, p *PlannedWorker) (builder.Worker, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Future.Wait(ctx)
}

func TestProvisionEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, true)
	h.broker.Consumed = 3
	_, _ = h.queue.Enqueue(ctx, "myapp-build")

	planned, err := h.orch.Provision(ctx, "myapp-build", 2)
	if err != nil {
		t.Fatalf("Provision returned error: %v", err)
	}
	if len(planned) != 1 {
		t.Fatalf("expected one planned worker, got %d", len(planned))
	}
	p := planned[0]
	if p.Name != "myappbldr" || p.Label != "myapp-build" || p.Executors != 2 || p.ID == "" {
		t.Fatalf("unexpected planned worker %+v", p)
	}

	worker, err := waitWorker(t, p)
	if err != nil {
		t.Fatalf("future resolved with error: %v", err)
	}
	if worker.UUID == "" {
		t.Fatalf("expected worker to carry a connection uuid")
	}
	if h.broker.Len() != 1 || !h.broker.Has("myappbldr") {
		t.Fatalf("expected exactly one application myappbldr")
	}
	if h.reloader.calls.Load() != 1 {
		t.Fatalf("expected one config reload, got %d", h.reloader.calls.Load())
	}
	b, ok := h.inv.Get("myappbldr")
	if !ok || b.State() != builder.StateReady {
		t.Fatalf("expected ready builder in inventory")
	}
	if !h.pending(t, "myapp-build") {
		t.Fatalf("queued build must not be cancelled on success")
	}
}

func TestProvisionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, true)
	_, _ = h.queue.Enqueue(ctx, "myapp-build")

	planned, _ := h.orch.Provision(ctx, "myapp-build", 1)
	if len(planned) != 1 {
		t.Fatalf("expected one planned worker, got %d", len(planned))
	}
	if _, err := waitWorker(t, planned[0]); err != nil {
		t.Fatalf("future resolved with error: %v", err)
	}

	again, err := h.orch.Provision(ctx, "myapp-build", 1)
	if err != nil || len(again) != 0 {
		t.Fatalf("expected no new planned workers, got %d %v", len(again), err)
	}
	if h.broker.Calls("CreateApplication") != 1 || h.broker.Len() != 1 {
		t.Fatalf("expected a single application to be created")
	}
	if !h.pending(t, "myapp-build") {
		t.Fatalf("existing builder must not cancel the queued build")
	}
}

func TestProvisionCapacityGate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, true)
	h.broker.Consumed = 5
	_, _ = h.queue.Enqueue(ctx, "myapp-build")

	planned, err := h.orch.Provision(ctx, "myapp-build", 1)
	if err != nil || len(planned) != 0 {
		t.Fatalf("expected empty plan, got %d %v", len(planned), err)
	}
	if h.broker.Calls("CreateApplication") != 0 {
		t.Fatalf("no application may be created without capacity")
	}
	if h.pending(t, "myapp-build") {
		t.Fatalf("expected queued build to be cancelled")
	}
}

func TestProvisionRemovesOrphanWorker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, true)
	_, _ = h.queue.Enqueue(ctx, "myapp-build")
	orphan := builder.Existing(h.env, "myappbldr", "myapp-build", builder.Spec{Type: builder.DefaultType})
	h.inv.Add(ctx, orphan)

	planned, err := h.orch.Provision(ctx, "myapp-build", 1)
	if err != nil || len(planned) != 0 {
		t.Fatalf("expected no planned workers, got %d %v", len(planned), err)
	}
	if _, ok := h.inv.Get("myappbldr"); ok {
		t.Fatalf("expected orphan to be removed from the inventory")
	}
	if orphan.State() != builder.StateTerminated {
		t.Fatalf("expected orphan to be terminated, got %s", orphan.State())
	}
	if h.broker.Calls("CreateApplication") != 0 {
		t.Fatalf("no application may be created in the self-heal pass")
	}

	planned, _ = h.orch.Provision(ctx, "myapp-build", 1)
	if len(planned) != 1 {
		t.Fatalf("expected the next pass to provision, got %d", len(planned))
	}
	if _, err := waitWorker(t, planned[0]); err != nil {
		t.Fatalf("future resolved with error: %v", err)
	}
}

func TestProvisionRetriesThenCancels(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, true)
	_, _ = h.queue.Enqueue(ctx, "myapp-build")
	h.broker.Fail = func(method string) error {
		if method == "Applications" {
			return errors.New("broker unavailable")
		}
		return nil
	}

	planned, err := h.orch.Provision(ctx, "myapp-build", 1)
	if err != nil || len(planned) != 0 {
		t.Fatalf("expected failures to be absorbed, got %d %v", len(planned), err)
	}
	if got := h.broker.Calls("Applications"); got != DefaultRetryAttempts {
		t.Fatalf("expected exactly %d attempts, got %d", DefaultRetryAttempts, got)
	}
	if h.pending(t, "myapp-build") {
		t.Fatalf("expected queued build to be cancelled after retries")
	}
}

func TestProvisionWithoutLabel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, true)
	_, _ = h.queue.Enqueue(ctx, "other-build")

	_, err := h.orch.Provision(ctx, "", 1)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if h.pending(t, "other-build") {
		t.Fatalf("expected first queued build to be cancelled")
	}
	if h.broker.Calls("Applications") != 0 {
		t.Fatalf("unlabelled request must not reach the broker")
	}
}

func TestProvisionNoWorkloadIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, true)
	_, _ = h.queue.Enqueue(ctx, "myapp-build")

	planned, err := h.orch.Provision(ctx, "myapp-build", 0)
	if err != nil || len(planned) != 0 {
		t.Fatalf("expected empty plan, got %d %v", len(planned), err)
	}
	if h.broker.Calls("CreateApplication") != 0 || !h.pending(t, "myapp-build") {
		t.Fatalf("zero workload must neither create nor cancel")
	}
}

func TestProvisionTaskFailureCleansUp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, false)
	timeout := int64(30)
	h.jobs.Set("slow-build", ci.JobConfig{BuilderType: "redhat-diy-0.1", TimeoutMs: &timeout})
	_, _ = h.queue.Enqueue(ctx, "slow-build")

	planned, err := h.orch.Provision(ctx, "slow-build", 1)
	if err != nil || len(planned) != 1 {
		t.Fatalf("expected one planned worker, got %d %v", len(planned), err)
	}
	if _, err := waitWorker(t, planned[0]); !errors.Is(err, builder.ErrDNSTimeout) {
		t.Fatalf("expected ErrDNSTimeout, got %v", err)
	}
	if h.broker.Len() != 0 {
		t.Fatalf("expected half-created application to be destroyed")
	}
	if h.pending(t, "slow-build") {
		t.Fatalf("expected queued build to be cancelled")
	}
	if _, ok := h.inv.Get("slowbldr"); ok {
		t.Fatalf("failed builder must not be registered")
	}
}

func TestProvisionStopFailureDoesNotLeakApplication(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, true)
	h.broker.Fail = func(method string) error {
		if method == "StopApplication" {
			return errors.New("stop failed")
		}
		return nil
	}
	_, _ = h.queue.Enqueue(ctx, "myapp-build")

	planned, err := h.orch.Provision(ctx, "myapp-build", 1)
	if err != nil || len(planned) != 1 {
		t.Fatalf("expected one planned worker, got %d %v", len(planned), err)
	}
	if _, err := waitWorker(t, planned[0]); err == nil {
		t.Fatalf("expected the future to fail")
	}
	if h.broker.Has("myappbldr") {
		t.Fatalf("expected application to be destroyed after failed stop")
	}
	if h.pending(t, "myapp-build") {
		t.Fatalf("expected queued build to be cancelled")
	}
}

func TestProvisionLaunchesAgent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, true)
	launcher := &recordingLauncher{}
	h.orch.Launcher = launcher
	_, _ = h.queue.Enqueue(ctx, "myapp-build")

	planned, _ := h.orch.Provision(ctx, "myapp-build", 1)
	if len(planned) != 1 {
		t.Fatalf("expected one planned worker")
	}
	if _, err := waitWorker(t, planned[0]); err != nil {
		t.Fatalf("future resolved with error: %v", err)
	}
	if launcher.launched.Load() != 1 {
		t.Fatalf("expected agent launch, got %d", launcher.launched.Load())
	}
}

func TestTerminateUnknownBuilder(t *testing.T) {
	h := newHarness(t, 5, true)
	if err := h.orch.Terminate(context.Background(), "nobldr"); !errors.Is(err, ErrBuilderNotFound) {
		t.Fatalf("expected ErrBuilderNotFound, got %v", err)
	}
}

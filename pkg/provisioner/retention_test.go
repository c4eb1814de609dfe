package provisioner

import (
	"context"
	"testing"
	"time"

	"github.com/vyvo/buildercloud/pkg/builder"
	"github.com/vyvo/buildercloud/pkg/openshift"
)

func TestRetentionTerminatesIdleBuilders(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, true)
	h.broker.Seed("ci", openshift.Application{Name: "idlebldr", Cartridge: openshift.Cartridge{Name: builder.DefaultType}})
	h.broker.Seed("ci", openshift.Application{Name: "busybldr", Cartridge: openshift.Cartridge{Name: builder.DefaultType}})
	h.broker.Seed("ci", openshift.Application{Name: "keptbldr", Cartridge: openshift.Cartridge{Name: builder.DefaultType}})

	ttl := builder.Spec{Type: builder.DefaultType, IdleTTL: time.Minute}
	h.inv.Add(ctx, builder.Existing(h.env, "idlebldr", "idle-build", ttl))
	h.inv.Add(ctx, builder.Existing(h.env, "busybldr", "busy-build", ttl))
	h.inv.Add(ctx, builder.Existing(h.env, "keptbldr", "kept-build", builder.Spec{Type: builder.DefaultType}))
	_, _ = h.queue.Enqueue(ctx, "busy-build")

	r := NewRetention(h.orch, time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	if n := r.Sweep(ctx); n != 0 {
		t.Fatalf("first sweep only marks idle builders, terminated %d", n)
	}
	now = now.Add(30 * time.Second)
	if n := r.Sweep(ctx); n != 0 {
		t.Fatalf("builder terminated before its ttl elapsed")
	}
	now = now.Add(time.Minute)
	if n := r.Sweep(ctx); n != 1 {
		t.Fatalf("expected one idle builder terminated, got %d", n)
	}

	if _, ok := h.inv.Get("idlebldr"); ok {
		t.Fatalf("expected idle builder to be removed")
	}
	if h.broker.Has("idlebldr") {
		t.Fatalf("expected idle builder application to be destroyed")
	}
	for _, name := range []string{"busybldr", "keptbldr"} {
		if _, ok := h.inv.Get(name); !ok {
			t.Fatalf("expected %s to be kept", name)
		}
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func TestRetentionKeepsBuilderRunningABuild(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, true)
	h.broker.Seed("ci", openshift.Application{Name: "myappbldr", Cartridge: openshift.Cartridge{Name: builder.DefaultType}})
	b := builder.Existing(h.env, "myappbldr", "myapp-build", builder.Spec{Type: builder.DefaultType, IdleTTL: time.Minute})
	b.AttachChannel(nopCloser{})
	h.inv.Add(ctx, b)

	_, _ = h.queue.Enqueue(ctx, "myapp-build")
	item, err := h.queue.Start(ctx, "myapp-build")
	if err != nil {
		t.Fatalf("start item: %v", err)
	}

	r := NewRetention(h.orch, time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if n := r.Sweep(ctx); n != 0 {
			t.Fatalf("builder running a build was terminated")
		}
		now = now.Add(2 * time.Minute)
	}
	if !h.broker.Has("myappbldr") || b.State() == builder.StateTerminated {
		t.Fatalf("expected busy builder to survive, state %s", b.State())
	}

	if _, err := h.queue.Finish(ctx, item.ID); err != nil {
		t.Fatalf("finish item: %v", err)
	}
	if n := r.Sweep(ctx); n != 0 {
		t.Fatalf("first idle sweep only marks the builder, terminated %d", n)
	}
	now = now.Add(2 * time.Minute)
	if n := r.Sweep(ctx); n != 1 {
		t.Fatalf("expected builder to be reaped once idle, got %d", n)
	}
}

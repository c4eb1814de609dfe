package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/vyvo/buildercloud/pkg/builder"
	"github.com/vyvo/buildercloud/pkg/inventory"
	"github.com/vyvo/buildercloud/pkg/openshift"
	"github.com/vyvo/buildercloud/pkg/openshift/openshifttest"
)

func TestListBuildersFiltersAndReuses(t *testing.T) {
	ctx := context.Background()
	broker := openshifttest.NewBroker(10)
	broker.Seed("ci", openshift.Application{Name: "myappbldr", Cartridge: openshift.Cartridge{Name: "jbossas-7"}})
	broker.Seed("ci", openshift.Application{Name: "knownbldr", Cartridge: openshift.Cartridge{Name: "diy-0.1"}})
	broker.Seed("ci", openshift.Application{Name: "bldr", Cartridge: openshift.Cartridge{Name: "diy-0.1"}})
	broker.Seed("ci", openshift.Application{Name: "website", Cartridge: openshift.Cartridge{Name: "php-5.3"}})

	env := &builder.Environment{Clients: broker, Namespace: "ci"}
	inv := inventory.New(nil, nil)
	known := builder.New(env, "knownbldr", "known-build", builder.Spec{Type: "diy-0.1"})
	inv.Add(ctx, known)

	r := NewReconciler(env, inv, Defaults{Size: "small", IdleTTL: 15 * time.Minute}, nil)
	builders, err := r.ListBuilders(ctx)
	if err != nil {
		t.Fatalf("ListBuilders returned error: %v", err)
	}
	if len(builders) != 2 {
		t.Fatalf("expected 2 builders, got %d", len(builders))
	}

	var discovered *builder.Builder
	for _, b := range builders {
		switch b.Name() {
		case "knownbldr":
			if b != known {
				t.Fatalf("expected inventory builder to be reused")
			}
		case "myappbldr":
			discovered = b
		default:
			t.Fatalf("unexpected builder %s", b.Name())
		}
	}
	if discovered == nil {
		t.Fatalf("expected myappbldr to be discovered")
	}
	spec := discovered.Spec()
	if discovered.Label() != builder.DefaultLabel || discovered.State() != builder.StateCreatedStopped {
		t.Fatalf("unexpected discovered builder %+v", discovered.Status())
	}
	if spec.Type != "jbossas-7" || spec.Size != "small" || spec.Timeout != 300*time.Second || spec.IdleTTL != 15*time.Minute {
		t.Fatalf("unexpected discovered spec %+v", spec)
	}
	if discovered.Worker().Executors != 1 {
		t.Fatalf("expected one executor")
	}
	if broker.Len() != 4 || broker.Calls("DestroyApplication") != 0 {
		t.Fatalf("reconcile must never delete")
	}
}

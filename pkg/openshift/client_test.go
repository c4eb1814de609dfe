package openshift

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *RESTClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewRESTClient(Config{BrokerHost: srv.URL, Username: "user", Password: "secret"})
	if err != nil {
		t.Fatalf("NewRESTClient returned error: %v", err)
	}
	return client
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "data": data})
}

func TestBaseURL(t *testing.T) {
	cases := map[string]Config{
		"https://broker.example.com/broker/rest":      {BrokerHost: "broker.example.com"},
		"https://broker.example.com:8443/broker/rest": {BrokerHost: " broker.example.com ", BrokerPort: "8443"},
		"http://127.0.0.1:9/broker/rest":              {BrokerHost: "http://127.0.0.1:9/"},
	}
	for want, cfg := range cases {
		if got := cfg.BaseURL(); got != want {
			t.Fatalf("BaseURL(%+v) = %q, want %q", cfg, got, want)
		}
	}
}

func TestUserCapacity(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/broker/rest/user" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "secret" {
			t.Fatalf("missing basic auth, got %q/%q", user, pass)
		}
		writeData(w, http.StatusOK, map[string]any{
			"login":          "user",
			"max_gears":      5,
			"consumed_gears": 3,
			"capabilities":   map[string]any{"gear_sizes": []string{"small", "medium"}},
		})
	})

	user, err := client.User(context.Background())
	if err != nil {
		t.Fatalf("User returned error: %v", err)
	}
	if user.MaxGears != 5 || user.ConsumedGears != 3 || !user.HasCapacity() {
		t.Fatalf("unexpected user: %+v", user)
	}
	if len(user.GearSizes) != 2 {
		t.Fatalf("expected gear sizes, got %v", user.GearSizes)
	}
}

func TestApplicationByNameLoadsGearGroups(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/broker/rest/domain/ns/application/myappbldr":
			writeData(w, http.StatusOK, map[string]any{
				"name":      "myappbldr",
				"id":        "abc123",
				"framework": "diy-0.1",
				"cartridges": []map[string]any{
					{"name": "diy-0.1", "type": "standalone"},
				},
			})
		case "/broker/rest/domain/ns/application/myappbldr/gear_groups":
			writeData(w, http.StatusOK, []map[string]any{{
				"name":       "web",
				"cartridges": []map[string]any{{"name": "diy-0.1"}},
				"gears":      []map[string]any{{"id": "abc123", "ssh_url": "ssh://abc123@myappbldr-ns.rhcloud.com"}},
			}})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	app, err := client.ApplicationByName(context.Background(), "ns", "myappbldr")
	if err != nil {
		t.Fatalf("ApplicationByName returned error: %v", err)
	}
	gear, ok := app.FirstGear()
	if !ok || gear.ID != "abc123" {
		t.Fatalf("expected gear abc123, got %+v", app.GearGroups)
	}
	if app.Cartridge.Name != "diy-0.1" {
		t.Fatalf("unexpected cartridge %+v", app.Cartridge)
	}
}

func TestNotFoundAndServiceErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "unprocessable_entity",
			"messages": []map[string]any{{"text": "Gear limit reached"}},
		})
	})

	if _, err := client.ApplicationByUUID(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	err := client.DestroyApplication(context.Background(), "ns", "other")
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if svcErr.StatusCode != http.StatusUnprocessableEntity || !strings.Contains(svcErr.Error(), "Gear limit reached") {
		t.Fatalf("unexpected service error: %v", svcErr)
	}
}

func TestCreateApplicationSendsDownloadableCartridgeURL(t *testing.T) {
	var body map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/broker/rest/domain/ns/applications" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		writeData(w, http.StatusCreated, map[string]any{"name": "appbldr", "id": "u1", "scalable": true})
	})

	app, err := client.CreateApplication(context.Background(), "ns", CreateApplicationRequest{
		Name:        "appbldr",
		Cartridge:   Cartridge{Name: "custom", URL: "https://example.com/manifest.yml"},
		Scale:       Scaled,
		GearProfile: "small",
		Region:      "eu",
	})
	if err != nil {
		t.Fatalf("CreateApplication returned error: %v", err)
	}
	if app.UUID != "u1" || app.Scale != Scaled {
		t.Fatalf("unexpected application %+v", app)
	}
	carts, _ := body["cartridges"].([]any)
	if len(carts) != 1 {
		t.Fatalf("expected one cartridge, got %v", body["cartridges"])
	}
	cart := carts[0].(map[string]any)
	if cart["url"] != "https://example.com/manifest.yml" || cart["name"] != nil {
		t.Fatalf("expected url-only cartridge, got %v", cart)
	}
	if body["gear_size"] != "small" || body["region"] != "eu" || body["scale"] != true {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestStandaloneCartridgesFiltersEmbedded(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, []map[string]any{
			{"name": "diy-0.1", "type": "standalone"},
			{"name": "mysql-5.1", "type": "embedded"},
		})
	})
	carts, err := client.StandaloneCartridges(context.Background())
	if err != nil {
		t.Fatalf("StandaloneCartridges returned error: %v", err)
	}
	if len(carts) != 1 || carts[0].Name != "diy-0.1" {
		t.Fatalf("unexpected cartridges %v", carts)
	}
}

func TestConnectorReauthenticateDialsFreshClient(t *testing.T) {
	dials := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]any{"login": "user", "max_gears": 1})
	})
	conn := NewConnector(Config{}, func(Config) (Client, error) {
		dials++
		return client, nil
	})

	if _, err := conn.Client(); err != nil {
		t.Fatalf("Client returned error: %v", err)
	}
	if _, err := conn.Client(); err != nil {
		t.Fatalf("Client returned error: %v", err)
	}
	if dials != 1 {
		t.Fatalf("expected lazily cached client, dialed %d times", dials)
	}
	if _, err := conn.Reauthenticate(context.Background()); err != nil {
		t.Fatalf("Reauthenticate returned error: %v", err)
	}
	if dials != 2 {
		t.Fatalf("expected reauthenticate to dial again, dialed %d times", dials)
	}
}

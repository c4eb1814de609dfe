package openshift

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds broker connection settings.
type Config struct {
	BrokerHost      string
	BrokerPort      string
	Username        string
	Password        string
	Token           string
	ProxyHost       string
	ProxyPort       int
	IgnoreCertCheck bool
	Timeout         time.Duration
}

// BaseURL returns the broker REST root for the configuration.
func (c Config) BaseURL() string {
	host := strings.TrimSpace(c.BrokerHost)
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		host = strings.TrimSuffix(host, "/")
	} else {
		host = "https://" + host
	}
	if port := strings.TrimSpace(c.BrokerPort); port != "" {
		host += ":" + port
	}
	return host + "/broker/rest"
}

// RESTClient talks to the broker REST API (version 1.x).
type RESTClient struct {
	baseURL    string
	cfg        Config
	httpClient *http.Client
}

var _ Client = (*RESTClient)(nil)

// NewRESTClient builds a client honouring proxy and certificate settings.
func NewRESTClient(cfg Config) (*RESTClient, error) {
	if strings.TrimSpace(cfg.BrokerHost) == "" {
		return nil, fmt.Errorf("openshift broker host is required")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.IgnoreCertCheck {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	if proxy := strings.TrimSpace(cfg.ProxyHost); proxy != "" {
		proxyURL := &url.URL{Scheme: "http", Host: proxy}
		if cfg.ProxyPort > 0 {
			proxyURL.Host = net.JoinHostPort(proxy, strconv.Itoa(cfg.ProxyPort))
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &RESTClient{
		baseURL: cfg.BaseURL(),
		cfg:     cfg,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

type envelope struct {
	Status   string          `json:"status"`
	Data     json.RawMessage `json:"data"`
	Messages []struct {
		Text string `json:"text"`
	} `json:"messages"`
}

func (c *RESTClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create broker request: %w", err)
	}
	req.Header.Set("Accept", "application/json; version=1.7")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := strings.TrimSpace(c.cfg.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read broker response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode broker response: %w", err)
		}
	}

	if resp.StatusCode >= 300 {
		svcErr := &ServiceError{StatusCode: resp.StatusCode}
		for _, m := range env.Messages {
			svcErr.Messages = append(svcErr.Messages, m.Text)
		}
		if len(svcErr.Messages) == 0 && len(raw) > 0 {
			svcErr.Messages = []string{strings.TrimSpace(string(raw[:min(len(raw), 4<<10)]))}
		}
		return svcErr
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode broker data: %w", err)
	}
	return nil
}

type userResource struct {
	Login         string `json:"login"`
	MaxGears      int    `json:"max_gears"`
	ConsumedGears int    `json:"consumed_gears"`
	Capabilities  struct {
		GearSizes []string `json:"gear_sizes"`
	} `json:"capabilities"`
}

func (c *RESTClient) User(ctx context.Context) (User, error) {
	var res userResource
	if err := c.do(ctx, http.MethodGet, "/user", nil, &res); err != nil {
		return User{}, err
	}
	return User{
		Login:         res.Login,
		MaxGears:      res.MaxGears,
		ConsumedGears: res.ConsumedGears,
		GearSizes:     res.Capabilities.GearSizes,
	}, nil
}

type applicationResource struct {
	Name        string `json:"name"`
	ID          string `json:"id"`
	DomainID    string `json:"domain_id"`
	Framework   string `json:"framework"`
	GearProfile string `json:"gear_profile"`
	Scalable    bool   `json:"scalable"`
	Region      string `json:"region"`
	Cartridges  []struct {
		Name string `json:"name"`
		URL  string `json:"url"`
		Type string `json:"type"`
	} `json:"cartridges"`
}

func (r applicationResource) toApplication() Application {
	app := Application{
		Name:        r.Name,
		UUID:        r.ID,
		Domain:      r.DomainID,
		Cartridge:   Cartridge{Name: r.Framework},
		GearProfile: r.GearProfile,
		Scale:       Scale(r.Scalable),
		Region:      r.Region,
	}
	for _, cart := range r.Cartridges {
		if cart.Name == r.Framework || cart.Type == "standalone" {
			app.Cartridge = Cartridge{Name: cart.Name, URL: cart.URL}
			break
		}
	}
	return app
}

func domainPath(namespace string) string {
	return "/domain/" + url.PathEscape(namespace)
}

func appPath(namespace, name string) string {
	return domainPath(namespace) + "/application/" + url.PathEscape(name)
}

func (c *RESTClient) Applications(ctx context.Context, namespace string) ([]Application, error) {
	var res []applicationResource
	if err := c.do(ctx, http.MethodGet, domainPath(namespace)+"/applications?include=cartridges", nil, &res); err != nil {
		return nil, err
	}
	apps := make([]Application, 0, len(res))
	for _, r := range res {
		apps = append(apps, r.toApplication())
	}
	return apps, nil
}

func (c *RESTClient) ApplicationByName(ctx context.Context, namespace, name string) (Application, error) {
	var res applicationResource
	if err := c.do(ctx, http.MethodGet, appPath(namespace, name)+"?include=cartridges", nil, &res); err != nil {
		return Application{}, err
	}
	app := res.toApplication()
	groups, err := c.gearGroups(ctx, namespace, name)
	if err != nil {
		return Application{}, err
	}
	app.GearGroups = groups
	return app, nil
}

func (c *RESTClient) ApplicationByUUID(ctx context.Context, uuid string) (Application, error) {
	var res applicationResource
	if err := c.do(ctx, http.MethodGet, "/application/"+url.PathEscape(uuid)+"?include=cartridges", nil, &res); err != nil {
		return Application{}, err
	}
	return res.toApplication(), nil
}

func (c *RESTClient) gearGroups(ctx context.Context, namespace, name string) ([]GearGroup, error) {
	var groups []GearGroup
	if err := c.do(ctx, http.MethodGet, appPath(namespace, name)+"/gear_groups", nil, &groups); err != nil {
		return nil, fmt.Errorf("gear groups for %s: %w", name, err)
	}
	return groups, nil
}

type createApplicationBody struct {
	Name       string      `json:"name"`
	Cartridges []Cartridge `json:"cartridges"`
	Scale      bool        `json:"scale"`
	GearSize   string      `json:"gear_size,omitempty"`
	Region     string      `json:"region,omitempty"`
}

func (c *RESTClient) CreateApplication(ctx context.Context, namespace string, req CreateApplicationRequest) (Application, error) {
	cart := req.Cartridge
	if cart.URL != "" {
		cart = Cartridge{URL: cart.URL}
	}
	body := createApplicationBody{
		Name:       req.Name,
		Cartridges: []Cartridge{cart},
		Scale:      bool(req.Scale),
		GearSize:   req.GearProfile,
		Region:     req.Region,
	}
	var res applicationResource
	if err := c.do(ctx, http.MethodPost, domainPath(namespace)+"/applications", body, &res); err != nil {
		return Application{}, fmt.Errorf("create application %s: %w", req.Name, err)
	}
	return res.toApplication(), nil
}

func (c *RESTClient) StopApplication(ctx context.Context, namespace, name string) error {
	body := map[string]string{"event": "stop"}
	if err := c.do(ctx, http.MethodPost, appPath(namespace, name)+"/events", body, nil); err != nil {
		return fmt.Errorf("stop application %s: %w", name, err)
	}
	return nil
}

func (c *RESTClient) DestroyApplication(ctx context.Context, namespace, name string) error {
	if err := c.do(ctx, http.MethodDelete, appPath(namespace, name), nil, nil); err != nil {
		return fmt.Errorf("destroy application %s: %w", name, err)
	}
	return nil
}

type domainResource struct {
	ID               string   `json:"id"`
	AllowedGearSizes []string `json:"allowed_gear_sizes"`
}

func (c *RESTClient) GearProfiles(ctx context.Context, namespace string) ([]string, error) {
	var res domainResource
	if err := c.do(ctx, http.MethodGet, domainPath(namespace), nil, &res); err != nil {
		return nil, err
	}
	if len(res.AllowedGearSizes) > 0 {
		return res.AllowedGearSizes, nil
	}
	user, err := c.User(ctx)
	if err != nil {
		return nil, err
	}
	return user.GearSizes, nil
}

type cartridgeResource struct {
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

func (c *RESTClient) StandaloneCartridges(ctx context.Context) ([]Cartridge, error) {
	var res []cartridgeResource
	if err := c.do(ctx, http.MethodGet, "/cartridges", nil, &res); err != nil {
		return nil, err
	}
	carts := make([]Cartridge, 0, len(res))
	for _, r := range res {
		if r.Type != "" && r.Type != "standalone" {
			continue
		}
		carts = append(carts, Cartridge{Name: r.Name, URL: r.URL})
	}
	return carts, nil
}

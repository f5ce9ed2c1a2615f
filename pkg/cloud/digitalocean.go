package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fleetscale/controller/pkg/group"
)

// DigitalOceanDriver implements Driver against the DigitalOcean Droplets API.
type DigitalOceanDriver struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	maxElapsed time.Duration
	maxDelay   time.Duration
}

// DigitalOceanConfig holds the credentials and retry policy a
// DigitalOceanDriver needs.
type DigitalOceanConfig struct {
	BaseURL    string
	APIKey     string
	MaxElapsed time.Duration
	MaxDelay   time.Duration
}

// NewDigitalOceanDriver creates a DigitalOceanDriver.
func NewDigitalOceanDriver(cfg DigitalOceanConfig, logger *slog.Logger) *DigitalOceanDriver {
	return &DigitalOceanDriver{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{},
		logger:     logger,
		maxElapsed: cfg.MaxElapsed,
		maxDelay:   cfg.MaxDelay,
	}
}

type doDropletCreateRequest struct {
	Names  []string `json:"names"`
	Region string   `json:"region"`
	Size   string   `json:"size"`
	Image  string   `json:"image"`
	Tags   []string `json:"tags,omitempty"`
}

type doDroplet struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
	Region struct {
		Slug string `json:"slug"`
	} `json:"region"`
}

// Launch requests n droplets tagged with the group's name.
func (d *DigitalOceanDriver) Launch(ctx context.Context, g *group.InstanceGroup, region string, n int) ([]LaunchResult, error) {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%s-%d", g.Name, time.Now().UnixNano()+int64(i))
	}

	req := doDropletCreateRequest{
		Names:  names,
		Region: region,
		Size:   g.InstanceConfigurationID,
		Image:  g.InstanceConfigurationID,
		Tags:   []string{g.Name},
	}

	var resp struct {
		Droplets []doDroplet `json:"droplets"`
	}
	err := withRetry(ctx, d.maxElapsed, d.maxDelay, func(ctx context.Context) error {
		return d.do(ctx, http.MethodPost, "/v2/droplets", req, &resp)
	})
	if err != nil {
		d.logger.Error("digitalocean: launching droplets failed", "group", g.Name, "error", err)
		return nil, fmt.Errorf("cloud: digitalocean launch for %q: %w", g.Name, err)
	}

	results := make([]LaunchResult, 0, len(resp.Droplets))
	for _, drop := range resp.Droplets {
		results = append(results, LaunchResult{
			InstanceID: strconv.Itoa(drop.ID),
			Status:     mapDOStatus(drop.Status),
		})
	}
	return results, nil
}

// List enumerates droplets tagged with the group's name.
func (d *DigitalOceanDriver) List(ctx context.Context, g *group.InstanceGroup) ([]Instance, error) {
	var resp struct {
		Droplets []doDroplet `json:"droplets"`
	}
	path := "/v2/droplets?tag_name=" + g.Name
	err := withRetry(ctx, d.maxElapsed, d.maxDelay, func(ctx context.Context) error {
		return d.do(ctx, http.MethodGet, path, nil, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("cloud: digitalocean list for %q: %w", g.Name, err)
	}

	instances := make([]Instance, 0, len(resp.Droplets))
	for _, drop := range resp.Droplets {
		instances = append(instances, Instance{
			InstanceID: strconv.Itoa(drop.ID),
			Region:     drop.Region.Slug,
			Status:     mapDOStatus(drop.Status),
		})
	}
	return instances, nil
}

// Status reports one droplet's current lifecycle state.
func (d *DigitalOceanDriver) Status(ctx context.Context, g *group.InstanceGroup, instanceID string) (LifecycleStatus, error) {
	var resp struct {
		Droplet doDroplet `json:"droplet"`
	}
	err := withRetry(ctx, d.maxElapsed, d.maxDelay, func(ctx context.Context) error {
		return d.do(ctx, http.MethodGet, "/v2/droplets/"+instanceID, nil, &resp)
	})
	if err != nil {
		return "", fmt.Errorf("cloud: digitalocean status for %q/%q: %w", g.Name, instanceID, err)
	}
	return mapDOStatus(resp.Droplet.Status), nil
}

func mapDOStatus(status string) LifecycleStatus {
	switch strings.ToLower(status) {
	case "active":
		return StatusRunning
	case "archive":
		return StatusTerminated
	default:
		return StatusProvisioning
	}
}

func (d *DigitalOceanDriver) do(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return &statusError{code: resp.StatusCode, err: fmt.Errorf("digitalocean API error (status %d): %s", resp.StatusCode, string(respBody))}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

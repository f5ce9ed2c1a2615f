package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fleetscale/controller/pkg/group"
)

// OracleDriver implements Driver against the OCI Compute REST API.
// Credentials are presented as a pre-signed Authorization header rather
// than the full OCI request-signing scheme, matching the "thin REST
// client" boundary CloudDriver is specified as.
type OracleDriver struct {
	baseURL       string
	tenancyID     string
	userID        string
	fingerprint   string
	privateKeyPEM string
	httpClient    *http.Client
	logger        *slog.Logger
	maxElapsed    time.Duration
	maxDelay      time.Duration
}

// OracleConfig holds the credentials and retry policy an OracleDriver needs.
type OracleConfig struct {
	BaseURL       string
	TenancyID     string
	UserID        string
	Fingerprint   string
	PrivateKeyPEM string
	MaxElapsed    time.Duration
	MaxDelay      time.Duration
}

// NewOracleDriver creates an OracleDriver.
func NewOracleDriver(cfg OracleConfig, logger *slog.Logger) *OracleDriver {
	return &OracleDriver{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		tenancyID:     cfg.TenancyID,
		userID:        cfg.UserID,
		fingerprint:   cfg.Fingerprint,
		privateKeyPEM: cfg.PrivateKeyPEM,
		httpClient:    &http.Client{},
		logger:        logger,
		maxElapsed:    cfg.MaxElapsed,
		maxDelay:      cfg.MaxDelay,
	}
}

type ociLaunchInstanceRequest struct {
	CompartmentID           string `json:"compartmentId"`
	AvailabilityDomain      string `json:"availabilityDomain,omitempty"`
	InstanceConfigurationID string `json:"instanceConfigurationId"`
	DisplayName             string `json:"displayName"`
}

type ociInstance struct {
	ID                 string `json:"id"`
	LifecycleState     string `json:"lifecycleState"`
	AvailabilityDomain string `json:"availabilityDomain"`
}

// Launch requests n instances from an OCI instance configuration.
func (d *OracleDriver) Launch(ctx context.Context, g *group.InstanceGroup, region string, n int) ([]LaunchResult, error) {
	results := make([]LaunchResult, 0, n)
	for i := 0; i < n; i++ {
		req := ociLaunchInstanceRequest{
			CompartmentID:           g.CompartmentID,
			InstanceConfigurationID: g.InstanceConfigurationID,
			DisplayName:             fmt.Sprintf("%s-%d", g.Name, time.Now().UnixNano()+int64(i)),
		}

		var inst ociInstance
		err := withRetry(ctx, d.maxElapsed, d.maxDelay, func(ctx context.Context) error {
			return d.do(ctx, http.MethodPost, "/20160918/instances", req, &inst)
		})
		if err != nil {
			d.logger.Error("oracle: launching instance failed", "group", g.Name, "error", err)
			return results, fmt.Errorf("cloud: oracle launch for %q: %w", g.Name, err)
		}

		results = append(results, LaunchResult{InstanceID: inst.ID, Status: mapOCIState(inst.LifecycleState)})
	}
	return results, nil
}

// List enumerates instances in the group's compartment.
func (d *OracleDriver) List(ctx context.Context, g *group.InstanceGroup) ([]Instance, error) {
	var page struct {
		Items []ociInstance `json:"items"`
	}
	path := fmt.Sprintf("/20160918/instances?compartmentId=%s", g.CompartmentID)
	err := withRetry(ctx, d.maxElapsed, d.maxDelay, func(ctx context.Context) error {
		return d.do(ctx, http.MethodGet, path, nil, &page)
	})
	if err != nil {
		return nil, fmt.Errorf("cloud: oracle list for %q: %w", g.Name, err)
	}

	instances := make([]Instance, 0, len(page.Items))
	for _, it := range page.Items {
		instances = append(instances, Instance{
			InstanceID: it.ID,
			Region:     g.Region,
			Status:     mapOCIState(it.LifecycleState),
		})
	}
	return instances, nil
}

// Status reports one instance's current lifecycle state.
func (d *OracleDriver) Status(ctx context.Context, g *group.InstanceGroup, instanceID string) (LifecycleStatus, error) {
	var inst ociInstance
	err := withRetry(ctx, d.maxElapsed, d.maxDelay, func(ctx context.Context) error {
		return d.do(ctx, http.MethodGet, "/20160918/instances/"+instanceID, nil, &inst)
	})
	if err != nil {
		return "", fmt.Errorf("cloud: oracle status for %q/%q: %w", g.Name, instanceID, err)
	}
	return mapOCIState(inst.LifecycleState), nil
}

func mapOCIState(state string) LifecycleStatus {
	switch strings.ToUpper(state) {
	case "RUNNING":
		return StatusRunning
	case "TERMINATED", "TERMINATING":
		return StatusTerminated
	default:
		return StatusProvisioning
	}
}

func (d *OracleDriver) do(ctx context.Context, method, path string, body any, result any) error {
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
	req.Header.Set("Authorization", fmt.Sprintf("Signature headers=\"\",keyId=\"%s/%s/%s\"", d.tenancyID, d.userID, d.fingerprint))
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
		return &statusError{code: resp.StatusCode, err: fmt.Errorf("oracle API error (status %d): %s", resp.StatusCode, string(respBody))}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

package training

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
)

// DashboardConfig contains configuration for the metric dashboard client.
type DashboardConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts uint          `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// DefaultDashboardConfig returns the client defaults for a local dashboard.
func DefaultDashboardConfig() DashboardConfig {
	return DashboardConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

// Dashboard submits run metadata and per-epoch scalar metrics to an
// external dashboard server over HTTP. A disabled client turns every call
// into a no-op, so training code can log unconditionally.
type Dashboard struct {
	baseURL       string
	httpClient    *http.Client
	retryAttempts uint
	retryDelay    time.Duration
	enabled       bool
	runID         string
}

// NewDashboard creates a dashboard client. An empty BaseURL disables it.
func NewDashboard(config DashboardConfig) *Dashboard {
	base := strings.TrimRight(config.BaseURL, "/")
	return &Dashboard{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		retryAttempts: config.RetryAttempts,
		retryDelay:    config.RetryDelay,
		enabled:       base != "",
	}
}

// Disable turns the client into a no-op.
func (d *Dashboard) Disable() {
	d.enabled = false
}

// IsEnabled reports whether calls reach the server.
func (d *Dashboard) IsEnabled() bool {
	return d.enabled
}

// RunID returns the identifier assigned by Init, or empty before it.
func (d *Dashboard) RunID() string {
	return d.runID
}

type runInitRequest struct {
	Project string                 `json:"project"`
	Name    string                 `json:"name"`
	RunID   string                 `json:"run_id"`
	Config  map[string]interface{} `json:"config,omitempty"`
}

type metricsRequest struct {
	RunID   string             `json:"run_id"`
	Epoch   int                `json:"epoch"`
	Metrics map[string]float64 `json:"metrics"`
}

// Init registers the run once, assigning it a fresh ID and attaching the
// run configuration, the analog of a tracking service's run setup.
func (d *Dashboard) Init(ctx context.Context, project, runName string, config map[string]interface{}) error {
	if !d.enabled {
		return nil
	}
	d.runID = uuid.New().String()
	payload := runInitRequest{
		Project: project,
		Name:    runName,
		RunID:   d.runID,
		Config:  config,
	}
	return d.post(ctx, "/api/runs", payload)
}

// Log submits one epoch's scalar metrics. Init must have run first.
func (d *Dashboard) Log(ctx context.Context, epoch int, metrics map[string]float64) error {
	if !d.enabled {
		return nil
	}
	if d.runID == "" {
		return fmt.Errorf("dashboard log called before init")
	}
	payload := metricsRequest{
		RunID:   d.runID,
		Epoch:   epoch,
		Metrics: metrics,
	}
	return d.post(ctx, fmt.Sprintf("/api/runs/%s/metrics", d.runID), payload)
}

func (d *Dashboard) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal dashboard payload: %w", err)
	}

	url := d.baseURL + path
	return retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "go-visage-training")

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("dashboard returned status %d", resp.StatusCode)
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(d.retryAttempts),
		retry.Delay(d.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

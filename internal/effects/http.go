package effects

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// HTTPEffector posts effect commands to a remediation control plane.
type HTTPEffector struct {
	baseURL    string
	applyPath  string
	revertPath string
	httpClient *http.Client
}

// NewHTTPEffector constructs an effector targeting the control plane at baseURL.
func NewHTTPEffector(baseURL, applyPath, revertPath string, timeout time.Duration) *HTTPEffector {
	return &HTTPEffector{
		baseURL:    strings.TrimRight(baseURL, "/"),
		applyPath:  applyPath,
		revertPath: revertPath,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Apply posts an apply command.
func (e *HTTPEffector) Apply(ctx context.Context, action models.Action) error {
	return e.postJSON(ctx, e.resolvePath(e.applyPath), newCommand(OpApply, action))
}

// Revert posts a revert command.
func (e *HTTPEffector) Revert(ctx context.Context, action models.Action) error {
	return e.postJSON(ctx, e.resolvePath(e.revertPath), newCommand(OpRevert, action))
}

// Close releases idle connections.
func (e *HTTPEffector) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}

func (e *HTTPEffector) resolvePath(p string) string {
	if e.baseURL == "" || p == "" {
		return ""
	}
	base, err := url.Parse(e.baseURL)
	if err != nil {
		return ""
	}
	base.Path = path.Join(base.Path, p)
	return base.String()
}

func (e *HTTPEffector) postJSON(ctx context.Context, endpoint string, payload Command) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", string(payload.Op)+":"+payload.Action.ID)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control plane returned %s for %s %s", resp.Status, payload.Op, payload.Action.ID)
	}
	return nil
}

// Package admin defines the two collaborators the schedulers dispatch
// to — AdminClient and NamespaceService — and ships default,
// HTTP-backed implementations rate-limited the same way the cluster's
// admission webhook rate-limits inbound requests (spec §6: these are
// external, out-of-scope algorithms, but a working default belongs
// here so the engine is runnable standalone).
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

// AdminClient issues the unload RPC the scheduler dispatches after a
// shedder names a victim bundle.
type AdminClient interface {
	UnloadNamespaceBundle(ctx context.Context, namespace, bundleRange string) error
}

// ErrAdmin wraps a non-2xx response from the admin endpoint.
type ErrAdmin struct {
	StatusCode int
	Body       string
}

func (e *ErrAdmin) Error() string {
	return fmt.Sprintf("admin: unload request failed with status %d: %s", e.StatusCode, e.Body)
}

// HTTPAdminClient is the default AdminClient: a plain PUT against the
// broker's admin REST API, throttled by a token-bucket limiter so a
// burst of shedding decisions can't overrun the admin endpoint.
type HTTPAdminClient struct {
	BaseURL string
	Client  *http.Client
	Limiter *rate.Limiter
}

// NewHTTPAdminClient constructs an HTTPAdminClient allowing at most
// ratePerSecond unload calls per second, with burst headroom equal to
// burst.
func NewHTTPAdminClient(baseURL string, ratePerSecond float64, burst int) *HTTPAdminClient {
	return &HTTPAdminClient{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
		Limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

func (c *HTTPAdminClient) UnloadNamespaceBundle(ctx context.Context, namespace, bundleRange string) error {
	if err := c.Limiter.Wait(ctx); err != nil {
		return fmt.Errorf("admin: rate limiter wait: %w", err)
	}

	url := fmt.Sprintf("%s/admin/v2/namespaces/%s/unload/%s", c.BaseURL, namespace, bundleRange)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return fmt.Errorf("admin: build unload request: %w", err)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("admin: unload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return &ErrAdmin{StatusCode: resp.StatusCode}
	}
	klog.V(4).Infof("admin: unloaded %s/%s", namespace, bundleRange)
	return nil
}

// HTTPNamespaceService is the default split.NamespaceService: a GET
// against the namespace admin API's bundle list, counted client-side.
type HTTPNamespaceService struct {
	BaseURL string
	Client  *http.Client
	Limiter *rate.Limiter
}

// NewHTTPNamespaceService constructs an HTTPNamespaceService allowing
// at most ratePerSecond bundle-count queries per second.
func NewHTTPNamespaceService(baseURL string, ratePerSecond float64, burst int) *HTTPNamespaceService {
	return &HTTPNamespaceService{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
		Limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

func (n *HTTPNamespaceService) GetBundleCount(ctx context.Context, namespace string) (int, error) {
	if err := n.Limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("namespaceservice: rate limiter wait: %w", err)
	}

	url := fmt.Sprintf("%s/admin/v2/namespaces/%s/bundles", n.BaseURL, namespace)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("namespaceservice: build bundle-count request: %w", err)
	}

	resp, err := n.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("namespaceservice: bundle-count request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return 0, &ErrAdmin{StatusCode: resp.StatusCode}
	}

	var payload struct {
		Boundaries []string `json:"boundaries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("namespaceservice: decode bundle list: %w", err)
	}

	// N boundaries describe N-1 bundles; guard the degenerate case.
	if len(payload.Boundaries) == 0 {
		return 0, nil
	}
	return len(payload.Boundaries) - 1, nil
}

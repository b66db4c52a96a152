/*
Package workerclient is the shared HTTP client the Health Monitor and
Regional Router use to talk to the opaque worker endpoints
(`/health`, `/inference`). Both components need the same timeout
discipline, so it is factored out rather than duplicated —
grounded on github.com/go-resty/resty/v2, already part of the pack's
dependency surface.
*/
package workerclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// workerPort is the fixed HTTP port every worker listens on for
// /health, /inference and /metrics.
const workerPort = 8080

// HealthPayload is the JSON body a worker returns from GET /health.
type HealthPayload struct {
	Status         string   `json:"status"`
	QueueDepth     uint     `json:"queue_depth"`
	GPUHealthy     bool     `json:"gpu_healthy"`
	EnclaveHealthy bool     `json:"enclave_healthy"`
	ModelsLoaded   []string `json:"models_loaded"`
}

// Client wraps a resty.Client configured for worker endpoints.
type Client struct {
	rc *resty.Client
}

// New constructs a Client.
func New() *Client {
	return &Client{rc: resty.New()}
}

// Probe issues GET /health against the worker at ip with the given
// timeout. Per §6, any non-200 response is a failure, so payload is
// only populated when statusCode is 200; err is set only for connect
// failures or timeouts, never for a non-2xx response.
func (c *Client) Probe(ctx context.Context, ip string, timeout time.Duration) (statusCode int, payload HealthPayload, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.rc.R().
		SetContext(ctx).
		SetResult(&payload).
		Get(fmt.Sprintf("http://%s:%d/health", ip, workerPort))
	if err != nil {
		return 0, HealthPayload{}, err
	}
	return resp.StatusCode(), payload, nil
}

// Forward issues POST /inference against the worker, passing body and
// headers through unchanged, with the given timeout.
func (c *Client) Forward(ctx context.Context, ip string, headers map[string][]string, body []byte, timeout time.Duration) (statusCode int, respBody []byte, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := c.rc.R().SetContext(ctx).SetBody(body)
	for k, vs := range headers {
		for _, v := range vs {
			req.SetHeader(k, v)
		}
	}

	resp, err := req.Post(fmt.Sprintf("http://%s:%d/inference", ip, workerPort))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode(), resp.Body(), nil
}

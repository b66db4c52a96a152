package router

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/jbwitnessAI/mrgc/pkg/log"
)

const (
	headerKMSKeyARN = "X-KMS-Key-ARN"
	headerTenantID  = "X-Tenant-ID"
	headerModelPool = "X-Model-Pool"
	headerRequestID = "X-Request-ID"
	headerSubnet    = "X-Subnet-Hint"

	defaultModelPool = "default"
)

// ServeHTTP is the ingress surface described in §6: the same
// /inference contract a worker exposes, served publicly through the
// traffic director in front of the region's routers.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	kmsKeyARN := req.Header.Get(headerKMSKeyARN)
	tenantID := req.Header.Get(headerTenantID)
	if kmsKeyARN == "" || tenantID == "" {
		http.Error(w, "missing required header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil || len(body) == 0 {
		http.Error(w, "missing request body", http.StatusBadRequest)
		return
	}

	modelPool := req.Header.Get(headerModelPool)
	if modelPool == "" {
		modelPool = defaultModelPool
	}
	requestID := req.Header.Get(headerRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	subnetHint := req.Header.Get(headerSubnet)

	headers := map[string][]string{
		headerKMSKeyARN: {kmsKeyARN},
		headerTenantID:  {tenantID},
		headerModelPool: {modelPool},
		headerRequestID: {requestID},
	}

	status, respBody, err := r.Forward(req.Context(), modelPool, subnetHint, headers, body)
	logger := log.WithModelPool(modelPool)
	switch {
	case err == nil:
		w.WriteHeader(status)
		_, _ = w.Write(respBody)
	case errors.Is(err, ErrNoCapacity):
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	case errors.Is(err, ErrUpstreamTimeout):
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
	default:
		logger.Error().Err(err).Str("request_id", requestID).Msg("forward failed")
		http.Error(w, "upstream error", http.StatusBadGateway)
	}
}

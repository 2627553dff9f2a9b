package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Golden-forest/cardall-sync/internal/errors"
	"github.com/Golden-forest/cardall-sync/internal/model"
	"github.com/Golden-forest/cardall-sync/internal/service"
	"go.uber.org/zap"
)

// applyRequest is the wire form of one operation submission.
type applyRequest struct {
	OperationID     string          `json:"operation_id"`
	Kind            string          `json:"kind"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ExpectedVersion int64           `json:"expected_version,omitempty"`
}

// applyResponse is the backend's answer for an accepted operation.
type applyResponse struct {
	AppliedVersion int64           `json:"applied_version"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// conflictResponse is the backend's answer for a version mismatch.
type conflictResponse struct {
	CurrentVersion int64           `json:"current_version"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Reason         string          `json:"reason,omitempty"`
}

// HTTPRemote applies operations against a JSON-over-HTTP backend. Every
// request carries the operation id as an idempotency key, so a retry after
// a lost response cannot double-apply.
type HTTPRemote struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPRemote creates a remote applier for the given base URL.
func NewHTTPRemote(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPRemote {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRemote{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Apply implements service.RemoteApplier.
func (r *HTTPRemote) Apply(ctx context.Context, op model.Operation) (service.ApplyResult, error) {
	body, err := json.Marshal(applyRequest{
		OperationID:     op.ID,
		Kind:            string(op.Kind),
		EntityType:      string(op.EntityType),
		EntityID:        op.EntityID,
		Payload:         op.Payload,
		ExpectedVersion: op.Metadata.ExpectedVersion,
	})
	if err != nil {
		return service.ApplyResult{}, errors.InvalidArgument("operation is not serializable: " + err.Error())
	}

	url := fmt.Sprintf("%s/v1/operations", r.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return service.ApplyResult{}, errors.Transport("build apply request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", op.ID)

	resp, err := r.client.Do(req)
	if err != nil {
		return service.ApplyResult{}, errors.Transport("apply request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return service.ApplyResult{}, errors.Transport("read apply response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var applied applyResponse
		if err := json.Unmarshal(respBody, &applied); err != nil {
			return service.ApplyResult{}, errors.Transport("decode apply response", err)
		}
		return service.ApplyResult{
			OK:              true,
			AppliedVersion:  applied.AppliedVersion,
			RemoteData:      applied.Data,
			RemoteTimestamp: applied.Timestamp,
		}, nil

	case resp.StatusCode == http.StatusConflict:
		var conflict conflictResponse
		if err := json.Unmarshal(respBody, &conflict); err != nil {
			return service.ApplyResult{}, errors.Transport("decode conflict response", err)
		}
		r.logger.Debug("Remote reported version conflict",
			zap.String("operation_id", op.ID),
			zap.Int64("current_version", conflict.CurrentVersion))
		return service.ApplyResult{
			Conflict:        true,
			AppliedVersion:  conflict.CurrentVersion,
			RemoteData:      conflict.Data,
			RemoteTimestamp: conflict.Timestamp,
		}, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return service.ApplyResult{}, errors.RemoteBusy(op.ID, resp.StatusCode)

	default:
		// Any other 4xx is a permanent rejection of this operation.
		return service.ApplyResult{
			RejectReason: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}, nil
	}
}

// PingLinkSource derives passive link state by timing a lightweight request
// against the backend. Downlink cannot be measured from a ping, so callers
// configure an assumed value for bandwidth classification.
type PingLinkSource struct {
	URL             string
	Client          *http.Client
	AssumedDownlink float64
	Type            model.ConnectionType
}

// Link implements service.ConnectivitySource.
func (p *PingLinkSource) Link(ctx context.Context) (model.LinkState, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return model.LinkState{}, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return model.LinkState{Online: false, Type: p.Type}, nil
	}
	resp.Body.Close()

	downlink := p.AssumedDownlink
	if downlink <= 0 {
		downlink = 25 // mid-range default when unmeasured
	}
	connType := p.Type
	if connType == "" {
		connType = model.ConnectionUnknown
	}
	return model.LinkState{
		Online:       true,
		DownlinkMbps: downlink,
		RTT:          time.Since(start),
		Type:         connType,
	}, nil
}

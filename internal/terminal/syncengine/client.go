package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pos-sync/internal/common/httpx"
	"pos-sync/internal/domain"
)

// ErrUnreachable is a transient failure where no HTTP answer came back.
var ErrUnreachable = fmt.Errorf("%w: server unreachable", domain.ErrTransient)

// ErrServerInvariant is a 500 carrying an invariant_violation problem. The
// server rolled the mutation back and resending will not help.
var ErrServerInvariant = errors.New("server invariant violation")

const invariantProblem = "invariant_violation"

// Client talks to the state machine's HTTP API.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

// Send submits one mutation. A 409 comes back as a response carrying the
// conflict with a nil error; 400 wraps domain.ErrMalformed; an
// invariant_violation problem is ErrServerInvariant; other 5xx wrap
// domain.ErrTransient; no answer at all is ErrUnreachable.
func (c *Client) Send(ctx context.Context, req domain.MutationRequest) (domain.MutationResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.MutationResponse{}, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/mutations", bytes.NewReader(body))
	if err != nil {
		return domain.MutationResponse{}, err
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(hreq)
	if err != nil {
		return domain.MutationResponse{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.MutationResponse{}, fmt.Errorf("%w: read body: %v", domain.ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusConflict:
		var out domain.MutationResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return domain.MutationResponse{}, fmt.Errorf("%w: decode response: %v", domain.ErrTransient, err)
		}
		if !out.Accepted && out.Conflict == nil {
			out.Conflict = domain.Conflict(domain.ConflictInvalidPayload, "rejected without reason")
		}
		return out, nil
	case resp.StatusCode == http.StatusBadRequest:
		return domain.MutationResponse{}, fmt.Errorf("%w: %s", domain.ErrMalformed, problemDetail(raw))
	}
	p := decodeProblem(raw)
	if resp.StatusCode == http.StatusInternalServerError && p.Type == invariantProblem {
		return domain.MutationResponse{}, fmt.Errorf("%w: %s", ErrServerInvariant, p.Detail)
	}
	return domain.MutationResponse{}, fmt.Errorf("%w: status %d: %s", domain.ErrTransient, resp.StatusCode, problemDetail(raw))
}

// Snapshot fetches the full server state for a resync.
func (c *Client) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/snapshot", nil)
	if err != nil {
		return domain.Snapshot{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.Snapshot{}, fmt.Errorf("%w: snapshot status %d", domain.ErrTransient, resp.StatusCode)
	}
	var snap domain.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func decodeProblem(raw []byte) httpx.Problem {
	var p httpx.Problem
	_ = json.Unmarshal(raw, &p)
	return p
}

func problemDetail(raw []byte) string {
	if p := decodeProblem(raw); p.Detail != "" {
		return p.Detail
	}
	return strings.TrimSpace(string(raw))
}

package collaborators

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pos-sync/internal/common/config"
	"pos-sync/internal/domain"
)

// HTTP calls the external lookup services. Transport failures and 5xx
// answers are reported as domain.ErrTransient so the terminal retries.
type HTTP struct {
	client       *http.Client
	menuURL      string
	tablesURL    string
	customersURL string
}

func NewHTTP(cfg config.Collaborators) *HTTP {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTP{
		client:       &http.Client{Timeout: timeout},
		menuURL:      strings.TrimRight(cfg.MenuURL, "/"),
		tablesURL:    strings.TrimRight(cfg.TablesURL, "/"),
		customersURL: strings.TrimRight(cfg.CustomersURL, "/"),
	}
}

func (h *HTTP) MenuItem(ctx context.Context, id string) (MenuItem, error) {
	var m MenuItem
	if err := h.get(ctx, h.menuURL, id, &m); err != nil {
		return MenuItem{}, err
	}
	if m.ID == "" {
		m.ID = id
	}
	return m, nil
}

func (h *HTTP) TableCapacity(ctx context.Context, tableID string) (int, error) {
	if h.tablesURL == "" {
		return 0, nil
	}
	var body struct {
		Capacity int `json:"capacity"`
	}
	err := h.get(ctx, h.tablesURL, tableID, &body)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	return body.Capacity, err
}

func (h *HTTP) CustomerExists(ctx context.Context, ref string) (bool, error) {
	if h.customersURL == "" {
		return true, nil
	}
	err := h.get(ctx, h.customersURL, ref, nil)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (h *HTTP) get(ctx context.Context, base, id string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s returned %d", domain.ErrTransient, base, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%s returned %d", base, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", base, err)
	}
	return nil
}

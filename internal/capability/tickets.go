package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ppiankov/autoremedy/internal/pipeline"
)

// TicketConfig points at an HTTP bridge in front of the PSA.
type TicketConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// TicketClient applies ticket patches with PATCH <URL>/tickets/<ref>.
type TicketClient struct {
	base    string
	headers map[string]string
	client  *http.Client
}

// NewTicketClient returns a client for cfg.
func NewTicketClient(cfg TicketConfig) *TicketClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TicketClient{
		base:    strings.TrimRight(cfg.URL, "/"),
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}
}

// UpdateTicket implements pipeline.TicketSystem.
func (c *TicketClient) UpdateTicket(ctx context.Context, ref string, patch pipeline.TicketPatch) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal ticket patch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.base+"/tickets/"+url.PathEscape(ref), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("update ticket %s: %w", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("update ticket %s: HTTP %d: %s", ref, resp.StatusCode, strings.TrimSpace(string(msg)))
}

var _ pipeline.TicketSystem = (*TicketClient)(nil)

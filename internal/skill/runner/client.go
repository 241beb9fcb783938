package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// BrokerClient is the thin client skills and the runner use to talk to the
// broker. Only the mint endpoint is needed host-side; everything else the
// skill calls from inside its container.
type BrokerClient struct {
	BaseURL string
	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client
}

// ScopedGrant is the broker's mint response.
type ScopedGrant struct {
	Token      string `json:"token"`
	SkillRunID string `json:"skill_run_id"`
	ExpiresAt  string `json:"expires_at"`
}

func (c *BrokerClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// MintScoped requests a scoped token for one skill run.
func (c *BrokerClient) MintScoped(ctx context.Context, agentToken, skillName string, capabilities []string, ttl time.Duration) (*ScopedGrant, error) {
	payload, err := json.Marshal(map[string]any{
		"skill_name":   skillName,
		"capabilities": capabilities,
		"ttl_seconds":  int(ttl.Seconds()),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/tokens/scoped", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+agentToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("mint scoped token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return nil, fmt.Errorf("mint scoped token: broker returned %d (%s)", resp.StatusCode, body.Error)
	}

	var grant ScopedGrant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("mint scoped token: decode response: %w", err)
	}
	if grant.Token == "" {
		return nil, fmt.Errorf("mint scoped token: empty token in response")
	}
	return &grant, nil
}

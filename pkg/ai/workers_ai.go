package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultWorkersAIBaseURL = "https://api.cloudflare.com/client/v4"
	defaultGatewayBaseURL   = "https://gateway.ai.cloudflare.com/v1"
)

// WorkersAIConfig configures the remote inference client.
type WorkersAIConfig struct {
	AccountID      string
	APIToken       string
	BaseURL        string
	GatewayBaseURL string
	Timeout        time.Duration
}

// WorkersAIClient calls the Workers AI REST API, optionally through an AI gateway.
type WorkersAIClient struct {
	accountID  string
	apiToken   string
	baseURL    string
	gatewayURL string
	httpClient *http.Client
}

// NewWorkersAIClient constructs a client for the given account.
func NewWorkersAIClient(cfg WorkersAIConfig) (*WorkersAIClient, error) {
	accountID := strings.TrimSpace(cfg.AccountID)
	if accountID == "" {
		return nil, fmt.Errorf("workers ai account id required")
	}
	apiToken := strings.TrimSpace(cfg.APIToken)
	if apiToken == "" {
		return nil, fmt.Errorf("workers ai api token required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultWorkersAIBaseURL
	}
	gatewayURL := strings.TrimRight(strings.TrimSpace(cfg.GatewayBaseURL), "/")
	if gatewayURL == "" {
		gatewayURL = defaultGatewayBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &WorkersAIClient{
		accountID:  accountID,
		apiToken:   apiToken,
		baseURL:    baseURL,
		gatewayURL: gatewayURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Run implements Runner.
func (c *WorkersAIClient) Run(ctx context.Context, model string, params Params, gateway Gateway) (*Response, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, fmt.Errorf("workers ai model required")
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(model, gateway), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	if gateway.ID != "" && gateway.SkipCache {
		req.Header.Set("cf-aig-skip-cache", "true")
	}
	if params.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workers ai request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var env workersAIEnvelope
		_ = json.NewDecoder(resp.Body).Decode(&env)
		if msg := env.errorMessage(); msg != "" {
			return nil, fmt.Errorf("workers ai error: %s", msg)
		}
		return nil, fmt.Errorf("workers ai error: %s", resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	lower := strings.ToLower(contentType)
	if strings.HasPrefix(lower, "image/") || strings.HasPrefix(lower, "application/octet-stream") || isEventStream(lower) {
		return StreamResponse(resp.Body, contentType), nil
	}

	defer resp.Body.Close()
	var env workersAIEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("workers ai decode: %w", err)
	}
	if !env.Success {
		msg := env.errorMessage()
		if msg == "" {
			msg = "request unsuccessful"
		}
		return nil, fmt.Errorf("workers ai error: %s", msg)
	}
	if env.Result.Image != "" {
		data, err := base64.StdEncoding.DecodeString(env.Result.Image)
		if err != nil {
			return nil, fmt.Errorf("workers ai decode image: %w", err)
		}
		return BufferedResponse(data, "image/png"), nil
	}
	return TextResponse(strings.TrimSpace(env.Result.Response)), nil
}

func (c *WorkersAIClient) endpoint(model string, gateway Gateway) string {
	if gateway.ID != "" {
		return fmt.Sprintf("%s/%s/%s/workers-ai/%s", c.gatewayURL, c.accountID, gateway.ID, model)
	}
	return fmt.Sprintf("%s/accounts/%s/ai/run/%s", c.baseURL, c.accountID, model)
}

type workersAIEnvelope struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result struct {
		Response string `json:"response"`
		Image    string `json:"image"`
	} `json:"result"`
}

func (e workersAIEnvelope) errorMessage() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, item := range e.Errors {
		if item.Message != "" {
			msgs = append(msgs, fmt.Sprintf("%d: %s", item.Code, item.Message))
		}
	}
	return strings.Join(msgs, "; ")
}

package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// MailConfig configures the mail-automation HTTP adapter.
type MailConfig struct {
	// BaseURL is the mail-automation service endpoint.
	BaseURL string `yaml:"base_url"`

	// Token authenticates requests to the service.
	Token string `yaml:"token"`

	// TimeoutSeconds bounds a single action.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// MailClient talks to the external mail-automation service over HTTP.
type MailClient struct {
	cfg    MailConfig
	http   *http.Client
	logger *slog.Logger
}

var _ Mail = (*MailClient)(nil)

// NewMailClient builds the mail HTTP adapter.
func NewMailClient(cfg MailConfig, logger *slog.Logger) *MailClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MailClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger.With("component", "mail"),
	}
}

type mailRequest struct {
	Action MailAction     `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

type mailResponse struct {
	OK     bool           `json:"ok"`
	Output string         `json:"output"`
	Data   map[string]any `json:"data,omitempty"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Perform executes one mailbox action. Failures are classified:
// auth_required pauses the owning agent, rate-limited and 5xx are transient,
// everything else is permanent.
func (c *MailClient) Perform(ctx context.Context, action MailAction, params map[string]any) (*MailResult, error) {
	if !ValidMailAction(action) {
		return nil, NewError("mail", KindPermanent, fmt.Sprintf("unknown action %q", action), nil)
	}
	if c.cfg.BaseURL == "" {
		return nil, NewError("mail", KindPermanent, "base URL not configured", nil)
	}

	body, err := json.Marshal(mailRequest{Action: action, Params: params})
	if err != nil {
		return nil, NewError("mail", KindPermanent, "encode request", err)
	}

	url := c.cfg.BaseURL + "/v1/actions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewError("mail", KindPermanent, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		kind := KindTransient
		if ctx.Err() != nil || KindOf(err) == KindTimeout {
			kind = KindTimeout
		}
		return nil, NewError("mail", kind, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, NewError("mail", KindTransient, "read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		kind := classifyStatus(resp.StatusCode, string(raw))
		return nil, NewError("mail", kind,
			fmt.Sprintf("action %s: status %d: %s", action, resp.StatusCode, truncate(string(raw), 200)), nil)
	}

	var parsed mailResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, NewError("mail", KindMalformed, "decode response", err)
	}

	if !parsed.OK {
		code, msg := "", "mail action failed"
		if parsed.Error != nil {
			code = parsed.Error.Code
			if parsed.Error.Message != "" {
				msg = parsed.Error.Message
			}
		}
		kind := mailErrorKind(code)
		return nil, NewError("mail", kind, fmt.Sprintf("action %s: %s", action, msg), nil)
	}

	c.logger.Debug("mail action completed", "action", action)
	return &MailResult{Action: action, Output: parsed.Output, Data: parsed.Data}, nil
}

// mailErrorKind maps the service's error codes onto the retry taxonomy.
func mailErrorKind(code string) ErrorKind {
	switch code {
	case "auth_required":
		return KindAuthRequired
	case "rate_limited":
		return KindRateLimited
	case "transient":
		return KindTransient
	default:
		return KindPermanent
	}
}

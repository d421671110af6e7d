package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// apiClient talks to a running valet gateway.
type apiClient struct {
	baseURL string
	token   string
	userID  string
	http    *http.Client
}

// newAPIClient builds a client from the root flags and environment.
// VALET_GATEWAY_TOKEN supplies the bearer token.
func newAPIClient(cmd *cobra.Command) *apiClient {
	baseURL, _ := cmd.Root().PersistentFlags().GetString("server")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8090"
	}
	userID, _ := cmd.Root().PersistentFlags().GetString("user")
	return &apiClient{
		baseURL: baseURL,
		token:   os.Getenv("VALET_GATEWAY_TOKEN"),
		userID:  userID,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

// do performs one JSON request. out may be nil when the response body is
// not needed.
func (c *apiClient) do(method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is valet running? %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%s", apiErr.Error.Message)
		}
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

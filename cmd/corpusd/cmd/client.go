package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
)

// apiClient is a thin JSON client for a running corpusd server. The
// ingest and query commands use it so the CLI never needs direct access
// to the database or the embedding services.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// post sends body as JSON and decodes the response into out.
func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return cerr.InternalError("encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return cerr.ValidationError(fmt.Sprintf("invalid server address %q", c.baseURL), err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return cerr.TransientRPC(fmt.Sprintf("corpusd server unreachable at %s", c.baseURL), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return cerr.TransientRPC("read server response", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			// The server's error string already carries the code prefix.
			msg := strings.TrimPrefix(apiErr.Error, "["+apiErr.Code+"] ")
			return cerr.New(apiErr.Code, msg, nil)
		}
		return cerr.InternalError(fmt.Sprintf("server returned %s", resp.Status), nil)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return cerr.ParseError("decode server response", err)
	}
	return nil
}

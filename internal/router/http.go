package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient submits closeouts to a remote router service:
//
//	POST {baseURL}/closeouts  body: Closeout  response: Result
//
// 200 and 409 carry a Result body. 5xx and transport errors are network
// faults; other statuses are rejections with the body as detail.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client with the given request timeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Submit(ctx context.Context, co Closeout) (*Result, error) {
	body, err := json.Marshal(co)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/closeouts", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkFault, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrNetworkFault, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: router returned %d", ErrNetworkFault, resp.StatusCode)
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusConflict:
		var res Result
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("%w: decode response: %v", ErrNetworkFault, err)
		}
		if !res.Accepted && res.Reason == RejectNone {
			res.Reason = RejectOther
		}
		return &res, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return rejected(RejectUnauthorized, strings.TrimSpace(string(raw))), nil
	default:
		return rejected(RejectOther, fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))), nil
	}
}

package httputil

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client is the production transport behind the fetcher: one plain HTTP
// call per Send, no retries, no rate limiting. All of that lives above it.
type Client struct {
	http *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Send(ctx context.Context, method, rawURL string, params url.Values, header http.Header) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, nil, err
	}
	if len(params) > 0 {
		req.URL.RawQuery = params.Encode()
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

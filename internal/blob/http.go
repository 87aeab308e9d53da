package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client reads datasets from a remote blob service over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) ListFiles(ctx context.Context, dataset string) ([]FileInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/datasets/"+url.PathEscape(dataset)+"/files")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("dataset %s: %w", dataset, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("list %s: status %d: %s", dataset, resp.StatusCode, string(body))
	}

	var result struct {
		Files []FileInfo `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode file list: %w", err)
	}
	return result.Files, nil
}

func (c *Client) GetFile(ctx context.Context, dataset, filename string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet,
		"/datasets/"+url.PathEscape(dataset)+"/files/"+url.PathEscape(filename))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%s/%s: %w", dataset, filename, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("get %s/%s: status %d: %s", dataset, filename, resp.StatusCode, string(body))
	}
	return resp.Body, nil
}

func (c *Client) DatasetExists(ctx context.Context, dataset string) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, "/datasets/"+url.PathEscape(dataset))
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("head dataset %s: status %d", dataset, resp.StatusCode)
	}
}

func (c *Client) CreateDataset(ctx context.Context, dataset string) error {
	resp, err := c.do(ctx, http.MethodPut, "/datasets/"+url.PathEscape(dataset))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("create dataset %s: status %d: %s", dataset, resp.StatusCode, string(body))
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

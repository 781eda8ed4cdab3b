// Package kernel is the HTTP client for the external code-execution
// kernel service.
package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OutputType enumerates the kernel's cell output renderings.
type OutputType string

const (
	OutputText  OutputType = "text"
	OutputPlot  OutputType = "plot"
	OutputTable OutputType = "table"
	OutputLatex OutputType = "latex"
	OutputError OutputType = "error"
	OutputHTML  OutputType = "html"
)

// CellOutput is the result of executing one cell.
type CellOutput struct {
	Type    OutputType `json:"type"`
	Content string     `json:"content"`
}

// Variable describes one entry of the kernel's variable inspector.
type Variable struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
	Size  int64  `json:"size,omitempty"`
}

// HealthInfo is the kernel's health response.
type HealthInfo struct {
	OK        bool              `json:"ok"`
	Name      string            `json:"name,omitempty"`
	Message   string            `json:"message,omitempty"`
	Features  []string          `json:"features,omitempty"`
	Endpoints map[string]string `json:"endpoints,omitempty"`
}

// ErrMisconfigured means the configured kernel URL answers with the
// collaboration gateway's self-description: the user pointed their Python
// kernel URL at the collaboration Worker.
var ErrMisconfigured = errors.New("kernel: the configured URL is the collaboration Worker, not a Python kernel server")

// Client talks to one kernel service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("kernel: %s returned %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("kernel: %s returned %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Health probes the kernel. It fails with ErrMisconfigured when the
// response carries a websocket endpoint advertisement, which only the
// collaboration gateway produces.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var info HealthInfo
	if err := c.getJSON(ctx, "/health", &info); err != nil {
		return nil, err
	}
	if _, ok := info.Endpoints["websocket"]; ok {
		return nil, ErrMisconfigured
	}
	return &info, nil
}

// Execute runs code and returns its output.
func (c *Client) Execute(ctx context.Context, code string) (*CellOutput, error) {
	var resp struct {
		Output *CellOutput `json:"output"`
	}
	if err := c.postJSON(ctx, "/execute", map[string]string{"code": code}, &resp); err != nil {
		return nil, err
	}
	if resp.Output == nil {
		return nil, errors.New("kernel: execute response carried no output")
	}
	return resp.Output, nil
}

// Variables fetches the current variable list.
func (c *Client) Variables(ctx context.Context) ([]Variable, error) {
	var resp struct {
		Variables []Variable `json:"variables"`
	}
	if err := c.getJSON(ctx, "/variables", &resp); err != nil {
		return nil, err
	}
	return resp.Variables, nil
}

// Restart asks the kernel to restart.
func (c *Client) Restart(ctx context.Context) error {
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := c.postJSON(ctx, "/restart", nil, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return errors.New("kernel: restart refused")
	}
	return nil
}

// Interrupt is fire-and-forget: errors are dropped.
func (c *Client) Interrupt(ctx context.Context) {
	_ = c.postJSON(ctx, "/interrupt", nil, nil)
}

// Package notebookstore is the HTTP client for the external notebook
// blob store.
package notebookstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/collab-notebooks/backend/internal/kernel"
)

// Cell is the blob store's plain-JSON cell shape. Duplicate ids are
// tolerated here; the session sanitizes after seeding the CRDT.
type Cell struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Notebook is the blob store payload.
type Notebook struct {
	ID        string            `json:"id,omitempty"`
	Title     string            `json:"title"`
	Cells     []Cell            `json:"cells"`
	Variables []kernel.Variable `json:"variables,omitempty"`
}

// Client talks to one blob store.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// List fetches every stored notebook.
func (c *Client) List(ctx context.Context) ([]Notebook, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/notebooks", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("notebookstore: list returned %d", resp.StatusCode)
	}
	var notebooks []Notebook
	if err := json.NewDecoder(resp.Body).Decode(&notebooks); err != nil {
		return nil, err
	}
	return notebooks, nil
}

// Get fetches one notebook, or (nil, nil) when it does not exist.
func (c *Client) Get(ctx context.Context, id string) (*Notebook, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/notebooks/"+id, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("notebookstore: get returned %d", resp.StatusCode)
	}
	var notebook Notebook
	if err := json.NewDecoder(resp.Body).Decode(&notebook); err != nil {
		return nil, err
	}
	return &notebook, nil
}

// Put stores one notebook.
func (c *Client) Put(ctx context.Context, id string, notebook *Notebook) error {
	data, err := json.Marshal(notebook)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/notebooks/"+id, bytes.NewReader(data))
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
		return fmt.Errorf("notebookstore: put returned %d", resp.StatusCode)
	}
	return nil
}

// Delete removes one notebook.
func (c *Client) Delete(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/notebooks/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notebookstore: delete returned %d", resp.StatusCode)
	}
	return nil
}

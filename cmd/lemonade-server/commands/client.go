package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// apiBaseEnv overrides the server base URL, mainly for non-default ports.
const apiBaseEnv = "LEMONADE_API_BASE"

// defaultAPIBase is where a locally served gateway answers.
const defaultAPIBase = "http://localhost:8000/api/v1"

// client is a thin HTTP client against a running gateway.
type client struct {
	base string
	http *http.Client
}

func newClient() *client {
	base := os.Getenv(apiBaseEnv)
	if base == "" {
		base = defaultAPIBase
	}
	return &client{
		base: base,
		// Pulls stream for as long as the download runs; no overall timeout.
		http: &http.Client{},
	}
}

// healthInfo mirrors the health endpoint body.
type healthInfo struct {
	Status        string         `json:"status"`
	WebsocketPort int            `json:"websocket_port"`
	ModelsLoaded  []string       `json:"models_loaded"`
	MaxModels     map[string]int `json:"max_models"`
}

// modelInfo mirrors one entry of the model listing.
type modelInfo struct {
	ID         string   `json:"id"`
	Recipe     string   `json:"recipe"`
	Downloaded bool     `json:"downloaded"`
	Suggested  bool     `json:"suggested"`
	Labels     []string `json:"labels"`
	Size       float64  `json:"size"`
}

func (c *client) health(ctx context.Context) (healthInfo, error) {
	var info healthInfo
	err := c.get(ctx, "/health", &info)
	return info, err
}

func (c *client) listModels(ctx context.Context) ([]modelInfo, error) {
	var listing struct {
		Data []modelInfo `json:"data"`
	}
	if err := c.get(ctx, "/models?show_all=true", &listing); err != nil {
		return nil, err
	}
	return listing.Data, nil
}

func (c *client) halt(ctx context.Context) error {
	return c.post(ctx, "/halt", nil, nil)
}

func (c *client) load(ctx context.Context, model string) error {
	return c.post(ctx, "/load", map[string]string{"model_name": model}, nil)
}

func (c *client) deleteModel(ctx context.Context, model string) error {
	return c.post(ctx, "/delete", map[string]string{"model_name": model}, nil)
}

// pullRequest carries the pull parameters, registration fields included.
type pullRequest struct {
	ModelName  string `json:"model_name"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Recipe     string `json:"recipe,omitempty"`
	Reasoning  bool   `json:"reasoning,omitempty"`
	Vision     bool   `json:"vision,omitempty"`
	MMProj     string `json:"mmproj,omitempty"`
	Stream     bool   `json:"stream"`
}

// progressRecord is one NDJSON line of a streaming pull.
type progressRecord struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Total   uint64 `json:"total"`
	File    struct {
		Name    string `json:"name"`
		Size    uint64 `json:"size"`
		Current uint64 `json:"current"`
	} `json:"file"`
}

// pull downloads a model, writing progress lines to out as they arrive.
func (c *client) pull(ctx context.Context, req pullRequest, out io.Writer) error {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/pull", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var lastFile string
	for scanner.Scan() {
		var record progressRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		switch record.Type {
		case "error":
			return fmt.Errorf("%s", record.Message)
		case "success":
			fmt.Fprintln(out, record.Message)
		default:
			if record.Message != "" {
				fmt.Fprintln(out, record.Message)
			} else if record.File.Name != "" {
				// One line per file; progress within a file overwrites it.
				if record.File.Name != lastFile {
					if lastFile != "" {
						fmt.Fprintln(out)
					}
					lastFile = record.File.Name
				}
				fmt.Fprintf(out, "\r%s: %s", record.File.Name,
					percent(record.File.Current, record.File.Size))
			}
		}
	}
	if lastFile != "" {
		fmt.Fprintln(out)
	}
	return scanner.Err()
}

func percent(current, total uint64) string {
	if total == 0 {
		return "…"
	}
	return fmt.Sprintf("%3d%%", current*100/total)
}

func (c *client) get(ctx context.Context, path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) post(ctx context.Context, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeAPIError surfaces the server's error envelope as a CLI error.
func decodeAPIError(resp *http.Response) error {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return fmt.Errorf("%s", envelope.Error.Message)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}

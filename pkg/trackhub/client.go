package trackhub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"context"

	"gpuledger/pkg/config"
	"gpuledger/pkg/interfaces"
	"gpuledger/pkg/logger"
)

// runsQuery pulls run metadata for a project page by page.
const runsQuery = `
query GetGpuInfoForProject($project: String!, $entity: String!, $first: Int!, $cursor: String!) {
    project(name: $project, entityName: $entity) {
        name
        runs(first: $first, after: $cursor) {
            edges {
                cursor
                node {
                    name
                    createdAt
                    updatedAt
                    heartbeatAt
                    state
                    tags
                    host
                    description
                    summary
                    runInfo {
                        gpuCount
                        gpu
                    }
                    config
                }
            }
        }
    }
}
`

// Client is the TrackHub API client. It is read-only and safe to share
// across collector workers.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new TrackHub API client.
func NewClient(cfg *config.TrackHubConfig) *Client {
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

var _ interfaces.TrackingClient = (*Client)(nil)

// Projects lists project names of a team entity.
func (c *Client) Projects(ctx context.Context, team string) ([]string, error) {
	reqURL := fmt.Sprintf("%s/api/v1/teams/%s/projects", c.baseURL, url.PathEscape(team))

	respData, err := c.doRequest(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Projects []struct {
			Name string `json:"name"`
		} `json:"projects"`
	}
	if err := json.Unmarshal(respData, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse projects response: %w", err)
	}

	names := make([]string, 0, len(resp.Projects))
	for _, p := range resp.Projects {
		names = append(names, p.Name)
	}
	return names, nil
}

// Runs fetches one page of runs via the platform's GraphQL facility.
func (c *Client) Runs(ctx context.Context, team, project string, first int, cursor string) (*interfaces.RunPage, error) {
	reqURL := c.baseURL + "/api/v1/graphql"

	body := map[string]interface{}{
		"query": runsQuery,
		"variables": map[string]interface{}{
			"entity":  team,
			"project": project,
			"first":   first,
			"cursor":  cursor,
		},
	}

	respData, err := c.doRequest(ctx, "POST", reqURL, body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			Project struct {
				Runs struct {
					Edges []struct {
						Cursor string             `json:"cursor"`
						Node   interfaces.RunNode `json:"node"`
					} `json:"edges"`
				} `json:"runs"`
			} `json:"project"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respData, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse runs response: %w", err)
	}

	page := &interfaces.RunPage{}
	for _, edge := range resp.Data.Project.Runs.Edges {
		page.Nodes = append(page.Nodes, edge.Node)
		page.Cursor = edge.Cursor
	}
	return page, nil
}

// RunHistory fetches sampled system telemetry for a run.
func (c *Client) RunHistory(ctx context.Context, runPath string, samples int) ([]interfaces.HistoryPoint, error) {
	reqURL := fmt.Sprintf("%s/api/v1/runs/%s/history?stream=events&samples=%d", c.baseURL, runPath, samples)

	respData, err := c.doRequest(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Points []interfaces.HistoryPoint `json:"points"`
	}
	if err := json.Unmarshal(respData, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse history response: %w", err)
	}
	return resp.Points, nil
}

// CheckRun probes whether a run record still exists upstream.
func (c *Client) CheckRun(ctx context.Context, runPath string) error {
	reqURL := fmt.Sprintf("%s/api/v1/runs/%s", c.baseURL, runPath)

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return interfaces.ErrRunNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("trackhub API error (status %d) for run %s", resp.StatusCode, runPath)
	}
	return nil
}

// SchedulerMetadata downloads the job-scheduler metadata file logged with a
// run. Missing file is not an error; callers get an empty map.
func (c *Client) SchedulerMetadata(ctx context.Context, runPath string) (map[string]string, error) {
	reqURL := fmt.Sprintf("%s/api/v1/runs/%s/files/scheduler-metadata", c.baseURL, runPath)

	respData, err := c.doRequest(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, err
	}

	meta := make(map[string]string)
	if err := json.Unmarshal(respData, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse scheduler metadata: %w", err)
	}
	return meta, nil
}

// doRequest performs an HTTP request with authentication.
func (c *Client) doRequest(ctx context.Context, method, reqURL string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}
	logger.Debugf("TrackHub API Request: %s %s", method, reqURL)

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(respData, &errResp); err == nil && errResp.Message != "" {
			return nil, fmt.Errorf("trackhub API error (status %d): %s", resp.StatusCode, errResp.Message)
		}
		return nil, fmt.Errorf("trackhub API error (status %d): %s", resp.StatusCode, string(respData))
	}

	return respData, nil
}

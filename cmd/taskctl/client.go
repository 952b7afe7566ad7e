package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/darkhaniop/simple-task-api-htc/pkg/taskapi"
)

// apiClient is a thin JSON client for the task API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func newAPIClient(base, token string, timeout time.Duration) *apiClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &apiClient{
		base:  strings.TrimRight(strings.TrimSpace(base), "/"),
		token: strings.TrimSpace(token),
		http:  &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) Status(ctx context.Context) (taskapi.ServerStatus, error) {
	var out taskapi.ServerStatus
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out)
	return out, err
}

func (c *apiClient) ListTasks(ctx context.Context, class string, limit int) ([]taskapi.Task, error) {
	q := url.Values{}
	if class = strings.TrimSpace(class); class != "" {
		q.Set("state", class)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out taskapi.TaskListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *apiClient) GetTask(ctx context.Context, id string) (taskapi.Task, error) {
	var out taskapi.Task
	err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *apiClient) CreateTask(ctx context.Context, req taskapi.CreateTaskRequest) (taskapi.Task, error) {
	var out taskapi.Task
	err := c.do(ctx, http.MethodPost, "/v1/tasks", req, &out)
	return out, err
}

func (c *apiClient) UpdateTask(ctx context.Context, id string, req taskapi.UpdateTaskRequest) (taskapi.Task, error) {
	var out taskapi.Task
	err := c.do(ctx, http.MethodPatch, "/v1/tasks/"+url.PathEscape(id), req, &out)
	return out, err
}

func (c *apiClient) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/tasks/"+url.PathEscape(id), nil, nil)
}

func (c *apiClient) TaskLog(ctx context.Context, id string) ([]taskapi.LogEntry, error) {
	var out taskapi.LogEntryListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id)+"/log", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *apiClient) GetCluster(ctx context.Context, id int64) (taskapi.ClusterWithTask, error) {
	var out taskapi.ClusterWithTask
	err := c.do(ctx, http.MethodGet, "/v1/clusters/"+strconv.FormatInt(id, 10), nil, &out)
	return out, err
}

func (c *apiClient) ClusterEvents(ctx context.Context, id int64) ([]taskapi.JobEvent, error) {
	var out taskapi.JobEventListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/clusters/"+strconv.FormatInt(id, 10)+"/events", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *apiClient) PostJobEvent(ctx context.Context, req taskapi.PostJobEventRequest) (taskapi.JobEvent, error) {
	var out taskapi.JobEvent
	err := c.do(ctx, http.MethodPost, "/v1/job-events", req, &out)
	return out, err
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e taskapi.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shaiso/jobswarm/internal/api"
	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/repo"
)

// DefaultAPIURL — адрес API по умолчанию.
const DefaultAPIURL = "http://localhost:8080"

// APIError — ответ API с ошибкой.
type APIError struct {
	StatusCode int
	Code       api.ErrorCode
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap сопоставляет HTTP статус с ошибками store,
// чтобы worker node обрабатывал их одинаково для store и API.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return repo.ErrNotFound
	case http.StatusConflict:
		return repo.ErrConflict
	case http.StatusUnprocessableEntity:
		return repo.ErrInvalidState
	}
	return nil
}

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

// Client — HTTP-клиент jobswarm API.
//
// Реализует workernode.Reporter, поэтому worker node на узле кластера
// работает через API, не имея доступа к БД.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Worker node ---

// GetTaskInstance возвращает попытку по ID.
func (c *Client) GetTaskInstance(ctx context.Context, id int64) (*domain.TaskInstance, error) {
	var ti domain.TaskInstance
	err := c.doData(ctx, http.MethodGet, "/api/v1/task_instances/"+itoa(id), nil, &ti)
	if err != nil {
		return nil, err
	}
	return &ti, nil
}

// GetTaskInstanceByStep возвращает попытку array-отправки по step id.
func (c *Client) GetTaskInstanceByStep(ctx context.Context, batchID int64, step int) (*domain.TaskInstance, error) {
	var ti domain.TaskInstance
	path := "/api/v1/batches/" + itoa(batchID) + "/steps/" + strconv.Itoa(step)
	if err := c.doData(ctx, http.MethodGet, path, nil, &ti); err != nil {
		return nil, err
	}
	return &ti, nil
}

// LogRunning сообщает о запуске команды.
func (c *Client) LogRunning(ctx context.Context, id int64, report repo.WorkerReport) (domain.TaskInstanceStatus, error) {
	return c.logAlive(ctx, id, "log_running", report)
}

// LogHeartbeat продлевает report-by.
func (c *Client) LogHeartbeat(ctx context.Context, id int64, report repo.WorkerReport) (domain.TaskInstanceStatus, error) {
	return c.logAlive(ctx, id, "log_heartbeat", report)
}

func (c *Client) logAlive(ctx context.Context, id int64, action string, report repo.WorkerReport) (domain.TaskInstanceStatus, error) {
	var resp api.StatusResponse
	path := "/api/v1/task_instances/" + itoa(id) + "/" + action
	if err := c.doData(ctx, http.MethodPost, path, api.ReportFromWorker(report), &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// LogDone сообщает об успешном завершении.
func (c *Client) LogDone(ctx context.Context, id int64, report repo.WorkerReport) error {
	path := "/api/v1/task_instances/" + itoa(id) + "/log_done"
	return c.doData(ctx, http.MethodPost, path, api.ReportFromWorker(report), nil)
}

// LogError сообщает об ошибке со статусом status.
func (c *Client) LogError(ctx context.Context, id int64, status domain.TaskInstanceStatus, report repo.WorkerReport) error {
	body := api.ReportFromWorker(report)
	body.Status = status
	path := "/api/v1/task_instances/" + itoa(id) + "/log_error"
	return c.doData(ctx, http.MethodPost, path, body, nil)
}

// --- Operator ---

// RunStatus возвращает run, workflow и счётчики tasks.
func (c *Client) RunStatus(ctx context.Context, runID int64) (*api.RunStatusResponse, error) {
	var resp api.RunStatusResponse
	if err := c.doData(ctx, http.MethodGet, "/api/v1/workflow_runs/"+itoa(runID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetRunConcurrency меняет потолок конкурентности workflow run.
func (c *Client) SetRunConcurrency(ctx context.Context, runID int64, limit int) (*domain.Workflow, error) {
	var wf domain.Workflow
	path := "/api/v1/workflow_runs/" + itoa(runID) + "/max_concurrently_running"
	if err := c.doData(ctx, http.MethodPut, path, api.ConcurrencyRequest{MaxConcurrentlyRunning: &limit}, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ResumeRun запрашивает resume run.
func (c *Client) ResumeRun(ctx context.Context, runID int64, mode repo.ResumeMode) (*domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	path := "/api/v1/workflow_runs/" + itoa(runID) + "/resume"
	if err := c.doData(ctx, http.MethodPost, path, api.ResumeRequest{Mode: mode}, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRunTasks возвращает tasks workflow run. Пустой status — все.
func (c *Client) ListRunTasks(ctx context.Context, runID int64, status domain.TaskStatus) ([]domain.Task, error) {
	path := "/api/v1/workflow_runs/" + itoa(runID) + "/tasks"
	if status != "" {
		path += "?" + url.Values{"status": {string(status)}}.Encode()
	}
	var tasks []domain.Task
	if err := c.doData(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// SetArrayConcurrency меняет потолок конкурентности array.
func (c *Client) SetArrayConcurrency(ctx context.Context, arrayID int64, limit int) error {
	path := "/api/v1/arrays/" + itoa(arrayID) + "/max_concurrently_running"
	return c.doData(ctx, http.MethodPut, path, api.ConcurrencyRequest{MaxConcurrentlyRunning: &limit}, nil)
}

// ResetTask переводит task в status административно.
func (c *Client) ResetTask(ctx context.Context, taskID int64, status domain.TaskStatus) (*domain.Task, error) {
	var task domain.Task
	path := "/api/v1/tasks/" + itoa(taskID) + "/reset"
	if err := c.doData(ctx, http.MethodPost, path, api.ResetRequest{Status: status}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// --- HTTP helpers ---

// doData выполняет запрос и разбирает поле data ответа в result.
// Ответы списком тоже несут data, поэтому отдельного пути для них нет.
func (c *Client) doData(ctx context.Context, method, path string, body, result any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent || result == nil {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return json.Unmarshal(dr.Data, result)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var er api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Code = er.Error.Code
		apiErr.Message = er.Error.Message
	}
	return apiErr
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

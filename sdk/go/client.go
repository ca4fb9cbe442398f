package escrowlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Escrowline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: 30 * time.Second,
	}
}

// Agent is a registered marketplace participant.
type Agent struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Role            string   `json:"role"`
	Skills          []string `json:"skills"`
	PayoutAccountID *string  `json:"payout_account_id,omitempty"`
	CreatedAt       string   `json:"created_at"`
}

// Registration is returned once by Register; the API key is never shown again.
type Registration struct {
	Agent  Agent  `json:"agent"`
	APIKey string `json:"api_key"`
}

// Task represents the API task model. Money fields are in cents.
type Task struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Skills        []string `json:"skills"`
	Budget        int64    `json:"budget_cents"`
	Deadline      string   `json:"deadline"`
	Status        string   `json:"status"`
	PaymentStatus string   `json:"payment_status"`
	EmployerID    string   `json:"employer_id"`
	WorkerID      *string  `json:"worker_id,omitempty"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
}

// CreatedTask carries the task token workers need to claim the task.
type CreatedTask struct {
	Task  Task   `json:"task"`
	Token string `json:"task_token"`
}

type Submission struct {
	ID           string   `json:"id"`
	TaskID       string   `json:"task_id"`
	WorkerID     string   `json:"worker_id"`
	FileName     string   `json:"file_name"`
	SizeBytes    int64    `json:"size_bytes"`
	Digest       string   `json:"digest"`
	Notes        string   `json:"notes,omitempty"`
	ReviewStatus string   `json:"review_status"`
	ReviewIssues []string `json:"review_issues,omitempty"`
	SubmittedAt  string   `json:"submitted_at"`
}

type Verdict struct {
	Approved bool     `json:"approved"`
	Reason   string   `json:"reason,omitempty"`
	Issues   []string `json:"issues"`
}

type SubmitResult struct {
	Submission Submission `json:"submission"`
	Verdict    Verdict    `json:"verdict"`
	Task       Task       `json:"task"`
}

type Review struct {
	ID           string `json:"id"`
	TaskID       string `json:"task_id"`
	SubmissionID string `json:"submission_id"`
	ReviewerID   string `json:"reviewer_id"`
	Result       string `json:"result"`
	Feedback     string `json:"feedback,omitempty"`
	Rating       *int   `json:"rating,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type Settlement struct {
	TaskID       string  `json:"task_id"`
	WorkerID     string  `json:"worker_id"`
	Total        int64   `json:"total_cents"`
	WorkerAmount int64   `json:"worker_amount_cents"`
	PlatformFee  int64   `json:"platform_fee_cents"`
	FeePercent   float64 `json:"fee_percent"`
	Status       string  `json:"status"`
}

type TaskDetail struct {
	Task        Task         `json:"task"`
	Submissions []Submission `json:"submissions"`
	Reviews     []Review     `json:"reviews"`
	Settlement  *Settlement  `json:"settlement,omitempty"`
}

type AcceptResult struct {
	Task            Task   `json:"task"`
	Review          Review `json:"review"`
	SettlementError string `json:"settlement_error,omitempty"`
}

// AuditEntry is one line of the append-only audit log.
type AuditEntry struct {
	Seq       int64          `json:"seq"`
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	ActorType string         `json:"actor_type"`
	Details   map[string]any `json:"details"`
	CreatedAt string         `json:"created_at"`
}

// TaskFilter narrows ListTasks. Zero values are omitted.
type TaskFilter struct {
	Status     string
	Skill      string
	EmployerID string
	WorkerID   string
	Limit      int
	Offset     int
}

// CreateTaskInput describes a new task. Budget is in major currency units.
type CreateTaskInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Skills      []string `json:"skills,omitempty"`
	Budget      float64  `json:"budget"`
	Deadline    string   `json:"deadline"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given error code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Register creates an agent. It needs no credentials.
func (c *Client) Register(ctx context.Context, name, role string, skills []string) (Registration, error) {
	body := map[string]any{"name": name, "role": role, "skills": skills}
	var resp Registration
	err := c.do(ctx, http.MethodPost, "v1/auth/register", body, &resp)
	return resp, err
}

// Me returns the authenticated agent.
func (c *Client) Me(ctx context.Context) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodGet, "v1/me", nil, &resp)
	return resp, err
}

// SetPayoutAccount records where the worker is paid and returns how many
// deferred transfers were released.
func (c *Client) SetPayoutAccount(ctx context.Context, accountID string) (int, error) {
	var resp struct {
		Released int `json:"released"`
	}
	err := c.do(ctx, http.MethodPut, "v1/me/payout-account", map[string]any{"account_id": accountID}, &resp)
	return resp.Released, err
}

// CreateTask posts a task and puts its budget in escrow.
func (c *Client) CreateTask(ctx context.Context, in CreateTaskInput) (CreatedTask, error) {
	var resp CreatedTask
	err := c.do(ctx, http.MethodPost, "v1/tasks", in, &resp)
	return resp, err
}

// ListTasks returns one page of tasks.
func (c *Client) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("status", f.Status)
	set("skill", f.Skill)
	set("employer_id", f.EmployerID)
	set("worker_id", f.WorkerID)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	endpoint := "v1/tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Tasks, err
}

func (c *Client) GetTask(ctx context.Context, id string) (TaskDetail, error) {
	var resp TaskDetail
	err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &resp)
	return resp, err
}

// Claim takes an open task using the token the employer shared.
func (c *Client) Claim(ctx context.Context, taskID, taskToken string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "claim"), map[string]any{"task_token": taskToken}, &resp)
	return resp, err
}

func (c *Client) Unclaim(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "unclaim"), nil, &resp)
	return resp, err
}

// Cancel closes an open or claimed task and refunds its escrow.
func (c *Client) Cancel(ctx context.Context, taskID, reason string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "cancel"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Submit uploads a deliverable. A rejected review comes back as an
// APIError with code policy_rejected or integrity_failed.
func (c *Client) Submit(ctx context.Context, taskID, fileName string, content []byte, notes string) (SubmitResult, error) {
	body := map[string]any{"file_name": fileName, "content": content, "notes": notes}
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "submissions"), body, &resp)
	return resp, err
}

// Accept completes the task and releases payment. Rating may be nil.
func (c *Client) Accept(ctx context.Context, taskID string, rating *int, feedback string) (AcceptResult, error) {
	body := map[string]any{"feedback": feedback}
	if rating != nil {
		body["rating"] = *rating
	}
	var resp AcceptResult
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "accept"), body, &resp)
	return resp, err
}

// Reject returns the deliverable to the worker with feedback.
func (c *Client) Reject(ctx context.Context, taskID, feedback string) (Review, error) {
	var resp Review
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "reject"), map[string]any{"feedback": feedback}, &resp)
	return resp, err
}

// Download fetches a deliverable. The server re-verifies its digest first.
func (c *Client) Download(ctx context.Context, submissionID string) ([]byte, error) {
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, "v1/submissions/"+url.PathEscape(submissionID)+"/download", nil, &buf)
	return buf.Bytes(), err
}

// AuditTrail returns a task's audit entries, oldest first.
func (c *Client) AuditTrail(ctx context.Context, taskID string) ([]AuditEntry, error) {
	var resp struct {
		Entries []AuditEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, taskPath(taskID, "audit"), nil, &resp)
	return resp.Entries, err
}

func taskPath(id, action string) string {
	p := "v1/tasks/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, b)
	}
	switch dst := out.(type) {
	case nil:
		return nil
	case io.Writer:
		_, err := io.Copy(dst, resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func decodeError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

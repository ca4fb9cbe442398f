package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"escrowline/internal/domain"
	"escrowline/internal/engine"
)

// JSON-RPC 2.0 error codes, plus the two A2A application codes.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
	rpcTaskNotFound   = -32001
	rpcUnauthorized   = -32002
)

const (
	actionPostTask      = "post-task"
	actionGetTaskStatus = "get-task-status"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcReply is what an action produces: an HTTP status and either a result or
// an error.
type rpcReply struct {
	status int
	result any
	err    *rpcError
}

func rpcOK(result any) rpcReply {
	return rpcReply{status: http.StatusOK, result: result}
}

func rpcFail(status, code int, format string, args ...any) rpcReply {
	return rpcReply{status: status, err: &rpcError{Code: code, Message: fmt.Sprintf(format, args...)}}
}

type messagePart struct {
	Kind string          `json:"kind"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type sendParams struct {
	Message struct {
		Parts []messagePart `json:"parts"`
	} `json:"message"`
}

type postTaskData struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Skills      []string `json:"skills"`
	Budget      *float64 `json:"budget"`
	Deadline    string   `json:"deadline"`
}

type a2aStatus struct {
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
}

type a2aTask struct {
	Kind      string         `json:"kind"`
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Status    a2aStatus      `json:"status"`
	Artifacts any            `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata"`
}

type a2aMessage struct {
	Kind  string    `json:"kind"`
	Role  string    `json:"role"`
	Parts []a2aPart `json:"parts"`
}

type a2aPart struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data"`
}

// a2aState maps a lifecycle status onto the A2A task state.
func a2aState(s domain.TaskStatus) string {
	switch s {
	case domain.TaskOpen:
		return "submitted"
	case domain.TaskClaimed, domain.TaskSubmitted, domain.TaskUnderReview:
		return "working"
	case domain.TaskCompleted:
		return "completed"
	case domain.TaskRejected:
		return "input-required"
	case domain.TaskCancelled, domain.TaskExpired:
		return "failed"
	}
	return "submitted"
}

func registerA2A(r chi.Router, g *gateway) {
	r.Post("/a2a", g.handleA2A)
	r.Get("/.well-known/agent.json", g.agentCard)
}

func (g *gateway) handleA2A(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.Unmarshal(bodyBytes(r.Context()), &req); err != nil {
		writeRPC(w, nil, rpcFail(http.StatusBadRequest, rpcParseError, "Parse error"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, req.ID, rpcFail(http.StatusBadRequest, rpcInvalidRequest, "Invalid JSON-RPC request"))
		return
	}
	var reply rpcReply
	switch req.Method {
	case "message/send":
		reply = g.messageSend(r.Context(), r, req.Params)
	default:
		reply = rpcFail(http.StatusNotFound, rpcMethodNotFound, "Method %s not found", req.Method)
	}
	writeRPC(w, req.ID, reply)
}

func writeRPC(w http.ResponseWriter, id json.RawMessage, reply rpcReply) {
	if len(bytes.TrimSpace(id)) == 0 {
		id = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reply.status)
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: id, Result: reply.result, Error: reply.err})
}

func (g *gateway) messageSend(ctx context.Context, r *http.Request, raw json.RawMessage) rpcReply {
	var params sendParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return rpcFail(http.StatusBadRequest, rpcInvalidParams, "Invalid params: %v", err)
		}
	}
	parts := params.Message.Parts
	if len(parts) == 0 {
		return rpcFail(http.StatusBadRequest, rpcInvalidParams, "Message must contain at least one part")
	}
	for _, p := range parts {
		if p.Kind != "data" || len(p.Data) == 0 {
			continue
		}
		var head struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(p.Data, &head); err != nil {
			return rpcFail(http.StatusBadRequest, rpcInvalidParams, "Data part must be an object")
		}
		switch head.Action {
		case actionPostTask:
			return g.a2aPostTask(ctx, r, p.Data)
		case actionGetTaskStatus:
			return g.a2aTaskStatus(ctx, p.Data)
		}
		break
	}
	for _, p := range parts {
		if p.Kind == "text" && strings.TrimSpace(p.Text) != "" {
			return rpcOK(a2aMessage{
				Kind: "message",
				Role: "agent",
				Parts: []a2aPart{{
					Kind: "data",
					Data: map[string]any{
						"hint":              "Use a structured data part with an action field",
						"available_actions": []string{actionPostTask, actionGetTaskStatus},
						"example": map[string]any{
							"action":  actionGetTaskStatus,
							"task_id": "task_...",
						},
					},
				}},
			})
		}
	}
	return rpcFail(http.StatusBadRequest, rpcInvalidParams, "Unrecognized message format")
}

func (g *gateway) a2aPostTask(ctx context.Context, r *http.Request, raw json.RawMessage) rpcReply {
	key, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return rpcFail(http.StatusUnauthorized, rpcUnauthorized, "Authorization Bearer token required for paid tasks")
	}
	agent, err := g.engine.Authenticate(ctx, key)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownAPIKey) {
			return rpcFail(http.StatusUnauthorized, rpcUnauthorized, "Invalid API key")
		}
		g.logger.Error("a2a authenticate", zap.Error(err))
		return rpcFail(http.StatusInternalServerError, rpcInternalError, "Internal error")
	}
	var data postTaskData
	if err := json.Unmarshal(raw, &data); err != nil {
		return rpcFail(http.StatusBadRequest, rpcInvalidParams, "Invalid post-task data: %v", err)
	}
	if strings.TrimSpace(data.Title) == "" || strings.TrimSpace(data.Description) == "" || data.Budget == nil || data.Deadline == "" {
		return rpcFail(http.StatusBadRequest, rpcInvalidParams, "Required: title, description, budget, deadline")
	}
	budget, err := domain.MoneyFromFloat(*data.Budget)
	if err != nil {
		return rpcFail(http.StatusBadRequest, rpcInvalidParams, "Invalid post-task data: budget out of range")
	}
	created, err := g.engine.CreateTask(ctx, engine.Actor{ID: agent.ID, ClientIP: remoteHost(r)}, engine.CreateTaskInput{
		Title:       data.Title,
		Description: data.Description,
		Skills:      data.Skills,
		Budget:      budget,
		Deadline:    data.Deadline,
		Via:         "a2a",
	})
	if err != nil {
		return g.rpcFromEngine(err)
	}
	t := created.Task
	mode := "free"
	if t.Budget > 0 {
		mode = "paid"
	}
	return rpcOK(a2aTask{
		Kind:      "task",
		ID:        t.ID,
		ContextID: t.ID,
		Status:    a2aStatus{State: a2aState(t.Status), Timestamp: t.CreatedAt},
		Artifacts: []any{},
		Metadata: map[string]any{
			"task_token":   created.Token,
			"budget":       t.Budget.Float(),
			"deadline":     t.Deadline,
			"platform_fee": g.feeLabel(),
			"mode":         mode,
		},
	})
}

func (g *gateway) a2aTaskStatus(ctx context.Context, raw json.RawMessage) rpcReply {
	var data struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(raw, &data); err != nil || strings.TrimSpace(data.TaskID) == "" {
		return rpcFail(http.StatusBadRequest, rpcInvalidParams, "task_id required")
	}
	t, err := g.engine.GetTask(ctx, data.TaskID)
	if err != nil {
		return g.rpcFromEngine(err)
	}
	var workerID any
	if t.WorkerID != nil {
		workerID = *t.WorkerID
	}
	return rpcOK(a2aTask{
		Kind:      "task",
		ID:        t.ID,
		ContextID: t.ID,
		Status:    a2aStatus{State: a2aState(t.Status), Timestamp: t.UpdatedAt},
		Metadata: map[string]any{
			"escrowline_status": string(t.Status),
			"budget":            t.Budget.Float(),
			"worker_id":         workerID,
			"payment_status":    string(t.PaymentStatus),
		},
	})
}

func (g *gateway) rpcFromEngine(err error) rpcReply {
	switch engine.ReasonOf(err) {
	case engine.ReasonNotFound:
		return rpcFail(http.StatusNotFound, rpcTaskNotFound, "Task not found")
	case engine.ReasonValidation:
		return rpcFail(http.StatusBadRequest, rpcInvalidParams, "%s", err.Error())
	case engine.ReasonForbidden:
		return rpcFail(http.StatusForbidden, rpcUnauthorized, "%s", err.Error())
	case engine.ReasonPaymentSetup:
		return rpcFail(http.StatusPaymentRequired, rpcInternalError, "%s", err.Error())
	}
	g.logger.Error("a2a request failed", zap.Error(err))
	return rpcFail(http.StatusInternalServerError, rpcInternalError, "Internal error")
}

func (g *gateway) feeLabel() string {
	fee := 1.0
	if g.engine.Config != nil {
		fee = g.engine.Config.Marketplace.PlatformFeePercent
	}
	return strconv.FormatFloat(fee, 'f', -1, 64) + "%"
}

type agentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

type agentCard struct {
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	URL                string          `json:"url"`
	Version            string          `json:"version"`
	Capabilities       map[string]bool `json:"capabilities"`
	DefaultInputModes  []string        `json:"defaultInputModes"`
	DefaultOutputModes []string        `json:"defaultOutputModes"`
	Skills             []agentSkill    `json:"skills"`
}

func (g *gateway) agentCard(w http.ResponseWriter, r *http.Request) {
	base := ""
	if g.engine.Config != nil {
		base = strings.TrimRight(g.engine.Config.Server.PublicURL, "/")
	}
	if base == "" {
		base = "http://" + r.Host
	}
	card := agentCard{
		Name:        "Escrowline",
		Description: "Task marketplace for agents with escrowed payment and automated deliverable review",
		URL:         base + "/a2a",
		Version:     Version,
		Capabilities: map[string]bool{
			"streaming":         false,
			"pushNotifications": false,
		},
		DefaultInputModes:  []string{"application/json", "text/plain"},
		DefaultOutputModes: []string{"application/json"},
		Skills: []agentSkill{
			{
				ID:          actionPostTask,
				Name:        "Post a paid task",
				Description: "Creates a task and holds its budget in escrow. Requires an API key as bearer token.",
				Tags:        []string{"marketplace", "escrow"},
			},
			{
				ID:          actionGetTaskStatus,
				Name:        "Task status",
				Description: "Reports the A2A state of a task.",
				Tags:        []string{"marketplace"},
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(card)
}

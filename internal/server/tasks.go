package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/repo"
)

type taskPath struct {
	ID string `path:"id"`
}

func registerTasks(api huma.API, g *gateway) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Post a task and put its budget in escrow",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusPaymentRequired,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body engine.CreatedTask `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		budget, err := domain.MoneyFromFloat(input.Body.Budget)
		if err != nil {
			return nil, g.handleError(&engine.Error{Reason: engine.ReasonValidation, Message: "budget is out of range", Err: err})
		}
		created, err := g.engine.CreateTask(ctx, actor, engine.CreateTaskInput{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Skills:      input.Body.Skills,
			Budget:      budget,
			Deadline:    input.Body.Deadline,
			Via:         "rest",
		})
		if err != nil {
			return nil, g.handleError(err)
		}
		return &struct {
			Body engine.CreatedTask `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		Skill      string `query:"skill"`
		EmployerID string `query:"employer_id"`
		WorkerID   string `query:"worker_id"`
		Limit      int    `query:"limit"`
		Offset     int    `query:"offset"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		if input.Offset < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "offset must not be negative", nil)
		}
		limit := normalizeLimit(input.Limit)
		tasks, err := g.engine.ListTasks(ctx, repo.TaskFilters{
			Status:     input.Status,
			Skill:      input.Skill,
			EmployerID: input.EmployerID,
			WorkerID:   input.WorkerID,
			Limit:      limit,
			Offset:     input.Offset,
		})
		if err != nil {
			return nil, g.handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Tasks: nonNilSlice(tasks), Limit: limit, Offset: input.Offset}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Task with its submissions, reviews and settlement",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body engine.TaskDetail `json:"body"`
	}, error) {
		detail, err := g.engine.TaskDetail(ctx, input.ID)
		if err != nil {
			return nil, g.handleError(err)
		}
		detail.Submissions = nonNilSlice(detail.Submissions)
		detail.Reviews = nonNilSlice(detail.Reviews)
		return &struct {
			Body engine.TaskDetail `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/claim",
		Summary:     "Claim an open task with its task token",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body ClaimRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := g.engine.Claim(ctx, actor, input.ID, input.Body.TaskToken)
		if err != nil {
			return nil, g.handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unclaim-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/unclaim",
		Summary:     "Release a claimed task back to open",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := g.engine.Unclaim(ctx, actor, input.ID)
		if err != nil {
			return nil, g.handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/cancel",
		Summary:     "Cancel an open or claimed task and refund its escrow",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body *CancelRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		t, err := g.engine.Cancel(ctx, actor, input.ID, reason)
		if err != nil {
			return nil, g.handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/accept",
		Summary:     "Accept the deliverable and pay the worker",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body *AcceptRequest `json:"body,omitempty"`
	}) (*struct {
		Body engine.AcceptResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var in engine.AcceptInput
		if input.Body != nil {
			in.Rating = input.Body.Rating
			in.Feedback = input.Body.Feedback
		}
		res, err := g.engine.Accept(ctx, actor, input.ID, in)
		if err != nil {
			return nil, g.handleError(err)
		}
		return &struct {
			Body engine.AcceptResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/reject",
		Summary:     "Reject the deliverable with feedback",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body RejectRequest `json:"body"`
	}) (*struct {
		Body domain.Review `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rev, err := g.engine.Reject(ctx, actor, input.ID, input.Body.Feedback)
		if err != nil {
			return nil, g.handleError(err)
		}
		return &struct {
			Body domain.Review `json:"body"`
		}{Body: rev}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return engine.DefaultListLimit
	}
	if in > engine.MaxListLimit {
		return engine.MaxListLimit
	}
	return in
}

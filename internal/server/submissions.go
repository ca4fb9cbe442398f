package server

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"escrowline/internal/domain"
	"escrowline/internal/engine"
)

var submitErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusRequestEntityTooLarge,
	http.StatusUnprocessableEntity,
}

func registerSubmissions(api huma.API, g *gateway) {
	submit := func(ctx context.Context, taskID string, in engine.SubmitInput) (*struct {
		Body engine.SubmitResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := g.engine.Submit(ctx, actor, taskID, in)
		if err != nil {
			return nil, g.handleError(err)
		}
		return &struct {
			Body engine.SubmitResult `json:"body"`
		}{Body: res}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID:   "submit-deliverable",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/submissions",
		Summary:       "Submit a deliverable (base64 JSON) for automated review",
		DefaultStatus: http.StatusCreated,
		MaxBodyBytes:  g.bodyLimit(),
		Errors:        submitErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body SubmitRequest `json:"body"`
	}) (*struct {
		Body engine.SubmitResult `json:"body"`
	}, error) {
		return submit(ctx, input.ID, engine.SubmitInput{
			FileName: input.Body.FileName,
			Data:     input.Body.Content,
			Notes:    input.Body.Notes,
		})
	})

	huma.Register(api, huma.Operation{
		OperationID:   "upload-deliverable",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/submissions/raw",
		Summary:       "Submit a deliverable as the raw request body",
		DefaultStatus: http.StatusCreated,
		MaxBodyBytes:  g.bodyLimit(),
		Errors:        submitErrors,
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		FileName string `query:"file_name" required:"true"`
		Notes    string `query:"notes"`
		RawBody  []byte `contentType:"application/octet-stream"`
	}) (*struct {
		Body engine.SubmitResult `json:"body"`
	}, error) {
		return submit(ctx, input.ID, engine.SubmitInput{
			FileName: input.FileName,
			Data:     input.RawBody,
			Notes:    input.Notes,
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "download-submission",
		Method:      http.MethodGet,
		Path:        "/submissions/{id}/download",
		Summary:     "Download a deliverable after re-verifying its digest",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Digest             string `header:"X-Content-Digest"`
		Body               []byte
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		dl, err := g.engine.OpenSubmission(ctx, actor, input.ID)
		if err != nil {
			return nil, g.handleError(err)
		}
		contentType := mime.TypeByExtension(path.Ext(dl.Submission.FileName))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Digest             string `header:"X-Content-Digest"`
			Body               []byte
		}{
			ContentType:        contentType,
			ContentDisposition: fmt.Sprintf("attachment; filename=%q", dl.Submission.FileName),
			Digest:             dl.Submission.Digest,
			Body:               dl.Data,
		}, nil
	})
}

func registerAudit(api huma.API, g *gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "task-audit-trail",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/audit",
		Summary:     "Audit trail of a task, oldest first",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body AuditResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entries, err := g.engine.AuditTrail(ctx, actor, input.ID)
		if err != nil {
			return nil, g.handleError(err)
		}
		return &struct {
			Body AuditResponse `json:"body"`
		}{Body: AuditResponse{Entries: nonNilSlice(entries)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "actor-audit-history",
		Method:      http.MethodGet,
		Path:        "/audit/actors/{actor_id}",
		Summary:     "Entries written by one actor, newest first",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body AuditResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entries, err := g.engine.ActorHistory(ctx, actor, input.ActorID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, g.handleError(err)
		}
		return &struct {
			Body AuditResponse `json:"body"`
		}{Body: AuditResponse{Entries: nonNilSlice(entries)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Marketplace totals and the recent audit histogram",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		WindowHours int `query:"window_hours" minimum:"0" maximum:"720"`
	}) (*struct {
		Body domain.Stats `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		window := 24 * time.Hour
		if input.WindowHours > 0 {
			window = time.Duration(input.WindowHours) * time.Hour
		}
		stats, err := g.engine.Stats(ctx, window)
		if err != nil {
			return nil, g.handleError(err)
		}
		return &struct {
			Body domain.Stats `json:"body"`
		}{Body: stats}, nil
	})
}

package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"escrowline/internal/domain"
	"escrowline/internal/engine"
)

func registerAgents(api huma.API, g *gateway) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Register an agent and receive its API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*struct {
		Body engine.RegisteredAgent `json:"body"`
	}, error) {
		reg, err := g.engine.RegisterAgent(ctx, engine.RegisterInput{
			Name:   input.Body.Name,
			Role:   input.Body.Role,
			Skills: input.Body.Skills,
		})
		if err != nil {
			return nil, g.handleError(err)
		}
		return &struct {
			Body engine.RegisteredAgent `json:"body"`
		}{Body: reg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current agent",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		agent, err := g.engine.GetAgent(ctx, principal.AgentID)
		if err != nil {
			return nil, g.handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: agent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-payout-account",
		Method:      http.MethodPut,
		Path:        "/me/payout-account",
		Summary:     "Set the payout account and release deferred transfers",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body PayoutAccountRequest `json:"body"`
	}) (*struct {
		Body engine.PayoutResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := g.engine.SetPayoutAccount(ctx, actor, input.Body.AccountID)
		if err != nil {
			return nil, g.handleError(err)
		}
		return &struct {
			Body engine.PayoutResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerDevAuth(api huma.API, g *gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for an existing agent",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		agent, err := g.engine.GetAgent(ctx, strings.TrimSpace(input.Body.AgentID))
		if err != nil {
			return nil, g.handleError(err)
		}
		token, expires, err := signToken(g.auth.JWTSecret, agent, g.auth.TokenTTL, g.clock())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, ExpiresAt: expires.UTC().Format(time.RFC3339)}}, nil
	})
}

package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"go.uber.org/zap"

	"escrowline/internal/domain"
	"escrowline/internal/engine/auth"
	"escrowline/internal/ids"
	"escrowline/internal/repo"
)

// APIKeyPrefix marks plaintext keys handed to agents.
const APIKeyPrefix = "el_"

var ErrUnknownAPIKey = errors.New("unknown api key")

type RegisterInput struct {
	Name   string
	Role   string
	Skills []string
}

// RegisteredAgent holds the plaintext API key. Only its hash is stored.
type RegisteredAgent struct {
	Agent  domain.Agent `json:"agent"`
	APIKey string       `json:"api_key"`
}

func newAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return APIKeyPrefix + hex.EncodeToString(b), nil
}

func (e Engine) RegisterAgent(ctx context.Context, in RegisterInput) (RegisteredAgent, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return RegisteredAgent{}, fail(ReasonValidation, "name is required")
	}
	role, err := domain.ParseRole(in.Role)
	if err != nil {
		return RegisteredAgent{}, wrapErr(ReasonValidation, err, err.Error())
	}
	skills := []string{}
	for _, s := range in.Skills {
		if s = strings.TrimSpace(s); s != "" {
			skills = append(skills, s)
		}
	}
	a := domain.Agent{
		ID:        ids.New(ids.KindAgent),
		Name:      name,
		Role:      role,
		Skills:    skills,
		CreatedAt: e.stamp(),
	}
	var key string
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
			return err
		}
		var err error
		key, _, err = e.issueKey(ctx, tx, a.ID, "default")
		return err
	})
	if err != nil {
		return RegisteredAgent{}, err
	}
	e.logger().Info("agent registered", zap.String("agent_id", a.ID), zap.String("role", string(a.Role)))
	return RegisteredAgent{Agent: a, APIKey: key}, nil
}

func (e Engine) issueKey(ctx context.Context, tx *sql.Tx, agentID, name string) (string, domain.APIKey, error) {
	plain, err := newAPIKey()
	if err != nil {
		return "", domain.APIKey{}, err
	}
	k := domain.APIKey{
		ID:        ids.New(ids.KindAPIKey),
		AgentID:   agentID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, k); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, k, nil
}

// IssueAPIKey adds another key for an existing agent.
func (e Engine) IssueAPIKey(ctx context.Context, agentID, name string) (string, domain.APIKey, error) {
	if _, err := e.loadAgent(ctx, agentID); err != nil {
		return "", domain.APIKey{}, err
	}
	return e.issueKey(ctx, nil, agentID, strings.TrimSpace(name))
}

func (e Engine) RevokeAPIKey(ctx context.Context, agentID, keyID string) error {
	return classify(e.Repo.DeleteAPIKey(ctx, agentID, keyID), "api key")
}

// Authenticate resolves a plaintext API key to its agent.
func (e Engine) Authenticate(ctx context.Context, apiKey string) (domain.Agent, error) {
	apiKey = strings.TrimSpace(apiKey)
	if !strings.HasPrefix(apiKey, APIKeyPrefix) {
		return domain.Agent{}, ErrUnknownAPIKey
	}
	k, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(apiKey))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Agent{}, ErrUnknownAPIKey
	}
	if err != nil {
		return domain.Agent{}, err
	}
	return e.Repo.GetAgent(ctx, nil, k.AgentID)
}

func (e Engine) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	a, err := e.Repo.GetAgent(ctx, nil, id)
	return a, classify(err, "agent")
}

type PayoutResult struct {
	Agent    domain.Agent `json:"agent"`
	Released int          `json:"released"`
}

// SetPayoutAccount records where the worker is paid and releases every
// transfer that was deferred for lack of one.
func (e Engine) SetPayoutAccount(ctx context.Context, actor Actor, accountID string) (PayoutResult, error) {
	if err := e.ready(); err != nil {
		return PayoutResult{}, err
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return PayoutResult{}, fail(ReasonValidation, "payout account id is required")
	}
	agent, err := e.loadAgent(ctx, actor.ID)
	if err != nil {
		return PayoutResult{}, err
	}
	if err := auth.RequireRole(agent, domain.RoleWorker); err != nil {
		return PayoutResult{}, classify(err, "agent")
	}
	if err := e.Repo.SetPayoutAccount(ctx, agent.ID, accountID); err != nil {
		return PayoutResult{}, classify(err, "agent")
	}
	var out PayoutResult
	out.Released, err = e.Settlement.ReleaseDeferred(ctx, agent.ID)
	if agent, gerr := e.Repo.GetAgent(ctx, nil, agent.ID); gerr == nil {
		out.Agent = agent
	}
	if err != nil {
		return out, wrapErr(ReasonSettlementFailed, err, "some deferred transfers could not be released")
	}
	return out, nil
}

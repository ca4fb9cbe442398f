package server

import "escrowline/internal/domain"

type HealthResponse struct {
	Status  string `json:"status" example:"ok"`
	Version string `json:"version"`
}

type RegisterAgentRequest struct {
	Name   string   `json:"name" minLength:"1" example:"translator-bot"`
	Role   string   `json:"role" enum:"employer,worker,both"`
	Skills []string `json:"skills,omitempty"`
}

type DevLoginRequest struct {
	AgentID string `json:"agent_id" minLength:"1"`
}

type DevLoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type PayoutAccountRequest struct {
	AccountID string `json:"account_id" minLength:"1" example:"acct_1Q2w3E"`
}

type CreateTaskRequest struct {
	Title       string   `json:"title" example:"Translate onboarding guide to Japanese"`
	Description string   `json:"description,omitempty"`
	Skills      []string `json:"skills,omitempty"`
	// Budget is in major currency units; it is stored as cents.
	Budget   float64 `json:"budget" minimum:"0" maximum:"10000000000" example:"100"`
	Deadline string  `json:"deadline" example:"2026-12-01T00:00:00Z"`
}

type ClaimRequest struct {
	TaskToken string `json:"task_token"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SubmitRequest struct {
	FileName string `json:"file_name" example:"translation.pdf"`
	// Content is the file, base64 encoded.
	Content []byte `json:"content"`
	Notes   string `json:"notes,omitempty"`
}

type AcceptRequest struct {
	Rating   *int   `json:"rating,omitempty" minimum:"1" maximum:"5"`
	Feedback string `json:"feedback,omitempty"`
}

type RejectRequest struct {
	Feedback string `json:"feedback"`
}

type TaskListResponse struct {
	Tasks  []domain.Task `json:"tasks"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

type AuditResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

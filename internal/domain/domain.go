package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type TaskStatus string

const (
	TaskOpen        TaskStatus = "open"
	TaskClaimed     TaskStatus = "claimed"
	TaskSubmitted   TaskStatus = "submitted"
	TaskUnderReview TaskStatus = "under_review"
	TaskCompleted   TaskStatus = "completed"
	TaskRejected    TaskStatus = "rejected"
	TaskCancelled   TaskStatus = "cancelled"
	TaskExpired     TaskStatus = "expired"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskOpen, TaskClaimed, TaskSubmitted, TaskUnderReview, TaskCompleted, TaskRejected, TaskCancelled, TaskExpired:
		return true
	}
	return false
}

// Terminal reports whether no further lifecycle transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskExpired
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentHeld     PaymentStatus = "held"
	PaymentCaptured PaymentStatus = "captured"
	PaymentRefunded PaymentStatus = "refunded"
)

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

type ReviewResult string

const (
	ResultAccept ReviewResult = "accept"
	ResultReject ReviewResult = "reject"
)

type ActorType string

const (
	ActorEmployer ActorType = "employer"
	ActorWorker   ActorType = "worker"
	ActorPlatform ActorType = "platform"
	ActorSystem   ActorType = "system"
)

// SystemActor is the actor id used for automated decisions.
const SystemActor = "system"

type Role string

const (
	RoleEmployer Role = "employer"
	RoleWorker   Role = "worker"
	RoleBoth     Role = "both"
)

// ParseRole accepts employer, worker or both.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleEmployer, RoleWorker, RoleBoth:
		return r, nil
	}
	return "", fmt.Errorf("invalid role %q (want employer, worker or both)", s)
}

// CanActAs reports whether an agent holding role r may act in the required role.
func (r Role) CanActAs(required Role) bool {
	if r == required {
		return true
	}
	return r == RoleBoth && (required == RoleEmployer || required == RoleWorker)
}

type AuditAction string

const (
	ActionTaskCreate              AuditAction = "task_create"
	ActionTaskClaim               AuditAction = "task_claim"
	ActionTaskUnclaim             AuditAction = "task_unclaim"
	ActionTaskCancel              AuditAction = "task_cancel"
	ActionTaskExpire              AuditAction = "task_expire"
	ActionSubmissionCreate        AuditAction = "submission_create"
	ActionSubmissionReview        AuditAction = "submission_review"
	ActionSubmissionAccept        AuditAction = "submission_accept"
	ActionSubmissionReject        AuditAction = "submission_reject"
	ActionPaymentHold             AuditAction = "payment_hold"
	ActionPaymentCapture          AuditAction = "payment_capture"
	ActionPaymentSplit            AuditAction = "payment_split"
	ActionPaymentTransferDeferred AuditAction = "payment_transfer_deferred"
	ActionPaymentRefund           AuditAction = "payment_refund"
)

var auditActions = []AuditAction{
	ActionTaskCreate, ActionTaskClaim, ActionTaskUnclaim, ActionTaskCancel, ActionTaskExpire,
	ActionSubmissionCreate, ActionSubmissionReview, ActionSubmissionAccept, ActionSubmissionReject,
	ActionPaymentHold, ActionPaymentCapture, ActionPaymentSplit, ActionPaymentTransferDeferred, ActionPaymentRefund,
}

// AuditActions lists every action in declaration order.
func AuditActions() []AuditAction {
	out := make([]AuditAction, len(auditActions))
	copy(out, auditActions)
	return out
}

func (a AuditAction) Valid() bool {
	for _, known := range auditActions {
		if a == known {
			return true
		}
	}
	return false
}

// Money is an amount in currency minor units (cents).
type Money int64

// MaxMoney is the largest amount the marketplace accepts, 10 billion in
// major units.
const MaxMoney Money = 1_000_000_000_000

var ErrAmountOutOfRange = errors.New("amount out of range")

// MoneyFromFloat converts a major-unit decimal (12.5) to minor units (1250).
// Amounts beyond ±MaxMoney, NaN and infinities are refused.
func MoneyFromFloat(v float64) (Money, error) {
	cents := math.Round(v * 100)
	if math.IsNaN(cents) || math.Abs(cents) > float64(MaxMoney) {
		return 0, fmt.Errorf("%w: %v", ErrAmountOutOfRange, v)
	}
	return Money(cents), nil
}

// ParseMoney parses a major-unit decimal string such as "12.50".
func ParseMoney(s string) (Money, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return MoneyFromFloat(f)
}

// String formats the amount with exactly two fractional digits.
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func (m Money) Float() float64 { return float64(m) / 100 }

type Task struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	Skills        []string      `json:"skills"`
	Budget        Money         `json:"budget_cents"`
	Deadline      string        `json:"deadline" format:"date-time"`
	Status        TaskStatus    `json:"status" enum:"open,claimed,submitted,under_review,completed,rejected,cancelled,expired"`
	PaymentStatus PaymentStatus `json:"payment_status" enum:"pending,held,captured,refunded"`
	EmployerID    string        `json:"employer_id"`
	WorkerID      *string       `json:"worker_id,omitempty"`
	PaymentRef    *string       `json:"payment_ref,omitempty"`
	CreatedAt     string        `json:"created_at" format:"date-time"`
	UpdatedAt     string        `json:"updated_at" format:"date-time"`
	ClaimedAt     *string       `json:"claimed_at,omitempty" format:"date-time"`
	SubmittedAt   *string       `json:"submitted_at,omitempty" format:"date-time"`
	CompletedAt   *string       `json:"completed_at,omitempty" format:"date-time"`
}

// IsWorker reports whether actorID is the task's current worker.
func (t Task) IsWorker(actorID string) bool {
	return t.WorkerID != nil && *t.WorkerID == actorID
}

type Submission struct {
	ID           string       `json:"id"`
	TaskID       string       `json:"task_id"`
	WorkerID     string       `json:"worker_id"`
	BlobKey      string       `json:"blob_key"`
	FileName     string       `json:"file_name"`
	SizeBytes    int64        `json:"size_bytes"`
	Digest       string       `json:"digest"`
	Notes        string       `json:"notes,omitempty"`
	ReviewStatus ReviewStatus `json:"review_status" enum:"pending,approved,rejected"`
	ReviewIssues []string     `json:"review_issues,omitempty"`
	SubmittedAt  string       `json:"submitted_at" format:"date-time"`
	ReviewedAt   *string      `json:"reviewed_at,omitempty" format:"date-time"`
}

type Review struct {
	ID           string       `json:"id"`
	TaskID       string       `json:"task_id"`
	SubmissionID string       `json:"submission_id"`
	ReviewerID   string       `json:"reviewer_id"`
	Result       ReviewResult `json:"result" enum:"accept,reject"`
	Feedback     string       `json:"feedback,omitempty"`
	Rating       *int         `json:"rating,omitempty"`
	CreatedAt    string       `json:"created_at" format:"date-time"`
}

type AuditEntry struct {
	Seq       int64          `json:"seq"`
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Action    AuditAction    `json:"action"`
	Actor     string         `json:"actor"`
	ActorType ActorType      `json:"actor_type"`
	Details   map[string]any `json:"details"`
	ClientIP  string         `json:"client_ip,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type Agent struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Role                Role     `json:"role" enum:"employer,worker,both"`
	Skills              []string `json:"skills"`
	ProcessorCustomerID *string  `json:"processor_customer_id,omitempty"`
	PayoutAccountID     *string  `json:"payout_account_id,omitempty"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type SettlementStatus string

const (
	SettlementTransferred SettlementStatus = "transferred"
	SettlementDeferred    SettlementStatus = "deferred"
	SettlementConfirmed   SettlementStatus = "confirmed"
)

type Settlement struct {
	TaskID       string           `json:"task_id"`
	WorkerID     string           `json:"worker_id"`
	Total        Money            `json:"total_cents"`
	WorkerAmount Money            `json:"worker_amount_cents"`
	PlatformFee  Money            `json:"platform_fee_cents"`
	FeePercent   float64          `json:"fee_percent"`
	Status       SettlementStatus `json:"status" enum:"transferred,deferred,confirmed"`
	TransferRef  *string          `json:"transfer_ref,omitempty"`
	CreatedAt    string           `json:"created_at" format:"date-time"`
	UpdatedAt    string           `json:"updated_at" format:"date-time"`
}

type OutboxKind string

const (
	OutboxSettle OutboxKind = "settle"
	OutboxRefund OutboxKind = "refund"
)

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxDone    OutboxStatus = "done"
	OutboxDead    OutboxStatus = "dead"
)

type OutboxItem struct {
	TaskID        string       `json:"task_id"`
	Kind          OutboxKind   `json:"kind"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	LastError     string       `json:"last_error,omitempty"`
	NextAttemptAt string       `json:"next_attempt_at" format:"date-time"`
	CreatedAt     string       `json:"created_at" format:"date-time"`
	UpdatedAt     string       `json:"updated_at" format:"date-time"`
}

type Stats struct {
	TasksByStatus   map[string]int `json:"tasks_by_status"`
	CompletedTasks  int            `json:"completed_tasks"`
	HeldCents       Money          `json:"held_cents"`
	CapturedCents   Money          `json:"captured_cents"`
	ActionHistogram map[string]int `json:"action_histogram"`
	WindowHours     int            `json:"window_hours"`
}

// ParseStringList decodes a JSON array of strings stored as text. Anything that
// does not decode yields an empty list.
func ParseStringList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

// EncodeStringList is the storage form read back by ParseStringList.
func EncodeStringList(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"escrowline/internal/audit"
	"escrowline/internal/blob"
	"escrowline/internal/domain"
	"escrowline/internal/engine/auth"
	"escrowline/internal/ids"
	"escrowline/internal/repo"
	"escrowline/internal/review"
)

type SubmitInput struct {
	FileName string
	Data     []byte
	Notes    string
}

type SubmitResult struct {
	Submission domain.Submission `json:"submission"`
	Verdict    review.Verdict    `json:"verdict"`
	Task       domain.Task       `json:"task"`
}

// Submit stores a deliverable and runs the automated review on it.
//
// The task passes through submitted while the review runs. An approved
// deliverable moves it to under_review; a rejected one returns it to claimed
// so the worker can try again. On rejection the populated result is returned
// together with a policy_rejected or integrity_failed error.
func (e Engine) Submit(ctx context.Context, actor Actor, taskID string, in SubmitInput) (out SubmitResult, err error) {
	ctx, done := e.span(ctx, "Submit", taskID)
	defer func() { done(&err) }()
	defer func() { e.auditRefusal(ctx, actor, domain.ActorWorker, taskID, domain.ActionSubmissionCreate, err) }()
	if err := e.ready(); err != nil {
		return SubmitResult{}, err
	}
	t, err := e.loadTask(ctx, taskID)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := auth.RequireWorker(actor.ID, t); err != nil {
		return SubmitResult{}, classify(err, "task")
	}
	if !statusIn(t.Status, domain.TaskClaimed, domain.TaskRejected) {
		return SubmitResult{}, stateConflict(t, "submit to")
	}
	in.FileName = strings.TrimSpace(in.FileName)
	if in.FileName == "" {
		return SubmitResult{}, fail(ReasonValidation, "file name is required")
	}

	subID := ids.New(ids.KindSubmission)
	stored, err := e.Integrity.Store(ctx, in.Data, t.ID, subID, in.FileName)
	if err != nil {
		return SubmitResult{}, err
	}
	stamp := e.stamp()
	sub := domain.Submission{
		ID:           subID,
		TaskID:       t.ID,
		WorkerID:     actor.ID,
		BlobKey:      stored.Key,
		FileName:     in.FileName,
		SizeBytes:    stored.SizeBytes,
		Digest:       stored.Digest,
		Notes:        strings.TrimSpace(in.Notes),
		ReviewStatus: domain.ReviewPending,
		ReviewIssues: []string{},
		SubmittedAt:  stamp,
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.TransitionTask(ctx, tx, repo.Transition{
			TaskID:    t.ID,
			From:      []domain.TaskStatus{domain.TaskClaimed, domain.TaskRejected},
			To:        domain.TaskSubmitted,
			WorkerID:  actor.ID,
			Set:       map[string]any{"submitted_at": stamp},
			UpdatedAt: stamp,
		}); err != nil {
			return err
		}
		if err := e.Repo.InsertSubmission(ctx, tx, sub); err != nil {
			return err
		}
		_, err := e.audit().Record(ctx, tx, audit.Entry{
			TaskID: t.ID, Action: domain.ActionSubmissionCreate, Actor: actor.ID, ActorType: domain.ActorWorker,
			ClientIP: actor.ClientIP,
			Details: audit.Details{
				"submission_id": sub.ID,
				"file_name":     sub.FileName,
				"file_hash":     sub.Digest,
				"size_bytes":    sub.SizeBytes,
			},
		})
		return err
	})
	if err != nil {
		if derr := e.Integrity.Discard(context.WithoutCancel(ctx), stored.Key); derr != nil {
			e.logger().Warn("orphaned deliverable left in blob store",
				zap.String("task_id", t.ID), zap.String("blob_key", stored.Key), zap.Error(derr))
		}
		return SubmitResult{}, classify(err, "task")
	}
	e.transitioned(t.Status, domain.TaskSubmitted)
	return e.autoReview(ctx, sub)
}

// autoReview re-reads the stored deliverable, checks its digest and applies
// the review policy, then records the verdict and moves the task on.
func (e Engine) autoReview(ctx context.Context, sub domain.Submission) (SubmitResult, error) {
	res, err := e.Integrity.Verify(ctx, sub.BlobKey)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("verify deliverable: %w", err)
	}
	verdict := review.Evaluate(review.Input{
		FileName:     sub.FileName,
		SizeBytes:    sub.SizeBytes,
		Integrity:    res,
		MaxSizeBytes: e.Config.MaxFileSizeBytes(),
	})
	status, to, result := domain.ReviewApproved, domain.TaskUnderReview, "approved"
	if !verdict.Approved {
		status, to, result = domain.ReviewRejected, domain.TaskClaimed, "rejected"
	}
	stamp := e.stamp()
	var out SubmitResult
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.RecordAutoReview(ctx, tx, sub.ID, status, verdict.Issues, stamp); err != nil {
			return err
		}
		if err := e.Repo.TransitionTask(ctx, tx, repo.Transition{
			TaskID:    sub.TaskID,
			From:      []domain.TaskStatus{domain.TaskSubmitted},
			To:        to,
			WorkerID:  sub.WorkerID,
			UpdatedAt: stamp,
		}); err != nil {
			return err
		}
		if _, err := e.audit().Record(ctx, tx, audit.Entry{
			TaskID: sub.TaskID, Action: domain.ActionSubmissionReview, Actor: domain.SystemActor, ActorType: domain.ActorSystem,
			Details: audit.Details{
				"submission_id": sub.ID,
				"result":        result,
				"reason":        verdict.Reason,
				"issues":        verdict.Issues,
				"automated":     true,
			},
		}); err != nil {
			return err
		}
		var err error
		if out.Submission, err = e.Repo.GetSubmission(ctx, tx, sub.ID); err != nil {
			return err
		}
		out.Task, err = e.Repo.GetTaskTx(ctx, tx, sub.TaskID)
		return err
	})
	if err != nil {
		return SubmitResult{}, classify(err, "submission")
	}
	out.Verdict = verdict
	e.transitioned(domain.TaskSubmitted, to)
	e.Metrics.RecordReview(verdict.Approved)
	if verdict.Approved {
		return out, nil
	}
	reason := ReasonPolicyRejected
	if !res.Valid() {
		reason = ReasonIntegrityFailed
	}
	return out, &Error{
		Reason:  reason,
		Message: verdict.Reason,
		Details: map[string]any{
			"submission_id": sub.ID,
			"file_hash":     sub.Digest,
			"review_status": string(domain.ReviewRejected),
			"issues":        verdict.Issues,
		},
	}
}

// ResumePendingReviews finishes automated reviews interrupted between the
// two phases of Submit. It returns how many were completed.
func (e Engine) ResumePendingReviews(ctx context.Context) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	pending, err := e.Repo.PendingSubmissions(ctx, 100)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, sub := range pending {
		latest, err := e.Repo.LatestSubmission(ctx, nil, sub.TaskID)
		if err != nil || latest.ID != sub.ID {
			continue
		}
		_, err = e.autoReview(ctx, sub)
		switch ReasonOf(err) {
		case "":
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", sub.ID, err))
				continue
			}
		case ReasonStateConflict:
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

type AcceptInput struct {
	Rating   *int
	Feedback string
}

type AcceptResult struct {
	Task   domain.Task   `json:"task"`
	Review domain.Review `json:"review"`
	// SettlementError is set when payment could not be completed right away;
	// the outbox keeps retrying it.
	SettlementError string `json:"settlement_error,omitempty"`
}

// Accept completes the task and pays the worker. Completion commits with
// the review and a queued settle item; settlement then runs outside the
// transaction, and its failure never reverts completion.
func (e Engine) Accept(ctx context.Context, actor Actor, taskID string, in AcceptInput) (out AcceptResult, err error) {
	ctx, done := e.span(ctx, "Accept", taskID)
	defer func() { done(&err) }()
	defer func() { e.auditRefusal(ctx, actor, domain.ActorEmployer, taskID, domain.ActionSubmissionAccept, err) }()
	if err := e.ready(); err != nil {
		return AcceptResult{}, err
	}
	if in.Rating != nil && (*in.Rating < 1 || *in.Rating > 5) {
		return AcceptResult{}, fail(ReasonValidation, "rating must be between 1 and 5")
	}
	t, err := e.loadTask(ctx, taskID)
	if err != nil {
		return AcceptResult{}, err
	}
	if err := auth.RequireEmployer(actor.ID, t); err != nil {
		return AcceptResult{}, classify(err, "task")
	}
	if t.Status != domain.TaskUnderReview {
		return AcceptResult{}, stateConflict(t, "accept")
	}
	stamp := e.stamp()
	settle := false
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		sub, err := e.Repo.LatestSubmission(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if sub.ReviewStatus != domain.ReviewApproved {
			return fail(ReasonStateConflict, "latest submission has not passed automated review")
		}
		if err := e.Repo.TransitionTask(ctx, tx, repo.Transition{
			TaskID:    t.ID,
			From:      []domain.TaskStatus{domain.TaskUnderReview},
			To:        domain.TaskCompleted,
			Set:       map[string]any{"completed_at": stamp},
			UpdatedAt: stamp,
		}); err != nil {
			return err
		}
		out.Review = domain.Review{
			ID:           ids.New(ids.KindReview),
			TaskID:       t.ID,
			SubmissionID: sub.ID,
			ReviewerID:   actor.ID,
			Result:       domain.ResultAccept,
			Feedback:     strings.TrimSpace(in.Feedback),
			Rating:       in.Rating,
			CreatedAt:    stamp,
		}
		if err := e.Repo.InsertReview(ctx, tx, out.Review); err != nil {
			return err
		}
		details := audit.Details{"submission_id": sub.ID, "review_id": out.Review.ID, "feedback": out.Review.Feedback}
		if in.Rating != nil {
			details["rating"] = *in.Rating
		}
		if _, err := e.audit().Record(ctx, tx, audit.Entry{
			TaskID: t.ID, Action: domain.ActionSubmissionAccept, Actor: actor.ID, ActorType: domain.ActorEmployer,
			ClientIP: actor.ClientIP, Details: details,
		}); err != nil {
			return err
		}
		if t.PaymentStatus == domain.PaymentHeld {
			settle = true
			return e.Settlement.Enqueue(ctx, tx, t.ID, domain.OutboxSettle)
		}
		return nil
	})
	if err != nil {
		return AcceptResult{}, classify(err, "task")
	}
	e.transitioned(domain.TaskUnderReview, domain.TaskCompleted)
	if settle {
		if serr := e.afterCommit(ctx, t.ID, domain.OutboxSettle); serr != nil {
			out.SettlementError = serr.Error()
		}
	}
	out.Task, err = e.Repo.GetTask(ctx, t.ID)
	if err != nil {
		return AcceptResult{}, err
	}
	return out, nil
}

// Reject sends the deliverable back with feedback. The number of manual
// rejections per task is capped by marketplace.max_rejections.
func (e Engine) Reject(ctx context.Context, actor Actor, taskID, feedback string) (out domain.Review, err error) {
	ctx, done := e.span(ctx, "Reject", taskID)
	defer func() { done(&err) }()
	defer func() { e.auditRefusal(ctx, actor, domain.ActorEmployer, taskID, domain.ActionSubmissionReject, err) }()
	if err := e.ready(); err != nil {
		return domain.Review{}, err
	}
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return domain.Review{}, fail(ReasonValidation, "feedback is required when rejecting")
	}
	t, err := e.loadTask(ctx, taskID)
	if err != nil {
		return domain.Review{}, err
	}
	if err := auth.RequireEmployer(actor.ID, t); err != nil {
		return domain.Review{}, classify(err, "task")
	}
	if t.Status != domain.TaskUnderReview {
		return domain.Review{}, stateConflict(t, "reject")
	}
	max := e.Config.Marketplace.MaxRejections
	stamp := e.stamp()
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		count, err := e.Repo.CountReviews(ctx, tx, t.ID, domain.ResultReject)
		if err != nil {
			return err
		}
		if count >= max {
			return &Error{
				Reason:  ReasonRejectionLimit,
				Message: fmt.Sprintf("task has already been rejected %d times (limit %d)", count, max),
				Details: map[string]any{"rejections": count, "max_rejections": max},
			}
		}
		sub, err := e.Repo.LatestSubmission(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if err := e.Repo.TransitionTask(ctx, tx, repo.Transition{
			TaskID:    t.ID,
			From:      []domain.TaskStatus{domain.TaskUnderReview},
			To:        domain.TaskRejected,
			UpdatedAt: stamp,
		}); err != nil {
			return err
		}
		out = domain.Review{
			ID:           ids.New(ids.KindReview),
			TaskID:       t.ID,
			SubmissionID: sub.ID,
			ReviewerID:   actor.ID,
			Result:       domain.ResultReject,
			Feedback:     feedback,
			CreatedAt:    stamp,
		}
		if err := e.Repo.InsertReview(ctx, tx, out); err != nil {
			return err
		}
		_, err = e.audit().Record(ctx, tx, audit.Entry{
			TaskID: t.ID, Action: domain.ActionSubmissionReject, Actor: actor.ID, ActorType: domain.ActorEmployer,
			ClientIP: actor.ClientIP,
			Details: audit.Details{
				"submission_id":   sub.ID,
				"review_id":       out.ID,
				"feedback":        feedback,
				"rejection_count": count + 1,
			},
		})
		return err
	})
	if err != nil {
		return domain.Review{}, classify(err, "task")
	}
	e.transitioned(domain.TaskUnderReview, domain.TaskRejected)
	return out, nil
}

// Download is a deliverable whose digest was re-checked when it was read.
type Download struct {
	Submission domain.Submission
	Data       []byte
	Metadata   blob.Metadata
}

// OpenSubmission returns a deliverable to the task's employer or to the
// worker who submitted it.
func (e Engine) OpenSubmission(ctx context.Context, actor Actor, submissionID string) (out Download, err error) {
	ctx, done := e.span(ctx, "OpenSubmission", "")
	defer func() { done(&err) }()
	sub, err := e.Repo.GetSubmission(ctx, nil, submissionID)
	if err != nil {
		return Download{}, classify(err, "submission")
	}
	t, err := e.loadTask(ctx, sub.TaskID)
	if err != nil {
		return Download{}, err
	}
	if actor.ID != t.EmployerID && actor.ID != sub.WorkerID {
		return Download{}, fail(ReasonForbidden, "only the task's employer or the submitting worker can download this")
	}
	res, obj, err := e.Integrity.Open(ctx, sub.BlobKey)
	if err != nil {
		return Download{}, err
	}
	if !res.Valid() {
		e.logger().Warn("deliverable failed integrity check on download",
			zap.String("submission_id", sub.ID), zap.String("task_id", sub.TaskID), zap.Error(res.Err))
		return Download{}, &Error{
			Reason:  ReasonIntegrityFailed,
			Message: res.Reason(),
			Details: map[string]any{"submission_id": sub.ID, "expected": res.Expected, "actual": res.Actual},
			Err:     res.Err,
		}
	}
	return Download{Submission: sub, Data: obj.Data, Metadata: obj.Metadata}, nil
}

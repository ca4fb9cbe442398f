// Package auth holds the actor guards used by the lifecycle controller.
package auth

import (
	"fmt"

	"escrowline/internal/domain"
)

// ForbiddenError indicates the actor may not perform the action.
type ForbiddenError struct {
	ActorID string
	Reason  string
}

func (e ForbiddenError) Error() string {
	return e.Reason
}

// RequireRole fails unless agent may act in role.
func RequireRole(agent domain.Agent, role domain.Role) error {
	if agent.Role.CanActAs(role) {
		return nil
	}
	return ForbiddenError{ActorID: agent.ID, Reason: fmt.Sprintf("agent %s is not registered as %s", agent.ID, role)}
}

// RequireEmployer fails unless actorID posted the task.
func RequireEmployer(actorID string, t domain.Task) error {
	if t.EmployerID == actorID {
		return nil
	}
	return ForbiddenError{ActorID: actorID, Reason: "only the task's employer can do this"}
}

// RequireWorker fails unless actorID holds the task's claim.
func RequireWorker(actorID string, t domain.Task) error {
	if t.IsWorker(actorID) {
		return nil
	}
	return ForbiddenError{ActorID: actorID, Reason: "only the task's worker can do this"}
}

// ForbidSelfDealing stops an employer from working their own task.
func ForbidSelfDealing(actorID string, t domain.Task) error {
	if t.EmployerID != actorID {
		return nil
	}
	return ForbiddenError{ActorID: actorID, Reason: "employers cannot claim their own task"}
}

// RequireParticipant fails unless actorID is the task's employer or worker.
func RequireParticipant(actorID string, t domain.Task) error {
	if t.EmployerID == actorID || t.IsWorker(actorID) {
		return nil
	}
	return ForbiddenError{ActorID: actorID, Reason: "only the task's employer or worker can see this"}
}

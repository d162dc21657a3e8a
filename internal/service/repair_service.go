package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/account-aggregator/internal/adapter"
	apperrors "github.com/account-aggregator/internal/errors"
	"github.com/account-aggregator/internal/logging"
	"github.com/account-aggregator/internal/models"
	"github.com/account-aggregator/internal/storage"
	"github.com/account-aggregator/internal/types"
)

// Sentinel errors for the repair workflow.
var (
	// ErrNoSession means no troubleshooting session exists; diagnostics must run first
	ErrNoSession = errors.New("no troubleshooting session; run diagnostics first")
	// ErrIssueNotFound means the issue ID is not in the current session
	ErrIssueNotFound = errors.New("issue not found in current session")
	// ErrActionNotFound means the action ID is not attached to the issue
	ErrActionNotFound = errors.New("repair action not found for issue")
	// ErrStepNotFound means the step ID is not part of the action
	ErrStepNotFound = errors.New("repair step not found for action")
	// ErrActionAbandoned means the action was abandoned and accepts no further progress
	ErrActionAbandoned = errors.New("repair action was abandoned")
	// ErrStepNotConfirmable means the step is not awaiting user confirmation
	ErrStepNotConfirmable = errors.New("step is not awaiting confirmation")
)

// RepairResult is the outcome of driving a repair action as far as it can
// currently go.
type RepairResult struct {
	Success bool                 `json:"success"`
	Message string               `json:"message"`
	Action  *models.RepairAction `json:"action"`
}

// RepairService drives the ordered steps of a chosen repair action.
// Automated steps invoke the provider's status probe; manual steps wait
// in_progress until the user confirms them explicitly. Progress lives in
// the troubleshooting session, so step states survive across requests and
// show up in the next diagnostics poll.
type RepairService struct {
	adapters map[types.Provider]adapter.ProviderAdapter
	creds    CredentialStore
	sessions SessionStore
	now      func() time.Time
}

// NewRepairService creates a new repair service
func NewRepairService(
	adapters map[types.Provider]adapter.ProviderAdapter,
	creds CredentialStore,
	sessions SessionStore,
) *RepairService {
	return &RepairService{
		adapters: adapters,
		creds:    creds,
		sessions: sessions,
		now:      time.Now,
	}
}

// ExecuteRepair advances the selected action's steps strictly in order.
// It stops at the first manual step awaiting confirmation, at the first
// failed step, or when all steps complete. A step never moves from
// pending straight to a terminal state, and a failed step freezes the
// action: later steps stay pending.
func (s *RepairService) ExecuteRepair(ctx context.Context, userID, issueID, actionID string) (*RepairResult, error) {
	session, issue, action, err := s.loadAction(ctx, userID, issueID, actionID)
	if err != nil {
		return nil, err
	}
	if session.AbandonedActions[actionID] {
		return nil, ErrActionAbandoned
	}

	result := s.advance(ctx, userID, issue, action)

	session.UpdatedAt = s.now().UTC()
	if err := s.sessions.Save(ctx, userID, session); err != nil {
		return nil, fmt.Errorf("saving repair progress: %w", err)
	}
	return result, nil
}

// ConfirmStep completes a manual step the user has finished, then resumes
// automatic progression through the remaining steps.
func (s *RepairService) ConfirmStep(ctx context.Context, userID, issueID, actionID, stepID string) (*RepairResult, error) {
	session, issue, action, err := s.loadAction(ctx, userID, issueID, actionID)
	if err != nil {
		return nil, err
	}
	if session.AbandonedActions[actionID] {
		return nil, ErrActionAbandoned
	}

	step := findStep(action, stepID)
	if step == nil {
		return nil, ErrStepNotFound
	}
	if step.Type != models.StepUserAction || step.Status != models.StepInProgress {
		return nil, ErrStepNotConfirmable
	}
	s.transition(ctx, step, models.StepCompleted)

	result := s.advance(ctx, userID, issue, action)

	session.UpdatedAt = s.now().UTC()
	if err := s.sessions.Save(ctx, userID, session); err != nil {
		return nil, fmt.Errorf("saving repair progress: %w", err)
	}
	return result, nil
}

// AbandonRepair marks the action abandoned mid-sequence. Any in_progress
// step is left exactly as it is; it is never silently completed.
func (s *RepairService) AbandonRepair(ctx context.Context, userID, issueID, actionID string) error {
	session, _, _, err := s.loadAction(ctx, userID, issueID, actionID)
	if err != nil {
		return err
	}
	if session.AbandonedActions == nil {
		session.AbandonedActions = map[string]bool{}
	}
	session.AbandonedActions[actionID] = true
	session.UpdatedAt = s.now().UTC()
	return s.sessions.Save(ctx, userID, session)
}

// advance walks the steps in order and runs as many as can run now.
func (s *RepairService) advance(ctx context.Context, userID string, issue *models.Issue, action *models.RepairAction) *RepairResult {
	for _, step := range action.Steps {
		switch step.Status {
		case models.StepCompleted:
			continue
		case models.StepFailed:
			return &RepairResult{
				Success: false,
				Message: fmt.Sprintf("Step %q failed: %s", step.Title, step.Error),
				Action:  action,
			}
		case models.StepInProgress:
			if step.Type == models.StepUserAction {
				return &RepairResult{
					Success: false,
					Message: fmt.Sprintf("Waiting for you to complete %q.", step.Title),
					Action:  action,
				}
			}
			// An automated step left in_progress means a previous run was
			// interrupted mid-call; rerun it below.
		}

		if step.Status == models.StepPending {
			s.transition(ctx, step, models.StepInProgress)
		}

		if step.Type == models.StepUserAction {
			return &RepairResult{
				Success: false,
				Message: fmt.Sprintf("Waiting for you to complete %q.", step.Title),
				Action:  action,
			}
		}

		if err := s.runAutomatedStep(ctx, userID, issue, step); err != nil {
			cls := classifyFailure(err)
			step.Error = cls.UserMessage
			s.transition(ctx, step, models.StepFailed)
			return &RepairResult{
				Success: false,
				Message: fmt.Sprintf("Step %q failed: %s", step.Title, cls.UserMessage),
				Action:  action,
			}
		}
		s.transition(ctx, step, models.StepCompleted)
	}

	return &RepairResult{
		Success: true,
		Message: "All repair steps completed.",
		Action:  action,
	}
}

// runAutomatedStep executes an api_call or verification step by probing
// the affected provider's connection.
func (s *RepairService) runAutomatedStep(ctx context.Context, userID string, issue *models.Issue, step *models.RepairStep) error {
	adp, ok := s.adapters[issue.AffectedProvider]
	if !ok {
		return ErrUnknownProvider
	}
	creds, err := s.creds.Get(ctx, userID, issue.AffectedProvider)
	if err != nil {
		return err
	}
	status, err := adp.GetConnectionStatus(ctx, creds)
	if err != nil {
		return err
	}
	if status.Disabled {
		return apperrors.NewProviderError(issue.AffectedProvider, "connection_status", "", 403, "connection disabled")
	}
	return nil
}

// transition applies a status change, enforcing the step state machine.
// Illegal transitions are logged and dropped rather than corrupting state.
func (s *RepairService) transition(ctx context.Context, step *models.RepairStep, to models.RepairStepStatus) {
	if !step.Status.CanTransition(to) {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"stepId": step.ID,
			"from":   string(step.Status),
			"to":     string(to),
		}).Error("illegal repair step transition dropped")
		return
	}
	step.Status = to
	step.UpdatedAt = s.now().UTC()
}

// loadAction resolves the session, issue, and action for a repair request.
func (s *RepairService) loadAction(ctx context.Context, userID, issueID, actionID string) (*storage.Session, *models.Issue, *models.RepairAction, error) {
	session, err := s.sessions.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, nil, nil, ErrNoSession
		}
		return nil, nil, nil, err
	}
	if session.Report == nil {
		return nil, nil, nil, ErrNoSession
	}

	var issue *models.Issue
	for _, candidate := range session.Report.Issues {
		if candidate.ID == issueID {
			issue = candidate
			break
		}
	}
	if issue == nil {
		return nil, nil, nil, ErrIssueNotFound
	}

	for _, action := range issue.RepairActions {
		if action.ID == actionID {
			return session, issue, action, nil
		}
	}
	return nil, nil, nil, ErrActionNotFound
}

func findStep(action *models.RepairAction, stepID string) *models.RepairStep {
	for _, step := range action.Steps {
		if step.ID == stepID {
			return step
		}
	}
	return nil
}

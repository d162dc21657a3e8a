package models

import (
	"time"

	"github.com/account-aggregator/internal/types"
)

// IssueSeverity represents how severe a diagnosed issue is
type IssueSeverity string

const (
	// SeverityCritical represents an issue that blocks aggregation entirely
	SeverityCritical IssueSeverity = "critical"
	// SeverityWarning represents an issue that degrades aggregation
	SeverityWarning IssueSeverity = "warning"
	// SeverityInfo represents an informational finding
	SeverityInfo IssueSeverity = "info"
)

// HealthState represents the aggregated health of a monitored connection.
// States are non-sticky: health can improve as new probe results arrive.
type HealthState string

const (
	// HealthHealthy means no issues were found
	HealthHealthy HealthState = "healthy"
	// HealthDegraded means warning-level issues were found
	HealthDegraded HealthState = "degraded"
	// HealthCritical means at least one critical issue was found
	HealthCritical HealthState = "critical"
)

// Issue represents one diagnosed connection problem. Issues are superseded,
// not mutated, on the next health run. Accounts under the same provider
// with the same underlying failure share a single Issue record.
type Issue struct {
	ID                  string          `json:"id"`
	Severity            IssueSeverity   `json:"severity"`
	Category            string          `json:"category"`
	Title               string          `json:"title"`
	Description         string          `json:"description"`
	AffectedProvider    types.Provider  `json:"affectedProvider"`
	AffectedAccounts    []string        `json:"affectedAccounts"`
	AutoRepairAvailable bool            `json:"autoRepairAvailable"`
	RepairActions       []*RepairAction `json:"repairActions"`
	DetectedAt          time.Time       `json:"detectedAt"`
}

// RepairActionType represents how a repair action is driven
type RepairActionType string

const (
	// RepairAutomatic means all steps run without user involvement
	RepairAutomatic RepairActionType = "automatic"
	// RepairGuided means automated steps are interleaved with user actions
	RepairGuided RepairActionType = "guided"
	// RepairManual means the user performs every step
	RepairManual RepairActionType = "manual"
)

// RiskLevel represents the blast radius of running a repair action
type RiskLevel string

const (
	// RiskSafe means the action only reads or re-verifies state
	RiskSafe RiskLevel = "safe"
	// RiskModerate means the action changes connection state
	RiskModerate RiskLevel = "moderate"
	// RiskHigh means the action may require re-enrollment
	RiskHigh RiskLevel = "high"
)

// RepairAction is a named remedy for an Issue, composed of ordered steps.
type RepairAction struct {
	ID          string           `json:"id"`
	Type        RepairActionType `json:"type"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	RiskLevel   RiskLevel        `json:"riskLevel"`
	Steps       []*RepairStep    `json:"steps"`
}

// RepairStepType represents what kind of work a step performs
type RepairStepType string

const (
	// StepAPICall means the step invokes a provider adapter operation
	StepAPICall RepairStepType = "api_call"
	// StepUserAction means the step requires the user to act and confirm
	StepUserAction RepairStepType = "user_action"
	// StepVerification means the step re-probes to verify the fix took
	StepVerification RepairStepType = "verification"
)

// RepairStepStatus represents the state machine of one step.
// Transitions: pending -> in_progress -> completed|failed. Terminal states
// never transition back to pending.
type RepairStepStatus string

const (
	// StepPending means the step has not started
	StepPending RepairStepStatus = "pending"
	// StepInProgress means the step is running or awaiting confirmation
	StepInProgress RepairStepStatus = "in_progress"
	// StepCompleted means the step finished successfully
	StepCompleted RepairStepStatus = "completed"
	// StepFailed means the step failed; later steps stay pending
	StepFailed RepairStepStatus = "failed"
)

// RepairStep is one ordered step of a RepairAction.
type RepairStep struct {
	ID          string           `json:"id"`
	Type        RepairStepType   `json:"type"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Automated   bool             `json:"automated"`
	Status      RepairStepStatus `json:"status"`
	Error       string           `json:"error,omitempty"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// CanTransition reports whether a step status change is legal.
// A step never jumps from pending straight to a terminal state and never
// leaves a terminal state.
func (s RepairStepStatus) CanTransition(to RepairStepStatus) bool {
	switch s {
	case StepPending:
		return to == StepInProgress
	case StepInProgress:
		return to == StepCompleted || to == StepFailed
	default:
		return false
	}
}

// DiagnosticReport is the result of one full probe cycle for a user.
type DiagnosticReport struct {
	UserID          string      `json:"userId"`
	OverallHealth   HealthState `json:"overallHealth"`
	Issues          []*Issue    `json:"issues"`
	Recommendations []string    `json:"recommendations"`
	GeneratedAt     time.Time   `json:"generatedAt"`
}

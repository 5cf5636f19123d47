// Package learn drives a capability request through the full pipeline:
// gap analysis, planning, synthesis, static validation, sandbox
// testing, deployment and post-deploy verification, recording every
// session to an append-only audit log. Each phase failure is terminal
// for its session; the orchestrator never silently retries across
// phases.
package learn

import (
	"fmt"
	"time"
)

// Phase names, in pipeline order.
type Phase string

const (
	PhaseAnalyze         Phase = "analyze"
	PhasePlan            Phase = "plan"
	PhaseSynthesize      Phase = "synthesize"
	PhaseValidate        Phase = "validate"
	PhaseSandboxTest     Phase = "sandbox_test"
	PhaseDeploy          Phase = "deploy"
	PhaseIntegrationTest Phase = "integration_test"
	PhaseRecord          Phase = "record"
)

// Status is a session's terminal outcome.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"  // No gap; existing capability covers it
	StatusDeferred  Status = "deferred" // Safe mode declined a low-priority request
	StatusFailed    Status = "failed"   // A pipeline phase rejected the candidate
	StatusError     Status = "error"    // Infrastructure fault outside the pipeline
)

// FailureKind classifies terminal phase failures.
type FailureKind string

const (
	SynthesisFailure FailureKind = "synthesis_failure"

	ValidationSyntax     FailureKind = "validation_syntax"
	ValidationSecurity   FailureKind = "validation_security"
	ValidationDependency FailureKind = "validation_dependency"
	ValidationComplexity FailureKind = "validation_complexity"
	ValidationPathRisk   FailureKind = "validation_path_risk"

	SandboxTimeout          FailureKind = "sandbox_timeout"
	SandboxResourceExceeded FailureKind = "sandbox_resource_exceeded"
	SandboxRuntimeError     FailureKind = "sandbox_runtime_error"

	DeployIO                FailureKind = "deploy_io"
	DeployIntegrityMismatch FailureKind = "deploy_integrity_mismatch"
	DeployCapacityExceeded  FailureKind = "deploy_capacity_exceeded"

	IntegrationFailure FailureKind = "integration_failure"

	RollbackNotFound FailureKind = "rollback_not_found"
	RollbackIO       FailureKind = "rollback_io"
)

// PhaseError is the structured failure attached to a terminal phase.
type PhaseError struct {
	Phase   Phase       `json:"phase"`
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Phase, e.Kind, e.Message)
}

// PhaseResult is one completed phase within a session.
type PhaseResult struct {
	Name    Phase         `json:"name"`
	Status  string        `json:"status"` // ok, failed, skipped, deferred
	Detail  string        `json:"detail,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Session is the append-only audit record of one request's journey.
type Session struct {
	ID          string        `json:"id"`
	Request     string        `json:"request"`
	Capability  string        `json:"capability,omitempty"` // Name deployed or matched
	Phases      []PhaseResult `json:"phases"`
	FinalStatus Status        `json:"final_status"`
	Failure     *PhaseError   `json:"failure,omitempty"`

	// NeedsFollowup marks a deployed artifact whose post-deploy check
	// failed. The artifact stays in place; nothing is auto-rolled-back.
	NeedsFollowup bool `json:"needs_followup,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Stats is the process-wide aggregate, rebuilt from the session store
// at startup and updated after every session under a writer lock.
type Stats struct {
	TotalAttempts      int      `json:"total_attempts"`
	SuccessfulAttempts int      `json:"successful_attempts"`
	SuccessRate        float64  `json:"success_rate"`
	ToolsGenerated     []string `json:"tools_generated"`
	ValidationErrors   []string `json:"validation_errors"`
	FailureLearnings   []string `json:"failure_learnings"`
}

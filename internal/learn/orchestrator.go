package learn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"capforge/internal/config"
	"capforge/internal/deploy"
	"capforge/internal/gap"
	"capforge/internal/logging"
	"capforge/internal/oracle"
	"capforge/internal/registry"
	"capforge/internal/sandbox"
	"capforge/internal/validate"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Sandbox is the slice of the executor the orchestrator needs.
type Sandbox interface {
	Execute(ctx context.Context, source, input string) (*sandbox.Result, error)
}

// Priority derived at Plan from the gap report.
type priority int

const (
	priorityLow priority = iota
	priorityNormal
	priorityHigh
)

// Orchestrator drives requests through the pipeline. One Learn call is
// one session; LearnAll fans requests out to a bounded worker pool.
type Orchestrator struct {
	cfg       *config.Config
	analyzer  *gap.Analyzer
	oracle    oracle.Synthesizer
	validator *validate.Validator
	sandbox   Sandbox
	deployer  *deploy.Deployer
	registry  *registry.Registry
	failures  *FailureAnalyzer
	store     *Store

	statsMu sync.Mutex
	stats   Stats
}

// New assembles an orchestrator and rebuilds the aggregate stats from
// the session store.
func New(
	cfg *config.Config,
	analyzer *gap.Analyzer,
	synth oracle.Synthesizer,
	validator *validate.Validator,
	sb Sandbox,
	deployer *deploy.Deployer,
	reg *registry.Registry,
	store *Store,
) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:       cfg,
		analyzer:  analyzer,
		oracle:    synth,
		validator: validator,
		sandbox:   sb,
		deployer:  deployer,
		registry:  reg,
		failures:  NewFailureAnalyzer(),
		store:     store,
	}
	if store != nil {
		stats, err := store.RebuildStats()
		if err != nil {
			return nil, fmt.Errorf("rebuild learning stats: %w", err)
		}
		o.stats = *stats
	}
	return o, nil
}

// Stats returns a snapshot copy of the aggregate.
func (o *Orchestrator) Stats() Stats {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()

	cp := o.stats
	cp.ToolsGenerated = append([]string(nil), o.stats.ToolsGenerated...)
	cp.ValidationErrors = append([]string(nil), o.stats.ValidationErrors...)
	cp.FailureLearnings = append([]string(nil), o.stats.FailureLearnings...)
	return cp
}

// LearnAll runs one session per request on a bounded pool. Per-name
// deployment serialization is the deployer's job, so sessions for
// different capabilities proceed independently.
func (o *Orchestrator) LearnAll(ctx context.Context, requests []string) []*Session {
	sessions := make([]*Session, len(requests))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Policy.MaxWorkers)
	for i, req := range requests {
		g.Go(func() error {
			sessions[i] = o.Learn(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return sessions
}

// Learn drives one request through the full pipeline and returns its
// session record. The session is always recorded, whatever the outcome.
func (o *Orchestrator) Learn(ctx context.Context, request string) *Session {
	sess := o.startSession(request)

	// Analyze: no gap means nothing to do.
	report := o.runAnalyze(sess, request)
	if !report.GapConfirmed {
		sess.Capability = report.SatisfiedBy
		return o.finish(sess, StatusSkipped)
	}

	// Plan: safe mode declines low-priority work.
	req, ok := o.runPlan(sess, report)
	if !ok {
		return o.finish(sess, StatusDeferred)
	}

	return o.runPipeline(ctx, sess, req)
}

// Resynthesize re-enters the pipeline at Plan with a requirement built
// from a runtime-failure diagnosis. Unfixable diagnoses are refused.
func (o *Orchestrator) Resynthesize(ctx context.Context, d *Diagnosis, originalRequest string) (*Session, error) {
	req, ok := o.failures.Requirement(d, originalRequest)
	if !ok {
		return nil, fmt.Errorf("failure of %s is not fixable (%s)", d.Capability, d.Category)
	}
	req.Imports = o.cfg.Policy.ImportAllowlist

	sess := o.startSession(originalRequest)
	sess.Phases = append(sess.Phases, PhaseResult{
		Name:   PhasePlan,
		Status: "ok",
		Detail: "re-entry from failure analysis: " + d.RootCause,
	})
	return o.runPipeline(ctx, sess, req), nil
}

// Diagnose classifies a runtime failure of a deployed capability.
func (o *Orchestrator) Diagnose(capability, runtimeErr, intent string) *Diagnosis {
	return o.failures.Analyze(capability, runtimeErr, intent)
}

func (o *Orchestrator) startSession(request string) *Session {
	sess := &Session{
		ID:        uuid.NewString(),
		Request:   request,
		StartedAt: time.Now().UTC(),
	}

	// The attempt counts from the moment it starts, not from Record.
	o.statsMu.Lock()
	o.stats.TotalAttempts++
	o.updateRateLocked()
	o.statsMu.Unlock()

	logging.Learn("Session %s started: %q", sess.ID, request)
	return sess
}

func (o *Orchestrator) runAnalyze(sess *Session, request string) *gap.Report {
	start := time.Now()
	report := o.analyzer.Analyze(request, o.registry.List())
	detail := fmt.Sprintf("gap=%v confidence=%.2f", report.GapConfirmed, report.Confidence)
	if report.SatisfiedBy != "" {
		detail += " satisfied_by=" + report.SatisfiedBy
	}
	sess.Phases = append(sess.Phases, PhaseResult{
		Name:    PhaseAnalyze,
		Status:  "ok",
		Detail:  detail,
		Elapsed: time.Since(start),
	})
	return report
}

func (o *Orchestrator) runPlan(sess *Session, report *gap.Report) (oracle.Requirement, bool) {
	start := time.Now()
	prio := planPriority(report)

	if o.cfg.Policy.SafeMode && prio == priorityLow {
		sess.Phases = append(sess.Phases, PhaseResult{
			Name:    PhasePlan,
			Status:  "deferred",
			Detail:  "safe mode declined low-priority request",
			Elapsed: time.Since(start),
		})
		logging.Learn("Session %s deferred (safe mode, low priority)", sess.ID)
		return oracle.Requirement{}, false
	}

	req := oracle.Requirement{
		Name:        gap.SuggestName(report),
		Description: report.MissingDescription,
		Category:    report.Category,
		Request:     report.Request,
		Imports:     o.cfg.Policy.ImportAllowlist,
	}
	sess.Phases = append(sess.Phases, PhaseResult{
		Name:    PhasePlan,
		Status:  "ok",
		Detail:  fmt.Sprintf("target=%s priority=%d", req.Name, prio),
		Elapsed: time.Since(start),
	})
	return req, true
}

// runPipeline executes Synthesize through IntegrationTest. Every phase
// failure is terminal: no cross-phase retries.
func (o *Orchestrator) runPipeline(ctx context.Context, sess *Session, req oracle.Requirement) *Session {
	sess.Capability = req.Name

	source, perr := o.runSynthesize(ctx, sess, req)
	if perr != nil {
		return o.fail(sess, perr)
	}

	valReport, perr := o.runValidate(sess, source)
	if perr != nil {
		return o.fail(sess, perr)
	}

	if perr := o.runSandboxTest(ctx, sess, source); perr != nil {
		return o.fail(sess, perr)
	}

	if perr := o.runDeploy(sess, req, source, valReport); perr != nil {
		return o.fail(sess, perr)
	}

	if perr := o.runIntegrationTest(sess, req.Name); perr != nil {
		// Deliberate policy: the artifact stays deployed. Rolling back
		// automatically would destroy evidence and the backup chain
		// context a human needs to decide what went wrong.
		sess.NeedsFollowup = true
		return o.fail(sess, perr)
	}

	return o.finish(sess, StatusCompleted)
}

func (o *Orchestrator) runSynthesize(ctx context.Context, sess *Session, req oracle.Requirement) (string, *PhaseError) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Oracle.Timeout)
	defer cancel()

	source, err := o.oracle.Synthesize(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		sess.Phases = append(sess.Phases, PhaseResult{
			Name: PhaseSynthesize, Status: "failed", Detail: err.Error(), Elapsed: elapsed,
		})
		return "", &PhaseError{Phase: PhaseSynthesize, Kind: SynthesisFailure, Message: err.Error()}
	}
	sess.Phases = append(sess.Phases, PhaseResult{
		Name: PhaseSynthesize, Status: "ok",
		Detail:  fmt.Sprintf("%d bytes", len(source)),
		Elapsed: elapsed,
	})
	return source, nil
}

func (o *Orchestrator) runValidate(sess *Session, source string) (*validate.Report, *PhaseError) {
	start := time.Now()
	report := o.validator.Validate(source)
	elapsed := time.Since(start)

	if !report.OverallValid {
		kind, detail := classifyValidation(report)
		sess.Phases = append(sess.Phases, PhaseResult{
			Name: PhaseValidate, Status: "failed", Detail: detail, Elapsed: elapsed,
		})
		return nil, &PhaseError{Phase: PhaseValidate, Kind: kind, Message: detail}
	}
	sess.Phases = append(sess.Phases, PhaseResult{
		Name: PhaseValidate, Status: "ok",
		Detail:  fmt.Sprintf("score=%d risk=%s", report.SecurityScore, report.RiskLevel),
		Elapsed: elapsed,
	})
	return report, nil
}

func (o *Orchestrator) runSandboxTest(ctx context.Context, sess *Session, source string) *PhaseError {
	start := time.Now()
	result, err := o.sandbox.Execute(ctx, source, "")
	elapsed := time.Since(start)

	if err != nil {
		sess.Phases = append(sess.Phases, PhaseResult{
			Name: PhaseSandboxTest, Status: "failed", Detail: err.Error(), Elapsed: elapsed,
		})
		return &PhaseError{Phase: PhaseSandboxTest, Kind: SandboxRuntimeError, Message: err.Error()}
	}
	if !result.Success {
		kind := SandboxRuntimeError
		detail := strings.TrimSpace(result.Stderr)
		switch {
		case result.TimedOut:
			kind = SandboxTimeout
			detail = fmt.Sprintf("timed out after %v", result.Elapsed.Round(time.Millisecond))
		case result.ResourceExceeded:
			kind = SandboxResourceExceeded
			detail = "resource ceiling exceeded"
		}
		sess.Phases = append(sess.Phases, PhaseResult{
			Name: PhaseSandboxTest, Status: "failed", Detail: detail, Elapsed: elapsed,
		})
		return &PhaseError{Phase: PhaseSandboxTest, Kind: kind, Message: detail}
	}
	sess.Phases = append(sess.Phases, PhaseResult{
		Name: PhaseSandboxTest, Status: "ok",
		Detail:  fmt.Sprintf("elapsed=%v", result.Elapsed.Round(time.Millisecond)),
		Elapsed: elapsed,
	})
	return nil
}

func (o *Orchestrator) runDeploy(sess *Session, req oracle.Requirement, source string, valReport *validate.Report) *PhaseError {
	start := time.Now()

	if !o.registry.Has(req.Name) && o.registry.Count() >= o.cfg.Policy.MaxCapabilities {
		detail := fmt.Sprintf("capability ceiling reached (%d)", o.cfg.Policy.MaxCapabilities)
		sess.Phases = append(sess.Phases, PhaseResult{
			Name: PhaseDeploy, Status: "failed", Detail: detail, Elapsed: time.Since(start),
		})
		return &PhaseError{Phase: PhaseDeploy, Kind: DeployCapacityExceeded, Message: detail}
	}

	version, err := o.deployer.Deploy(req.Name, source, "learn: "+req.Request)
	if err != nil {
		sess.Phases = append(sess.Phases, PhaseResult{
			Name: PhaseDeploy, Status: "failed", Detail: err.Error(), Elapsed: time.Since(start),
		})
		return &PhaseError{Phase: PhaseDeploy, Kind: DeployIO, Message: err.Error()}
	}

	sum := sha256.Sum256([]byte(source))
	desc := &registry.Descriptor{
		Name:       req.Name,
		Signatures: valReport.Functions,
		Tags:       descriptorTags(req),
		SourcePath: o.deployer.ArtifactPath(req.Name),
		SourceHash: hex.EncodeToString(sum[:]),
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.registry.Upsert(desc); err != nil {
		sess.Phases = append(sess.Phases, PhaseResult{
			Name: PhaseDeploy, Status: "failed", Detail: err.Error(), Elapsed: time.Since(start),
		})
		return &PhaseError{Phase: PhaseDeploy, Kind: DeployIntegrityMismatch, Message: err.Error()}
	}

	sess.Phases = append(sess.Phases, PhaseResult{
		Name: PhaseDeploy, Status: "ok",
		Detail:  fmt.Sprintf("version=%d", version),
		Elapsed: time.Since(start),
	})
	return nil
}

// runIntegrationTest re-reads the registry and confirms the capability
// resolves by name with its artifact on disk.
func (o *Orchestrator) runIntegrationTest(sess *Session, name string) *PhaseError {
	start := time.Now()
	if _, err := o.registry.Resolve(name); err != nil {
		sess.Phases = append(sess.Phases, PhaseResult{
			Name: PhaseIntegrationTest, Status: "failed", Detail: err.Error(), Elapsed: time.Since(start),
		})
		return &PhaseError{Phase: PhaseIntegrationTest, Kind: IntegrationFailure, Message: err.Error()}
	}
	sess.Phases = append(sess.Phases, PhaseResult{
		Name: PhaseIntegrationTest, Status: "ok", Elapsed: time.Since(start),
	})
	return nil
}

func (o *Orchestrator) fail(sess *Session, perr *PhaseError) *Session {
	sess.Failure = perr
	logging.Learn("Session %s failed at %s: %s", sess.ID, perr.Phase, perr.Message)
	return o.finish(sess, StatusFailed)
}

// finish closes the session, folds it into the aggregate and appends it
// to the audit log.
func (o *Orchestrator) finish(sess *Session, status Status) *Session {
	start := time.Now()
	sess.FinalStatus = status
	sess.FinishedAt = time.Now().UTC()

	o.statsMu.Lock()
	switch status {
	case StatusCompleted:
		o.stats.SuccessfulAttempts++
		if sess.Capability != "" {
			o.stats.ToolsGenerated = append(o.stats.ToolsGenerated, sess.Capability)
		}
	case StatusFailed, StatusError:
		if sess.Failure != nil {
			switch sess.Failure.Kind {
			case ValidationSyntax, ValidationSecurity, ValidationDependency,
				ValidationComplexity, ValidationPathRisk:
				o.stats.ValidationErrors = append(o.stats.ValidationErrors, sess.Failure.Message)
			default:
				o.stats.FailureLearnings = append(o.stats.FailureLearnings, sess.Failure.Message)
			}
		}
	}
	o.updateRateLocked()
	o.statsMu.Unlock()

	recordStatus := "ok"
	recordDetail := ""
	if o.store != nil {
		if err := o.store.Append(sess); err != nil {
			recordStatus = "failed"
			recordDetail = err.Error()
			logging.Get(logging.CategoryLearn).Errorf("record session %s: %v", sess.ID, err)
		}
	}
	sess.Phases = append(sess.Phases, PhaseResult{
		Name: PhaseRecord, Status: recordStatus, Detail: recordDetail, Elapsed: time.Since(start),
	})

	logging.Learn("Session %s finished: %s", sess.ID, status)
	return sess
}

func (o *Orchestrator) updateRateLocked() {
	if o.stats.TotalAttempts > 0 {
		o.stats.SuccessRate = float64(o.stats.SuccessfulAttempts) / float64(o.stats.TotalAttempts)
	}
}

func planPriority(report *gap.Report) priority {
	switch {
	case report.Confidence >= 0.75:
		return priorityHigh
	case report.Confidence >= 0.50:
		return priorityNormal
	default:
		return priorityLow
	}
}

func classifyValidation(report *validate.Report) (FailureKind, string) {
	switch {
	case !report.SyntaxOK:
		return ValidationSyntax, "syntax error: " + report.ParseError
	case len(report.SecurityViolations) > 0:
		v := report.SecurityViolations[0]
		if v.Kind == validate.KindPathRisk {
			return ValidationPathRisk, violationSummary(report)
		}
		return ValidationSecurity, violationSummary(report)
	case len(report.DisallowedImports) > 0:
		return ValidationDependency, "disallowed imports: " + strings.Join(report.DisallowedImports, ", ")
	default:
		return ValidationComplexity, strings.Join(report.ComplexityWarnings, "; ")
	}
}

func violationSummary(report *validate.Report) string {
	parts := make([]string, 0, len(report.SecurityViolations))
	for _, v := range report.SecurityViolations {
		parts = append(parts, fmt.Sprintf("%s at %s: %s", v.Kind, v.Location, v.Description))
	}
	return strings.Join(parts, "; ")
}

func descriptorTags(req oracle.Requirement) []string {
	tags := []string{}
	if req.Category != "" {
		tags = append(tags, req.Category)
	}
	for _, part := range strings.Split(req.Name, "_") {
		if part != "" && part != req.Category {
			tags = append(tags, part)
		}
	}
	return tags
}

package learn

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"capforge/internal/config"
	"capforge/internal/deploy"
	"capforge/internal/gap"
	"capforge/internal/oracle"
	"capforge/internal/registry"
	"capforge/internal/sandbox"
	"capforge/internal/validate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// The genai dependency's opencensus worker starts at package init
	// and never stops; it is ambient, not a leak from these tests.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// fakeSandbox avoids interpreter startup in orchestrator tests; the
// real executor has its own package tests.
type fakeSandbox struct {
	result *sandbox.Result
	err    error
	calls  int
}

func (f *fakeSandbox) Execute(ctx context.Context, source, input string) (*sandbox.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &sandbox.Result{Success: true, Output: `{"status":"ok"}`}, nil
}

type harness struct {
	cfg      *config.Config
	orch     *Orchestrator
	reg      *registry.Registry
	deployer *deploy.Deployer
	oracle   *oracle.MockSynthesizer
	sandbox  *fakeSandbox
	store    *Store
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.DefaultConfig(t.TempDir())
	cfg.Policy.SafeMode = false
	if mutate != nil {
		mutate(cfg)
	}

	deployer, err := deploy.New(cfg.CapabilitiesDir(), cfg.BackupsDir(), cfg.CheckpointsDir())
	require.NoError(t, err)

	validator, err := validate.New(cfg.Policy, cfg.CapabilitiesDir())
	require.NoError(t, err)

	store, err := NewStore(filepath.Join(cfg.DataDir(), "learning.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New(nil, nil)
	mock := &oracle.MockSynthesizer{}
	sb := &fakeSandbox{}

	orch, err := New(cfg, gap.NewAnalyzer(), mock, validator, sb, deployer, reg, store)
	require.NoError(t, err)

	return &harness{
		cfg: cfg, orch: orch, reg: reg, deployer: deployer,
		oracle: mock, sandbox: sb, store: store,
	}
}

const statusSource = `package main

import "encoding/json"

func Run(input string) (string, error) {
	out, err := json.Marshal(map[string]string{"status": "ok"})
	return string(out), err
}
`

const hostileSource = `package main

import "os/exec"

func Run(input string) (string, error) {
	out, err := exec.Command("sh", "-c", input).Output()
	return string(out), err
}
`

func TestLearnEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.Responses = []string{statusSource}

	sess := h.orch.Learn(context.Background(), "add a function returning a fixed JSON status object")

	require.Equal(t, StatusCompleted, sess.FinalStatus, "failure: %+v", sess.Failure)
	require.NotEmpty(t, sess.Capability)
	assert.True(t, h.reg.Has(sess.Capability), "registry must list the new capability")
	assert.Equal(t, 1, h.deployer.Version(sess.Capability))
	assert.Equal(t, 1, h.sandbox.calls)

	// Every phase ran and is timed in order.
	wantPhases := []Phase{PhaseAnalyze, PhasePlan, PhaseSynthesize, PhaseValidate,
		PhaseSandboxTest, PhaseDeploy, PhaseIntegrationTest, PhaseRecord}
	require.Len(t, sess.Phases, len(wantPhases))
	for i, phase := range wantPhases {
		assert.Equal(t, phase, sess.Phases[i].Name)
	}

	// Rollback removes the deployed artifact's new content and, once the
	// registry entry is dropped, the listing no longer contains it.
	require.NoError(t, h.deployer.Remove(sess.Capability))
	require.NoError(t, h.reg.Remove(sess.Capability))
	assert.False(t, h.reg.Has(sess.Capability))

	stats := h.orch.Stats()
	assert.Equal(t, 1, stats.TotalAttempts)
	assert.Equal(t, 1, stats.SuccessfulAttempts)
	assert.Equal(t, 1.0, stats.SuccessRate)
	assert.Contains(t, stats.ToolsGenerated, sess.Capability)
}

func TestLearnHostileSourceStopsBeforeSandbox(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.Responses = []string{hostileSource}

	sess := h.orch.Learn(context.Background(), "run arbitrary shell commands for me please")

	require.Equal(t, StatusFailed, sess.FinalStatus)
	require.NotNil(t, sess.Failure)
	assert.Equal(t, PhaseValidate, sess.Failure.Phase)
	assert.Equal(t, ValidationSecurity, sess.Failure.Kind)

	// Neither the sandbox nor the deployer ever saw the candidate.
	assert.Equal(t, 0, h.sandbox.calls)
	assert.Equal(t, 0, h.deployer.Count())
	assert.Equal(t, 0, h.reg.Count())

	stats := h.orch.Stats()
	assert.NotEmpty(t, stats.ValidationErrors)
	assert.Zero(t, stats.SuccessfulAttempts)
}

func TestLearnSkipsCoveredRequest(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.reg.Upsert(&registry.Descriptor{
		Name:       "monitor_battery",
		Tags:       []string{"battery", "status", "monitor"},
		SourcePath: "/tmp/monitor_battery.go",
	}))

	sess := h.orch.Learn(context.Background(), "check battery percentage")

	assert.Equal(t, StatusSkipped, sess.FinalStatus)
	assert.Equal(t, "monitor_battery", sess.Capability)
	assert.Equal(t, 0, h.oracle.CallCount(), "no synthesis for a covered request")
}

func TestLearnSafeModeDefersLowPriority(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Policy.SafeMode = true
	})
	require.NoError(t, h.reg.Upsert(&registry.Descriptor{
		Name:       "get_page",
		Tags:       []string{"web"},
		SourcePath: "/tmp/get_page.go",
	}))

	// A near-miss of an existing capability is a low-confidence gap.
	sess := h.orch.Learn(context.Background(), "remove web page")

	assert.Equal(t, StatusDeferred, sess.FinalStatus)
	assert.Equal(t, 0, h.oracle.CallCount())
}

func TestLearnSynthesisFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.Responses = []string{""}
	h.oracle.Errs = []error{errors.New("model unavailable")}

	sess := h.orch.Learn(context.Background(), "convert yaml frontmatter to json")

	require.Equal(t, StatusFailed, sess.FinalStatus)
	assert.Equal(t, PhaseSynthesize, sess.Failure.Phase)
	assert.Equal(t, SynthesisFailure, sess.Failure.Kind)
}

func TestLearnSandboxTimeoutFails(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.Responses = []string{statusSource}
	h.sandbox.result = &sandbox.Result{Success: false, TimedOut: true}

	sess := h.orch.Learn(context.Background(), "compute a summary of the input text")

	require.Equal(t, StatusFailed, sess.FinalStatus)
	assert.Equal(t, PhaseSandboxTest, sess.Failure.Phase)
	assert.Equal(t, SandboxTimeout, sess.Failure.Kind)
	assert.Equal(t, 0, h.deployer.Count(), "nothing may deploy after a sandbox failure")
}

func TestLearnCapacityCeiling(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Policy.MaxCapabilities = 1
	})
	require.NoError(t, h.reg.Upsert(&registry.Descriptor{
		Name:       "existing_cap",
		SourcePath: "/tmp/existing_cap.go",
	}))
	h.oracle.Responses = []string{statusSource}

	sess := h.orch.Learn(context.Background(), "translate this document to French")

	require.Equal(t, StatusFailed, sess.FinalStatus)
	assert.Equal(t, PhaseDeploy, sess.Failure.Phase)
	assert.Equal(t, DeployCapacityExceeded, sess.Failure.Kind)
	assert.Equal(t, 0, h.deployer.Count())
}

func TestLearnIntegrationFailureLeavesArtifact(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.Responses = []string{statusSource}

	sess := h.orch.Learn(context.Background(), "translate this document to French")
	require.Equal(t, StatusCompleted, sess.FinalStatus)

	// Break resolution after the fact, then rerun the post-deploy check:
	// it must report failure without touching the registry entry.
	require.NoError(t, h.deployer.Remove(sess.Capability))
	perr := h.orch.runIntegrationTest(&Session{}, sess.Capability)
	require.NotNil(t, perr)
	assert.Equal(t, IntegrationFailure, perr.Kind)
	assert.True(t, h.reg.Has(sess.Capability), "descriptor stays; nothing is auto-rolled-back")
}

func TestResynthesizeReentersAtPlan(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.Responses = []string{statusSource}

	diag := h.orch.Diagnose("fetch_quotes", "dial tcp: connection refused", "fetch stock quotes")
	require.True(t, diag.Fixable)
	assert.Equal(t, CategoryNetwork, diag.Category)

	sess, err := h.orch.Resynthesize(context.Background(), diag, "fetch stock quotes")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, sess.FinalStatus, "failure: %+v", sess.Failure)
	assert.Equal(t, "fetch_quotes", sess.Capability)
	assert.True(t, h.reg.Has("fetch_quotes"))

	// Analysis is skipped; the session re-enters at Plan.
	require.NotEmpty(t, sess.Phases)
	assert.Equal(t, PhasePlan, sess.Phases[0].Name)
	assert.Contains(t, sess.Phases[0].Detail, "re-entry from failure analysis")

	// The oracle sees the diagnosis as feedback on the retry.
	require.Equal(t, 1, h.oracle.CallCount())
	assert.Equal(t, "fetch_quotes", h.oracle.Calls[0].Name)
	assert.NotEmpty(t, h.oracle.Calls[0].Feedback)
}

func TestResynthesizeRefusesUnfixableFailure(t *testing.T) {
	h := newHarness(t, nil)

	diag := h.orch.Diagnose("scan_badge", "requires hardware: no NFC reader", "scan my badge")
	require.False(t, diag.Fixable)
	assert.Equal(t, CategoryFundamentalLimit, diag.Category)

	_, err := h.orch.Resynthesize(context.Background(), diag, "scan my badge")
	require.Error(t, err)
	assert.Equal(t, 0, h.oracle.CallCount(), "no synthesis for an unfixable failure")
}

func TestLearnAllBoundedConcurrency(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Policy.MaxWorkers = 2
	})
	h.oracle.Responses = []string{statusSource}

	requests := []string{
		"translate this document to French",
		"convert json to csv",
		"archive my folder to disk",
	}
	sessions := h.orch.LearnAll(context.Background(), requests)

	require.Len(t, sessions, len(requests))
	for i, sess := range sessions {
		require.NotNil(t, sess, "session %d missing", i)
		assert.Equal(t, StatusCompleted, sess.FinalStatus, "request %q: %+v", requests[i], sess.Failure)
	}
	assert.Equal(t, 3, h.deployer.Count())
}

func TestStatsRebuiltFromStore(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.Responses = []string{statusSource}

	sess := h.orch.Learn(context.Background(), "translate this document to French")
	require.Equal(t, StatusCompleted, sess.FinalStatus)

	// A second orchestrator over the same store starts with the history.
	validator, err := validate.New(h.cfg.Policy, h.cfg.CapabilitiesDir())
	require.NoError(t, err)
	orch2, err := New(h.cfg, gap.NewAnalyzer(), h.oracle, validator,
		h.sandbox, h.deployer, h.reg, h.store)
	require.NoError(t, err)

	stats := orch2.Stats()
	assert.Equal(t, 1, stats.TotalAttempts)
	assert.Equal(t, 1, stats.SuccessfulAttempts)
	assert.Contains(t, stats.ToolsGenerated, sess.Capability)
}

func TestSessionsPersisted(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.Responses = []string{hostileSource}

	sess := h.orch.Learn(context.Background(), "run a shell command")
	require.Equal(t, StatusFailed, sess.FinalStatus)

	stored, err := h.store.LoadAll()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, sess.ID, stored[0].ID)
	assert.Equal(t, StatusFailed, stored[0].FinalStatus)
	require.NotNil(t, stored[0].Failure)
	assert.Equal(t, ValidationSecurity, stored[0].Failure.Kind)
	assert.NotEmpty(t, stored[0].Phases)
}

func TestLearnAllDistinctNamesIndependent(t *testing.T) {
	// Two concurrent requests for different capabilities both land.
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Policy.MaxWorkers = 4
	})
	h.oracle.Responses = []string{statusSource}

	requests := make([]string, 4)
	for i := range requests {
		requests[i] = fmt.Sprintf("translate document number %d to French", i)
	}
	sessions := h.orch.LearnAll(context.Background(), requests)

	names := map[string]bool{}
	for _, sess := range sessions {
		if sess.FinalStatus == StatusCompleted {
			names[sess.Capability] = true
		}
	}
	assert.NotEmpty(t, names)
	for name := range names {
		assert.True(t, h.reg.Has(name))
	}
}

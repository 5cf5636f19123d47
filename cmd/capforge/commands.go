package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"capforge/internal/config"
	"capforge/internal/deploy"
	"capforge/internal/gap"
	"capforge/internal/learn"
	"capforge/internal/oracle"
	"capforge/internal/registry"
	"capforge/internal/sandbox"
	"capforge/internal/validate"

	"github.com/spf13/cobra"
)

// app holds the assembled pipeline for one CLI invocation.
type app struct {
	cfg       *config.Config
	registry  *registry.Registry
	deployer  *deploy.Deployer
	validator *validate.Validator
	executor  *sandbox.Executor
	regStore  *registry.Store
	learnDB   *learn.Store
}

// buildApp wires everything except the oracle, which only the learn
// command needs.
func buildApp() (*app, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}

	regStore, err := registry.NewStore(filepath.Join(cfg.DataDir(), "registry.db"))
	if err != nil {
		return nil, err
	}

	executor := sandbox.NewExecutor(cfg.Sandbox, cfg.Policy.ImportAllowlist)
	reg := registry.New(regStore, executor)
	if err := reg.Load(); err != nil {
		regStore.Close()
		return nil, err
	}

	deployer, err := deploy.New(cfg.CapabilitiesDir(), cfg.BackupsDir(), cfg.CheckpointsDir())
	if err != nil {
		regStore.Close()
		return nil, err
	}

	validator, err := validate.New(cfg.Policy, cfg.CapabilitiesDir())
	if err != nil {
		regStore.Close()
		return nil, err
	}

	learnDB, err := learn.NewStore(filepath.Join(cfg.DataDir(), "learning.db"))
	if err != nil {
		regStore.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		registry:  reg,
		deployer:  deployer,
		validator: validator,
		executor:  executor,
		regStore:  regStore,
		learnDB:   learnDB,
	}, nil
}

func (a *app) close() {
	_ = a.learnDB.Close()
	_ = a.regStore.Close()
}

func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancelTimeout()
		cancel()
	}
}

var learnCmd = &cobra.Command{
	Use:   "learn [request...]",
	Short: "Drive one or more capability requests through the pipeline",
	Long: `Runs gap analysis for each request; confirmed gaps go through
synthesis, validation, sandbox testing and atomic deployment. Requests
already covered by the registry are skipped.

Example:
  capforge learn "convert JSON to CSV" "check disk usage"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLearn,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployed capabilities",
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show a capability's descriptor and deployment state",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var invokeCmd = &cobra.Command{
	Use:   "invoke [name] [input]",
	Short: "Invoke a deployed capability",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runInvoke,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback [name]",
	Short: "Restore an earlier version of a capability",
	Long: `Restores a capability from its backup chain. Without --version the
most recent backup is used; --version targets a specific earlier
version, and --version 0 removes the capability entirely (its backup
chain is kept).`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint [label]",
	Short: "Snapshot the full registry",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheckpoint,
}

var restoreCmd = &cobra.Command{
	Use:   "restore [checkpoint-id]",
	Short: "Restore the registry from a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Audit live artifacts against the deployment manifest",
	RunE:  runVerify,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate learning statistics",
	RunE:  runStats,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Prune old backups beyond the retention count",
	RunE:  runPrune,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the live capability directory for out-of-band changes",
	Long: `Watches the capabilities directory until interrupted. Artifacts
modified outside the deployer are flagged as drift; on exit the flagged
names are checked against the deployment manifest.`,
	RunE: runWatch,
}

var retryCmd = &cobra.Command{
	Use:   "retry [name] [request...]",
	Short: "Diagnose a runtime failure and resynthesize the capability",
	Long: `Classifies a deployed capability's runtime failure (--error) and,
when it looks fixable, re-enters the pipeline with the diagnosis
attached as synthesis feedback. Fundamental limitations are refused.

Example:
  capforge retry fetch_quotes "fetch stock quotes" --error "dial tcp: connection refused"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRetry,
}

var (
	pruneKeep       int
	rollbackVersion int
	retryErrText    string
)

func init() {
	pruneCmd.Flags().IntVar(&pruneKeep, "keep", 5, "Backups to keep per capability")
	rollbackCmd.Flags().IntVar(&rollbackVersion, "version", deploy.LatestVersion,
		"Version to restore (default latest backup; 0 removes the capability)")
	retryCmd.Flags().StringVar(&retryErrText, "error", "", "Runtime error output to diagnose")
}

func runLearn(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := commandContext()
	defer cancel()

	synth, err := oracle.NewGeminiSynthesizer(ctx, a.cfg.Oracle)
	if err != nil {
		return err
	}

	orch, err := learn.New(a.cfg, gap.NewAnalyzer(), synth, a.validator,
		a.executor, a.deployer, a.registry, a.learnDB)
	if err != nil {
		return err
	}

	sessions := orch.LearnAll(ctx, args)
	failed := 0
	for _, sess := range sessions {
		fmt.Printf("%-10s %s", sess.FinalStatus, sess.Request)
		if sess.Capability != "" {
			fmt.Printf("  -> %s", sess.Capability)
		}
		if sess.Failure != nil {
			fmt.Printf("  (%s: %s)", sess.Failure.Kind, sess.Failure.Message)
		}
		if sess.NeedsFollowup {
			fmt.Printf("  [needs followup]")
		}
		fmt.Println()
		if sess.FinalStatus == learn.StatusFailed || sess.FinalStatus == learn.StatusError {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(sessions))
	}
	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(retryErrText) == "" {
		return fmt.Errorf("--error is required: paste the capability's runtime error output")
	}

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := commandContext()
	defer cancel()

	synth, err := oracle.NewGeminiSynthesizer(ctx, a.cfg.Oracle)
	if err != nil {
		return err
	}

	orch, err := learn.New(a.cfg, gap.NewAnalyzer(), synth, a.validator,
		a.executor, a.deployer, a.registry, a.learnDB)
	if err != nil {
		return err
	}

	name := args[0]
	request := strings.Join(args[1:], " ")
	diag := orch.Diagnose(name, retryErrText, request)
	fmt.Printf("diagnosis: %s (%s, fixable: %t)\n", diag.RootCause, diag.Category, diag.Fixable)

	sess, err := orch.Resynthesize(ctx, diag, request)
	if err != nil {
		return err
	}
	fmt.Printf("%-10s %s", sess.FinalStatus, sess.Request)
	if sess.Capability != "" {
		fmt.Printf("  -> %s", sess.Capability)
	}
	if sess.Failure != nil {
		fmt.Printf("  (%s: %s)", sess.Failure.Kind, sess.Failure.Message)
	}
	fmt.Println()
	if sess.FinalStatus != learn.StatusCompleted {
		return fmt.Errorf("resynthesis did not complete: %s", sess.FinalStatus)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	descs := a.registry.List()
	if len(descs) == 0 {
		fmt.Println("No capabilities deployed.")
		return nil
	}
	for _, d := range descs {
		fmt.Printf("%-30s rev %-3d v%-3d tags: %s\n",
			d.Name, d.Revision, a.deployer.Version(d.Name), strings.Join(d.Tags, ", "))
	}
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	name := args[0]
	d, err := a.registry.Get(name)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	fmt.Printf("deployed version: %d\n", a.deployer.Version(name))
	backups, err := a.deployer.Backups(name)
	if err != nil {
		return err
	}
	fmt.Printf("backups: %d\n", len(backups))
	for _, b := range backups {
		fmt.Printf("  v%-3d %s  %dB  %s\n",
			b.Version, b.Timestamp.Format("2006-01-02 15:04:05"), b.SizeBytes, b.ContentHash[:12])
	}
	return nil
}

func runInvoke(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := commandContext()
	defer cancel()

	handle, err := a.registry.Resolve(args[0])
	if err != nil {
		return err
	}
	input := strings.Join(args[1:], " ")
	output, err := handle.Invoke(ctx, input)
	if err != nil {
		return err
	}
	fmt.Println(output)
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	name := args[0]
	if err := a.deployer.Rollback(name, rollbackVersion); err != nil {
		return err
	}
	if rollbackVersion == 0 {
		// Version 0 predates the capability; drop it from the listing.
		if err := a.registry.Remove(name); err != nil && !errors.Is(err, registry.ErrNotFound) {
			return err
		}
		fmt.Printf("Rolled back %s to v0; capability removed.\n", name)
		return nil
	}
	fmt.Printf("Rolled back %s.\n", name)
	return nil
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	label := ""
	if len(args) > 0 {
		label = args[0]
	}
	snapshot, err := a.registry.Snapshot()
	if err != nil {
		return err
	}
	id, err := a.deployer.Checkpoint(label, snapshot)
	if err != nil {
		return err
	}
	fmt.Printf("Checkpoint %s created.\n", id)
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	snapshot, err := a.deployer.RestoreCheckpoint(args[0])
	if err != nil {
		return err
	}
	if snapshot != nil {
		if err := a.registry.RestoreSnapshot(snapshot); err != nil {
			return err
		}
	}
	fmt.Printf("Restored checkpoint %s.\n", args[0])
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.deployer.ValidateIntegrity()
	if err != nil {
		return err
	}
	if report.OK() {
		fmt.Printf("Integrity OK (%d capabilities checked).\n", report.Checked)
		return nil
	}
	for _, name := range report.Missing {
		fmt.Printf("missing:  %s\n", name)
	}
	for _, name := range report.Modified {
		fmt.Printf("modified: %s\n", name)
	}
	for _, name := range report.Orphaned {
		fmt.Printf("orphaned: %s\n", name)
	}
	for _, entry := range report.CorruptBackups {
		fmt.Printf("corrupt backup: %s\n", entry)
	}
	return fmt.Errorf("integrity drift detected")
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	stats, err := a.learnDB.RebuildStats()
	if err != nil {
		return err
	}
	fmt.Printf("Attempts:    %d\n", stats.TotalAttempts)
	fmt.Printf("Successful:  %d\n", stats.SuccessfulAttempts)
	fmt.Printf("Success rate: %.1f%%\n", stats.SuccessRate*100)
	if len(stats.ToolsGenerated) > 0 {
		fmt.Printf("Generated:   %s\n", strings.Join(stats.ToolsGenerated, ", "))
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	watcher, err := registry.NewWatcher(a.cfg.CapabilitiesDir())
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("Watching %s (interrupt to stop)...\n", a.cfg.CapabilitiesDir())
	<-ctx.Done()

	dirty := watcher.DirtyNames()
	if len(dirty) == 0 {
		fmt.Println("No drift observed.")
		return nil
	}

	fmt.Printf("Drift observed on: %s\n", strings.Join(dirty, ", "))
	report, err := a.deployer.ValidateIntegrity()
	if err != nil {
		return err
	}
	if report.OK() {
		// Everything flagged was reconciled by a deploy in the meantime.
		for _, name := range dirty {
			watcher.ClearDirty(name)
		}
		fmt.Println("Manifest still matches; no action needed.")
		return nil
	}
	for _, name := range report.Modified {
		fmt.Printf("modified: %s\n", name)
	}
	for _, name := range report.Missing {
		fmt.Printf("missing:  %s\n", name)
	}
	return fmt.Errorf("integrity drift detected")
}

func runPrune(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	removed, err := a.deployer.PruneBackups(pruneKeep)
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d backups (keeping %d per capability).\n", removed, pruneKeep)
	return nil
}

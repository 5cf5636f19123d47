// Package logging provides categorized structured logging for capforge.
// Each pipeline stage logs under its own named category so a single run
// can be traced phase by phase.
package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system.
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup and initialization
	CategoryConfig   Category = "config"   // Policy configuration
	CategoryRegistry Category = "registry" // Capability registry operations
	CategoryGap      Category = "gap"      // Gap analysis
	CategoryValidate Category = "validate" // Static validation
	CategorySandbox  Category = "sandbox"  // Sandboxed execution
	CategoryDeploy   Category = "deploy"   // Versioned deployment
	CategoryLearn    Category = "learn"    // Learning orchestration
	CategoryOracle   Category = "oracle"   // Synthesis oracle calls
)

var (
	mu      sync.RWMutex
	root    *zap.Logger
	loggers = make(map[Category]*zap.SugaredLogger)
)

// Initialize sets up the global logger. verbose enables debug level.
// Safe to call more than once; the last call wins.
func Initialize(verbose bool) error {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		return err
	}

	mu.Lock()
	root = logger
	loggers = make(map[Category]*zap.SugaredLogger)
	mu.Unlock()
	return nil
}

// Get returns the logger for a category, creating it on first use.
// Before Initialize is called, a no-op logger is returned.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	base := root
	if base == nil {
		base = zap.NewNop()
	}
	l := base.Named(string(cat)).Sugar()
	loggers[cat] = l
	return l
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}

// Convenience helpers, one pair per frequently used category.

func Registry(format string, args ...any)      { Get(CategoryRegistry).Infof(format, args...) }
func RegistryDebug(format string, args ...any) { Get(CategoryRegistry).Debugf(format, args...) }
func GapInfo(format string, args ...any)       { Get(CategoryGap).Infof(format, args...) }
func GapDebug(format string, args ...any)      { Get(CategoryGap).Debugf(format, args...) }
func Validate(format string, args ...any)      { Get(CategoryValidate).Infof(format, args...) }
func ValidateDebug(format string, args ...any) { Get(CategoryValidate).Debugf(format, args...) }
func Sandbox(format string, args ...any)       { Get(CategorySandbox).Infof(format, args...) }
func SandboxDebug(format string, args ...any)  { Get(CategorySandbox).Debugf(format, args...) }
func Deploy(format string, args ...any)        { Get(CategoryDeploy).Infof(format, args...) }
func DeployDebug(format string, args ...any)   { Get(CategoryDeploy).Debugf(format, args...) }
func Learn(format string, args ...any)         { Get(CategoryLearn).Infof(format, args...) }
func LearnDebug(format string, args ...any)    { Get(CategoryLearn).Debugf(format, args...) }
func Oracle(format string, args ...any)        { Get(CategoryOracle).Infof(format, args...) }
func OracleDebug(format string, args ...any)   { Get(CategoryOracle).Debugf(format, args...) }

// Timer measures the duration of an operation and logs it on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation within a category.
func StartTimer(cat Category, op string) *Timer {
	return &Timer{category: cat, op: op, start: time.Now()}
}

// Stop logs the elapsed time at debug level.
func (t *Timer) Stop() {
	Get(t.category).Debugf("%s took %v", t.op, time.Since(t.start))
}

// Package validate performs layered offline analysis of candidate
// capability source before anything touches a sandbox: syntax, banned
// security patterns, import allowlisting, complexity ceilings and
// literal path risk. Each layer contributes penalties to a 0-100
// security score; hard violations make the whole report invalid
// regardless of score.
package validate

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"sort"
	"strings"

	"capforge/internal/config"
	"capforge/internal/logging"
)

// Score penalties per finding.
const (
	penaltyViolation  = 25
	penaltyBadImport  = 20
	penaltyComplexity = 5
	penaltyInstall    = 2
)

// System-critical path prefixes that candidate source may never name.
var deniedPathPrefixes = []string{
	"/etc", "/usr", "/bin", "/sbin", "/boot", "/dev", "/proc", "/sys",
	"/var", "/root", "/lib",
	`c:\windows`, `c:\program files`,
}

// Built-in dangerous call patterns, always active on top of the
// configured banned list.
var builtinBanned = []struct {
	kind    ViolationKind
	pattern *regexp.Regexp
	desc    string
}{
	{KindShellExec, regexp.MustCompile(`\bexec\.Command(Context)?\s*\(`), "subprocess invocation"},
	{KindShellExec, regexp.MustCompile(`\b(sh|bash|cmd)\s+-c\b`), "shell execution with command string"},
	{KindDynamicEval, regexp.MustCompile(`\b(interp|yaegi|eval)\.(New|Eval)\b`), "dynamic evaluation of code"},
	{KindReflection, regexp.MustCompile(`\breflect\.(ValueOf|New|MakeFunc)\b`), "unrestricted reflection"},
	{KindUnsafe, regexp.MustCompile(`\bunsafe\.(Pointer|Sizeof|Offsetof)\b`), "unsafe memory access"},
}

// Validator checks candidate source against the configured policy.
type Validator struct {
	allowlist   map[string]bool
	banned      []*regexp.Regexp
	sandboxRoot string

	maxSourceBytes  int
	maxFunctions    int
	maxNestingDepth int
}

// New creates a validator from the policy configuration. sandboxRoot is
// the only directory literal paths may point into.
func New(policy config.PolicyConfig, sandboxRoot string) (*Validator, error) {
	v := &Validator{
		allowlist:       make(map[string]bool, len(policy.ImportAllowlist)),
		sandboxRoot:     strings.ToLower(sandboxRoot),
		maxSourceBytes:  policy.MaxSourceBytes,
		maxFunctions:    policy.MaxFunctions,
		maxNestingDepth: policy.MaxNestingDepth,
	}
	for _, pkg := range policy.ImportAllowlist {
		v.allowlist[pkg] = true
	}
	for _, p := range policy.BannedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid banned pattern %q: %w", p, err)
		}
		v.banned = append(v.banned, re)
	}
	return v, nil
}

// Validate runs every layer over the candidate source and returns the
// report. Syntax failure is fatal and skips the remaining layers.
func (v *Validator) Validate(source string) *Report {
	timer := logging.StartTimer(logging.CategoryValidate, "Validate")
	defer timer.Stop()

	report := &Report{
		SyntaxOK:           true,
		SecurityViolations: []Violation{},
		DisallowedImports:  []string{},
		InstallRequired:    []string{},
		ComplexityWarnings: []string{},
		SecurityScore:      100,
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "candidate.go", source, parser.ParseComments)
	if err != nil {
		report.SyntaxOK = false
		report.ParseError = err.Error()
		report.SecurityScore = 0
		report.RiskLevel = RiskHigh
		report.OverallValid = false
		logging.Validate("Candidate rejected: syntax error: %v", err)
		return report
	}

	v.checkSecurityPatterns(source, report)
	v.checkImports(file, report)
	v.checkComplexity(source, file, report)
	v.checkPathLiterals(file, fset, report)
	report.Functions = exportedSignatures(file)

	if report.SecurityScore < 0 {
		report.SecurityScore = 0
	}
	report.RiskLevel = riskLevel(report)
	report.OverallValid = !report.HardViolations()

	sort.Strings(report.DisallowedImports)
	sort.Strings(report.InstallRequired)

	logging.Validate("Validation done: valid=%v score=%d risk=%s violations=%d",
		report.OverallValid, report.SecurityScore, report.RiskLevel, len(report.SecurityViolations))
	return report
}

// checkSecurityPatterns scans each line for banned constructs. Every
// match is both a hard violation and a score penalty.
func (v *Validator) checkSecurityPatterns(source string, report *Report) {
	lines := strings.Split(source, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "//") {
			continue
		}
		for _, b := range builtinBanned {
			if b.pattern.MatchString(line) {
				report.SecurityViolations = append(report.SecurityViolations, Violation{
					Kind:        b.kind,
					Location:    fmt.Sprintf("line:%d", i+1),
					Description: b.desc,
				})
				report.SecurityScore -= penaltyViolation
			}
		}
		for _, re := range v.banned {
			if re.MatchString(line) {
				report.SecurityViolations = append(report.SecurityViolations, Violation{
					Kind:        KindBanned,
					Location:    fmt.Sprintf("line:%d", i+1),
					Description: fmt.Sprintf("matched banned pattern %q", re.String()),
				})
				report.SecurityScore -= penaltyViolation
			}
		}
	}
}

// checkImports enforces the allowlist. Off-list imports are hard
// violations; allowed external modules are reported as install-required
// without failing validation.
func (v *Validator) checkImports(file *ast.File, report *Report) {
	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if !v.allowlist[path] {
			report.DisallowedImports = append(report.DisallowedImports, path)
			report.SecurityScore -= penaltyBadImport
			continue
		}
		// Domain-qualified allowed imports are external dependencies
		// that must be present before deployment.
		if strings.Contains(strings.SplitN(path, "/", 2)[0], ".") {
			report.InstallRequired = append(report.InstallRequired, path)
			report.SecurityScore -= penaltyInstall
		}
	}
}

// checkComplexity applies the non-fatal resource-risk ceilings.
func (v *Validator) checkComplexity(source string, file *ast.File, report *Report) {
	if v.maxSourceBytes > 0 && len(source) > v.maxSourceBytes {
		report.ComplexityWarnings = append(report.ComplexityWarnings,
			fmt.Sprintf("source size %d exceeds ceiling %d", len(source), v.maxSourceBytes))
		report.SecurityScore -= penaltyComplexity
	}

	funcCount := 0
	maxDepth := 0
	ast.Inspect(file, func(n ast.Node) bool {
		if fn, ok := n.(*ast.FuncDecl); ok {
			funcCount++
			if fn.Body != nil {
				if d := blockDepth(fn.Body, 1); d > maxDepth {
					maxDepth = d
				}
			}
		}
		return true
	})

	if v.maxFunctions > 0 && funcCount > v.maxFunctions {
		report.ComplexityWarnings = append(report.ComplexityWarnings,
			fmt.Sprintf("function count %d exceeds ceiling %d", funcCount, v.maxFunctions))
		report.SecurityScore -= penaltyComplexity
	}
	if v.maxNestingDepth > 0 && maxDepth > v.maxNestingDepth {
		report.ComplexityWarnings = append(report.ComplexityWarnings,
			fmt.Sprintf("nesting depth %d exceeds ceiling %d", maxDepth, v.maxNestingDepth))
		report.SecurityScore -= penaltyComplexity
	}
}

// checkPathLiterals flags string literals naming absolute paths outside
// the sandbox root or on the system denylist.
func (v *Validator) checkPathLiterals(file *ast.File, fset *token.FileSet, report *Report) {
	ast.Inspect(file, func(n ast.Node) bool {
		lit, ok := n.(*ast.BasicLit)
		if !ok || lit.Kind != token.STRING {
			return true
		}
		value := strings.Trim(lit.Value, "`\"")
		if !isAbsolutePath(value) {
			return true
		}
		lower := strings.ToLower(value)
		if v.sandboxRoot != "" && strings.HasPrefix(lower, v.sandboxRoot) {
			return true
		}
		report.SecurityViolations = append(report.SecurityViolations, Violation{
			Kind:        KindPathRisk,
			Location:    fset.Position(lit.Pos()).String(),
			Description: fmt.Sprintf("literal path %q outside sandbox root", value),
		})
		report.SecurityScore -= penaltyViolation
		return true
	})
}

func isAbsolutePath(s string) bool {
	if strings.HasPrefix(s, "/") && len(s) > 1 {
		return true
	}
	lower := strings.ToLower(s)
	for _, p := range deniedPathPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	// Windows drive letter.
	return len(s) > 2 && s[1] == ':' && (s[2] == '\\' || s[2] == '/')
}

// blockDepth computes the maximum nesting depth under a block.
func blockDepth(block *ast.BlockStmt, depth int) int {
	max := depth
	for _, stmt := range block.List {
		d := stmtDepth(stmt, depth)
		if d > max {
			max = d
		}
	}
	return max
}

func stmtDepth(stmt ast.Stmt, depth int) int {
	switch s := stmt.(type) {
	case *ast.BlockStmt:
		return blockDepth(s, depth+1)
	case *ast.IfStmt:
		max := blockDepth(s.Body, depth+1)
		if s.Else != nil {
			if d := stmtDepth(s.Else, depth); d > max {
				max = d
			}
		}
		return max
	case *ast.ForStmt:
		return blockDepth(s.Body, depth+1)
	case *ast.RangeStmt:
		return blockDepth(s.Body, depth+1)
	case *ast.SwitchStmt:
		return blockDepth(s.Body, depth+1)
	case *ast.TypeSwitchStmt:
		return blockDepth(s.Body, depth+1)
	case *ast.SelectStmt:
		return blockDepth(s.Body, depth+1)
	case *ast.CaseClause:
		max := depth
		for _, inner := range s.Body {
			if d := stmtDepth(inner, depth+1); d > max {
				max = d
			}
		}
		return max
	default:
		return depth
	}
}

// exportedSignatures extracts exported function signatures for the
// capability descriptor.
func exportedSignatures(file *ast.File) []string {
	var sigs []string
	ast.Inspect(file, func(n ast.Node) bool {
		fn, ok := n.(*ast.FuncDecl)
		if !ok || !fn.Name.IsExported() || fn.Recv != nil {
			return true
		}
		params := 0
		if fn.Type.Params != nil {
			params = fn.Type.Params.NumFields()
		}
		results := 0
		if fn.Type.Results != nil {
			results = fn.Type.Results.NumFields()
		}
		sigs = append(sigs, fmt.Sprintf("%s/%d:%d", fn.Name.Name, params, results))
		return true
	})
	sort.Strings(sigs)
	return sigs
}

func riskLevel(r *Report) RiskLevel {
	switch {
	case r.HardViolations():
		return RiskHigh
	case r.SecurityScore < 70:
		return RiskMedium
	case len(r.ComplexityWarnings) > 0:
		return RiskLowMedium
	default:
		return RiskLow
	}
}

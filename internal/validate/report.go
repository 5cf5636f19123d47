package validate

// ViolationKind categorizes hard security violations.
type ViolationKind string

const (
	KindShellExec   ViolationKind = "shell_exec"   // Shell execution with interpolated input
	KindDynamicEval ViolationKind = "dynamic_eval" // Evaluating strings as code at runtime
	KindReflection  ViolationKind = "reflection"   // Unrestricted reflection/attribute access
	KindUnsafe      ViolationKind = "unsafe"       // Unsafe pointer or memory access
	KindPathRisk    ViolationKind = "path_risk"    // Literal path outside the sandbox root
	KindBanned      ViolationKind = "banned"       // Matched a configured banned pattern
)

// RiskLevel summarizes a validation report.
type RiskLevel string

const (
	RiskLow       RiskLevel = "low"
	RiskLowMedium RiskLevel = "low-medium"
	RiskMedium    RiskLevel = "medium"
	RiskHigh      RiskLevel = "high"
)

// Violation is one hard security finding.
type Violation struct {
	Kind        ViolationKind `json:"kind"`
	Location    string        `json:"location"` // file:line or logical identifier
	Description string        `json:"description"`
}

// Report is the full outcome of static validation. Running the
// validator twice on the same source yields an identical report.
type Report struct {
	SyntaxOK   bool   `json:"syntax_ok"`
	ParseError string `json:"parse_error,omitempty"`

	SecurityViolations []Violation `json:"security_violations"`
	DisallowedImports  []string    `json:"disallowed_imports"`
	InstallRequired    []string    `json:"install_required"` // Allowed but external, non-fatal
	ComplexityWarnings []string    `json:"complexity_warnings"`

	RiskLevel     RiskLevel `json:"risk_level"`
	SecurityScore int       `json:"security_score"` // 0-100
	OverallValid  bool      `json:"overall_valid"`

	Functions []string `json:"functions,omitempty"` // Exported signatures, for the registry
}

// HardViolations reports whether any fatal finding exists.
func (r *Report) HardViolations() bool {
	return !r.SyntaxOK || len(r.SecurityViolations) > 0 || len(r.DisallowedImports) > 0
}

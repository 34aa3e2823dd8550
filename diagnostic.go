package grantsync

// DiagnosticKind classifies the per-row problems reported by [Resolve].
type DiagnosticKind string

const (
	// DiagnosticMissingEmail reports a direct grant or membership row
	// that was excluded because the user has no email.
	DiagnosticMissingEmail DiagnosticKind = "skipped-missing-email"

	// DiagnosticEmptyGroup reports a group grant whose group has no
	// resolvable member.
	DiagnosticEmptyGroup DiagnosticKind = "empty-group"

	// DiagnosticZeroOutputRepo reports a repository that had input
	// grants but produced no effective permissions at all.
	DiagnosticZeroOutputRepo DiagnosticKind = "zero-output-repo"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

// A Diagnostic reports a recoverable problem encountered during
// resolution. Rows are never dropped silently: every excluded row is
// accounted for by a diagnostic carrying the implicated repository,
// group and principal.
type Diagnostic struct {
	Kind      DiagnosticKind `json:"kind"`
	Severity  Severity       `json:"severity"`
	Repo      RepoKey        `json:"repo"`
	Group     string         `json:"group,omitempty"`
	Principal string         `json:"principal,omitempty"`
}

// Package approval gates shell execution requested through the gateway.
// The engine decides allow / ask / deny for a proposed invocation, and the
// binding types prove that a redeemed approval matches the exact invocation
// it was granted for.
package approval

import (
	"strings"
)

// SecurityMode controls how system.run invocations are screened.
type SecurityMode string

const (
	SecurityDeny      SecurityMode = "deny"
	SecurityAllowlist SecurityMode = "allowlist"
	SecurityFull      SecurityMode = "full"
)

// AskMode controls when the user is asked to approve.
type AskMode string

const (
	AskNever  AskMode = "never"
	AskOnMiss AskMode = "on-miss"
	AskAlways AskMode = "always"
)

// Rejection reason codes. These are operator-facing policy outcomes, not
// security incidents, so messages carry remediation hints.
const (
	ReasonSecurityDeny     = "security=deny"
	ReasonApprovalRequired = "approval-required"
	ReasonAllowlistMiss    = "allowlist-miss"
)

// Request describes a proposed shell invocation.
type Request struct {
	Argv       []string
	Cwd        string
	AgentID    string
	SessionKey string

	// Env holds the invocation environment. Only the key names ever
	// participate in binding comparison; values never leave the process.
	Env map[string]string

	// HostOS is the GOOS of the executing host ("windows", "linux", ...).
	HostOS string
}

// Input carries the evaluation context for one invocation.
type Input struct {
	Security SecurityMode
	Ask      AskMode

	// AnalysisOK is true when static analysis judged the command benign.
	AnalysisOK bool

	// AllowlistSatisfied is true when the invocation matched a configured
	// allowlist entry.
	AllowlistSatisfied bool

	// ApprovalDecision is "", "allow-once", or "allow-always".
	ApprovalDecision string

	// Approved is an externally-granted approval flag (e.g. the operator
	// pre-approved this invocation through a different surface).
	Approved bool
}

// Decision is the full evaluation record, returned for audit/logging even
// on rejection.
type Decision struct {
	Allowed bool
	Reason  string
	Message string

	AnalysisOK                 bool
	AllowlistSatisfied         bool
	RequiresAsk                bool
	ApprovalGranted            bool
	WindowsShellWrapperBlocked bool
}

// Evaluate runs the approval state machine over one proposed invocation.
func Evaluate(req Request, in Input) Decision {
	if in.Security == SecurityDeny {
		return Decision{
			Reason:  ReasonSecurityDeny,
			Message: "exec is disabled (security=deny); set exec.security to allowlist or full to enable",
		}
	}

	analysisOK := in.AnalysisOK
	allowlistSatisfied := in.AllowlistSatisfied

	// A cmd.exe /c wrapper can hide arbitrary sub-commands from analysis, so
	// under allowlist security on Windows both checks are forced to fail.
	wrapperBlocked := in.Security == SecurityAllowlist &&
		req.HostOS == "windows" &&
		isWindowsShellWrapper(req.Argv)
	if wrapperBlocked {
		analysisOK = false
		allowlistSatisfied = false
	}

	miss := !analysisOK
	if in.Security == SecurityAllowlist {
		miss = !(analysisOK && allowlistSatisfied)
	}

	requiresAsk := false
	switch in.Ask {
	case AskAlways:
		requiresAsk = true
	case AskOnMiss:
		requiresAsk = miss
	}

	granted := in.Approved || in.ApprovalDecision == "allow-once" || in.ApprovalDecision == "allow-always"

	d := Decision{
		AnalysisOK:                 analysisOK,
		AllowlistSatisfied:         allowlistSatisfied,
		RequiresAsk:                requiresAsk,
		ApprovalGranted:            granted,
		WindowsShellWrapperBlocked: wrapperBlocked,
	}

	if requiresAsk && !granted {
		d.Reason = ReasonApprovalRequired
		d.Message = "command requires approval: approve once/always or run with --ask on-miss|always"
		return d
	}

	if in.Security == SecurityAllowlist && miss && !granted {
		d.Reason = ReasonAllowlistMiss
		if wrapperBlocked {
			d.Message = "command not in allowlist: cmd.exe wrappers are never allowlisted on windows because the wrapped command cannot be analyzed"
		} else {
			d.Message = "command not in allowlist: add it to exec.allowlist or approve once/always"
		}
		return d
	}

	d.Allowed = true
	return d
}

// isWindowsShellWrapper reports a cmd.exe /c (or /k) style invocation.
func isWindowsShellWrapper(argv []string) bool {
	if len(argv) < 2 {
		return false
	}
	bin := strings.ToLower(argv[0])
	if i := strings.LastIndexAny(bin, `/\`); i >= 0 {
		bin = bin[i+1:]
	}
	if bin != "cmd.exe" && bin != "cmd" {
		return false
	}
	flag := strings.ToLower(strings.TrimSpace(argv[1]))
	return flag == "/c" || flag == "/k"
}

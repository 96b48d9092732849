package approval

import (
	"testing"
)

func TestEvaluate_SecurityDenyShortCircuits(t *testing.T) {
	d := Evaluate(Request{Argv: []string{"ls"}}, Input{
		Security:           SecurityDeny,
		Ask:                AskAlways,
		AnalysisOK:         true,
		AllowlistSatisfied: true,
		Approved:           true,
	})
	if d.Allowed {
		t.Fatal("security=deny must reject regardless of other inputs")
	}
	if d.Reason != ReasonSecurityDeny {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
}

func TestEvaluate_WindowsWrapperAlwaysBlocked(t *testing.T) {
	// The payload matches the allowlist and analysis passed, but the wrapper
	// hides it from both.
	d := Evaluate(
		Request{Argv: []string{`C:\Windows\System32\cmd.exe`, "/C", "del /s /q ."}, HostOS: "windows"},
		Input{Security: SecurityAllowlist, Ask: AskNever, AnalysisOK: true, AllowlistSatisfied: true},
	)
	if d.Allowed {
		t.Fatal("cmd.exe wrapper must be rejected under allowlist security")
	}
	if !d.WindowsShellWrapperBlocked {
		t.Fatal("expected windows wrapper flag")
	}
	if d.AnalysisOK || d.AllowlistSatisfied {
		t.Fatal("wrapper must force analysis and allowlist flags to false")
	}
	if d.Reason != ReasonAllowlistMiss {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
}

func TestEvaluate_WrapperNotBlockedOffWindows(t *testing.T) {
	d := Evaluate(
		Request{Argv: []string{"cmd.exe", "/c", "echo hi"}, HostOS: "linux"},
		Input{Security: SecurityAllowlist, Ask: AskNever, AnalysisOK: true, AllowlistSatisfied: true},
	)
	if d.WindowsShellWrapperBlocked {
		t.Fatal("wrapper block applies to windows hosts only")
	}
	if !d.Allowed {
		t.Fatalf("expected allow, got %q", d.Reason)
	}
}

func TestEvaluate_ApprovalRequired(t *testing.T) {
	in := Input{Security: SecurityAllowlist, Ask: AskOnMiss, AnalysisOK: false, AllowlistSatisfied: false}
	d := Evaluate(Request{Argv: []string{"rm", "-rf", "/tmp/x"}}, in)
	if d.Allowed || d.Reason != ReasonApprovalRequired {
		t.Fatalf("expected approval-required, got %+v", d)
	}

	in.ApprovalDecision = "allow-once"
	d = Evaluate(Request{Argv: []string{"rm", "-rf", "/tmp/x"}}, in)
	if !d.Allowed {
		t.Fatalf("expected allow after approval, got %q", d.Reason)
	}
	if !d.ApprovalGranted {
		t.Fatal("decision record must carry the granted flag")
	}
}

func TestEvaluate_AskAlways(t *testing.T) {
	in := Input{Security: SecurityFull, Ask: AskAlways, AnalysisOK: true}
	d := Evaluate(Request{Argv: []string{"ls"}}, in)
	if d.Allowed || d.Reason != ReasonApprovalRequired {
		t.Fatalf("ask=always must require approval, got %+v", d)
	}

	in.Approved = true
	if d = Evaluate(Request{Argv: []string{"ls"}}, in); !d.Allowed {
		t.Fatalf("externally-granted approval must satisfy ask, got %q", d.Reason)
	}
}

func TestEvaluate_AllowlistHitPasses(t *testing.T) {
	d := Evaluate(
		Request{Argv: []string{"git", "status"}},
		Input{Security: SecurityAllowlist, Ask: AskOnMiss, AnalysisOK: true, AllowlistSatisfied: true},
	)
	if !d.Allowed {
		t.Fatalf("allowlisted benign command must pass, got %q", d.Reason)
	}
	if d.RequiresAsk {
		t.Fatal("allowlist hit must not require asking under ask=on-miss")
	}
}

func TestIsWindowsShellWrapper(t *testing.T) {
	cases := []struct {
		argv []string
		want bool
	}{
		{[]string{"cmd.exe", "/c", "dir"}, true},
		{[]string{"cmd", "/K", "dir"}, true},
		{[]string{`C:\Windows\System32\cmd.exe`, "/C", "dir"}, true},
		{[]string{"cmd.exe"}, false},
		{[]string{"cmd.exe", "dir"}, false},
		{[]string{"powershell.exe", "/c", "dir"}, false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := isWindowsShellWrapper(tc.argv); got != tc.want {
			t.Fatalf("isWindowsShellWrapper(%v) = %v, want %v", tc.argv, got, tc.want)
		}
	}
}

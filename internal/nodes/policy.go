// Package nodes derives which commands a connected remote device may
// invoke. The resolved allowlist combines per-platform defaults with
// operator allow/deny overrides; an unrecognized platform fails closed to
// a minimal safe set.
package nodes

import (
	"strings"
)

// Platform is the closed set of device platforms the policy understands.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformMacOS   Platform = "macos"
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
	PlatformUnknown Platform = "unknown"
)

// Node command identifiers. Dot-namespaced strings shared between node
// capability declarations and operator allow/deny config.
const (
	CmdCanvasPresent  = "canvas.present"
	CmdCanvasHide     = "canvas.hide"
	CmdCanvasNavigate = "canvas.navigate"
	CmdCanvasSnapshot = "canvas.snapshot"
	CmdCameraList     = "camera.list"
	CmdCameraSnap     = "camera.snap"
	CmdCameraClip     = "camera.clip"
	CmdScreenRecord   = "screen.record"
	CmdLocationGet    = "location.get"
	CmdDeviceInfo     = "device.info"
	CmdDeviceStatus   = "device.status"
	CmdSystemRun      = "system.run"
	CmdSystemNotify   = "system.notify"
	CmdContactsAdd    = "contacts.add"
	CmdCalendarAdd    = "calendar.add"
	CmdRemindersAdd   = "reminders.add"
	CmdSMSSend        = "sms.send"
)

// dangerousCommands never appear in any platform default. They become
// reachable only through explicit operator allow_commands config.
var dangerousCommands = map[string]struct{}{
	CmdCameraSnap:   {},
	CmdCameraClip:   {},
	CmdScreenRecord: {},
	CmdContactsAdd:  {},
	CmdCalendarAdd:  {},
	CmdRemindersAdd: {},
	CmdSMSSend:      {},
}

// IsDangerous reports whether a command is excluded from every platform
// default.
func IsDangerous(command string) bool {
	_, ok := dangerousCommands[strings.TrimSpace(command)]
	return ok
}

func baseDefaults() []string {
	return []string{
		CmdCanvasPresent, CmdCanvasHide, CmdCanvasNavigate, CmdCanvasSnapshot,
		CmdCameraList, CmdLocationGet,
		CmdDeviceInfo, CmdDeviceStatus,
		CmdSystemNotify,
	}
}

// defaultCommands returns the default command set for a platform. Desktop
// platforms additionally get host exec; unknown gets the minimal set safe to
// expose without platform confirmation.
func defaultCommands(p Platform) []string {
	switch p {
	case PlatformIOS, PlatformAndroid:
		return baseDefaults()
	case PlatformMacOS, PlatformWindows, PlatformLinux:
		return append(baseDefaults(), CmdSystemRun)
	default:
		return []string{CmdCanvasPresent, CmdCameraList, CmdLocationGet, CmdSystemNotify}
	}
}

// platformRule is one ordered matching rule. Prefixes match the start of the
// declared string; tokens match anywhere.
type platformRule struct {
	platform Platform
	prefixes []string
	tokens   []string
}

// platformRules is evaluated in order; the first hit wins. Anything that
// falls through maps to PlatformUnknown.
var platformRules = []platformRule{
	{PlatformIOS, []string{"ios", "ipados"}, []string{"iphone", "ipad"}},
	{PlatformAndroid, []string{"android"}, []string{}},
	{PlatformMacOS, []string{"macos", "mac os", "darwin", "osx"}, []string{"macbook", "imac"}},
	{PlatformWindows, []string{"windows", "win32", "win64"}, []string{}},
	{PlatformLinux, []string{"linux"}, []string{"ubuntu", "debian", "fedora", "arch"}},
}

func matchPlatform(s string) (Platform, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PlatformUnknown, false
	}
	for _, rule := range platformRules {
		for _, prefix := range rule.prefixes {
			if strings.HasPrefix(s, prefix) {
				return rule.platform, true
			}
		}
		for _, token := range rule.tokens {
			if strings.Contains(s, token) {
				return rule.platform, true
			}
		}
	}
	return PlatformUnknown, false
}

// ResolvePlatform maps a node's declared platform string, falling back to
// its device family, onto the closed platform set. Unrecognized input
// resolves to PlatformUnknown, never to a broader guess.
func ResolvePlatform(platform, deviceFamily string) Platform {
	if p, ok := matchPlatform(platform); ok {
		return p
	}
	if p, ok := matchPlatform(deviceFamily); ok {
		return p
	}
	return PlatformUnknown
}

// Overrides carries the operator-configured command overrides.
type Overrides struct {
	AllowCommands []string
	DenyCommands  []string
}

// ResolveAllowlist computes the effective command set for a node: platform
// defaults plus allow_commands minus deny_commands. Deny wins over both.
// The result is recomputed per check; config may change between checks.
func ResolveAllowlist(ov Overrides, platform, deviceFamily string) map[string]struct{} {
	resolved := ResolvePlatform(platform, deviceFamily)
	allow := make(map[string]struct{})
	for _, cmd := range defaultCommands(resolved) {
		allow[cmd] = struct{}{}
	}
	for _, cmd := range ov.AllowCommands {
		cmd = strings.TrimSpace(cmd)
		if cmd != "" {
			allow[cmd] = struct{}{}
		}
	}
	for _, cmd := range ov.DenyCommands {
		delete(allow, strings.TrimSpace(cmd))
	}
	return allow
}

// CommandCheck is the input to IsCommandAllowed.
type CommandCheck struct {
	Command          string
	DeclaredCommands []string
	Allowlist        map[string]struct{}
}

// IsCommandAllowed requires, in order: a non-empty command, membership in
// the resolved allowlist, and membership in the node's own declared command
// list. A node that declares nothing is rejected for everything;
// declaration is mandatory.
func IsCommandAllowed(check CommandCheck) bool {
	cmd := strings.TrimSpace(check.Command)
	if cmd == "" {
		return false
	}
	if _, ok := check.Allowlist[cmd]; !ok {
		return false
	}
	for _, declared := range check.DeclaredCommands {
		if strings.TrimSpace(declared) == cmd {
			return true
		}
	}
	return false
}

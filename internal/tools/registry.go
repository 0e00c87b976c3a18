package tools

import "strings"

var builtinDefinitions = map[string]Definition{
	"apply_patch": {
		Name:             "apply_patch",
		Mutating:         true,
		RequiresApproval: true,
	},
	"terminal.exec": {
		Name:             "terminal.exec",
		Mutating:         false,
		RequiresApproval: false,
	},
	"shell": {
		Name:             "shell",
		Mutating:         false,
		RequiresApproval: false,
	},
	"update_plan": {
		Name:             "update_plan",
		Mutating:         false,
		RequiresApproval: false,
	},
	"read_file": {
		Name:             "read_file",
		Mutating:         false,
		RequiresApproval: false,
	},
	"view_image": {
		Name:             "view_image",
		Mutating:         false,
		RequiresApproval: false,
	},
}

// shellLikeTools are invoked with a "command" argv and risk-classified the
// same way terminal.exec is (spec §4.5's shell tool).
var shellLikeTools = map[string]struct{}{
	"terminal.exec": {},
	"shell":         {},
}

func LookupDefinition(toolName string) (Definition, bool) {
	name := strings.TrimSpace(toolName)
	if name == "" {
		return Definition{}, false
	}
	def, ok := builtinDefinitions[name]
	if !ok {
		return Definition{}, false
	}
	return def, true
}

func RequiresApproval(toolName string) bool {
	def, ok := LookupDefinition(toolName)
	return ok && def.RequiresApproval
}

func IsMutating(toolName string) bool {
	def, ok := LookupDefinition(toolName)
	return ok && def.Mutating
}

func RequiresApprovalForInvocation(toolName string, args map[string]any) bool {
	name := strings.TrimSpace(toolName)
	if _, ok := shellLikeTools[name]; ok {
		risk := ClassifyTerminalCommandRisk(commandFromArgs(args))
		return risk != TerminalCommandRiskReadonly
	}
	return RequiresApproval(name)
}

func IsMutatingForInvocation(toolName string, args map[string]any) bool {
	name := strings.TrimSpace(toolName)
	if _, ok := shellLikeTools[name]; ok {
		risk := ClassifyTerminalCommandRisk(commandFromArgs(args))
		return risk != TerminalCommandRiskReadonly
	}
	return IsMutating(name)
}

func IsDangerousInvocation(toolName string, args map[string]any) bool {
	name := strings.TrimSpace(toolName)
	if _, ok := shellLikeTools[name]; !ok {
		return false
	}
	risk := ClassifyTerminalCommandRisk(commandFromArgs(args))
	return risk == TerminalCommandRiskDangerous
}

func InvocationRiskLabel(toolName string, args map[string]any) string {
	name := strings.TrimSpace(toolName)
	if _, ok := shellLikeTools[name]; !ok {
		return ""
	}
	return string(ClassifyTerminalCommandRisk(commandFromArgs(args)))
}

// InvocationRiskInfo is InvocationRiskLabel plus the normalized command the
// risk was computed from, for callers (approval elicitation, audit
// logging) that want to show the user what actually got classified rather
// than the raw, possibly wrapped, invocation.
func InvocationRiskInfo(toolName string, args map[string]any) (risk string, normalizedCommand string) {
	name := strings.TrimSpace(toolName)
	if _, ok := shellLikeTools[name]; !ok {
		return "", ""
	}
	cmd := commandFromArgs(args)
	return string(ClassifyTerminalCommandRisk(cmd)), NormalizeTerminalCommand(cmd)
}

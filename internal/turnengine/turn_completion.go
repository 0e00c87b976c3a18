package turnengine

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type turnCompletionConfig struct {
	Enabled  bool
	MaxSteps int
}

type turnCompletionDecision struct {
	Continue       bool
	FailRun        bool
	Reason         string
	Action         recoveryAction
	NextPrompt     string
	FailureMessage string
}

// completionInterimHints marks an assistant reply as "still working", using
// phrasing tied to this tool surface's actual outcomes (a successful
// read_file/apply_patch/shell call, or a failed one) rather than a generic
// guess.
var completionInterimHints = []string{
	"file read successfully",
	"patch applied successfully",
	"shell command executed",
	"assistant finished without a visible response",
	"tool call failed",
	"i will inspect",
	"i will check",
	"i will scan",
	"let me",
	"我先",
	"我会",
	"先扫描",
	"先查看",
}

func decideTurnCompletion(cfg turnCompletionConfig, summary turnAttemptSummary, state *turnRecoveryState, userInput string) turnCompletionDecision {
	decision := turnCompletionDecision{Reason: "complete"}

	if !cfg.Enabled {
		return decision
	}
	if state == nil {
		state = &turnRecoveryState{}
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 2
	}
	if cfg.MaxSteps > 6 {
		cfg.MaxSteps = 6
	}

	text := strings.TrimSpace(summary.AssistantText)
	substantive := hasSubstantiveAssistantAnswer(text)
	hasToolCalls := summary.ToolCalls > 0 || summary.OutcomeToolCalls > 0 || summary.OutcomeLastStepToolCalls > 0

	advanceProgressDigest(state, summary, text)

	missingSynthesis := hasToolCalls && needsSynthesis(summary, text)

	if hasToolCalls && missingSynthesis {
		step := budgetedGuardStep(&state.CompletionSteps, cfg.MaxSteps, "needs_synthesis_after_tool_calls", "completion_budget_exhausted_after_tool_calls")
		decision.Continue, decision.FailRun, decision.Reason = step.Continue, step.FailRun, step.Reason
		decision.Action = recoveryActionSynthesizeFinal
		if step.FailRun {
			decision.FailureMessage = "I completed tool calls but could not produce a final consolidated answer in time. Send 'continue' and I will continue from current progress."
			return decision
		}
		decision.NextPrompt = buildCompletionRetryPrompt(userInput, summary, state.CompletionSteps, cfg.MaxSteps)
		return decision
	}

	if state.NoProgressStreak >= 2 && !substantive {
		step := budgetedGuardStep(&state.CompletionSteps, cfg.MaxSteps, "no_progress_streak", "no_progress_streak_exhausted")
		decision.Continue, decision.FailRun, decision.Reason = step.Continue, step.FailRun, step.Reason
		decision.Action = recoveryActionSynthesizeFinal
		if step.FailRun {
			decision.FailureMessage = "I am repeating low-progress outputs. Please clarify the next concrete step, or send 'continue' to force a focused synthesis only."
			return decision
		}
		decision.NextPrompt = buildCompletionRetryPrompt(userInput, summary, state.CompletionSteps, cfg.MaxSteps)
		return decision
	}

	state.CompletionSteps = 0
	state.NoProgressStreak = 0
	return decision
}

// advanceProgressDigest tracks whether the assistant's reply actually moved
// forward since the last step: an unchanged digest two steps running means
// the model is looping without making progress.
func advanceProgressDigest(state *turnRecoveryState, summary turnAttemptSummary, text string) {
	digest := buildTurnProgressDigest(summary, text)
	if digest == "" {
		return
	}
	if strings.TrimSpace(state.LastAssistantDigest) == digest {
		state.NoProgressStreak++
		return
	}
	state.LastAssistantDigest = digest
	state.NoProgressStreak = 0
}

// needsSynthesis decides whether a step that made tool calls still owes the
// user a grounded final answer, reconciling two providers' different ways
// of reporting it: some emit tool calls and final text in the same step,
// others split a tool-calls-only step from a following synthesis-only one.
func needsSynthesis(summary turnAttemptSummary, text string) bool {
	groundedAnswer := looksGroundedFinalAnswer(text, summary)
	missing := !groundedAnswer

	// When the provider doesn't distinguish a tool-calls step from a
	// synthesis step (OutcomeHasTextAfterToolsKnown unset), a step that
	// reported tool calls but no text at all is missing synthesis outright.
	if !summary.OutcomeHasTextAfterToolsKnown && summary.OutcomeToolCalls > 0 && !summary.OutcomeHasText {
		missing = true
	}

	outcomeFinishReason := strings.TrimSpace(strings.ToLower(summary.OutcomeFinishReason))
	lastStepFinishReason := strings.TrimSpace(strings.ToLower(summary.OutcomeLastStepFinishReason))
	if outcomeFinishReason == "tool-calls" || lastStepFinishReason == "tool-calls" {
		missing = !groundedAnswer
	}
	if outcomeFinishReason == "length" && summary.OutcomeLastStepToolCalls > 0 && !groundedAnswer {
		missing = true
	}
	if summary.OutcomeHasText && !summary.OutcomeNeedsFollowUpHint {
		missing = false
	}
	return missing
}

func buildCompletionRetryPrompt(userInput string, summary turnAttemptSummary, stepUsed int, maxSteps int) string {
	lines := []string{
		"System completion check: previous attempt did not provide a complete final answer.",
		fmt.Sprintf("Completion retry step: %d/%d.", stepUsed, maxSteps),
		"Continue the same task immediately.",
		"Do not repeat a preamble.",
		"Prefer existing tool results first; avoid new tool calls unless strictly needed.",
		"Now output a concrete final answer with clear conclusions and evidence.",
		"Do not dump raw file content or command output without synthesis. Summarize conclusions, risks, and next steps.",
	}
	if summary.ToolCalls > 0 {
		lines = append(lines, fmt.Sprintf("Previous attempt tool calls: %d (success: %d, failures: %d).", summary.ToolCalls, summary.ToolSuccesses, len(summary.ToolFailures)))
	}
	if finishReason := strings.TrimSpace(summary.OutcomeFinishReason); finishReason != "" {
		lines = append(lines, "Previous attempt finish reason: "+finishReason)
	}
	if summary.OutcomeHasTextAfterToolsKnown {
		lines = append(lines, fmt.Sprintf("Previous attempt had text after tool calls: %t.", summary.OutcomeHasTextAfterToolCalls))
	}
	if txt := strings.TrimSpace(summary.AssistantText); txt != "" {
		lines = append(lines, "Previous partial answer preview: "+truncateRunes(txt, 220))
	}
	if req := strings.TrimSpace(userInput); req != "" {
		lines = append(lines, "Original request: "+req)
	}
	return strings.Join(lines, "\n")
}

func hasSubstantiveAssistantAnswer(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if isConciseFinalAnswer(text) {
		return true
	}
	runes := utf8.RuneCountInString(text)
	if runes >= 220 {
		return true
	}
	if strings.Contains(text, "```") && runes >= 60 {
		return true
	}
	lineCount := 0
	for _, it := range strings.Split(text, "\n") {
		if strings.TrimSpace(it) == "" {
			continue
		}
		lineCount++
	}
	if lineCount >= 3 && runes >= 90 {
		return true
	}
	if runes >= 120 && !looksInterimAssistantText(text) {
		return true
	}
	return false
}

func isConciseFinalAnswer(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if containsAny(normalized, []string{"not yet", "still need", "still pending", "initial scan", "preliminary", "will continue", "continue later", "稍后", "初步", "继续展开", "继续深入", "尚未", "还没", "后续再"}) {
		return false
	}
	if normalized == "" {
		return false
	}
	if hasUnfulfilledActionCommitment(normalized) {
		return false
	}
	runes := utf8.RuneCountInString(normalized)
	if runes < 12 || runes > 200 {
		return false
	}
	finalHints := []string{
		"final answer", "conclusion", "result", "completed", "done", "finished", "recovered",
		"is a directory", "is not a directory", "not a directory", "root path is",
		"结论", "结果", "已完成", "完成分析", "是目录", "不是目录",
	}
	return containsAny(normalized, finalHints)
}

func looksInterimAssistantText(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return true
	}
	if isConciseFinalAnswer(normalized) {
		return false
	}
	if hasUnfulfilledActionCommitment(normalized) {
		return true
	}
	if containsAny(normalized, completionInterimHints) {
		return true
	}
	runes := utf8.RuneCountInString(normalized)
	if runes < 90 {
		if !containsAny(normalized, []string{"result", "conclusion", "总结", "结论", "建议", "next"}) {
			return true
		}
	}
	return false
}

func looksGroundedFinalAnswer(text string, summary turnAttemptSummary) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if !hasSubstantiveAssistantAnswer(text) {
		return false
	}
	if looksInterimAssistantText(text) {
		return false
	}
	if isConciseFinalAnswer(text) {
		return true
	}
	normalized := strings.ToLower(strings.TrimSpace(text))
	if hasPathHint(normalized) {
		return true
	}
	if containsAny(normalized, []string{"findings", "evidence", "conclusion", "result", "summary", "next step", "next steps", "结论", "结果", "总结", "建议", "风险"}) {
		return true
	}
	evidenceHints := extractEvidencePathHints(summary)
	return len(evidenceHints) > 0 && assistantMentionsEvidence(text, evidenceHints)
}

// extractEvidencePathHints pulls path-shaped signatures out of the tool
// calls the attempt actually made (e.g. "read_file|path=/workspace/README.md"),
// so a final answer that names one of those paths counts as grounded even
// when it skips the generic "findings"/"evidence" phrasing.
func extractEvidencePathHints(summary turnAttemptSummary) []string {
	hints := make([]string, 0, len(summary.ToolCallSignatures))
	for _, sig := range summary.ToolCallSignatures {
		for _, part := range strings.Split(sig, "|") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, "path=") {
				if p := strings.TrimPrefix(part, "path="); p != "" {
					hints = append(hints, p)
				}
			}
		}
	}
	return hints
}

func assistantMentionsEvidence(text string, hints []string) bool {
	normalized := strings.ToLower(text)
	for _, h := range hints {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		base := h
		if idx := strings.LastIndexAny(h, "/\\"); idx >= 0 && idx+1 < len(h) {
			base = h[idx+1:]
		}
		if strings.Contains(normalized, h) || (base != "" && strings.Contains(normalized, base)) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

func buildTurnProgressDigest(summary turnAttemptSummary, text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.Join(strings.Fields(normalized), " ")
	if utf8.RuneCountInString(normalized) > 240 {
		normalized = string([]rune(normalized)[:240])
	}
	return fmt.Sprintf("tc=%d|ts=%d|tf=%d|txt=%s", summary.ToolCalls, summary.ToolSuccesses, len(summary.ToolFailures), normalized)
}

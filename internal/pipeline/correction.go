package pipeline

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"spark/internal/logging"
	"spark/internal/types"
)

// correctionRule is one prioritized regex with its base confidence. Rules
// are tried in order; the first match wins.
type correctionRule struct {
	re         *regexp.Regexp
	confidence float64
	// wantedGroup / rejectedGroup are capture group indices, 0 when the
	// rule does not extract that side.
	wantedGroup   int
	rejectedGroup int
}

var correctionRules = []correctionRule{
	{re: regexp.MustCompile(`(?i)\bno[,.]?\s+i meant\s+(.+)`), confidence: 0.90, wantedGroup: 1},
	{re: regexp.MustCompile(`(?i)\buse\s+(.+?)\s+instead of\s+(.+)`), confidence: 0.85, wantedGroup: 1, rejectedGroup: 2},
	{re: regexp.MustCompile(`(?i)\bprefer\s+(.+?)\s+over\s+(.+)`), confidence: 0.85, wantedGroup: 1, rejectedGroup: 2},
	{re: regexp.MustCompile(`(?i)\bdon'?t\s+(?:use|do)\s+(.+)`), confidence: 0.80, rejectedGroup: 1},
	{re: regexp.MustCompile(`(?i)\bstop\s+(?:using|doing)\s+(.+)`), confidence: 0.80, rejectedGroup: 1},
	{re: regexp.MustCompile(`(?i)\bthat'?s\s+(?:wrong|not right|incorrect)\b`), confidence: 0.70},
	{re: regexp.MustCompile(`(?i)\byou should(?:'ve| have)?\s+(.+)`), confidence: 0.65, wantedGroup: 1},
	{re: regexp.MustCompile(`(?i)\bactually[,]?\s+(.+)`), confidence: 0.55, wantedGroup: 1},
	{re: regexp.MustCompile(`(?i)^no[,.!\s]`), confidence: 0.50},
}

// fillers are conversational openings that look like corrections but are
// not ("no problem", "no worries").
var correctionFillers = regexp.MustCompile(`(?i)^no\s+(problem|worries|rush|need|idea)\b`)

// CorrectionDetector scans user prompts for correction language and binds
// it to the preceding AI action so the resulting insight is actionable.
type CorrectionDetector struct {
	actions *actionBuffer
}

// NewCorrectionDetector creates the detector with a 5-call action buffer
// per session.
func NewCorrectionDetector() *CorrectionDetector {
	return &CorrectionDetector{actions: newActionBuffer(5)}
}

func (d *CorrectionDetector) Name() string { return "correction" }

// ProcessEvent buffers tool events and inspects user prompts.
func (d *CorrectionDetector) ProcessEvent(e *types.Event) []types.DetectedPattern {
	switch e.EventType {
	case types.EventPostTool, types.EventPostToolFailure:
		d.actions.record(e)
		return nil
	case types.EventSessionEnd:
		d.actions.drop(e.SessionID)
		return nil
	case types.EventUserPrompt:
	default:
		return nil
	}

	prompt := strings.TrimSpace(e.Prompt)
	if prompt == "" || correctionFillers.MatchString(prompt) {
		return nil
	}

	for _, rule := range correctionRules {
		m := rule.re.FindStringSubmatch(prompt)
		if m == nil {
			continue
		}
		wanted, rejected := "", ""
		if rule.wantedGroup > 0 && rule.wantedGroup < len(m) {
			wanted = trimClause(m[rule.wantedGroup])
		}
		if rule.rejectedGroup > 0 && rule.rejectedGroup < len(m) {
			rejected = trimClause(m[rule.rejectedGroup])
		}

		p := types.DetectedPattern{
			Type:       types.PatternCorrection,
			SessionID:  e.SessionID,
			Confidence: rule.confidence,
			Evidence:   prompt,
			Wanted:     wanted,
			Rejected:   rejected,
			DetectedAt: time.Now().UTC(),
		}

		// Bind to the last AI action when we have one; the insight only
		// becomes actionable with a tool to hang it on.
		if last := d.actions.last(e.SessionID); last != nil {
			p.ToolName = last.ToolName
			if last.Failed {
				p.Outcome = "fail"
				p.RootCause = last.ErrorMsg
			}
			p.Insight = suggestInsight(last.ToolName, wanted, rejected)
			p.Triggers = types.UniqueSorted(append(types.Tokenize(prompt), strings.ToLower(last.ToolName)))
		} else {
			p.Confidence *= 0.6 // Unbound corrections are weak evidence.
			p.Triggers = types.UniqueSorted(types.Tokenize(prompt))
		}
		p.PatternID = "pt_" + p.Signature()

		logging.PipelineDebug("correction detected (conf=%.2f, tool=%s): %q", p.Confidence, p.ToolName, prompt)
		return []types.DetectedPattern{p}
	}
	return nil
}

// suggestInsight builds the actionable "When using <tool>, ..." statement.
func suggestInsight(tool, wanted, rejected string) string {
	if tool == "" {
		return ""
	}
	switch {
	case wanted != "" && rejected != "":
		return fmt.Sprintf("When using %s, prefer %s over %s", tool, wanted, rejected)
	case wanted != "":
		return fmt.Sprintf("When using %s, %s", tool, wanted)
	case rejected != "":
		return fmt.Sprintf("When using %s, avoid %s", tool, rejected)
	default:
		return fmt.Sprintf("When using %s, double-check against the user's last correction", tool)
	}
}

// trimClause bounds an extracted clause to a single sentence fragment.
func trimClause(s string) string {
	s = strings.TrimSpace(s)
	for _, stop := range []string{". ", "; ", "\n"} {
		if i := strings.Index(s, stop); i > 0 {
			s = s[:i]
		}
	}
	s = strings.TrimRight(s, ".!?,; ")
	if len(s) > 160 {
		s = s[:160]
	}
	return s
}

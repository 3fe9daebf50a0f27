package core

import (
	"regexp"
	"strings"

	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

var (
	// tagPattern matches a {{key: value}} span. The value runs up to the
	// first closing brace.
	tagPattern = regexp.MustCompile(`\{\{(\w+):\s*([^}]+)\}\}`)

	// spanPattern matches any {{...}} span, well-formed tag or not.
	spanPattern = regexp.MustCompile(`\{\{[^}]*\}\}`)

	continuePattern = regexp.MustCompile(`(?i)continue\s*-\s*.+`)

	// continueCapture captures the instruction after "continue -", across lines.
	continueCapture = regexp.MustCompile(`(?is)continue\s*-\s*(.+)`)

	trailingExecute = regexp.MustCompile(`(?i)\s*execute\s*$`)
)

const executeKeyword = "execute"

// ExtractTags returns every {{key: value}} tag found in body. Values are
// trimmed; when a key repeats, the later occurrence wins.
func ExtractTags(body string) map[string]string {
	tags := make(map[string]string)
	for _, m := range tagPattern.FindAllStringSubmatch(body, -1) {
		tags[m[1]] = strings.TrimSpace(m[2])
	}
	return tags
}

// DetectTrigger reports which execution keyword, if any, the body carries.
// A body whose trimmed text ends with "execute" (any case) wins over a
// continue marker.
func DetectTrigger(body string) models.Trigger {
	if strings.HasSuffix(strings.ToLower(strings.TrimSpace(body)), executeKeyword) {
		return models.TriggerExecute
	}
	if continuePattern.MatchString(body) {
		return models.TriggerContinue
	}
	return models.TriggerNone
}

// ExtractPrompt removes every {{...}} span and the trigger keyword from body
// and returns the instruction text handed to the agent.
func ExtractPrompt(body string, trigger models.Trigger) string {
	clean := stripSpans(body)

	switch trigger {
	case models.TriggerExecute:
		clean = trailingExecute.ReplaceAllString(clean, "")
	case models.TriggerContinue:
		if m := continueCapture.FindStringSubmatch(clean); m != nil {
			return strings.TrimSpace(m[1])
		}
	}

	return strings.TrimSpace(clean)
}

// stripSpans removes {{...}} spans until none are left, so removing one span
// cannot join its neighbours into a new one.
func stripSpans(s string) string {
	for spanPattern.MatchString(s) {
		s = spanPattern.ReplaceAllString(s, "")
	}
	return s
}

// Extract runs tag extraction, trigger detection and prompt extraction in one
// pass over body.
func Extract(body string) models.ExtractedMetadata {
	trigger := DetectTrigger(body)
	return models.ExtractedMetadata{
		Tags:    ExtractTags(body),
		Trigger: trigger,
		Prompt:  ExtractPrompt(body, trigger),
	}
}

// MergeTags overlays tracker-native tags onto inline tags. Native tags are
// "key:value" strings (already split into a map by the transport) and take
// precedence. Neither input is modified.
func MergeTags(inline, native map[string]string) map[string]string {
	merged := make(map[string]string, len(inline)+len(native))
	for k, v := range inline {
		merged[k] = v
	}
	for k, v := range native {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		merged[k] = v
	}
	return merged
}

package agent

import (
	"regexp"
	"strings"
)

// intentPattern maps a request phrasing onto a tool invocation. The table
// is ordered; the first matching pattern wins.
type intentPattern struct {
	re      *regexp.Regexp
	tool    string
	extract func(groups []string) map[string]any
}

func patientArg(groups []string) map[string]any {
	return map[string]any{"patient_id": groups[1]}
}

func noArgs([]string) map[string]any { return map[string]any{} }

var intentPatterns = []intentPattern{
	{regexp.MustCompile(`(?i)vitals?\s+history\s+(?:for\s+)?(\w+)`), "get_vitals_history", patientArg},
	{regexp.MustCompile(`(?i)vitals?\s+(?:for\s+)?(\w+)`), "get_vitals", patientArg},
	{regexp.MustCompile(`(?i)medications?\s+(?:for\s+)?(\w+)`), "get_medications", patientArg},
	{regexp.MustCompile(`(?i)allergies\s+(?:for\s+)?(\w+)`), "get_allergies", patientArg},
	{regexp.MustCompile(`(?i)lab\s+results?\s+(?:for\s+)?(\w+)`), "get_lab_results", patientArg},
	{regexp.MustCompile(`(?i)patient\s+(?:info|details?|record)?\s*(?:for\s+)?(\w+)`), "get_patient", patientArg},
	{regexp.MustCompile(`(?i)(?:list|show)\s+wards?`), "list_wards", noArgs},
	{regexp.MustCompile(`(?i)(?:list|show)\s+doctors?`), "list_doctors", noArgs},
	{regexp.MustCompile(`(?i)ward\s+patients?\s+(?:for\s+)?(\w+)`), "get_ward_patients", func(groups []string) map[string]any {
		return map[string]any{"ward_id": groups[1]}
	}},
	{regexp.MustCompile(`(?i)doctor\s+patients?\s+(?:for\s+)?(\w+)`), "get_doctor_patients", func(groups []string) map[string]any {
		return map[string]any{"doctor_id": groups[1]}
	}},
	{regexp.MustCompile(`(?i)blood\s+availability`), "get_blood_availability", noArgs},
	{regexp.MustCompile(`(?i)inventory`), "get_inventory", noArgs},
	{regexp.MustCompile(`(?i)studies\s+(?:for\s+)?(\w+)`), "get_studies", patientArg},
	{regexp.MustCompile(`(?i)code\s+blue\s+(?:for\s+)?(\w+)`), "initiate_code_blue", patientArg},
	{regexp.MustCompile(`(?i)escalate\s+(\w+)\s+(?:to\s+)?(.+)`), "escalate", func(groups []string) map[string]any {
		return map[string]any{
			"patient_id":  groups[1],
			"escalate_to": strings.TrimSpace(groups[2]),
			"reason":      "User-requested escalation",
		}
	}},
}

// detectIntent maps a message to a tool call without any model in the
// loop. Returns ok=false when no pattern matches.
func detectIntent(message string) (string, map[string]any, bool) {
	for _, p := range intentPatterns {
		if groups := p.re.FindStringSubmatch(message); groups != nil {
			return p.tool, p.extract(groups), true
		}
	}
	return "", nil, false
}

package facts

import (
	"context"
	"time"
)

// extractor turns one tool result into zero or more typed fact payloads.
type extractor func(result map[string]any) []payload

type payload struct {
	factType string
	data     map[string]any
}

// extractors is the static tool-name -> fact-type mapping applied by the
// post-dispatch hook. Tools absent from the table produce no facts.
var extractors = map[string]extractor{
	"get_vitals":             extractVitals,
	"get_vitals_history":     extractVitals,
	"get_medications":        listExtractor("medications", "medication"),
	"get_allergies":          listExtractor("allergies", "allergy"),
	"get_lab_results":        listExtractor("results", "lab_result"),
	"get_lab_order":          wholeExtractor("lab_order"),
	"get_patient":            wholeExtractor("demographics"),
	"get_orders":             listExtractor("orders", "order"),
	"get_studies":            listExtractor("studies", "imaging_study"),
	"get_report":             wholeExtractor("radiology_report"),
	"get_blood_availability": wholeExtractor("blood_inventory"),
	"get_crossmatch_status":  wholeExtractor("crossmatch"),
}

// FactTypeFor returns the fact type a tool's results are stored under, and
// whether the tool produces facts at all. Used by degraded-mode fallback to
// decide what to look up when the tool's backend is down.
func FactTypeFor(toolName string) (string, bool) {
	switch toolName {
	case "get_vitals", "get_vitals_history":
		return "vitals", true
	case "get_medications":
		return "medication", true
	case "get_allergies":
		return "allergy", true
	case "get_lab_results":
		return "lab_result", true
	case "get_lab_order":
		return "lab_order", true
	case "get_patient":
		return "demographics", true
	case "get_orders":
		return "order", true
	case "get_studies":
		return "imaging_study", true
	case "get_report":
		return "radiology_report", true
	case "get_blood_availability":
		return "blood_inventory", true
	case "get_crossmatch_status":
		return "crossmatch", true
	default:
		return "", false
	}
}

func extractVitals(result map[string]any) []payload {
	var out []payload
	if _, ok := result["heart_rate"]; ok {
		out = append(out, payload{"vitals", result})
	} else if _, ok := result["bp_systolic"]; ok {
		out = append(out, payload{"vitals", result})
	}
	if history, ok := result["history"].([]any); ok {
		for _, entry := range history {
			if m, ok := entry.(map[string]any); ok {
				out = append(out, payload{"vitals", m})
			}
		}
	}
	return out
}

// listExtractor stores each element of a list-valued result as its own
// fact; a non-list result is stored whole.
func listExtractor(key, factType string) extractor {
	return func(result map[string]any) []payload {
		items, ok := result[key].([]any)
		if !ok {
			items, ok = result["entry"].([]any)
		}
		if !ok {
			return []payload{{factType, result}}
		}
		out := make([]payload, 0, len(items))
		for _, item := range items {
			if m, ok := item.(map[string]any); ok {
				out = append(out, payload{factType, m})
			}
		}
		return out
	}
}

func wholeExtractor(factType string) extractor {
	return func(result map[string]any) []payload {
		return []payload{{factType, result}}
	}
}

// ExtractAndRecord mines a successful tool result for durable facts and
// persists them immediately. Returns the number of facts stored. Tools
// without an extractor, or calls without a patient id, store nothing.
func (s *Store) ExtractAndRecord(ctx context.Context, toolName string, result map[string]any, tenantID, sessionID, patientID string) (int, error) {
	ex, ok := extractors[toolName]
	if !ok || patientID == "" || result == nil {
		return 0, nil
	}

	now := time.Now().UTC()
	stored := 0
	for _, p := range ex(result) {
		err := s.Record(ctx, Fact{
			TenantID:   tenantID,
			SessionID:  sessionID,
			PatientID:  patientID,
			FactType:   p.factType,
			Data:       p.data,
			SourceTool: toolName,
			RecordedAt: now,
		})
		if err != nil {
			return stored, err
		}
		stored++
	}
	return stored, nil
}

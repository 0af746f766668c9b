// Package healthtools implements the built-in healthcare-insurance tool
// catalogue: caller authentication, appointment scheduling, prescription
// refill, medication lookup, prior-authorization evaluation, emergency
// escalation, and explicit agent handoff. Each tool follows the diceroller
// package's pattern — JSON arg/result structs, a pure handler, and an
// exported [Tools] constructor returning []tools.Tool ready for
// registration with the MCP Host.
package healthtools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/glyphoxa/internal/mcp/tools"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/google/uuid"
)

// member is a fixture record used by authenticate_user. A real deployment
// would call out to a
// membership/claims system; this in-memory directory stands in for it,
// exactly as the diceroller package ships a builtin dice-table fixture.
type member struct {
	PolicyID string
	Name     string
	DOB      string
}

var directory = []member{
	{PolicyID: "P-001", Name: "Alice Brown", DOB: "1985-03-14"},
	{PolicyID: "P-002", Name: "Marcus Lee", DOB: "1972-11-02"},
	{PolicyID: "P-003", Name: "Priya Natarajan", DOB: "1990-07-22"},
}

var medications = map[string]medicationInfo{
	"lisinopril": {Name: "Lisinopril", Description: "ACE inhibitor used to treat high blood pressure.", CommonDosage: "10mg once daily", Interactions: []string{"potassium supplements", "NSAIDs"}},
	"metformin":  {Name: "Metformin", Description: "Biguanide used to control blood sugar in type 2 diabetes.", CommonDosage: "500mg twice daily", Interactions: []string{"contrast dye", "alcohol"}},
	"atorvastatin": {Name: "Atorvastatin", Description: "Statin used to lower cholesterol.", CommonDosage: "20mg once daily at night", Interactions: []string{"grapefruit juice", "clarithromycin"}},
}

// Tools returns the healthcare tool catalogue ready for registration with
// the MCP Host via mcphost.Host.RegisterBuiltin.
func Tools() []tools.Tool {
	return []tools.Tool{
		authenticateUserTool(),
		scheduleAppointmentTool(),
		refillPrescriptionTool(),
		lookupMedicationInfoTool(),
		evaluatePriorAuthorizationTool(),
		escalateEmergencyTool(),
		handoffAgentTool(),
	}
}

// ── authenticate_user ─────────────────────────────────────────────────────

type authenticateArgs struct {
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	DOB        string `json:"dob"`
	SSNLast4   string `json:"ssn_last4"`
}

type authenticateResult struct {
	Authenticated bool   `json:"authenticated"`
	CallerName    string `json:"caller_name,omitempty"`
	PolicyID      string `json:"policy_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func authenticateUserTool() tools.Tool {
	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "authenticate_user",
			Description: "Verify a caller's identity against the membership directory by first and last name. Date of birth and the last four digits of the SSN are accepted but not checked.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"first_name": map[string]any{"type": "string"},
					"last_name":  map[string]any{"type": "string"},
					"dob":        map[string]any{"type": "string", "description": "YYYY-MM-DD"},
					"ssn_last4":  map[string]any{"type": "string"},
				},
				"required": []string{"first_name", "last_name"},
			},
			EstimatedDurationMs: 200,
			MaxDurationMs:       1500,
			Idempotent:          true,
		},
		Handler:     authenticateUserHandler,
		DeclaredP50: 200,
		DeclaredMax: 1500,
	}
}

func authenticateUserHandler(_ context.Context, args string) (string, error) {
	var a authenticateArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("healthtools: authenticate_user: parse args: %w", err)
	}

	full := strings.TrimSpace(a.FirstName + " " + a.LastName)
	for _, m := range directory {
		if strings.EqualFold(m.Name, full) {
			res := authenticateResult{Authenticated: true, CallerName: m.Name, PolicyID: m.PolicyID}
			b, err := json.Marshal(res)
			return string(b), err
		}
	}

	res := authenticateResult{Authenticated: false, Reason: "no matching member record found"}
	b, err := json.Marshal(res)
	return string(b), err
}

// ── schedule_appointment ───────────────────────────────────────────────────

type scheduleArgs struct {
	PolicyID     string `json:"policy_id"`
	ProviderName string `json:"provider_name"`
	Date         string `json:"date"`
	Reason       string `json:"reason"`
}

type scheduleResult struct {
	Scheduled     bool   `json:"scheduled"`
	AppointmentID string `json:"appointment_id"`
	Date          string `json:"date"`
}

func scheduleAppointmentTool() tools.Tool {
	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "schedule_appointment",
			Description: "Schedule a medical appointment for an authenticated member with a named provider on a given date.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"policy_id":     map[string]any{"type": "string"},
					"provider_name": map[string]any{"type": "string"},
					"date":          map[string]any{"type": "string", "description": "YYYY-MM-DD"},
					"reason":        map[string]any{"type": "string"},
				},
				"required": []string{"policy_id", "provider_name", "date"},
			},
			EstimatedDurationMs: 400,
			MaxDurationMs:       3000,
		},
		Handler:     scheduleAppointmentHandler,
		DeclaredP50: 400,
		DeclaredMax: 3000,
	}
}

func scheduleAppointmentHandler(_ context.Context, args string) (string, error) {
	var a scheduleArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("healthtools: schedule_appointment: parse args: %w", err)
	}
	if a.PolicyID == "" || a.ProviderName == "" || a.Date == "" {
		return "", fmt.Errorf("healthtools: schedule_appointment: policy_id, provider_name, and date are required")
	}
	res := scheduleResult{Scheduled: true, AppointmentID: "appt-" + uuid.NewString()[:8], Date: a.Date}
	b, err := json.Marshal(res)
	return string(b), err
}

// ── refill_prescription ─────────────────────────────────────────────────────

type refillArgs struct {
	PolicyID       string `json:"policy_id"`
	MedicationName string `json:"medication_name"`
	Pharmacy       string `json:"pharmacy"`
}

type refillResult struct {
	Status   string `json:"status"`
	RefillID string `json:"refill_id"`
}

func refillPrescriptionTool() tools.Tool {
	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "refill_prescription",
			Description: "Submit a prescription refill request for an authenticated member at a named pharmacy.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"policy_id":       map[string]any{"type": "string"},
					"medication_name": map[string]any{"type": "string"},
					"pharmacy":        map[string]any{"type": "string"},
				},
				"required": []string{"policy_id", "medication_name"},
			},
			EstimatedDurationMs: 500,
			MaxDurationMs:       4000,
		},
		Handler:     refillPrescriptionHandler,
		DeclaredP50: 500,
		DeclaredMax: 4000,
	}
}

func refillPrescriptionHandler(_ context.Context, args string) (string, error) {
	var a refillArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("healthtools: refill_prescription: parse args: %w", err)
	}
	if a.PolicyID == "" || a.MedicationName == "" {
		return "", fmt.Errorf("healthtools: refill_prescription: policy_id and medication_name are required")
	}
	res := refillResult{Status: "submitted", RefillID: "refill-" + uuid.NewString()[:8]}
	b, err := json.Marshal(res)
	return string(b), err
}

// ── lookup_medication_info ─────────────────────────────────────────────────

type lookupArgs struct {
	MedicationName string `json:"medication_name"`
}

type medicationInfo struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	CommonDosage string   `json:"common_dosage"`
	Interactions []string `json:"interactions"`
}

func lookupMedicationInfoTool() tools.Tool {
	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "lookup_medication_info",
			Description: "Look up general information about a medication: description, common dosage, and known interactions.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"medication_name": map[string]any{"type": "string"},
				},
				"required": []string{"medication_name"},
			},
			EstimatedDurationMs: 100,
			MaxDurationMs:       1000,
			Idempotent:          true,
			CacheableSeconds:    3600,
		},
		Handler:     lookupMedicationInfoHandler,
		DeclaredP50: 100,
		DeclaredMax: 1000,
	}
}

func lookupMedicationInfoHandler(_ context.Context, args string) (string, error) {
	var a lookupArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("healthtools: lookup_medication_info: parse args: %w", err)
	}
	key := strings.ToLower(strings.TrimSpace(a.MedicationName))
	info, ok := medications[key]
	if !ok {
		return "", fmt.Errorf("healthtools: lookup_medication_info: %q not found in formulary", a.MedicationName)
	}
	b, err := json.Marshal(info)
	return string(b), err
}

// ── evaluate_prior_authorization ────────────────────────────────────────────

type priorAuthArgs struct {
	PolicyID       string `json:"policy_id"`
	MedicationName string `json:"medication_name"`
	DiagnosisCode  string `json:"diagnosis_code"`
}

type priorAuthResult struct {
	Approved    bool   `json:"approved"`
	ReferenceID string `json:"reference_id"`
	Reason      string `json:"reason"`
}

// priorAuthDenylist names medications that always require manual clinical
// review and are never auto-approved by this tool.
var priorAuthDenylist = map[string]bool{
	"humira":   true,
	"ozempic":  true,
}

func evaluatePriorAuthorizationTool() tools.Tool {
	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "evaluate_prior_authorization",
			Description: "Evaluate whether a medication requires prior authorization for a given diagnosis and policy, returning an approval decision.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"policy_id":       map[string]any{"type": "string"},
					"medication_name": map[string]any{"type": "string"},
					"diagnosis_code":  map[string]any{"type": "string"},
				},
				"required": []string{"policy_id", "medication_name", "diagnosis_code"},
			},
			EstimatedDurationMs: 800,
			MaxDurationMs:       5000,
		},
		Handler:     evaluatePriorAuthorizationHandler,
		DeclaredP50: 800,
		DeclaredMax: 5000,
	}
}

func evaluatePriorAuthorizationHandler(_ context.Context, args string) (string, error) {
	var a priorAuthArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("healthtools: evaluate_prior_authorization: parse args: %w", err)
	}
	if a.PolicyID == "" || a.MedicationName == "" || a.DiagnosisCode == "" {
		return "", fmt.Errorf("healthtools: evaluate_prior_authorization: policy_id, medication_name, and diagnosis_code are required")
	}

	key := strings.ToLower(strings.TrimSpace(a.MedicationName))
	var res priorAuthResult
	if priorAuthDenylist[key] {
		res = priorAuthResult{Approved: false, ReferenceID: "pa-" + uuid.NewString()[:8], Reason: "requires manual clinical review"}
	} else {
		res = priorAuthResult{Approved: true, ReferenceID: "pa-" + uuid.NewString()[:8], Reason: "auto-approved under standard formulary rules"}
	}
	b, err := json.Marshal(res)
	return string(b), err
}

// ── escalate_emergency ──────────────────────────────────────────────────────

type escalateArgs struct {
	Reason string `json:"reason"`
}

type escalateResult struct {
	Escalated    bool   `json:"escalated"`
	Instructions string `json:"instructions"`
}

func escalateEmergencyTool() tools.Tool {
	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "escalate_emergency",
			Description: "Escalate the call when the caller describes a medical emergency. Must be called the moment an emergency is suspected.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{"type": "string"},
				},
				"required": []string{"reason"},
			},
			EstimatedDurationMs: 50,
			MaxDurationMs:       500,
			Idempotent:          true,
		},
		Handler:     escalateEmergencyHandler,
		DeclaredP50: 50,
		DeclaredMax: 500,
	}
}

func escalateEmergencyHandler(_ context.Context, args string) (string, error) {
	var a escalateArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("healthtools: escalate_emergency: parse args: %w", err)
	}
	res := escalateResult{
		Escalated:    true,
		Instructions: "If this is a life-threatening emergency, hang up and dial 911 immediately. A nurse line callback has been requested.",
	}
	b, err := json.Marshal(res)
	return string(b), err
}

// ── handoff_agent ───────────────────────────────────────────────────────────

type handoffArgs struct {
	TargetAgent string `json:"target_agent"`
	Reason      string `json:"reason"`
}

type handoffResult struct {
	Handoff bool   `json:"handoff"`
	Target  string `json:"target"`
}

func handoffAgentTool() tools.Tool {
	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "handoff_agent",
			Description: "Explicitly signal that the dialog should hand off to a different named agent (e.g., from auth to intake, or to a human representative).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target_agent": map[string]any{"type": "string"},
					"reason":       map[string]any{"type": "string"},
				},
				"required": []string{"target_agent"},
			},
			EstimatedDurationMs: 20,
			MaxDurationMs:       200,
			Idempotent:          true,
		},
		Handler:     handoffAgentHandler,
		DeclaredP50: 20,
		DeclaredMax: 200,
	}
}

func handoffAgentHandler(_ context.Context, args string) (string, error) {
	var a handoffArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("healthtools: handoff_agent: parse args: %w", err)
	}
	if a.TargetAgent == "" {
		return "", fmt.Errorf("healthtools: handoff_agent: target_agent is required")
	}
	res := handoffResult{Handoff: true, Target: a.TargetAgent}
	b, err := json.Marshal(res)
	return string(b), err
}

package healthtools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestTools_ReturnsSevenTools(t *testing.T) {
	got := Tools()
	if len(got) != 7 {
		t.Fatalf("expected 7 tools, got %d", len(got))
	}
	names := make(map[string]bool, len(got))
	for _, tool := range got {
		if tool.Handler == nil {
			t.Errorf("tool %q has nil handler", tool.Definition.Name)
		}
		names[tool.Definition.Name] = true
	}
	for _, want := range []string{
		"authenticate_user", "schedule_appointment", "refill_prescription",
		"lookup_medication_info", "evaluate_prior_authorization",
		"escalate_emergency", "handoff_agent",
	} {
		if !names[want] {
			t.Errorf("expected tool %q to be present", want)
		}
	}
}

func TestAuthenticateUserHandler_Match(t *testing.T) {
	args, _ := json.Marshal(authenticateArgs{FirstName: "Alice", LastName: "Brown"})
	out, err := authenticateUserHandler(context.Background(), string(args))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res authenticateResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("result did not parse: %v", err)
	}
	if !res.Authenticated || res.PolicyID != "P-001" {
		t.Errorf("expected authenticated member P-001, got %+v", res)
	}
}

func TestAuthenticateUserHandler_NoMatch(t *testing.T) {
	args, _ := json.Marshal(authenticateArgs{FirstName: "Nobody", LastName: "Special"})
	out, err := authenticateUserHandler(context.Background(), string(args))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res authenticateResult
	_ = json.Unmarshal([]byte(out), &res)
	if res.Authenticated {
		t.Error("expected authenticated=false for unknown caller")
	}
}

func TestRefillPrescriptionHandler_RequiresFields(t *testing.T) {
	args, _ := json.Marshal(refillArgs{})
	_, err := refillPrescriptionHandler(context.Background(), string(args))
	if err == nil {
		t.Fatal("expected error for missing required fields")
	}
}

func TestLookupMedicationInfoHandler_Known(t *testing.T) {
	args, _ := json.Marshal(lookupArgs{MedicationName: "Metformin"})
	out, err := lookupMedicationInfoHandler(context.Background(), string(args))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Biguanide") {
		t.Errorf("expected description in result, got %s", out)
	}
}

func TestLookupMedicationInfoHandler_Unknown(t *testing.T) {
	args, _ := json.Marshal(lookupArgs{MedicationName: "not-a-real-drug"})
	_, err := lookupMedicationInfoHandler(context.Background(), string(args))
	if err == nil {
		t.Fatal("expected error for unknown medication")
	}
}

func TestEvaluatePriorAuthorizationHandler_Denylisted(t *testing.T) {
	args, _ := json.Marshal(priorAuthArgs{PolicyID: "P-001", MedicationName: "Humira", DiagnosisCode: "M05.9"})
	out, err := evaluatePriorAuthorizationHandler(context.Background(), string(args))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res priorAuthResult
	_ = json.Unmarshal([]byte(out), &res)
	if res.Approved {
		t.Error("expected denylisted medication to require manual review")
	}
}

func TestEscalateEmergencyHandler_AlwaysEscalates(t *testing.T) {
	args, _ := json.Marshal(escalateArgs{Reason: "chest pain"})
	out, err := escalateEmergencyHandler(context.Background(), string(args))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res escalateResult
	_ = json.Unmarshal([]byte(out), &res)
	if !res.Escalated {
		t.Error("expected escalated=true")
	}
}

func TestHandoffAgentHandler_RequiresTarget(t *testing.T) {
	args, _ := json.Marshal(handoffArgs{})
	_, err := handoffAgentHandler(context.Background(), string(args))
	if err == nil {
		t.Fatal("expected error for missing target_agent")
	}
}

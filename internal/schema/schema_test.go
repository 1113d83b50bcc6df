package schema

import (
	"errors"
	"testing"
)

func TestDefaultRegistryLoads(t *testing.T) {
	registry := Default()

	tenants := registry.Tenants()
	if len(tenants) != 3 {
		t.Fatalf("expected 3 tenants, got %d: %v", len(tenants), tenants)
	}

	for _, tenant := range []Tenant{TenantLegal, TenantPrint, TenantCommercial} {
		numbers := registry.StageNumbers(tenant)
		if len(numbers) != 7 {
			t.Errorf("tenant %s: expected 7 stages, got %v", tenant, numbers)
		}
		for i, number := range numbers {
			if number != i+1 {
				t.Errorf("tenant %s: stage numbers not contiguous: %v", tenant, numbers)
				break
			}
		}
	}
}

func TestNoteFormats(t *testing.T) {
	registry := Default()

	tests := []struct {
		tenant Tenant
		want   NoteFormat
	}{
		{TenantLegal, NoteCombined},
		{TenantPrint, NoteCombined},
		{TenantCommercial, NoteSeparate},
	}
	for _, tt := range tests {
		got, err := registry.NoteFormat(tt.tenant)
		if err != nil {
			t.Fatalf("NoteFormat(%s): %v", tt.tenant, err)
		}
		if got != tt.want {
			t.Errorf("NoteFormat(%s) = %q, want %q", tt.tenant, got, tt.want)
		}
	}
}

func TestUnknownTenantAndStage(t *testing.T) {
	registry := Default()

	var unknown *UnknownStageError
	if _, err := registry.Stage("aviation", 1); !errors.As(err, &unknown) {
		t.Errorf("unknown tenant: expected UnknownStageError, got %v", err)
	}
	if _, err := registry.Stage(TenantLegal, 99); !errors.As(err, &unknown) {
		t.Errorf("unknown stage: expected UnknownStageError, got %v", err)
	}
	if _, err := registry.NoteFormat("aviation"); err == nil {
		t.Error("unknown tenant: expected NoteFormat error")
	}
}

func TestActiveFieldsClientTypeCondition(t *testing.T) {
	def, err := Default().Stage(TenantLegal, 2)
	if err != nil {
		t.Fatal(err)
	}

	hasField := func(fields []FieldSpec, key string) bool {
		for _, field := range fields {
			if field.Key == key {
				return true
			}
		}
		return false
	}

	seller := def.ActiveFields(map[string]string{"clientType": "Seller"})
	if !hasField(seller, "obtainDaSeller") {
		t.Error("seller matter should include obtainDaSeller")
	}

	buyer := def.ActiveFields(map[string]string{"clientType": "Buyer"})
	if hasField(buyer, "obtainDaSeller") {
		t.Error("buyer matter should exclude obtainDaSeller")
	}

	// Case-insensitive attribute matching.
	lower := def.ActiveFields(map[string]string{"clientType": "seller"})
	if !hasField(lower, "obtainDaSeller") {
		t.Error("clientType comparison should be case-insensitive")
	}

	none := def.ActiveFields(nil)
	if hasField(none, "obtainDaSeller") {
		t.Error("missing attribute should exclude the conditional field")
	}
}

func TestActiveFieldsRoleCondition(t *testing.T) {
	def, err := Default().Stage(TenantLegal, 7)
	if err != nil {
		t.Fatal(err)
	}

	admin := def.ActiveFields(map[string]string{"role": "admin"})
	if len(admin) != 3 {
		t.Errorf("admin should see all 3 cost fields, got %d", len(admin))
	}

	staff := def.ActiveFields(map[string]string{"role": "staff"})
	if len(staff) != 1 {
		t.Errorf("staff should only see costAgreement, got %d fields", len(staff))
	}
	if len(staff) > 0 && staff[0].Key != "costAgreement" {
		t.Errorf("staff field = %q, want costAgreement", staff[0].Key)
	}
}

func TestGreenSetNormalized(t *testing.T) {
	def, err := Default().Stage(TenantLegal, 1)
	if err != nil {
		t.Fatal(err)
	}
	green := def.GreenSet()
	for _, token := range []string{"yes", "nr", "na", "fixed", "variable"} {
		if !green[token] {
			t.Errorf("green set missing %q", token)
		}
	}
	if green["no"] {
		t.Error("green set should not contain \"no\"")
	}
}

func TestStageSixGreenIncludesCloseStates(t *testing.T) {
	def, err := Default().Stage(TenantLegal, 6)
	if err != nil {
		t.Fatal(err)
	}
	green := def.GreenSet()
	if !green["completed"] || !green["cancelled"] {
		t.Error("close stage green set should accept completed and cancelled")
	}
}

func TestConditionMatches(t *testing.T) {
	cond := &Condition{Attr: "clientType", Equals: []string{"Seller"}}

	if !cond.Matches(map[string]string{"clientType": " seller "}) {
		t.Error("whitespace-padded value should match")
	}
	if cond.Matches(map[string]string{"clientType": "Buyer"}) {
		t.Error("Buyer should not match Seller condition")
	}
	if cond.Matches(nil) {
		t.Error("missing attribute should not match")
	}

	var nilCond *Condition
	if !nilCond.Matches(nil) {
		t.Error("nil condition applies unconditionally")
	}
}

package workflow

import (
	"testing"
)

func TestSystemNoteOutstandingFields(t *testing.T) {
	def := legalStage(t, 1)
	fields := def.ActiveFields(nil)
	group := def.Notes[0]

	form := map[string]string{"retainer": "Yes"}
	want := "Declaration form, Contract Review, Quote Type, Quote amount (incl GST), Tenants not received"
	if got := SystemNote(def, group, fields, form); got != want {
		t.Errorf("SystemNote = %q, want %q", got, want)
	}
}

func TestSystemNoteAllComplete(t *testing.T) {
	def := legalStage(t, 1)
	fields := def.ActiveFields(nil)
	group := def.Notes[0]

	form := map[string]string{
		"retainer":        "Yes",
		"declarationForm": "Yes",
		"contractReview":  "N/R",
		"quoteType":       "Fixed",
		"quoteAmount":     "1500",
		"tenants":         "NA",
	}
	if got := SystemNote(def, group, fields, form); got != "Tasks completed" {
		t.Errorf("SystemNote = %q, want %q", got, "Tasks completed")
	}
}

func TestSystemNoteStageTwoWording(t *testing.T) {
	def := legalStage(t, 2)
	sellerFields := def.ActiveFields(map[string]string{"clientType": "Seller"})

	searches := def.Notes[0]
	form := map[string]string{"voi": "Yes", "caf": "Processing"}
	want := "CAF and Deposit and Obtain DA not received"
	if got := SystemNote(def, searches, sellerFields, form); got != want {
		t.Errorf("searches note = %q, want %q", got, want)
	}

	conditions := def.Notes[1]
	form = map[string]string{"buildingPest": "Yes"}
	if got := SystemNote(def, conditions, sellerFields, form); got != "Finance not completed" {
		t.Errorf("conditions note = %q, want %q", got, "Finance not completed")
	}
}

func TestSystemNoteSkipsInapplicableMembers(t *testing.T) {
	def := legalStage(t, 2)
	buyerFields := def.ActiveFields(map[string]string{"clientType": "Buyer"})
	searches := def.Notes[0]

	// obtainDaSeller is a member but does not apply to buyers, so it
	// never appears as outstanding.
	form := map[string]string{"voi": "Yes", "caf": "Yes", "deposit": "Yes"}
	if got := SystemNote(def, searches, buyerFields, form); got != "Tasks completed" {
		t.Errorf("buyer note = %q, want %q", got, "Tasks completed")
	}
}

func TestSystemNoteSkipsImageMembers(t *testing.T) {
	def := printStage(t, 2)
	fields := def.ActiveFields(nil)
	group := def.Notes[0]

	form := map[string]string{"proofSent": "Yes", "proofApproved": "Approved"}
	if got := SystemNote(def, group, fields, form); got != "Tasks completed" {
		t.Errorf("note with empty image member = %q, want %q", got, "Tasks completed")
	}
}

func TestComposeAndParseCombinedNote(t *testing.T) {
	stored := ComposeCombinedNote("Tasks completed", "call client re keys")
	if stored != "Tasks completed - call client re keys" {
		t.Fatalf("ComposeCombinedNote = %q", stored)
	}

	system, comment := ParseCombinedNote(stored)
	if system != "Tasks completed" || comment != "call client re keys" {
		t.Errorf("ParseCombinedNote = (%q, %q)", system, comment)
	}
}

func TestParseCombinedNoteSplitsOnFirstSeparator(t *testing.T) {
	system, comment := ParseCombinedNote("Retainer not received - seller away - call back Monday")
	if system != "Retainer not received" {
		t.Errorf("system = %q", system)
	}
	if comment != "seller away - call back Monday" {
		t.Errorf("comment = %q", comment)
	}
}

func TestParseCombinedNoteWithoutSeparator(t *testing.T) {
	system, comment := ParseCombinedNote("Tasks completed")
	if system != "Tasks completed" || comment != "" {
		t.Errorf("ParseCombinedNote = (%q, %q)", system, comment)
	}
}

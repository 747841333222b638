package memory

import "testing"

func TestType_IsValid(t *testing.T) {
	valid := []Type{TypeRule, TypeDecision, TypeFact, TypeNote, TypeSkill}
	for _, ty := range valid {
		if !ty.IsValid() {
			t.Errorf("Type(%q).IsValid() = false, want true", ty)
		}
	}
	if Type("permanent").IsValid() {
		t.Error(`Type("permanent").IsValid() = true, want false`)
	}
}

func TestLayer_IsValid(t *testing.T) {
	valid := []Layer{LayerRule, LayerWorking, LayerLongTerm}
	for _, l := range valid {
		if !l.IsValid() {
			t.Errorf("Layer(%q).IsValid() = false, want true", l)
		}
	}
	if Layer("permanent").IsValid() {
		t.Error(`Layer("permanent").IsValid() = true, want false`)
	}
}

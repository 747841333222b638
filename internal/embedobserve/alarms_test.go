package embedobserve

import "testing"

func TestAlarmThresholdReportsNoDataBelowMinSamples(t *testing.T) {
	a := alarmThreshold("EMBEDDING_DEAD_LETTER_RATE", "deadLetters/attempts", 0.5, 0.02, 0.05, 5, 20)
	if a.Severity != SeverityNoData {
		t.Errorf("Severity = %q, want no_data", a.Severity)
	}
}

func TestAlarmThresholdClassifiesWarningAndCritical(t *testing.T) {
	ok := alarmThreshold("X", "m", 0.01, 0.02, 0.05, 100, 20)
	if ok.Severity != SeverityOK {
		t.Errorf("ok case: Severity = %q, want ok", ok.Severity)
	}
	warn := alarmThreshold("X", "m", 0.03, 0.02, 0.05, 100, 20)
	if warn.Severity != SeverityWarning {
		t.Errorf("warn case: Severity = %q, want warning", warn.Severity)
	}
	crit := alarmThreshold("X", "m", 0.10, 0.02, 0.05, 100, 20)
	if crit.Severity != SeverityCritical {
		t.Errorf("crit case: Severity = %q, want critical", crit.Severity)
	}
}

func TestOverallHealthCriticalWinsOverWarning(t *testing.T) {
	alarms := []Alarm{
		{Severity: SeverityWarning},
		{Severity: SeverityCritical},
		{Severity: SeverityOK},
	}
	if got := overallHealth(alarms); got != HealthCritical {
		t.Errorf("overallHealth = %q, want critical", got)
	}
}

func TestOverallHealthDegradedOnWarningOnly(t *testing.T) {
	alarms := []Alarm{{Severity: SeverityOK}, {Severity: SeverityWarning}, {Severity: SeverityNoData}}
	if got := overallHealth(alarms); got != HealthDegraded {
		t.Errorf("overallHealth = %q, want degraded", got)
	}
}

func TestOverallHealthHealthyWhenNoneFire(t *testing.T) {
	alarms := []Alarm{{Severity: SeverityOK}, {Severity: SeverityNoData}}
	if got := overallHealth(alarms); got != HealthHealthy {
		t.Errorf("overallHealth = %q, want healthy", got)
	}
}

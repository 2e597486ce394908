package priority

import "strings"

// rule evaluates one adjustment against req, returning ok=false when the
// rule does not apply so it leaves no trace in the explanation.
type rule func(req Request) (Adjustment, bool)

// rules runs in this fixed order so the Adjustments slice in Result reads
// the same way every time for the same input.
var rules = []rule{
	waitingTimeRule,
	ageRule,
	criticalHistoryRule,
	chronicHistoryRule,
	conditionCountRule,
	namedConditionRule,
	urgencyLevelRule,
	pregnancyRule,
	disabilityRule,
	followupUrgencyRule,
}

// waitingTimeRule implements the tiered waiting-time bonus. The 59-vs-60
// minute boundary is deliberate: below 60 the bonus is capped at 40, at or
// above 60 it jumps to a flat 100.
func waitingTimeRule(req Request) (Adjustment, bool) {
	m := req.WaitingMinutes
	switch {
	case m >= 180:
		return Adjustment{Label: "waiting_time", Delta: 250}, true
	case m >= 120:
		return Adjustment{Label: "waiting_time", Delta: 150}, true
	case m >= 60:
		return Adjustment{Label: "waiting_time", Delta: 100}, true
	case m > 0:
		delta := int(float64(m) * 0.8)
		if delta > 40 {
			delta = 40
		}
		return Adjustment{Label: "waiting_time", Delta: delta}, true
	default:
		return Adjustment{}, false
	}
}

// ageRule implements the tiered age bonus. 64 gets nothing; 65 gets +20.
func ageRule(req Request) (Adjustment, bool) {
	age := req.Patient.Age
	switch {
	case age >= 80:
		return Adjustment{Label: "age", Delta: 60}, true
	case age >= 65:
		return Adjustment{Label: "age", Delta: 20}, true
	case age > 0 && age <= 12:
		return Adjustment{Label: "age", Delta: 30}, true
	default:
		return Adjustment{}, false
	}
}

func criticalHistoryRule(req Request) (Adjustment, bool) {
	if !req.Patient.History.Critical {
		return Adjustment{}, false
	}
	return Adjustment{Label: "medical_history_critical", Delta: 100}, true
}

func chronicHistoryRule(req Request) (Adjustment, bool) {
	if !req.Patient.History.Chronic {
		return Adjustment{}, false
	}
	return Adjustment{Label: "medical_history_chronic", Delta: 30}, true
}

func conditionCountRule(req Request) (Adjustment, bool) {
	switch n := len(req.Patient.Conditions); {
	case n >= 3:
		return Adjustment{Label: "conditions_count", Delta: 75}, true
	case n >= 2:
		return Adjustment{Label: "conditions_count", Delta: 40}, true
	default:
		return Adjustment{}, false
	}
}

var moderateRiskConditions = map[string]bool{
	"diabetes":     true,
	"hypertension": true,
}

var highRiskConditions = map[string]bool{
	"heart disease":  true,
	"kidney_disease": true,
}

func namedConditionRule(req Request) (Adjustment, bool) {
	hasHighRisk := false
	hasModerateRisk := false
	for _, c := range req.Patient.Conditions {
		lc := strings.ToLower(c)
		if highRiskConditions[lc] {
			hasHighRisk = true
		}
		if moderateRiskConditions[lc] {
			hasModerateRisk = true
		}
	}
	switch {
	case hasHighRisk:
		return Adjustment{Label: "named_condition", Delta: 40}, true
	case hasModerateRisk:
		return Adjustment{Label: "named_condition", Delta: 20}, true
	default:
		return Adjustment{}, false
	}
}

func urgencyLevelRule(req Request) (Adjustment, bool) {
	var delta int
	switch req.Patient.UrgencyLevel {
	case "emergency":
		delta = 200
	case "critical":
		delta = 150
	case "urgent":
		delta = 40
	case "moderate":
		delta = 30
	default:
		return Adjustment{}, false
	}
	return Adjustment{Label: "urgency_level", Delta: delta}, true
}

func pregnancyRule(req Request) (Adjustment, bool) {
	if !req.Patient.IsPregnant {
		return Adjustment{}, false
	}
	return Adjustment{Label: "pregnancy", Delta: 75}, true
}

func disabilityRule(req Request) (Adjustment, bool) {
	if !req.Patient.HasDisability {
		return Adjustment{}, false
	}
	return Adjustment{Label: "disability", Delta: 50}, true
}

func followupUrgencyRule(req Request) (Adjustment, bool) {
	var delta int
	switch req.Patient.FollowupUrgency {
	case "urgent":
		delta = 75
	case "moderate":
		delta = 40
	case "routine":
		delta = 20
	default:
		return Adjustment{}, false
	}
	return Adjustment{Label: "followup_urgency", Delta: delta}, true
}

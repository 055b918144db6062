package rules

// DiscountVars are the period facts a discount condition can reference.
type DiscountVars struct {
	TotalVolume  float64
	PickupCount  int
	BaseCharge   int64
	RunningTotal int64
	Frequency    string
	Period       string
	Volumes      map[string]float64
}

// Activation returns the CEL activation for the discount environment.
func (v DiscountVars) Activation() map[string]any {
	volumes := v.Volumes
	if volumes == nil {
		volumes = map[string]float64{}
	}
	return map[string]any{
		"total_volume":  v.TotalVolume,
		"pickup_count":  int64(v.PickupCount),
		"base_charge":   v.BaseCharge,
		"running_total": v.RunningTotal,
		"frequency":     v.Frequency,
		"period":        v.Period,
		"volumes":       volumes,
	}
}

// EscalationVars are the event facts an escalation trigger can reference.
type EscalationVars struct {
	Breaches        []string
	LateMinutes     int64
	ResponseMinutes int64
	Status          string
	Tier            string
	QualityIssue    bool
	PenaltyAmount   int64
}

// Activation returns the CEL activation for the escalation environment.
func (v EscalationVars) Activation() map[string]any {
	breaches := v.Breaches
	if breaches == nil {
		breaches = []string{}
	}
	return map[string]any{
		"breaches":         breaches,
		"late_minutes":     v.LateMinutes,
		"response_minutes": v.ResponseMinutes,
		"status":           v.Status,
		"tier":             v.Tier,
		"quality_issue":    v.QualityIssue,
		"penalty_amount":   v.PenaltyAmount,
	}
}

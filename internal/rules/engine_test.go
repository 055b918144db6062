package rules

import (
	"sync"
	"testing"
)

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	if engine.Cached() != 0 {
		t.Errorf("expected 0 cached programs, got %d", engine.Cached())
	}
}

func TestEmptyConditionAlwaysHolds(t *testing.T) {
	engine, _ := NewEngine()

	ok, err := engine.Eval(KindDiscount, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected empty condition to hold")
	}
}

func TestDiscountConditions(t *testing.T) {
	engine, _ := NewEngine()

	vars := DiscountVars{
		TotalVolume:  300,
		PickupCount:  12,
		BaseCharge:   15000,
		RunningTotal: 13500,
		Frequency:    "weekly",
		Period:       "2025-03",
		Volumes:      map[string]float64{"paper": 300},
	}.Activation()

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"volume above threshold", "total_volume > 200.0", true},
		{"volume below threshold", "total_volume > 500.0", false},
		{"pickup count", "pickup_count >= 12", true},
		{"running total", "running_total < base_charge", true},
		{"frequency", "frequency == 'daily'", false},
		{"category volume", "'paper' in volumes && volumes['paper'] >= 300.0", true},
		{"missing category", "'glass' in volumes", false},
		{"period prefix", "period.startsWith('2025-')", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Eval(KindDiscount, tt.expr, vars)
			if err != nil {
				t.Fatalf("eval failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEscalationConditions(t *testing.T) {
	engine, _ := NewEngine()

	vars := EscalationVars{
		Breaches:    []string{"late_pickup"},
		LateMinutes: 35,
		Status:      "completed",
		Tier:        "premium",
	}.Activation()

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"late breach", "'late_pickup' in breaches", true},
		{"missed breach", "'missed_pickup' in breaches", false},
		{"late minutes", "late_minutes > 30", true},
		{"tier and lateness", "tier == 'premium' && late_minutes >= 60", false},
		{"quality", "quality_issue", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Eval(KindEscalation, tt.expr, vars)
			if err != nil {
				t.Fatalf("eval failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestInvalidConditions(t *testing.T) {
	engine, _ := NewEngine()

	tests := []struct {
		name string
		kind Kind
		expr string
	}{
		{"syntax error", KindDiscount, "this is not valid CEL !!!"},
		{"non-bool output", KindDiscount, "total_volume * 2.0"},
		{"unknown variable", KindDiscount, "late_minutes > 5"},
		{"wrong environment", KindEscalation, "total_volume > 1.0"},
		{"unknown kind", Kind("penalty"), "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := engine.Validate(tt.kind, tt.expr); err == nil {
				t.Errorf("expected error for %q", tt.expr)
			}
		})
	}
}

func TestProgramsAreCached(t *testing.T) {
	engine, _ := NewEngine()
	vars := DiscountVars{TotalVolume: 10}.Activation()

	for i := 0; i < 3; i++ {
		if _, err := engine.Eval(KindDiscount, "total_volume > 5.0", vars); err != nil {
			t.Fatalf("eval failed: %v", err)
		}
	}

	if engine.Cached() != 1 {
		t.Errorf("expected 1 cached program, got %d", engine.Cached())
	}
}

func TestConcurrentEvaluation(t *testing.T) {
	engine, _ := NewEngine()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			vars := DiscountVars{PickupCount: n}.Activation()
			got, err := engine.Eval(KindDiscount, "pickup_count >= 25", vars)
			if err != nil {
				errs <- err
				return
			}
			if got != (n >= 25) {
				t.Errorf("pickup_count=%d: got %v", n, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent eval failed: %v", err)
	}
}

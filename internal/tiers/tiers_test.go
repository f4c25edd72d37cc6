package tiers

import (
	"testing"

	"github.com/mavirek/apiwarden/internal/db"
)

func TestEvaluateKnownTiers(t *testing.T) {
	table := NewTable()

	pro := table.Evaluate(db.TierPro)
	if pro.BurstPerMinute != 20 || pro.PerHour != 500 {
		t.Errorf("unexpected pro limits %+v", pro)
	}

	ent := table.Evaluate(db.TierEnterprise)
	if ent.BurstPerMinute != 0 {
		t.Errorf("enterprise should carry no burst cap, got %d", ent.BurstPerMinute)
	}
	if ent.PerHour <= pro.PerHour {
		t.Error("enterprise hourly ceiling should exceed pro")
	}
}

func TestEvaluateUnknownTierFallsBack(t *testing.T) {
	table := NewTable()
	if got := table.Evaluate("made-up"); got != table.Evaluate(db.TierPro) {
		t.Errorf("unknown tier did not fall back to default: %+v", got)
	}
}

func TestLoadReplacesTable(t *testing.T) {
	table := NewTable()
	table.Load(map[string]Limits{
		db.TierPro: {PerHour: 7, PerDay: 70, PerMonth: 700},
	})

	if got := table.Evaluate(db.TierPro).PerHour; got != 7 {
		t.Errorf("expected reloaded limit 7, got %d", got)
	}
	// The old enterprise entry is gone; fallback applies.
	if got := table.Evaluate(db.TierEnterprise).PerHour; got != 7 {
		t.Errorf("expected fallback after reload, got %d", got)
	}
}

func TestIPPerHour(t *testing.T) {
	l := Limits{PerHour: 100}
	if got := l.IPPerHour(); got != 100*IPHourMultiplier {
		t.Errorf("IPPerHour = %d", got)
	}
}

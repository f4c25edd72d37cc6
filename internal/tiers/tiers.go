// Package tiers maps subscription tiers to quota ceilings. The table is
// replaceable at runtime under a read lock, so limit changes never need a
// restart.
package tiers

import (
	"sync"

	"github.com/mavirek/apiwarden/internal/db"
)

// Limits are the per-window ceilings for one tier. BurstPerMinute of zero
// disables the burst window. The IP ceiling is derived, not stored: one
// shared address must not starve the users behind it, so it scales as a
// multiple of the user hourly ceiling.
type Limits struct {
	BurstPerMinute int `json:"burst_per_minute"`
	PerHour        int `json:"per_hour"`
	PerDay         int `json:"per_day"`
	PerMonth       int `json:"per_month"`
}

// IPHourMultiplier scales the user hourly ceiling into the per-source-IP
// hourly ceiling.
const IPHourMultiplier = 5

func (l Limits) IPPerHour() int {
	return l.PerHour * IPHourMultiplier
}

// Table evaluates tier names to limits. Unknown tiers fall back to the
// default entry.
type Table struct {
	mu     sync.RWMutex
	limits map[string]Limits
	def    Limits
}

func Defaults() map[string]Limits {
	return map[string]Limits{
		db.TierPro: {
			BurstPerMinute: 20,
			PerHour:        500,
			PerDay:         5000,
			PerMonth:       100000,
		},
		db.TierEnterprise: {
			BurstPerMinute: 0, // no burst cap
			PerHour:        5000,
			PerDay:         50000,
			PerMonth:       1000000,
		},
	}
}

func NewTable() *Table {
	t := &Table{}
	t.Load(Defaults())
	return t
}

// Load replaces the whole table.
func (t *Table) Load(limits map[string]Limits) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits = make(map[string]Limits, len(limits))
	for k, v := range limits {
		t.limits[k] = v
	}
	t.def = limits[db.TierPro]
}

// Evaluate returns the limits for a tier, falling back to the default.
func (t *Table) Evaluate(tier string) Limits {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if l, ok := t.limits[tier]; ok {
		return l
	}
	return t.def
}

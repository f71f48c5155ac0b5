package rules

import (
	"context"
	"testing"

	"github.com/mailroom-labs/kite/internal/domain"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(5)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func mustLoad(t *testing.T, e *Engine, rule *domain.NotificationRule) {
	t.Helper()
	if err := e.LoadRule(rule); err != nil {
		t.Fatalf("LoadRule(%s) failed: %v", rule.ID, err)
	}
}

func arrivalEvent(tenant, recipient string) *domain.TriggerEvent {
	return &domain.TriggerEvent{
		ID:        "evt-1",
		TenantID:  tenant,
		Type:      domain.TriggerPackageArrival,
		Recipient: recipient,
	}
}

func TestEngineLoad(t *testing.T) {
	engine := newTestEngine(t)

	t.Run("LoadValidRule", func(t *testing.T) {
		mustLoad(t, engine, &domain.NotificationRule{
			ID:          "r1",
			TenantID:    "t1",
			Name:        "Arrival",
			TriggerType: domain.TriggerPackageArrival,
			Channels:    map[domain.Channel]bool{domain.ChannelEmail: true},
			IsActive:    true,
		})
		if engine.RulesCount() != 1 {
			t.Errorf("expected 1 rule, got %d", engine.RulesCount())
		}
	})

	t.Run("LoadInvalidRule", func(t *testing.T) {
		err := engine.LoadRule(&domain.NotificationRule{
			ID:          "r-bad",
			TenantID:    "t1",
			Name:        "",
			TriggerType: domain.TriggerPackageArrival,
			IsActive:    true,
		})
		if err == nil {
			t.Error("expected error for rule without name")
		}
	})

	t.Run("LoadRulesSkipsInactive", func(t *testing.T) {
		e := newTestEngine(t)
		err := e.LoadRules([]*domain.NotificationRule{
			{
				ID: "active", TenantID: "t1", Name: "A",
				TriggerType: domain.TriggerPackageArrival,
				Channels:    map[domain.Channel]bool{domain.ChannelEmail: true},
				IsActive:    true,
			},
			{
				ID: "inactive", TenantID: "t1", Name: "B",
				TriggerType: domain.TriggerPackageArrival,
				Channels:    map[domain.Channel]bool{domain.ChannelEmail: true},
				IsActive:    false,
			},
		})
		if err != nil {
			t.Fatalf("LoadRules failed: %v", err)
		}
		if e.RulesCount() != 1 {
			t.Errorf("expected only the active rule loaded, got %d", e.RulesCount())
		}
	})

	t.Run("UnloadRule", func(t *testing.T) {
		e := newTestEngine(t)
		mustLoad(t, e, &domain.NotificationRule{
			ID: "r1", TenantID: "t1", Name: "A",
			TriggerType: domain.TriggerPackageArrival,
			Channels:    map[domain.Channel]bool{domain.ChannelEmail: true},
			IsActive:    true,
		})
		e.UnloadRule("r1")
		if e.RulesCount() != 0 {
			t.Errorf("expected 0 rules after unload, got %d", e.RulesCount())
		}
	})

	t.Run("ReloadReplacesAll", func(t *testing.T) {
		e := newTestEngine(t)
		mustLoad(t, e, &domain.NotificationRule{
			ID: "old", TenantID: "t1", Name: "Old",
			TriggerType: domain.TriggerPackageArrival,
			Channels:    map[domain.Channel]bool{domain.ChannelEmail: true},
			IsActive:    true,
		})

		err := e.ReloadRules([]*domain.NotificationRule{
			{
				ID: "new", TenantID: "t1", Name: "New",
				TriggerType: domain.TriggerPaymentDue,
				Channels:    map[domain.Channel]bool{domain.ChannelSMS: true},
				IsActive:    true,
			},
		})
		if err != nil {
			t.Fatalf("ReloadRules failed: %v", err)
		}

		loaded := e.GetLoadedRules()
		if len(loaded) != 1 || loaded[0].ID != "new" {
			t.Errorf("expected only 'new' loaded, got %v", loaded)
		}
	})
}

func TestMatchConditions(t *testing.T) {
	cases := []struct {
		name string
		cond domain.Conditions
		ev   *domain.TriggerEvent
		want bool
	}{
		{
			"ArrivalAlwaysMatches",
			domain.PackageArrivalConditions{},
			&domain.TriggerEvent{Type: domain.TriggerPackageArrival},
			true,
		},
		{
			"AgeAtThreshold",
			domain.PackageAgeConditions{AgeDays: 3},
			&domain.TriggerEvent{Type: domain.TriggerPackageAge, AgeInDays: 3},
			true,
		},
		{
			"AgeBelowThreshold",
			domain.PackageAgeConditions{AgeDays: 3},
			&domain.TriggerEvent{Type: domain.TriggerPackageAge, AgeInDays: 2},
			false,
		},
		{
			"AgeCustomerTypeMatch",
			domain.PackageAgeConditions{AgeDays: 0, CustomerType: "business"},
			&domain.TriggerEvent{Type: domain.TriggerPackageAge, CustomerType: "business"},
			true,
		},
		{
			"AgeCustomerTypeMismatch",
			domain.PackageAgeConditions{AgeDays: 0, CustomerType: "business"},
			&domain.TriggerEvent{Type: domain.TriggerPackageAge, CustomerType: "personal"},
			false,
		},
		{
			"AgeCustomerTypeAll",
			domain.PackageAgeConditions{AgeDays: 0, CustomerType: domain.CustomerTypeAll},
			&domain.TriggerEvent{Type: domain.TriggerPackageAge, CustomerType: "personal"},
			true,
		},
		{
			"ExpiryInsideHorizon",
			domain.MailboxExpiryConditions{DaysBefore: 30},
			&domain.TriggerEvent{Type: domain.TriggerMailboxExpiry, DaysUntilExpiry: 30},
			true,
		},
		{
			"ExpiryOutsideHorizon",
			domain.MailboxExpiryConditions{DaysBefore: 30},
			&domain.TriggerEvent{Type: domain.TriggerMailboxExpiry, DaysUntilExpiry: 31},
			false,
		},
		{
			"PaymentAtThreshold",
			domain.PaymentDueConditions{DaysOverdue: 1},
			&domain.TriggerEvent{Type: domain.TriggerPaymentDue, DaysOverdue: 1},
			true,
		},
		{
			"PaymentBelowThreshold",
			domain.PaymentDueConditions{DaysOverdue: 2},
			&domain.TriggerEvent{Type: domain.TriggerPaymentDue, DaysOverdue: 1},
			false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MatchConditions(tc.cond, tc.ev); got != tc.want {
				t.Errorf("MatchConditions = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEvaluateAll(t *testing.T) {
	ctx := context.Background()

	t.Run("MatchesOnlySameTrigger", func(t *testing.T) {
		engine := newTestEngine(t)
		mustLoad(t, engine, &domain.NotificationRule{
			ID: "arrival", TenantID: "t1", Name: "Arrival",
			TriggerType: domain.TriggerPackageArrival,
			Channels:    map[domain.Channel]bool{domain.ChannelEmail: true},
			IsActive:    true,
		})
		mustLoad(t, engine, &domain.NotificationRule{
			ID: "payment", TenantID: "t1", Name: "Payment",
			TriggerType: domain.TriggerPaymentDue,
			Channels:    map[domain.Channel]bool{domain.ChannelSMS: true},
			IsActive:    true,
		})

		matches, skipped := engine.EvaluateAll(ctx, arrivalEvent("t1", "box-1"))
		if skipped != 0 {
			t.Errorf("expected 0 skipped, got %d", skipped)
		}
		if len(matches) != 1 || matches[0].Rule.ID != "arrival" {
			t.Fatalf("expected only the arrival rule to match, got %v", matches)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		engine := newTestEngine(t)
		mustLoad(t, engine, &domain.NotificationRule{
			ID: "r1", TenantID: "tenant-a", Name: "A",
			TriggerType: domain.TriggerPackageArrival,
			Channels:    map[domain.Channel]bool{domain.ChannelEmail: true},
			IsActive:    true,
		})

		matches, _ := engine.EvaluateAll(ctx, arrivalEvent("tenant-b", "box-1"))
		if len(matches) != 0 {
			t.Errorf("expected no matches across tenants, got %d", len(matches))
		}
	})

	t.Run("DeterministicOrder", func(t *testing.T) {
		engine := newTestEngine(t)
		for _, id := range []string{"zulu", "alpha", "mike"} {
			mustLoad(t, engine, &domain.NotificationRule{
				ID: id, TenantID: "t1", Name: id,
				TriggerType: domain.TriggerPackageArrival,
				Channels:    map[domain.Channel]bool{domain.ChannelEmail: true},
				IsActive:    true,
			})
		}

		for i := 0; i < 5; i++ {
			matches, _ := engine.EvaluateAll(ctx, arrivalEvent("t1", "box-1"))
			if len(matches) != 3 {
				t.Fatalf("expected 3 matches, got %d", len(matches))
			}
			if matches[0].Rule.ID != "alpha" || matches[1].Rule.ID != "mike" || matches[2].Rule.ID != "zulu" {
				t.Fatalf("expected matches ordered by rule ID, got %s,%s,%s",
					matches[0].Rule.ID, matches[1].Rule.ID, matches[2].Rule.ID)
			}
		}
	})

	t.Run("FilterNarrowsMatch", func(t *testing.T) {
		engine := newTestEngine(t)
		mustLoad(t, engine, &domain.NotificationRule{
			ID: "vip-only", TenantID: "t1", Name: "VIP arrivals",
			TriggerType: domain.TriggerPackageArrival,
			Channels:    map[domain.Channel]bool{domain.ChannelPush: true},
			IsActive:    true,
			Filter:      `customer_type == "vip"`,
		})

		ev := arrivalEvent("t1", "box-1")
		ev.CustomerType = "vip"
		matches, _ := engine.EvaluateAll(ctx, ev)
		if len(matches) != 1 {
			t.Fatalf("expected vip event to match, got %d matches", len(matches))
		}

		ev.CustomerType = "personal"
		matches, _ = engine.EvaluateAll(ctx, ev)
		if len(matches) != 0 {
			t.Errorf("expected non-vip event not to match, got %d matches", len(matches))
		}
	})

	t.Run("FilterMustReturnBool", func(t *testing.T) {
		engine := newTestEngine(t)
		err := engine.LoadRule(&domain.NotificationRule{
			ID: "bad-filter", TenantID: "t1", Name: "Bad",
			TriggerType: domain.TriggerPackageArrival,
			Channels:    map[domain.Channel]bool{domain.ChannelEmail: true},
			IsActive:    true,
			Filter:      `recipient`,
		})
		if err == nil {
			t.Error("expected error for non-bool filter")
		}
	})

	t.Run("MatchCarriesQuietWindow", func(t *testing.T) {
		engine := newTestEngine(t)
		mustLoad(t, engine, &domain.NotificationRule{
			ID: "quiet", TenantID: "t1", Name: "Quiet",
			TriggerType:     domain.TriggerPackageArrival,
			Channels:        map[domain.Channel]bool{domain.ChannelEmail: true},
			IsActive:        true,
			QuietHoursStart: "22:00",
			QuietHoursEnd:   "08:00",
		})

		matches, _ := engine.EvaluateAll(ctx, arrivalEvent("t1", "box-1"))
		if len(matches) != 1 {
			t.Fatalf("expected 1 match, got %d", len(matches))
		}
		if matches[0].Quiet.IsZero() {
			t.Error("expected parsed quiet window on the match")
		}
	})

	t.Run("NoRulesLoaded", func(t *testing.T) {
		engine := newTestEngine(t)
		matches, skipped := engine.EvaluateAll(ctx, arrivalEvent("t1", "box-1"))
		if matches != nil || skipped != 0 {
			t.Errorf("expected empty result, got %v, %d", matches, skipped)
		}
	})
}

func TestValidateRuleDoesNotLoad(t *testing.T) {
	engine := newTestEngine(t)

	err := engine.ValidateRule(&domain.NotificationRule{
		ID: "candidate", TenantID: "t1", Name: "Candidate",
		TriggerType: domain.TriggerPackageArrival,
		Channels:    map[domain.Channel]bool{domain.ChannelEmail: true},
		IsActive:    true,
	})
	if err != nil {
		t.Fatalf("ValidateRule failed: %v", err)
	}
	if engine.RulesCount() != 0 {
		t.Errorf("ValidateRule must not load the rule, count = %d", engine.RulesCount())
	}
}

func TestDecodeConditionsDefaults(t *testing.T) {
	t.Run("AgeDefault", func(t *testing.T) {
		c, err := domain.DecodeConditions(domain.TriggerPackageAge, nil)
		if err != nil {
			t.Fatalf("DecodeConditions failed: %v", err)
		}
		age := c.(domain.PackageAgeConditions)
		if age.AgeDays != domain.DefaultAgeDays {
			t.Errorf("expected default age %d, got %d", domain.DefaultAgeDays, age.AgeDays)
		}
	})

	t.Run("ExpiryDefault", func(t *testing.T) {
		c, _ := domain.DecodeConditions(domain.TriggerMailboxExpiry, nil)
		exp := c.(domain.MailboxExpiryConditions)
		if exp.DaysBefore != domain.DefaultDaysBefore {
			t.Errorf("expected default horizon %d, got %d", domain.DefaultDaysBefore, exp.DaysBefore)
		}
	})

	t.Run("PaymentDefault", func(t *testing.T) {
		c, _ := domain.DecodeConditions(domain.TriggerPaymentDue, nil)
		pay := c.(domain.PaymentDueConditions)
		if pay.DaysOverdue != domain.DefaultDaysOverdue {
			t.Errorf("expected default overdue %d, got %d", domain.DefaultDaysOverdue, pay.DaysOverdue)
		}
	})

	t.Run("JSONFloatAccepted", func(t *testing.T) {
		c, err := domain.DecodeConditions(domain.TriggerPackageAge, map[string]any{"age_days": float64(5)})
		if err != nil {
			t.Fatalf("DecodeConditions failed: %v", err)
		}
		if c.(domain.PackageAgeConditions).AgeDays != 5 {
			t.Errorf("expected age 5, got %d", c.(domain.PackageAgeConditions).AgeDays)
		}
	})

	t.Run("FractionalRejected", func(t *testing.T) {
		if _, err := domain.DecodeConditions(domain.TriggerPackageAge, map[string]any{"age_days": 2.5}); err == nil {
			t.Error("expected error for fractional age_days")
		}
	})
}

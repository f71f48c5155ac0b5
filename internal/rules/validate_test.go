package rules

import (
	"errors"
	"strings"
	"testing"

	"github.com/mailroom-labs/kite/internal/domain"
)

func validRule() *domain.NotificationRule {
	return &domain.NotificationRule{
		ID:          "rule-1",
		TenantID:    "tenant-001",
		Name:        "Arrival notice",
		TriggerType: domain.TriggerPackageArrival,
		Conditions:  map[string]any{},
		Channels:    map[domain.Channel]bool{domain.ChannelEmail: true},
		IsActive:    true,
	}
}

func TestValidate(t *testing.T) {
	t.Run("ValidRule", func(t *testing.T) {
		if err := Validate(validRule()); err != nil {
			t.Errorf("expected valid rule, got: %v", err)
		}
	})

	t.Run("NilRule", func(t *testing.T) {
		if err := Validate(nil); err == nil {
			t.Error("expected error for nil rule")
		}
	})

	t.Run("EmptyName", func(t *testing.T) {
		rule := validRule()
		rule.Name = "   "
		assertFieldError(t, Validate(rule), "name")
	})

	t.Run("UnknownTriggerType", func(t *testing.T) {
		rule := validRule()
		rule.TriggerType = "carrier_pigeon"
		assertFieldError(t, Validate(rule), "trigger_type")
	})

	t.Run("ConditionKeyWrongTrigger", func(t *testing.T) {
		// days_overdue belongs to payment_due, not package_age
		rule := validRule()
		rule.TriggerType = domain.TriggerPackageAge
		rule.Conditions = map[string]any{"days_overdue": 2}
		assertFieldError(t, Validate(rule), "conditions")
	})

	t.Run("NegativeConditionValue", func(t *testing.T) {
		rule := validRule()
		rule.TriggerType = domain.TriggerPackageAge
		rule.Conditions = map[string]any{"age_days": -1}
		assertFieldError(t, Validate(rule), "conditions")
	})

	t.Run("UnknownChannel", func(t *testing.T) {
		rule := validRule()
		rule.Channels = map[domain.Channel]bool{"pigeon": true}
		assertFieldError(t, Validate(rule), "channels")
	})

	t.Run("AllChannelsDisabledIsValid", func(t *testing.T) {
		rule := validRule()
		rule.Channels = map[domain.Channel]bool{
			domain.ChannelEmail: false,
			domain.ChannelSMS:   false,
		}
		if err := Validate(rule); err != nil {
			t.Errorf("expected all-false channels to be valid, got: %v", err)
		}
	})

	t.Run("NegativeDelay", func(t *testing.T) {
		rule := validRule()
		rule.DelayMinutes = -10
		assertFieldError(t, Validate(rule), "delay_minutes")
	})

	t.Run("BadQuietHours", func(t *testing.T) {
		rule := validRule()
		rule.QuietHoursStart = "10pm"
		rule.QuietHoursEnd = "08:00"
		assertFieldError(t, Validate(rule), "quiet_hours")
	})

	t.Run("HalfOpenQuietHours", func(t *testing.T) {
		rule := validRule()
		rule.QuietHoursStart = "22:00"
		assertFieldError(t, Validate(rule), "quiet_hours")
	})

	t.Run("MultipleFailuresAllReported", func(t *testing.T) {
		rule := validRule()
		rule.Name = ""
		rule.DelayMinutes = -1
		rule.Channels = map[domain.Channel]bool{"fax": true}

		err := Validate(rule)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %T", err)
		}
		if len(verr.Fields) != 3 {
			t.Errorf("expected 3 field errors, got %d: %v", len(verr.Fields), verr)
		}
	})
}

func assertFieldError(t *testing.T, err error, field string) {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for %s, got %v", field, err)
	}
	for _, f := range verr.Fields {
		if f.Field == field {
			return
		}
	}
	t.Errorf("expected a %q field error, got: %s", field, verr.Error())
}

func TestValidationErrorMessage(t *testing.T) {
	rule := validRule()
	rule.Name = ""
	err := Validate(rule)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "name") {
		t.Errorf("expected message to name the field, got %q", err.Error())
	}
}

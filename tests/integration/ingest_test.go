//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kite notification
// rule engine.
//
// These tests verify the COMPLETE ingestion pipeline:
//
//	Event → Rules → Channel Fan-out → Scheduling → Dispatch Plan
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. EVENT: Something that happened to a recipient (package arrived, mailbox
//    expiring, payment overdue).
//
// 2. RULE: A notification trigger. Each rule has:
//   - TriggerType: which event kind it reacts to
//   - Conditions: trigger-specific thresholds (age_days, days_before, ...)
//   - Channels: which of email/sms/whatsapp/push to notify on
//   - Delay + quiet hours: when the notification may actually go out
//
// 3. DISPATCH PLAN: The evaluation result. One instruction per matched rule
//    per enabled channel, each with an effective send time.
//
// The tests seed their own rules via POST /rules, so they can run against a
// fresh server. They assume the standalone profile (synchronous ingestion).
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KITE_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:  baseURL,
		TenantID: fmt.Sprintf("itest-%d", time.Now().UnixNano()),
	}
}

// ============================================================================
// API Request/Response Types (matching Kite's API contract)
// ============================================================================

// RuleRequest is the rule sent to POST /rules
type RuleRequest struct {
	ID              string          `json:"id,omitempty"`
	Name            string          `json:"name"`
	TriggerType     string          `json:"triggerType"`
	Conditions      map[string]any  `json:"conditions,omitempty"`
	Channels        map[string]bool `json:"channels"`
	DelayMinutes    int             `json:"delayMinutes,omitempty"`
	QuietHoursStart string          `json:"quietHoursStart,omitempty"`
	QuietHoursEnd   string          `json:"quietHoursEnd,omitempty"`
	Filter          string          `json:"filter,omitempty"`
}

// EventRequest is the event sent to POST /events
type EventRequest struct {
	Type            string         `json:"type"`
	Recipient       string         `json:"recipient"`
	CustomerType    string         `json:"customerType,omitempty"`
	AgeInDays       int            `json:"ageInDays,omitempty"`
	DaysUntilExpiry int            `json:"daysUntilExpiry,omitempty"`
	DaysOverdue     int            `json:"daysOverdue,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// PlanResponse is what POST /events returns in the standalone profile
type PlanResponse struct {
	ID           string        `json:"id"`
	EventID      string        `json:"eventId"`
	Instructions []Instruction `json:"instructions"`
	Metadata     PlanMetadata  `json:"metadata"`
}

type Instruction struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"ruleId"`
	Channel     string    `json:"channel"`
	ScheduledAt time.Time `json:"scheduledAt"`
	Status      string    `json:"status"`
}

type PlanMetadata struct {
	TraceID      string `json:"traceId"`
	RulesMatched int    `json:"rulesMatched"`
	TotalMs      int64  `json:"totalMs"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func postJSON(t *testing.T, config TestConfig, path string, payload any) *http.Response {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequest("POST", config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func seedRule(t *testing.T, config TestConfig, rule RuleRequest) {
	t.Helper()

	resp := postJSON(t, config, "/rules", rule)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Failed to seed rule %s: HTTP %d: %s", rule.ID, resp.StatusCode, string(body))
	}
}

func ingest(t *testing.T, config TestConfig, req EventRequest) PlanResponse {
	t.Helper()

	resp := postJSON(t, config, "/events", req)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(respBody))
	}

	var result PlanResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(respBody))
	}
	return result
}

func seedDefaultRules(t *testing.T, config TestConfig) {
	t.Helper()

	seedRule(t, config, RuleRequest{
		ID:          "itest-arrival",
		Name:        "Arrival notice",
		TriggerType: "package_arrival",
		Channels:    map[string]bool{"email": true, "push": true},
	})
	seedRule(t, config, RuleRequest{
		ID:          "itest-age",
		Name:        "Pickup reminder",
		TriggerType: "package_age",
		Conditions:  map[string]any{"age_days": 3},
		Channels:    map[string]bool{"sms": true},
	})
	seedRule(t, config, RuleRequest{
		ID:          "itest-payment",
		Name:        "Payment chase",
		TriggerType: "payment_due",
		Conditions:  map[string]any{"days_overdue": 2},
		Channels:    map[string]bool{"email": true},
	})
}

// ============================================================================
// SCENARIO 1: Package Arrival (Immediate Fan-out)
// ============================================================================

func TestPackageArrival_FansOut(t *testing.T) {
	/*
	   SCENARIO: A package arrives for box-100.

	   EXPECTED BEHAVIOR:
	   - itest-arrival matches (arrival rules have no conditions)
	   - Fan-out produces one instruction per enabled channel: email + push
	   - No delay, no quiet hours: instructions scheduled immediately
	*/
	config := getTestConfig()
	seedDefaultRules(t, config)

	result := ingest(t, config, EventRequest{
		Type:      "package_arrival",
		Recipient: "box-100",
	})

	if result.Metadata.RulesMatched != 1 {
		t.Errorf("Expected 1 rule matched, got %d", result.Metadata.RulesMatched)
	}
	if len(result.Instructions) != 2 {
		t.Fatalf("Expected 2 instructions (email + push), got %d", len(result.Instructions))
	}
	for _, in := range result.Instructions {
		if in.RuleID != "itest-arrival" {
			t.Errorf("Expected itest-arrival, got %s", in.RuleID)
		}
		if in.Status != "scheduled" {
			t.Errorf("Expected scheduled status, got %s", in.Status)
		}
	}

	t.Logf("✓ Arrival fan-out: %d instructions, traceId=%s", len(result.Instructions), result.Metadata.TraceID)
}

// ============================================================================
// SCENARIO 2: Threshold Boundaries
// ============================================================================

func TestPackageAge_ThresholdBoundary(t *testing.T) {
	/*
	   SCENARIO: Pickup reminders fire once a package has sat for the
	   configured number of days.

	   EXPECTED BEHAVIOR:
	   - age 2 days < threshold 3 → no match
	   - age 3 days = threshold 3 → match (at-or-above semantics)
	*/
	config := getTestConfig()
	seedDefaultRules(t, config)

	below := ingest(t, config, EventRequest{
		Type:      "package_age",
		Recipient: "box-200",
		AgeInDays: 2,
	})
	if len(below.Instructions) != 0 {
		t.Errorf("Expected no instructions below threshold, got %d", len(below.Instructions))
	}

	at := ingest(t, config, EventRequest{
		Type:      "package_age",
		Recipient: "box-201",
		AgeInDays: 3,
	})
	if len(at.Instructions) != 1 {
		t.Fatalf("Expected 1 instruction at threshold, got %d", len(at.Instructions))
	}
	if at.Instructions[0].Channel != "sms" {
		t.Errorf("Expected sms channel, got %s", at.Instructions[0].Channel)
	}

	t.Logf("✓ Age threshold: below=%d at=%d instructions", len(below.Instructions), len(at.Instructions))
}

func TestPaymentDue_ThresholdBoundary(t *testing.T) {
	/*
	   SCENARIO: Payment chasing starts at the configured overdue depth.

	   EXPECTED BEHAVIOR:
	   - 1 day overdue < threshold 2 → no match
	   - 5 days overdue ≥ threshold 2 → match
	*/
	config := getTestConfig()
	seedDefaultRules(t, config)

	early := ingest(t, config, EventRequest{
		Type:        "payment_due",
		Recipient:   "box-300",
		DaysOverdue: 1,
	})
	if len(early.Instructions) != 0 {
		t.Errorf("Expected no instructions 1 day overdue, got %d", len(early.Instructions))
	}

	late := ingest(t, config, EventRequest{
		Type:        "payment_due",
		Recipient:   "box-301",
		DaysOverdue: 5,
	})
	if len(late.Instructions) != 1 {
		t.Errorf("Expected 1 instruction 5 days overdue, got %d", len(late.Instructions))
	}

	t.Logf("✓ Payment threshold: early=%d late=%d instructions", len(early.Instructions), len(late.Instructions))
}

// ============================================================================
// SCENARIO 3: Trigger Isolation
// ============================================================================

func TestTriggerIsolation(t *testing.T) {
	/*
	   SCENARIO: An expiry event arrives while only arrival, age, and payment
	   rules are seeded.

	   EXPECTED: zero matches. Rules only ever see events of their own
	   trigger type.
	*/
	config := getTestConfig()
	seedDefaultRules(t, config)

	result := ingest(t, config, EventRequest{
		Type:            "mailbox_expiry",
		Recipient:       "box-400",
		DaysUntilExpiry: 5,
	})

	if len(result.Instructions) != 0 {
		t.Errorf("Expected no instructions for unseeded trigger, got %d", len(result.Instructions))
	}

	t.Logf("✓ Trigger isolation: expiry event matched %d rules", result.Metadata.RulesMatched)
}

// ============================================================================
// SCENARIO 4: Delay and Quiet Hours
// ============================================================================

func TestDelayedRule_SchedulesLater(t *testing.T) {
	/*
	   SCENARIO: A rule with a 60 minute delay.

	   EXPECTED: the instruction's scheduledAt is at least 59 minutes in the
	   future (allowing for clock skew between test and server).
	*/
	config := getTestConfig()

	seedRule(t, config, RuleRequest{
		ID:           "itest-delayed",
		Name:         "Delayed arrival notice",
		TriggerType:  "package_arrival",
		Channels:     map[string]bool{"email": true},
		DelayMinutes: 60,
	})

	result := ingest(t, config, EventRequest{
		Type:      "package_arrival",
		Recipient: "box-500",
	})

	if len(result.Instructions) != 1 {
		t.Fatalf("Expected 1 instruction, got %d", len(result.Instructions))
	}

	earliest := time.Now().Add(59 * time.Minute)
	if result.Instructions[0].ScheduledAt.Before(earliest) {
		t.Errorf("Expected scheduledAt >= %v, got %v", earliest, result.Instructions[0].ScheduledAt)
	}

	t.Logf("✓ Delay honored: scheduledAt=%v", result.Instructions[0].ScheduledAt)
}

func TestQuietHoursRule_Accepted(t *testing.T) {
	/*
	   SCENARIO: A rule with an overnight quiet window is created and matched.

	   Whether the instruction defers depends on the server's wall clock, so
	   this test only verifies the rule round-trips and produces a scheduled
	   instruction either immediately or at the window's end.
	*/
	config := getTestConfig()

	seedRule(t, config, RuleRequest{
		ID:              "itest-quiet",
		Name:            "Quiet arrival notice",
		TriggerType:     "package_arrival",
		Channels:        map[string]bool{"push": true},
		QuietHoursStart: "22:00",
		QuietHoursEnd:   "08:00",
	})

	result := ingest(t, config, EventRequest{
		Type:      "package_arrival",
		Recipient: "box-600",
	})

	if len(result.Instructions) != 1 {
		t.Fatalf("Expected 1 instruction, got %d", len(result.Instructions))
	}
	if result.Instructions[0].ScheduledAt.Before(time.Now().Add(-time.Minute)) {
		t.Errorf("scheduledAt in the past: %v", result.Instructions[0].ScheduledAt)
	}

	t.Logf("✓ Quiet-hours rule: scheduledAt=%v", result.Instructions[0].ScheduledAt)
}

// ============================================================================
// SCENARIO 5: CEL Filters
// ============================================================================

func TestFilteredRule_NarrowsMatches(t *testing.T) {
	/*
	   SCENARIO: A rule that only fires for VIP customers via a CEL filter.

	   EXPECTED:
	   - customer_type "vip" → match
	   - customer_type "regular" → no match
	*/
	config := getTestConfig()

	seedRule(t, config, RuleRequest{
		ID:          "itest-vip",
		Name:        "VIP pickup reminder",
		TriggerType: "package_age",
		Conditions:  map[string]any{"age_days": 1},
		Channels:    map[string]bool{"whatsapp": true},
		Filter:      `customer_type == "vip"`,
	})

	vip := ingest(t, config, EventRequest{
		Type:         "package_age",
		Recipient:    "box-700",
		CustomerType: "vip",
		AgeInDays:    2,
	})
	if len(vip.Instructions) != 1 {
		t.Errorf("Expected 1 instruction for vip, got %d", len(vip.Instructions))
	}

	regular := ingest(t, config, EventRequest{
		Type:         "package_age",
		Recipient:    "box-701",
		CustomerType: "regular",
		AgeInDays:    2,
	})
	if len(regular.Instructions) != 0 {
		t.Errorf("Expected no instructions for regular, got %d", len(regular.Instructions))
	}

	t.Logf("✓ CEL filter: vip=%d regular=%d instructions", len(vip.Instructions), len(regular.Instructions))
}

// ============================================================================
// SCENARIO 6: Input Validation
// ============================================================================

func TestMissingRecipient_Error(t *testing.T) {
	config := getTestConfig()

	resp := postJSON(t, config, "/events", EventRequest{
		Type: "package_arrival",
		// Missing recipient!
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing recipient, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation test passed: missing recipient → HTTP %d", resp.StatusCode)
}

func TestUnknownTriggerType_Error(t *testing.T) {
	config := getTestConfig()

	resp := postJSON(t, config, "/events", EventRequest{
		Type:      "carrier_pigeon",
		Recipient: "box-800",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown trigger type, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation test passed: unknown trigger → HTTP %d", resp.StatusCode)
}

func TestMissingTenantHeader_Error(t *testing.T) {
	config := getTestConfig()

	body, _ := json.Marshal(EventRequest{Type: "package_arrival", Recipient: "box-900"})
	httpReq, _ := http.NewRequest("POST", config.BaseURL+"/events", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	// NO X-Tenant-ID header!

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 400 or 401 for missing tenant, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation test passed: missing tenant → HTTP %d", resp.StatusCode)
}

func TestInvalidRule_Rejected(t *testing.T) {
	/*
	   SCENARIO: Rule creation with a negative condition value.

	   EXPECTED: HTTP 400 with field-level validation detail; the rule is
	   never persisted, so a matching event produces no instructions.
	*/
	config := getTestConfig()

	resp := postJSON(t, config, "/rules", RuleRequest{
		ID:          "itest-bad",
		Name:        "Broken reminder",
		TriggerType: "package_age",
		Conditions:  map[string]any{"age_days": -1},
		Channels:    map[string]bool{"email": true},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative condition, got %d", resp.StatusCode)
	}

	result := ingest(t, config, EventRequest{
		Type:      "package_age",
		Recipient: "box-950",
		AgeInDays: 10,
	})
	for _, in := range result.Instructions {
		if in.RuleID == "itest-bad" {
			t.Error("Rejected rule must not produce instructions")
		}
	}

	t.Logf("✓ Invalid rule rejected: HTTP %d", resp.StatusCode)
}

// ============================================================================
// SCENARIO 7: Response Metadata Verification
// ============================================================================

func TestResponseMetadata(t *testing.T) {
	/*
	   SCENARIO: Verify the plan response includes all required metadata.

	   This ensures the API contract is stable for clients.
	*/
	config := getTestConfig()
	seedDefaultRules(t, config)

	result := ingest(t, config, EventRequest{
		Type:      "package_arrival",
		Recipient: "box-999",
	})

	if result.ID == "" {
		t.Error("Missing plan id")
	}
	if result.EventID == "" {
		t.Error("Missing eventId")
	}
	if result.Metadata.TraceID == "" {
		t.Error("Missing metadata.traceId")
	}
	// Note: TotalMs can be 0 for very fast operations (sub-millisecond)
	if result.Metadata.TotalMs < 0 {
		t.Error("Invalid metadata.totalMs (negative)")
	}

	t.Logf("✓ Metadata complete: planId=%s, eventId=%s, traceId=%s, totalMs=%d",
		result.ID[:8], result.EventID[:8], result.Metadata.TraceID[:8], result.Metadata.TotalMs)
}

package alert

import (
	"database/sql"
	"testing"
	"time"

	"github.com/dockmon/dockmon/internal/store"
)

func TestDedupKeyOmitsEntityForHostScope(t *testing.T) {
	rule := store.AlertRule{Kind: "host_offline", ScopeType: store.ScopeHost, ScopeID: sql.NullString{String: "h1", Valid: true}}
	got := dedupKey(rule, Sample{HostID: "h1", CompositeKey: "h1:abc123def456"})
	want := "host_offline|host:h1|"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestDedupKeyIncludesEntityForContainerScope(t *testing.T) {
	rule := store.AlertRule{Kind: "container_stopped", ScopeType: store.ScopeContainer, ScopeID: sql.NullString{String: "h1:abc123def456", Valid: true}}
	got := dedupKey(rule, Sample{CompositeKey: "h1:abc123def456"})
	want := "container_stopped|container:h1:abc123def456|h1:abc123def456"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestMatchesScopeTag(t *testing.T) {
	rule := store.AlertRule{ScopeType: store.ScopeTag, ScopeID: sql.NullString{String: "compose:web", Valid: true}}
	if !matchesScope(rule, Sample{Tags: []string{"compose:web", "swarm:s1"}}) {
		t.Fatal("expected tag scope to match")
	}
	if matchesScope(rule, Sample{Tags: []string{"swarm:s1"}}) {
		t.Fatal("expected tag scope to not match")
	}
}

func TestMatchesPredicateThreshold(t *testing.T) {
	rule := store.AlertRule{Kind: "cpu_high", Operator: ">=", Threshold: sql.NullFloat64{Float64: 90, Valid: true}}
	if !matchesPredicate(rule, Sample{Kind: "cpu_high", Value: 95}) {
		t.Fatal("expected threshold match")
	}
	if matchesPredicate(rule, Sample{Kind: "cpu_high", Value: 50}) {
		t.Fatal("expected no threshold match")
	}
}

func TestInBlackoutWindow(t *testing.T) {
	rule := store.AlertRule{BlackoutWindows: sql.NullString{Valid: true, String: `[{"weekday":1,"start":"22:00","end":"23:30"}]`}}
	mon2230 := time.Date(2026, 7, 27, 22, 30, 0, 0, time.UTC) // a Monday
	if !inBlackout(rule, mon2230) {
		t.Fatal("expected inside blackout window")
	}
	mon1000 := time.Date(2026, 7, 27, 10, 0, 0, 0, time.UTC)
	if inBlackout(rule, mon1000) {
		t.Fatal("expected outside blackout window")
	}
}

func TestBackoffWithJitterCapped(t *testing.T) {
	d := backoffWithJitter(20) // would overflow without the cap
	if d > 36*time.Minute {
		t.Fatalf("expected capped backoff, got %v", d)
	}
}

func TestBackoffWithJitterGrows(t *testing.T) {
	small := backoffWithJitter(0)
	if small <= 0 || small > time.Minute {
		t.Fatalf("unexpected first-attempt backoff: %v", small)
	}
	large := backoffWithJitter(3)
	if large <= small {
		t.Fatalf("expected backoff to grow with attempt: attempt 0 %v, attempt 3 %v", small, large)
	}
}

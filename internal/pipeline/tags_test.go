package pipeline

import (
	"reflect"
	"testing"
)

func TestDeriveTags(t *testing.T) {
	labels := map[string]string{
		"com.docker.compose.project": "myapp",
		"com.docker.swarm.service":   "web",
		"dockmon.tag":                "prod, critical ,",
	}
	got := DeriveTags(labels)
	want := []string{"compose:myapp", "swarm:web", "prod", "critical"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestDeriveTagsEmpty(t *testing.T) {
	if got := DeriveTags(map[string]string{}); len(got) != 0 {
		t.Fatalf("expected no tags, got %v", got)
	}
}

func TestSnapshotDedupFields(t *testing.T) {
	a := Snapshot{CompositeKey: "h:abc123def456", State: StateRunning, StatusText: "Up 5 minutes", DerivedTags: []string{"compose:x"}}
	b := Snapshot{CompositeKey: "h:abc123def456", State: StateRunning, StatusText: "Up 5 minutes", DerivedTags: []string{"compose:x"}}
	if a.dedupFields() != b.dedupFields() {
		t.Fatal("expected identical dedup fields to compare equal")
	}
	b.StatusText = "Up 6 minutes"
	if a.dedupFields() == b.dedupFields() {
		t.Fatal("expected differing status text to change dedup fields")
	}
}

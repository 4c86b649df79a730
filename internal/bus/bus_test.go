package bus

import (
	"testing"
	"time"
)

func TestPlatformTag(t *testing.T) {
	tests := []struct {
		platform Platform
		want     string
	}{
		{PlatformPumpFun, ""},
		{PlatformYouTube, "YOUTUBE"},
		{PlatformTwitch, "TWITCH"},
		{PlatformTwitter, "TWITTER"},
	}
	for _, tt := range tests {
		if got := tt.platform.Tag(); got != tt.want {
			t.Errorf("Tag(%s) = %q, want %q", tt.platform, got, tt.want)
		}
	}
}

func TestNewShortID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := NewShortID()
		if len(id) != 6 {
			t.Fatalf("len(%q) = %d, want 6", id, len(id))
		}
		seen[id] = true
	}
	if len(seen) < 45 {
		t.Errorf("only %d distinct ids out of 50", len(seen))
	}
}

func TestDedupeCache(t *testing.T) {
	c := NewDedupeCache(time.Minute, 3)

	if c.IsDuplicate("a") {
		t.Error("first sighting of a reported as duplicate")
	}
	if !c.IsDuplicate("a") {
		t.Error("second sighting of a not reported as duplicate")
	}

	// Exceed the size bound; the oldest key falls out.
	c.IsDuplicate("b")
	c.IsDuplicate("c")
	c.IsDuplicate("d")
	if c.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", c.Len())
	}
	if c.IsDuplicate("a") {
		t.Error("evicted key still reported as duplicate")
	}
}

func TestDedupeCacheNoTTL(t *testing.T) {
	c := NewDedupeCache(0, 500)
	if c.IsDuplicate("x") {
		t.Error("first sighting reported as duplicate")
	}
	if !c.IsDuplicate("x") {
		t.Error("ttl<=0 must still dedupe by key")
	}
}

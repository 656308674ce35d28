package cache

import (
	"testing"
	"time"
)

func entry(id, sender, content string, at time.Time) Entry {
	return Entry{ID: id, SenderID: sender, Content: content, CreatedAt: at, Status: StatusSent}
}

func TestAppendDeduplicates(t *testing.T) {
	c := New()
	now := time.Now()
	if !c.Append("c1", entry("m1", "u1", "hi", now)) {
		t.Fatalf("first append must succeed")
	}
	if c.Append("c1", entry("m1", "u1", "hi again", now)) {
		t.Fatalf("duplicate id must be a no-op")
	}
	got := c.List("c1")
	if len(got) != 1 || got[0].Content != "hi" {
		t.Fatalf("duplicate overwrote the original: %+v", got)
	}
}

func TestPrependSkipsKnownIDs(t *testing.T) {
	c := New()
	base := time.Now()
	c.Set("c1", []Entry{entry("m3", "u1", "three", base)})

	added := c.Prepend("c1", []Entry{
		entry("m1", "u1", "one", base.Add(-2*time.Second)),
		entry("m2", "u2", "two", base.Add(-time.Second)),
		entry("m3", "u1", "three dup", base),
	})
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}
	got := c.List("c1")
	if len(got) != 3 || got[0].ID != "m1" || got[2].ID != "m3" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[2].Content != "three" {
		t.Fatalf("prepend must not replace existing entries")
	}
}

func TestConfirmLifecycle(t *testing.T) {
	c := New()
	local := time.Now()
	c.Append("c1", Entry{ID: "m1", SenderID: "u1", Content: "hi", CreatedAt: local, Status: StatusPending})

	server := local.Add(time.Second).UTC()
	if !c.Confirm("c1", "m1", server) {
		t.Fatalf("confirm must find the pending entry")
	}
	got := c.List("c1")[0]
	if got.Status != StatusSent || !got.CreatedAt.Equal(server) {
		t.Fatalf("confirm did not adopt server state: %+v", got)
	}
	if c.Confirm("c1", "ghost", server) {
		t.Fatalf("confirm of unknown id must report false")
	}
}

func TestMarkStatusFailed(t *testing.T) {
	c := New()
	c.Append("c1", Entry{ID: "m1", SenderID: "u1", Content: "hi", Status: StatusPending})
	if !c.MarkStatus("c1", "m1", StatusFailed) {
		t.Fatalf("mark status must find the entry")
	}
	if got := c.List("c1")[0]; got.Status != StatusFailed || got.Content != "hi" {
		t.Fatalf("failed entry must keep its content: %+v", got)
	}
}

func TestReplaceByID(t *testing.T) {
	c := New()
	c.Append("c1", entry("m1", "u1", "original", time.Now()))
	at := time.Now().Add(time.Minute)
	if !c.ReplaceByID("c1", "m1", "edited", at) {
		t.Fatalf("replace must find the entry")
	}
	got := c.List("c1")[0]
	if got.Content != "edited" || got.EditedAt == nil || !got.EditedAt.Equal(at) {
		t.Fatalf("replace not applied: %+v", got)
	}
	if c.ReplaceByID("c1", "ghost", "x", at) {
		t.Fatalf("unknown id must report false")
	}
}

func TestReplaceByIDAfterTombstone(t *testing.T) {
	c := New()
	c.Append("c1", entry("m1", "u1", "secret v1", time.Now()))
	c.Tombstone("c1", "m1")
	if c.ReplaceByID("c1", "m1", "secret v2", time.Now()) {
		t.Fatalf("edit landing after delete must be dropped")
	}
	got := c.List("c1")[0]
	if !got.Deleted || got.Content != "" || got.EditedAt != nil {
		t.Fatalf("tombstoned entry regained state: %+v", got)
	}
}

func TestTombstone(t *testing.T) {
	c := New()
	now := time.Now()
	c.Set("c1", []Entry{
		entry("m1", "u1", "one", now),
		entry("m2", "u2", "two", now.Add(time.Second)),
	})
	c.Tombstone("c1", "m1")
	got := c.List("c1")
	if !got[0].Deleted || got[0].Content != "" {
		t.Fatalf("tombstone must clear content: %+v", got[0])
	}
	if got[1].Deleted {
		t.Fatalf("untouched entry was tombstoned")
	}
	if len(got) != 2 {
		t.Fatalf("tombstone must keep the row in place")
	}
}

func TestLastOldestPurge(t *testing.T) {
	c := New()
	if _, ok := c.Last("c1"); ok {
		t.Fatalf("empty conversation has no last entry")
	}
	now := time.Now()
	c.Set("c1", []Entry{
		entry("m1", "u1", "one", now),
		entry("m2", "u2", "two", now.Add(time.Second)),
	})
	if last, _ := c.Last("c1"); last.ID != "m2" {
		t.Fatalf("last = %s", last.ID)
	}
	if oldest, _ := c.Oldest("c1"); oldest.ID != "m1" {
		t.Fatalf("oldest = %s", oldest.ID)
	}
	c.Purge("c1")
	if got := c.List("c1"); len(got) != 0 {
		t.Fatalf("purge left entries behind")
	}
}

func TestLastVisibleSkipsTombstonesAndFailures(t *testing.T) {
	c := New()
	if _, ok := c.LastVisible("c1"); ok {
		t.Fatalf("empty conversation has no visible entry")
	}
	now := time.Now()
	c.Set("c1", []Entry{
		entry("m1", "u1", "one", now),
		entry("m2", "u2", "two", now.Add(time.Second)),
		entry("m3", "u1", "three", now.Add(2*time.Second)),
	})
	c.Tombstone("c1", "m3")
	c.MarkStatus("c1", "m2", StatusFailed)
	if last, _ := c.LastVisible("c1"); last.ID != "m1" {
		t.Fatalf("visible tail = %s, want m1", last.ID)
	}
	c.Tombstone("c1", "m1")
	c.Tombstone("c1", "m2")
	if _, ok := c.LastVisible("c1"); ok {
		t.Fatalf("all entries hidden, expected no visible tail")
	}
}

package store_test

import (
	"testing"
	"time"

	"github.com/proctail/agent/internal/model"
	"github.com/proctail/agent/internal/store"
)

func evt(tag string, ts time.Time, seq int) model.TypedEvent {
	return model.TypedEvent{
		Kind:      model.KindGeneric,
		Timestamp: ts,
		Tag:       tag,
		ProcessID: seq,
	}
}

func TestAppendAndGetAll(t *testing.T) {
	s := store.New(10)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		s.Append("tag", evt("tag", base.Add(time.Duration(i)*time.Second), i))
	}

	got := s.GetAll("tag")
	if len(got) != 3 {
		t.Fatalf("GetAll: got %d events, want 3", len(got))
	}
	for i, e := range got {
		if e.ProcessID != i {
			t.Fatalf("GetAll[%d].ProcessID = %d, want %d (order not preserved)", i, e.ProcessID, i)
		}
	}
}

func TestGetAllUnknownTag(t *testing.T) {
	s := store.New(10)
	got := s.GetAll("missing")
	if got == nil || len(got) != 0 {
		t.Fatalf("GetAll(missing) = %v, want empty non-nil slice", got)
	}
}

func TestAppendEvictsOldestWhenFull(t *testing.T) {
	s := store.New(3)
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		s.Append("tag", evt("tag", base.Add(time.Duration(i)*time.Second), i))
	}

	got := s.GetAll("tag")
	if len(got) != 3 {
		t.Fatalf("GetAll: got %d events, want 3 (capacity)", len(got))
	}
	// Oldest two (seq 0, 1) should have been evicted; survivors are 2,3,4.
	want := []int{2, 3, 4}
	for i, e := range got {
		if e.ProcessID != want[i] {
			t.Fatalf("GetAll[%d].ProcessID = %d, want %d", i, e.ProcessID, want[i])
		}
	}

	stats := s.Statistics()
	if stats.TotalEvents != 3 {
		t.Fatalf("TotalEvents = %d, want 3 (currently stored, not lifetime appended)", stats.TotalEvents)
	}
	if stats.PerTagCounts["tag"] != 3 {
		t.Fatalf("PerTagCounts[tag] = %d, want 3", stats.PerTagCounts["tag"])
	}
}

func TestGetLatest(t *testing.T) {
	s := store.New(10)
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		s.Append("tag", evt("tag", base.Add(time.Duration(i)*time.Second), i))
	}

	got := s.GetLatest("tag", 2)
	if len(got) != 2 {
		t.Fatalf("GetLatest(2): got %d events, want 2", len(got))
	}
	if got[0].ProcessID != 3 || got[1].ProcessID != 4 {
		t.Fatalf("GetLatest(2) = %+v, want seq 3,4", got)
	}

	if got := s.GetLatest("tag", 0); len(got) != 0 {
		t.Fatalf("GetLatest(0): want empty, got %d", len(got))
	}

	if got := s.GetLatest("tag", 100); len(got) != 5 {
		t.Fatalf("GetLatest(100): got %d, want all 5", len(got))
	}
}

func TestGetByTime(t *testing.T) {
	s := store.New(10)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Append("tag", evt("tag", base.Add(time.Duration(i)*time.Minute), i))
	}

	since := base.Add(1 * time.Minute)
	until := base.Add(3 * time.Minute)
	got := s.GetByTime("tag", since, until)
	if len(got) != 3 {
		t.Fatalf("GetByTime: got %d events, want 3", len(got))
	}
	for _, e := range got {
		if e.Timestamp.Before(since) || e.Timestamp.After(until) {
			t.Fatalf("event timestamp %v outside [%v, %v]", e.Timestamp, since, until)
		}
	}
}

func TestClear(t *testing.T) {
	s := store.New(10)
	base := time.Now().UTC()
	for i := 0; i < 4; i++ {
		s.Append("tag", evt("tag", base, i))
	}

	n := s.Clear("tag")
	if n != 4 {
		t.Fatalf("Clear: got %d, want 4", n)
	}
	if s.Count("tag") != 0 {
		t.Fatalf("Count after Clear: got %d, want 0", s.Count("tag"))
	}

	// Buffer is reusable after Clear.
	s.Append("tag", evt("tag", base, 99))
	if s.Count("tag") != 1 {
		t.Fatalf("Count after post-clear append: got %d, want 1", s.Count("tag"))
	}
}

func TestListTags(t *testing.T) {
	s := store.New(10)
	s.Append("b-tag", evt("b-tag", time.Now().UTC(), 1))
	s.Append("a-tag", evt("a-tag", time.Now().UTC(), 1))

	tags := s.ListTags()
	if len(tags) != 2 || tags[0] != "a-tag" || tags[1] != "b-tag" {
		t.Fatalf("ListTags = %v, want sorted [a-tag b-tag]", tags)
	}
}

func TestNewClampsNonPositiveCapacity(t *testing.T) {
	s := store.New(0)
	base := time.Now().UTC()
	s.Append("tag", evt("tag", base, 1))
	s.Append("tag", evt("tag", base, 2))

	if got := s.Count("tag"); got != 1 {
		t.Fatalf("Count: got %d, want 1 (capacity clamped to 1)", got)
	}
}

func TestStatisticsAcrossMultipleTags(t *testing.T) {
	s := store.New(10)
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		s.Append("a-tag", evt("a-tag", base, i))
	}
	for i := 0; i < 2; i++ {
		s.Append("b-tag", evt("b-tag", base, i))
	}

	stats := s.Statistics()
	if stats.TotalTags != 2 {
		t.Fatalf("TotalTags = %d, want 2", stats.TotalTags)
	}
	if stats.TotalEvents != 5 {
		t.Fatalf("TotalEvents = %d, want 5", stats.TotalEvents)
	}
	if stats.PerTagCounts["a-tag"] != 3 || stats.PerTagCounts["b-tag"] != 2 {
		t.Fatalf("PerTagCounts = %+v, want a-tag:3 b-tag:2", stats.PerTagCounts)
	}
	if stats.EstimatedBytes <= 0 {
		t.Fatalf("EstimatedBytes = %d, want > 0", stats.EstimatedBytes)
	}

	s.Clear("a-tag")
	stats = s.Statistics()
	if stats.TotalEvents != 2 {
		t.Fatalf("TotalEvents after Clear = %d, want 2 (Σ per_tag_count)", stats.TotalEvents)
	}
}

package history

import (
	"context"
	"fmt"
	"testing"
)

// stores returns one of each Store implementation, retaining retain messages.
func stores(t *testing.T, retain int) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(":memory:", retain)
	if err != nil {
		t.Fatalf("open in-memory sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"sqlite": sq, "memory": NewMemoryStore(retain)}
}

func Test_History_AppendAndRecent(t *testing.T) {
	t.Parallel()
	for name, s := range stores(t, 10) {
		ctx := context.Background()
		if err := s.Append(ctx, "sess-a", RoleUser, "how do I open the gripper?"); err != nil {
			t.Fatalf("%s: append user: %v", name, err)
		}
		if err := s.Append(ctx, "sess-a", RoleAssistant, "call gripper.open()"); err != nil {
			t.Fatalf("%s: append assistant: %v", name, err)
		}

		msgs, err := s.Recent(ctx, "sess-a", 10)
		if err != nil {
			t.Fatalf("%s: recent: %v", name, err)
		}
		if len(msgs) != 2 {
			t.Fatalf("%s: want 2 messages, got %d", name, len(msgs))
		}
		if msgs[0].Role != RoleUser || msgs[1].Role != RoleAssistant {
			t.Errorf("%s: roles out of order: %s, %s", name, msgs[0].Role, msgs[1].Role)
		}
		if msgs[1].CreatedAt.IsZero() {
			t.Errorf("%s: CreatedAt not set", name)
		}
	}
}

func Test_History_RecentReturnsMostRecentOldestFirst(t *testing.T) {
	t.Parallel()
	for name, s := range stores(t, 0) {
		ctx := context.Background()
		for i := range 6 {
			if err := s.Append(ctx, "sess", RoleUser, fmt.Sprintf("m%d", i)); err != nil {
				t.Fatalf("%s: append: %v", name, err)
			}
		}
		msgs, err := s.Recent(ctx, "sess", 3)
		if err != nil {
			t.Fatalf("%s: recent: %v", name, err)
		}
		want := []string{"m3", "m4", "m5"}
		if len(msgs) != len(want) {
			t.Fatalf("%s: want %d messages, got %d", name, len(want), len(msgs))
		}
		for i, w := range want {
			if msgs[i].Content != w {
				t.Errorf("%s: msg[%d]: want %q, got %q", name, i, w, msgs[i].Content)
			}
		}
	}
}

func Test_History_RetainBoundsStoredMessages(t *testing.T) {
	t.Parallel()
	for name, s := range stores(t, 4) {
		ctx := context.Background()
		for i := range 9 {
			if err := s.Append(ctx, "sess", RoleUser, fmt.Sprintf("m%d", i)); err != nil {
				t.Fatalf("%s: append: %v", name, err)
			}
		}
		msgs, err := s.Recent(ctx, "sess", 100)
		if err != nil {
			t.Fatalf("%s: recent: %v", name, err)
		}
		if len(msgs) != 4 || msgs[0].Content != "m5" || msgs[3].Content != "m8" {
			t.Errorf("%s: want m5..m8, got %v", name, msgs)
		}
	}
}

func Test_History_SessionIsolation(t *testing.T) {
	t.Parallel()
	for name, s := range stores(t, 10) {
		ctx := context.Background()
		_ = s.Append(ctx, "x", RoleUser, "from x")
		_ = s.Append(ctx, "y", RoleUser, "from y")

		msgs, err := s.Recent(ctx, "x", 10)
		if err != nil {
			t.Fatalf("%s: recent: %v", name, err)
		}
		if len(msgs) != 1 || msgs[0].Content != "from x" {
			t.Errorf("%s: session isolation failed: %v", name, msgs)
		}
		empty, err := s.Recent(ctx, "nobody", 10)
		if err != nil || len(empty) != 0 {
			t.Errorf("%s: want no messages for unknown session, got %v, %v", name, empty, err)
		}
		none, err := s.Recent(ctx, "x", 0)
		if err != nil || len(none) != 0 {
			t.Errorf("%s: n=0 must return nothing, got %v, %v", name, none, err)
		}
	}
}

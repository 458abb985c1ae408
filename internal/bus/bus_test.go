package bus

import "testing"

func TestBus(t *testing.T) {
	t.Run("PostAssignsIDAndCreatedAt", func(t *testing.T) {
		b := New()
		msg, err := b.Post(PostRequest{From: "a1", To: "a2", Type: TypeInfo, Content: "hi"})
		if err != nil {
			t.Fatalf("Post: %v", err)
		}
		if msg.ID == "" {
			t.Error("expected non-empty ID")
		}
		if msg.CreatedAt.IsZero() {
			t.Error("expected non-zero CreatedAt")
		}
		if len(msg.ReadBy) != 0 {
			t.Error("expected empty ReadBy")
		}
	})

	t.Run("RejectsOversizedContent", func(t *testing.T) {
		b := New()
		big := make([]byte, 50_001)
		if _, err := b.Post(PostRequest{From: "a1", To: "a2", Type: TypeInfo, Content: string(big)}); err == nil {
			t.Error("expected ValidationError for oversized content")
		}
	})

	t.Run("RejectsUnknownType", func(t *testing.T) {
		b := New()
		if _, err := b.Post(PostRequest{From: "a1", To: "a2", Type: "bogus", Content: "x"}); err == nil {
			t.Error("expected ValidationError for unknown type")
		}
	})

	t.Run("SubscribersSeePostOrder", func(t *testing.T) {
		b := New()
		var seen []string
		unsub := b.Subscribe(func(m Message) { seen = append(seen, m.Content) })
		defer unsub()
		for _, c := range []string{"one", "two", "three"} {
			if _, err := b.Post(PostRequest{From: "a1", To: "a2", Type: TypeInfo, Content: c}); err != nil {
				t.Fatal(err)
			}
		}
		if len(seen) != 3 || seen[0] != "one" || seen[1] != "two" || seen[2] != "three" {
			t.Errorf("unexpected order: %v", seen)
		}
	})

	t.Run("UnsubscribeIsIdempotentAndStopsDelivery", func(t *testing.T) {
		b := New()
		count := 0
		unsub := b.Subscribe(func(m Message) { count++ })
		unsub()
		unsub()
		if _, err := b.Post(PostRequest{From: "a1", To: "a2", Type: TypeInfo, Content: "x"}); err != nil {
			t.Fatal(err)
		}
		if count != 0 {
			t.Errorf("expected 0 deliveries after unsubscribe, got %d", count)
		}
	})

	t.Run("QueryUnreadByFiltersReadMessages", func(t *testing.T) {
		b := New()
		msg, err := b.Post(PostRequest{From: "a1", To: "a2", Type: TypeInfo, Content: "x"})
		if err != nil {
			t.Fatal(err)
		}
		before := b.Query(Query{To: "a2", UnreadBy: "a2"})
		if len(before) != 1 {
			t.Fatalf("expected 1 unread, got %d", len(before))
		}
		if !b.MarkRead(msg.ID, "a2") {
			t.Fatal("expected MarkRead to succeed")
		}
		after := b.Query(Query{To: "a2", UnreadBy: "a2"})
		if len(after) != 0 {
			t.Errorf("expected 0 unread after MarkRead, got %d", len(after))
		}
	})

	t.Run("MarkAllReadCountsOnlyNewlyRead", func(t *testing.T) {
		b := New()
		for i := 0; i < 3; i++ {
			if _, err := b.Post(PostRequest{From: "a1", To: "a2", Type: TypeInfo, Content: "x"}); err != nil {
				t.Fatal(err)
			}
		}
		n := b.MarkAllRead("a2", "")
		if n != 3 {
			t.Errorf("expected 3 newly marked read, got %d", n)
		}
		n2 := b.MarkAllRead("a2", "")
		if n2 != 0 {
			t.Errorf("expected 0 newly marked read on second call, got %d", n2)
		}
	})

	t.Run("CleanupForAgentRemovesSentAndReceived", func(t *testing.T) {
		b := New()
		if _, err := b.Post(PostRequest{From: "a1", To: "a2", Type: TypeInfo, Content: "x"}); err != nil {
			t.Fatal(err)
		}
		if _, err := b.Post(PostRequest{From: "a3", To: "a1", Type: TypeInfo, Content: "y"}); err != nil {
			t.Fatal(err)
		}
		if _, err := b.Post(PostRequest{From: "a3", To: "a4", Type: TypeInfo, Content: "z"}); err != nil {
			t.Fatal(err)
		}
		b.CleanupForAgent("a1")
		remaining := b.Query(Query{})
		if len(remaining) != 1 || remaining[0].Content != "z" {
			t.Errorf("expected only the a3->a4 message to remain, got %#v", remaining)
		}
	})

	t.Run("ClearAllReturnsCountAndEmptiesStore", func(t *testing.T) {
		b := New()
		for i := 0; i < 4; i++ {
			if _, err := b.Post(PostRequest{From: "a1", To: "a2", Type: TypeInfo, Content: "x"}); err != nil {
				t.Fatal(err)
			}
		}
		n := b.ClearAll()
		if n != 4 {
			t.Errorf("expected 4 cleared, got %d", n)
		}
		if len(b.Query(Query{})) != 0 {
			t.Error("expected empty store after ClearAll")
		}
	})

	t.Run("UnreadCountExcludesOtherRecipients", func(t *testing.T) {
		b := New()
		if _, err := b.Post(PostRequest{From: "a1", To: "a2", Type: TypeInfo, Content: "x"}); err != nil {
			t.Fatal(err)
		}
		if _, err := b.Post(PostRequest{From: "a1", To: "a3", Type: TypeInfo, Content: "y"}); err != nil {
			t.Fatal(err)
		}
		if b.UnreadCount("a2", "") != 1 {
			t.Errorf("expected 1 unread for a2, got %d", b.UnreadCount("a2", ""))
		}
	})
}

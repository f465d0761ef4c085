package typing_test

import (
	"testing"
	"time"

	"huddle/internal/typing"
)

func TestSetAndClearTyping(t *testing.T) {
	tr := typing.NewTracker(time.Minute)

	tr.Set("conv1", "alice", true)
	active := tr.ActiveTypers("conv1")
	if len(active) != 1 || active[0] != "alice" {
		t.Fatalf("expected alice typing, got %v", active)
	}

	tr.Set("conv1", "alice", false)
	if active := tr.ActiveTypers("conv1"); len(active) != 0 {
		t.Fatalf("expected no typers after clear, got %v", active)
	}
}

func TestTypingExpires(t *testing.T) {
	tr := typing.NewTracker(20 * time.Millisecond)

	tr.Set("conv1", "bob", true)
	time.Sleep(40 * time.Millisecond)

	if active := tr.ActiveTypers("conv1"); len(active) != 0 {
		t.Fatalf("expected entry to expire, got %v", active)
	}
}

func TestConversationsAreIndependent(t *testing.T) {
	tr := typing.NewTracker(time.Minute)

	tr.Set("conv1", "alice", true)
	tr.Set("conv2", "bob", true)

	if active := tr.ActiveTypers("conv2"); len(active) != 1 || active[0] != "bob" {
		t.Fatalf("expected bob in conv2, got %v", active)
	}
}

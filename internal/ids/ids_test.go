package ids

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("expected %s > %s", next, prev)
		}
		prev = next
	}
}

func TestNewTokenIsUUID(t *testing.T) {
	tok := NewToken()
	if _, err := uuid.Parse(tok); err != nil {
		t.Fatalf("token %q is not a uuid: %v", tok, err)
	}
	if NewToken() == tok {
		t.Fatal("expected distinct tokens")
	}
}

func TestNewAtEmbedsTimestamp(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	id := NewAt(at)
	got, err := Time(id)
	if err != nil {
		t.Fatalf("Time: %v", err)
	}
	if !got.Equal(at) {
		t.Fatalf("expected %s, got %s", at, got)
	}
	if _, err := Time("not-a-ulid"); err == nil {
		t.Fatal("expected parse error")
	}
}

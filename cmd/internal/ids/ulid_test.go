package ids

import (
	"testing"
	"time"
)

func TestNewULIDSortsWithinMillisecond(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	prev := ""
	for i := 0; i < 50; i++ {
		id, err := NewULID(now)
		if err != nil {
			t.Fatalf("NewULID: %v", err)
		}
		if len(id) != 26 || !Valid(id) {
			t.Fatalf("NewULID()=%q not a ULID", id)
		}
		if id <= prev {
			t.Fatalf("NewULID()=%q not after %q", id, prev)
		}
		prev = id
	}
}

func TestValid(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "not-a-ulid", "01ARZ3NDEKTSV4RRFFQ69G5FA"} {
		if Valid(s) {
			t.Fatalf("Valid(%q)=true want=false", s)
		}
	}
}

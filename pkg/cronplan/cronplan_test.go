package cronplan

import (
	"errors"
	"testing"
	"time"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parsing %q: %v", s, err)
	}
	return tm.UTC()
}

func TestNext_EveryFiveMinutes(t *testing.T) {
	p := New()

	tests := []struct {
		name string
		from string
		want string
	}{
		{"just after tick", "2025-01-01T00:00:01Z", "2025-01-01T00:05:00Z"},
		{"exactly on tick", "2025-01-01T00:05:00Z", "2025-01-01T00:05:00Z"},
		{"mid interval", "2025-01-01T00:07:30Z", "2025-01-01T00:10:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Next("*/5 * * * *", mustParse(t, tt.from))
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			want := mustParse(t, tt.want)
			if !got.Equal(want) {
				t.Errorf("Next(%s) = %s, want %s", tt.from, got, want)
			}
		})
	}
}

func TestNext_Deterministic(t *testing.T) {
	p := New()
	from := mustParse(t, "2025-06-15T12:34:00Z")

	a, err := p.Next("0 * * * *", from)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	b, err := p.Next("0 * * * *", from)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !a.Equal(b) {
		t.Errorf("Next is not deterministic: %s != %s", a, b)
	}
}

func TestNext_InvalidExpr(t *testing.T) {
	p := New()
	_, err := p.Next("not a cron expr", time.Now())
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
	var invalidErr *ErrInvalidExpr
	if !errors.As(err, &invalidErr) {
		t.Errorf("expected *ErrInvalidExpr, got %T", err)
	}
}

package retention

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/voice-tutor/internal/domain"
	"github.com/ashureev/voice-tutor/internal/store"
)

type fakeDeleter struct {
	cutoff time.Time
	err    error
}

func (f *fakeDeleter) DeleteEndedBefore(_ context.Context, t time.Time) (int64, error) {
	f.cutoff = t
	return 2, f.err
}

func TestNewSweeperValidates(t *testing.T) {
	tests := []struct {
		name     string
		schedule string
		maxAge   time.Duration
	}{
		{"bad schedule", "every hour", time.Hour},
		{"seconds field", "*/5 * * * * *", time.Hour},
		{"zero age", "@every 1h", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSweeper(&fakeDeleter{}, tt.schedule, tt.maxAge, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if _, err := NewSweeper(&fakeDeleter{}, "0 3 * * *", time.Hour, nil); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
}

func TestSweepCutoff(t *testing.T) {
	d := &fakeDeleter{}
	s, err := NewSweeper(d, "@every 1h", 48*time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	n, err := s.Sweep(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	if want := now.Add(-48 * time.Hour); !d.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", d.cutoff, want)
	}

	d.err = errors.New("locked")
	if _, err := s.Sweep(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestSweepRemovesOldSessions(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "tutor.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	for id, endedAgo := range map[string]time.Duration{"old": 10 * 24 * time.Hour, "recent": time.Hour} {
		start := now.Add(-endedAgo - time.Minute)
		if err := repo.CreateSession(ctx, &domain.SessionRecord{ID: id, Room: "lesson_" + id, Mode: domain.ModeLesson, StartedAt: start}); err != nil {
			t.Fatal(err)
		}
		if err := repo.EndSession(ctx, id, now.Add(-endedAgo), nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.CreateSession(ctx, &domain.SessionRecord{ID: "live", Room: "lesson_live", Mode: domain.ModeLesson, StartedAt: now.Add(-30 * 24 * time.Hour)}); err != nil {
		t.Fatal(err)
	}

	s, err := NewSweeper(repo, "@every 1h", 7*24*time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	n, err := s.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v; want 1", n, err)
	}
	for id, want := range map[string]bool{"old": false, "recent": true, "live": true} {
		rec, err := repo.GetSession(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if (rec != nil) != want {
			t.Errorf("session %s present = %v, want %v", id, rec != nil, want)
		}
	}
}

func TestStartStop(t *testing.T) {
	s, err := NewSweeper(&fakeDeleter{}, "@every 1h", time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	s.Stop()
}

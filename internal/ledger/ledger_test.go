package ledger_test

import (
	"context"
	"testing"
	"time"

	"paperline/internal/config"
	"paperline/internal/db"
	"paperline/internal/domain"
	"paperline/internal/ledger"
	"paperline/internal/migrate"
)

type testEnv struct {
	Ledger ledger.Ledger
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	l := ledger.New(conn, cfg)
	l.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Ledger: l, Ctx: context.Background()}
}

func machineReview(positive bool) domain.Review {
	return domain.Review{ReviewerID: "bot-1", Positive: positive}
}

func humanReview(positive bool) domain.Review {
	return domain.Review{ReviewerID: "alice", Positive: positive, Human: true}
}

func TestReviewDeltas(t *testing.T) {
	env := newTestEnv(t)
	score, err := env.Ledger.AddReview(env.Ctx, "proj-1", machineReview(true), "tester")
	if err != nil || score != 0.5 {
		t.Fatalf("machine positive: score=%v err=%v", score, err)
	}
	score, err = env.Ledger.AddReview(env.Ctx, "proj-1", humanReview(true), "tester")
	if err != nil || score != 1.5 {
		t.Fatalf("human positive: score=%v err=%v", score, err)
	}
	score, err = env.Ledger.AddReview(env.Ctx, "proj-1", humanReview(false), "tester")
	if err != nil || score != 0.5 {
		t.Fatalf("human negative: score=%v err=%v", score, err)
	}
	score, err = env.Ledger.AddReview(env.Ctx, "proj-1", machineReview(false), "tester")
	if err != nil || score != 0.0 {
		t.Fatalf("machine negative: score=%v err=%v", score, err)
	}
}

func TestScoreFloorsAtZero(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		score, err := env.Ledger.AddReview(env.Ctx, "proj-1", humanReview(false), "tester")
		if err != nil {
			t.Fatalf("add review: %v", err)
		}
		if score != 0 {
			t.Fatalf("score went below floor: %v", score)
		}
	}
	// the floor swallows deficit: one positive lifts straight to its weight
	score, err := env.Ledger.AddReview(env.Ctx, "proj-1", machineReview(true), "tester")
	if err != nil || score != 0.5 {
		t.Fatalf("after floor: score=%v err=%v", score, err)
	}
}

func TestCriticalReviewLeavesScoreUntouched(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Ledger.AddReview(env.Ctx, "proj-1", humanReview(true), "tester"); err != nil {
		t.Fatal(err)
	}
	score, err := env.Ledger.AddReview(env.Ctx, "proj-1", domain.Review{
		ReviewerID: "alice", Human: true, Critical: true, Comment: "fundamental flaw",
	}, "tester")
	if err != nil {
		t.Fatalf("critical review: %v", err)
	}
	if score != 1.0 {
		t.Fatalf("critical review changed score: %v", score)
	}
	b, err := env.Ledger.Breakdown(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.CriticalReviews != 1 || b.TotalReviews != 2 {
		t.Fatalf("breakdown: %+v", b)
	}
}

func TestScoreHistoryRecordsEveryMutation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Ledger.AddReview(env.Ctx, "proj-1", machineReview(true), "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.Ledger.ResetScore(env.Ctx, "proj-1", "stage transition backlog -> ready", "tester"); err != nil {
		t.Fatal(err)
	}
	history, err := env.Ledger.ScoreHistory(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Cause != domain.CauseReviewAdded || history[0].ReviewID == nil {
		t.Fatalf("first entry: %+v", history[0])
	}
	if history[1].Cause != domain.CauseScoreReset || history[1].OldScore != 0.5 || history[1].NewScore != 0 {
		t.Fatalf("reset entry: %+v", history[1])
	}
}

func TestReplayMatchesLiveScore(t *testing.T) {
	env := newTestEnv(t)
	seq := []domain.Review{
		machineReview(true),
		humanReview(true),
		machineReview(false),
		humanReview(false),
		machineReview(true),
	}
	var live float64
	var err error
	for _, rv := range seq {
		live, err = env.Ledger.AddReview(env.Ctx, "proj-1", rv, "tester")
		if err != nil {
			t.Fatal(err)
		}
	}
	reviews, err := env.Ledger.Reviews(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	replayed := ledger.ScoreFromReviews(reviews, env.Ledger.Weights)
	if replayed != live {
		t.Fatalf("replay %v != live %v", replayed, live)
	}
}

func TestReplayTreatsCriticalAsReset(t *testing.T) {
	w := config.Weights{Human: 1.0, Machine: 0.5}
	reviews := []domain.Review{
		{ReviewerID: "a", Positive: true, Human: true},
		{ReviewerID: "b", Positive: true},
		{ReviewerID: "a", Critical: true, Human: true},
		{ReviewerID: "b", Positive: true},
	}
	if got := ledger.ScoreFromReviews(reviews, w); got != 0.5 {
		t.Fatalf("replay after critical: %v", got)
	}
}

func TestBreakdownThreshold(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		if _, err := env.Ledger.AddReview(env.Ctx, "proj-1", humanReview(true), "tester"); err != nil {
			t.Fatal(err)
		}
	}
	b, err := env.Ledger.Breakdown(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if !b.CanAdvance || b.CurrentScore != 5.0 || b.PointsToAdvance != 0 {
		t.Fatalf("breakdown at threshold: %+v", b)
	}
}

func TestUnknownProjectScoreIsZero(t *testing.T) {
	env := newTestEnv(t)
	score, err := env.Ledger.CurrentScore(env.Ctx, "never-seen")
	if err != nil {
		t.Fatalf("unknown project: %v", err)
	}
	if score != 0 {
		t.Fatalf("unknown project score: %v", score)
	}
}

func TestAddReviewRequiresReviewer(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Ledger.AddReview(env.Ctx, "proj-1", domain.Review{}, "tester"); err == nil {
		t.Fatal("expected error for missing reviewer")
	}
	if _, err := env.Ledger.AddReview(env.Ctx, "", machineReview(true), "tester"); err == nil {
		t.Fatal("expected error for missing project")
	}
}

package scenario_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperline/internal/config"
	"paperline/internal/db"
	"paperline/internal/domain"
	"paperline/internal/migrate"
	"paperline/internal/repo"
	"paperline/internal/responder"
	"paperline/internal/scenario"
)

type testEnv struct {
	Runner  scenario.Runner
	WorkDir string
	Ctx     context.Context
}

func newTestEnv(t *testing.T, projectID string) *testEnv {
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
	workDir := filepath.Join(dir, "simulations")
	r := scenario.New(conn, config.Default(projectID), workDir)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	r.Now = clock
	r.Ledger.Now = clock
	r.Machine.Now = clock
	r.Validator.Now = clock
	return &testEnv{Runner: r, WorkDir: workDir, Ctx: context.Background()}
}

// runSnapshot is the deterministic slice of a report used for golden
// comparison: no timestamps, no durations, no check payloads.
type runSnapshot struct {
	Scenario       string          `json:"scenario"`
	ProjectID      string          `json:"project_id"`
	Success        bool            `json:"success"`
	Overall        string          `json:"overall"`
	TotalSteps     int             `json:"total_steps"`
	CompletedSteps int             `json:"completed_steps"`
	FinalStage     domain.Stage    `json:"final_stage"`
	FinalScore     float64         `json:"final_score"`
	Errors         []string        `json:"errors"`
	Warnings       []string        `json:"warnings"`
	Events         []eventSnapshot `json:"events"`
}

type eventSnapshot struct {
	Step  int          `json:"step"`
	Type  string       `json:"type"`
	Stage domain.Stage `json:"stage"`
	Score float64      `json:"score"`
}

func snapshotReport(rep *scenario.RunReport) runSnapshot {
	snap := runSnapshot{
		Scenario:       rep.Scenario,
		ProjectID:      rep.ProjectID,
		Success:        rep.Success,
		Overall:        rep.Overall(),
		TotalSteps:     rep.TotalSteps,
		CompletedSteps: rep.CompletedSteps,
		FinalStage:     rep.FinalStage,
		FinalScore:     rep.FinalScore,
		Errors:         rep.Errors,
		Warnings:       rep.Warnings,
	}
	for _, e := range rep.Events {
		snap.Events = append(snap.Events, eventSnapshot{Step: e.Step, Type: e.Type, Stage: e.Stage, Score: e.Score})
	}
	return snap
}

func TestDesignToReadyScenario(t *testing.T) {
	env := newTestEnv(t, "proj-sim")
	script, err := scenario.LoadScript("testdata/design_to_ready.yml")
	require.NoError(t, err)

	rep, err := env.Runner.Run(env.Ctx, script)
	require.NoError(t, err)

	assert.True(t, rep.Success, "errors=%v warnings=%v", rep.Errors, rep.Warnings)
	assert.Equal(t, 6, rep.TotalSteps)
	assert.Equal(t, 6, rep.CompletedSteps)
	assert.Equal(t, domain.StageReady, rep.FinalStage)
	assert.Equal(t, 0.0, rep.FinalScore)
	require.NotNil(t, rep.Validation)
	assert.Equal(t, domain.StatusPassed, rep.Validation.Overall)
	assert.Equal(t, 10, rep.Validation.TotalChecks)

	data, err := json.MarshalIndent(snapshotReport(rep), "", "  ")
	require.NoError(t, err)
	g := goldie.New(t)
	g.Assert(t, "design_to_ready", append(data, '\n'))
}

func TestRunSucceedsUnderCoarseClock(t *testing.T) {
	env := newTestEnv(t, "proj-sim")
	// every report persisted within the same second must keep a distinct ID
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return frozen }
	env.Runner.Now = clock
	env.Runner.Ledger.Now = clock
	env.Runner.Machine.Now = clock
	env.Runner.Validator.Now = clock

	script, err := scenario.LoadScript("testdata/design_to_ready.yml")
	require.NoError(t, err)
	rep, err := env.Runner.Run(env.Ctx, script)
	require.NoError(t, err)
	assert.True(t, rep.Success, "errors=%v warnings=%v", rep.Errors, rep.Warnings)
	assert.Equal(t, 6, rep.CompletedSteps)
	assert.Equal(t, domain.StageReady, rep.FinalStage)
}

// singleReply always answers positive with no repeat count set.
type singleReply struct{}

func (singleReply) Respond(_ context.Context, _ responder.Prompt) (responder.Reply, error) {
	return responder.Reply{Polarity: responder.Positive, Human: true}, nil
}

func TestZeroRepeatReplyStillApplies(t *testing.T) {
	env := newTestEnv(t, "proj-r")
	env.Runner.Responder = singleReply{}
	script := &scenario.Script{
		Name:      "one-review",
		ProjectID: "proj-r",
		Steps: []scenario.Step{
			{Step: 1, Action: scenario.ActionReview},
		},
	}
	require.NoError(t, script.Validate())

	rep, err := env.Runner.Run(env.Ctx, script)
	require.NoError(t, err)
	assert.True(t, rep.Success, "errors=%v warnings=%v", rep.Errors, rep.Warnings)
	assert.Equal(t, 1.0, rep.FinalScore)

	reviews, err := env.Runner.Ledger.Reviews(env.Ctx, "proj-r")
	require.NoError(t, err)
	assert.Len(t, reviews, 1)
}

func TestCriticalRollbackScenario(t *testing.T) {
	env := newTestEnv(t, "proj-crit")
	script, err := scenario.LoadScript("testdata/critical_rollback.yml")
	require.NoError(t, err)

	rep, err := env.Runner.Run(env.Ctx, script)
	require.NoError(t, err)

	assert.True(t, rep.Success, "errors=%v warnings=%v", rep.Errors, rep.Warnings)
	assert.Equal(t, domain.StageInProgress, rep.FinalStage)
	assert.Equal(t, 0.0, rep.FinalScore)

	reviews, err := env.Runner.Ledger.Reviews(env.Ctx, "proj-crit")
	require.NoError(t, err)
	assert.Len(t, reviews, 9)
	critical := 0
	for _, rv := range reviews {
		if rv.Critical {
			critical++
			assert.Contains(t, rv.Comment, "methodology flawed")
		}
	}
	assert.Equal(t, 1, critical)
}

func TestResponderExhaustionAbortsRun(t *testing.T) {
	env := newTestEnv(t, "proj-x")
	script := &scenario.Script{
		Name:      "starved",
		ProjectID: "proj-x",
		Responses: []responder.Reply{{Polarity: responder.Positive}},
		Steps: []scenario.Step{
			{Step: 1, Action: scenario.ActionReview, Params: map[string]any{"count": 2}},
			{Step: 2, Action: scenario.ActionValidate},
		},
	}
	require.NoError(t, script.Validate())

	rep, err := env.Runner.Run(env.Ctx, script)
	require.NoError(t, err)

	assert.False(t, rep.Success)
	assert.Equal(t, domain.StatusFailed, rep.Overall())
	assert.Equal(t, 0, rep.CompletedSteps)
	require.NotEmpty(t, rep.Errors)
	assert.Contains(t, rep.Errors[0], "exhausted")
	// the partial report still carries the failure event and a validation pass
	require.NotEmpty(t, rep.Events)
	assert.Equal(t, "step_failed", rep.Events[len(rep.Events)-1].Type)
	require.NotNil(t, rep.Validation)
}

func TestDeniedAdvanceIsRecordedNotFatal(t *testing.T) {
	env := newTestEnv(t, "proj-y")
	script := &scenario.Script{
		Name:      "premature",
		ProjectID: "proj-y",
		Steps: []scenario.Step{
			{Step: 1, Action: scenario.ActionAdvanceStage},
			{Step: 2, Action: scenario.ActionValidate},
		},
	}
	require.NoError(t, script.Validate())

	rep, err := env.Runner.Run(env.Ctx, script)
	require.NoError(t, err)

	// the denial is an error in the report, not an abort
	assert.Equal(t, 2, rep.CompletedSteps)
	assert.False(t, rep.Success)
	require.NotEmpty(t, rep.Errors)
	assert.Contains(t, rep.Errors[0], "stage advance denied")
	assert.Contains(t, rep.Errors[0], "artifact:technical_design")
	assert.Contains(t, rep.Errors[0], "score")
	assert.Equal(t, domain.StageBacklog, rep.FinalStage)
}

func TestArtifactsMaterializedUnderWorkDir(t *testing.T) {
	env := newTestEnv(t, "proj-art")
	script := &scenario.Script{
		Name:      "artifacts",
		ProjectID: "proj-art",
		Steps: []scenario.Step{
			{Step: 1, TaskType: "CREATE_TECHNICAL_DESIGN"},
			{Step: 2, TaskType: "COMPILE_PAPER_PDF"},
		},
	}
	require.NoError(t, script.Validate())

	rep, err := env.Runner.Run(env.Ctx, script)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.CompletedSteps)

	for _, name := range []string{"technical_design.md", "paper.pdf"} {
		path := filepath.Join(env.WorkDir, "proj-art", name)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("artifact %s not materialized: %v", name, err)
		}
	}
}

func TestScenarioReportPersisted(t *testing.T) {
	env := newTestEnv(t, "proj-sim")
	script, err := scenario.LoadScript("testdata/design_to_ready.yml")
	require.NoError(t, err)
	rep, err := env.Runner.Run(env.Ctx, script)
	require.NoError(t, err)

	var stored scenario.RunReport
	require.NoError(t, env.Runner.Repo.LatestReport(env.Ctx, "proj-sim", repo.ReportKindScenario, &stored))
	assert.Equal(t, rep.ID, stored.ID)
	assert.True(t, stored.Success)

	var validation domain.Report
	require.NoError(t, env.Runner.Repo.LatestReport(env.Ctx, "proj-sim", repo.ReportKindValidation, &validation))
	assert.Equal(t, domain.StatusPassed, validation.Overall)
}

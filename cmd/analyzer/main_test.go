package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-patterns/internal/database"
	"github.com/irfndi/celebrum-patterns/internal/logging"
	"github.com/irfndi/celebrum-patterns/internal/models"
	"github.com/irfndi/celebrum-patterns/internal/utils"
)

type fakeAnalyzer struct {
	subjects []string
	from, to time.Time
	kind     string
	err      error
}

func (f *fakeAnalyzer) AnalyzeSubject(ctx context.Context, subjectID string, from, to time.Time) (*models.ComprehensiveResult, error) {
	f.subjects, f.from, f.to = []string{subjectID}, from, to
	if f.err != nil {
		return nil, f.err
	}
	return &models.ComprehensiveResult{RunID: "run-1", SubjectID: subjectID, From: from, To: to}, nil
}

func (f *fakeAnalyzer) CompareSubjects(ctx context.Context, subjectIDs []string, from, to time.Time, analysisType string) (*models.ComparisonResult, error) {
	f.subjects, f.from, f.to, f.kind = subjectIDs, from, to, analysisType
	if f.err != nil {
		return nil, f.err
	}
	return &models.ComparisonResult{
		RunID:        "run-2",
		AnalysisType: analysisType,
		Subjects:     subjectIDs,
		Pairs:        []models.PairwiseComparison{{SubjectA: subjectIDs[0], SubjectB: subjectIDs[1]}},
	}, nil
}

func (f *fakeAnalyzer) ParallelLimit() int { return 4 }

type fakeRanges struct {
	r   *database.EventRange
	err error
}

func (f *fakeRanges) GetEventRange(ctx context.Context, subjectID string) (*database.EventRange, error) {
	return f.r, f.err
}

type fakeCache struct {
	invalidated string
	cleared     bool
	subjects    []string
}

func (f *fakeCache) Clear(ctx context.Context) (int, error) {
	f.cleared = true
	return 5, nil
}

func (f *fakeCache) InvalidateSubject(ctx context.Context, subjectID string) (int, error) {
	f.invalidated = subjectID
	return 2, nil
}

func (f *fakeCache) GetCachedSubjects(ctx context.Context) ([]string, error) {
	return f.subjects, nil
}

type harness struct {
	analyzer *fakeAnalyzer
	app      *app
	logs     *bytes.Buffer
	closed   bool
}

func newHarness() *harness {
	var logs bytes.Buffer
	h := &harness{analyzer: &fakeAnalyzer{}, logs: &logs}
	h.app = &app{
		logger:   logging.NewStandardLoggerWithWriter(&logs, "debug", "development"),
		analyzer: h.analyzer,
	}
	h.app.closers = []func(){func() { h.closed = true }}
	return h
}

func (h *harness) run(args ...string) (string, error) {
	cmd := newRootCmd(func(ctx context.Context) (*app, error) { return h.app, nil })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func day(s string) time.Time {
	t, _ := time.Parse(dateLayout, s)
	return t
}

func TestAnalyzeCommand_ExplicitDates(t *testing.T) {
	h := newHarness()

	out, err := h.run("analyze", "subject-1", "--from", "2024-01-01", "--to", "2024-06-30")
	require.NoError(t, err)

	var result models.ComprehensiveResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "subject-1", result.SubjectID)
	assert.Equal(t, day("2024-01-01"), h.analyzer.from)
	assert.Equal(t, endOfDay(day("2024-06-30")), h.analyzer.to)
	assert.True(t, h.closed)

	logs := h.logs.String()
	assert.Contains(t, logs, "Application startup")
	assert.Contains(t, logs, "Analysis completed")
	assert.Contains(t, logs, "reason=completed")
}

func TestAnalyzeCommand_ToCoversWholeDay(t *testing.T) {
	h := newHarness()

	_, err := h.run("analyze", "subject-1", "--from", "2024-06-01", "--to", "2024-06-30")
	require.NoError(t, err)
	noon := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	assert.False(t, noon.After(h.analyzer.to), "an event at noon of the last day is in range")
	assert.True(t, h.analyzer.to.Before(day("2024-07-01")))

	single := newHarness()
	_, err = single.run("analyze", "subject-1", "--from", "2024-06-30", "--to", "2024-06-30")
	require.NoError(t, err)
	assert.True(t, single.analyzer.to.After(single.analyzer.from))
	assert.False(t, noon.After(single.analyzer.to))
	assert.False(t, noon.Before(single.analyzer.from))
}

func TestAnalyzeCommand_DefaultsFromEventRange(t *testing.T) {
	h := newHarness()
	last := time.Date(2024, 5, 20, 18, 0, 0, 0, time.UTC)
	h.app.ranges = &fakeRanges{r: &database.EventRange{
		SubjectID: "subject-1",
		First:     time.Date(2023, 11, 3, 9, 15, 0, 0, time.UTC),
		Last:      last,
		Count:     300,
	}}

	_, err := h.run("analyze", "subject-1")
	require.NoError(t, err)
	assert.Equal(t, day("2023-11-03"), h.analyzer.from)
	assert.Equal(t, last, h.analyzer.to)
}

func TestAnalyzeCommand_Errors(t *testing.T) {
	t.Run("missing from without range source", func(t *testing.T) {
		h := newHarness()
		_, err := h.run("analyze", "subject-1")
		assert.True(t, utils.IsClientCorrectable(err))
		assert.Equal(t, 2, exitCode(err))
		assert.Nil(t, h.analyzer.subjects)
	})

	t.Run("invalid date", func(t *testing.T) {
		h := newHarness()
		_, err := h.run("analyze", "subject-1", "--from", "01/02/2024")
		assert.ErrorContains(t, err, `invalid --from "01/02/2024"`)
		assert.Equal(t, 2, exitCode(err))
	})

	t.Run("subject without events", func(t *testing.T) {
		h := newHarness()
		h.app.ranges = &fakeRanges{err: utils.NewInsufficientDataError("", 1, 0)}
		_, err := h.run("analyze", "subject-1")
		assert.Equal(t, 2, exitCode(err))
	})

	t.Run("analysis failure", func(t *testing.T) {
		h := newHarness()
		h.analyzer.err = errors.New("database unavailable")
		_, err := h.run("analyze", "subject-1", "--from", "2024-01-01")
		assert.Equal(t, 1, exitCode(err))
		assert.True(t, h.closed)
		assert.Contains(t, h.logs.String(), "reason=failed")
	})

	t.Run("missing subject", func(t *testing.T) {
		h := newHarness()
		_, err := h.run("analyze")
		assert.Error(t, err)
	})
}

func TestCompareCommand(t *testing.T) {
	h := newHarness()

	out, err := h.run("compare", "a", "b", "c", "--type", "regimes", "--from", "2024-01-01", "--to", "2024-03-31", "--pretty")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, h.analyzer.subjects)
	assert.Equal(t, models.CompareRegimes, h.analyzer.kind)
	assert.Equal(t, endOfDay(day("2024-03-31")), h.analyzer.to)
	assert.Contains(t, out, "\n  \"run_id\": \"run-2\"")

	logs := h.logs.String()
	assert.Contains(t, logs, "Resource statistics")
	assert.Contains(t, logs, "parallel_limit:4")
	assert.Contains(t, logs, "Comparison completed")
}

func TestCompareCommand_Defaults(t *testing.T) {
	h := newHarness()

	_, err := h.run("compare", "a", "b", "--from", "2024-01-01")
	require.NoError(t, err)
	assert.Equal(t, models.CompareCycles, h.analyzer.kind)
	assert.Equal(t, endOfDay(today()), h.analyzer.to)
}

func TestCompareCommand_RequiresFrom(t *testing.T) {
	h := newHarness()

	_, err := h.run("compare", "a", "b")
	assert.Equal(t, 2, exitCode(err))
	assert.Nil(t, h.analyzer.subjects)
}

func TestCacheCommands(t *testing.T) {
	t.Run("clear subject", func(t *testing.T) {
		h := newHarness()
		c := &fakeCache{}
		h.app.cache = c

		out, err := h.run("cache", "clear", "--subject", "subject-1")
		require.NoError(t, err)
		assert.Equal(t, "subject-1", c.invalidated)
		assert.False(t, c.cleared)
		assert.JSONEq(t, `{"deleted":2}`, out)
	})

	t.Run("clear all", func(t *testing.T) {
		h := newHarness()
		c := &fakeCache{}
		h.app.cache = c

		out, err := h.run("cache", "clear")
		require.NoError(t, err)
		assert.True(t, c.cleared)
		assert.JSONEq(t, `{"deleted":5}`, out)
	})

	t.Run("list", func(t *testing.T) {
		h := newHarness()
		h.app.cache = &fakeCache{subjects: []string{"a", "b"}}

		out, err := h.run("cache", "list")
		require.NoError(t, err)
		assert.JSONEq(t, `{"subjects":["a","b"]}`, out)
	})

	t.Run("list empty", func(t *testing.T) {
		h := newHarness()
		h.app.cache = &fakeCache{}

		out, err := h.run("cache", "list")
		require.NoError(t, err)
		assert.JSONEq(t, `{"subjects":[]}`, out)
	})

	t.Run("warm", func(t *testing.T) {
		h := newHarness()
		h.app.cache = &fakeCache{}
		h.app.ranges = &fakeRanges{r: &database.EventRange{
			SubjectID: "subject-1",
			First:     time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
			Last:      time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
			Count:     1000,
		}}

		out, err := h.run("cache", "warm", "subject-1", "--days", "30")
		require.NoError(t, err)
		assert.Equal(t, day("2024-05-31"), h.analyzer.from)
		assert.Contains(t, out, `"run_id":"run-1"`)
		assert.Contains(t, h.logs.String(), "component=cache_warming")
	})

	t.Run("disabled", func(t *testing.T) {
		h := newHarness()
		_, err := h.run("cache", "list")
		assert.ErrorIs(t, err, errCacheDisabled)
		assert.Equal(t, 1, exitCode(err))
	})
}

func TestSetupFailure(t *testing.T) {
	cmd := newRootCmd(func(ctx context.Context) (*app, error) {
		return nil, errors.New("failed to load configuration")
	})
	cmd.SetArgs([]string{"analyze", "subject-1"})
	cmd.SetOut(&bytes.Buffer{})
	err := cmd.Execute()
	assert.EqualError(t, err, "failed to load configuration")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 2, exitCode(utils.NewValidationError("bad")))
	assert.Equal(t, 2, exitCode(fmt.Errorf("wrapped: %w", &utils.TooManySubjectsError{Max: 10, Actual: 12})))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestAppClose(t *testing.T) {
	var order []int
	a := &app{closers: []func(){
		func() { order = append(order, 1) },
		func() { order = append(order, 2) },
	}}
	a.Close()
	a.Close()
	assert.Equal(t, []int{2, 1}, order)
}

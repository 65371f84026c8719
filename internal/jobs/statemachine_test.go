package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	legal := map[[2]Status]bool{
		{StatusPending, StatusAwaitingApproval}:   true,
		{StatusPending, StatusRunning}:            true,
		{StatusPending, StatusCancelled}:          true,
		{StatusAwaitingApproval, StatusRunning}:   true,
		{StatusAwaitingApproval, StatusCancelled}: true,
		{StatusRunning, StatusCompleted}:          true,
		{StatusRunning, StatusFailed}:             true,
		{StatusRunning, StatusCancelled}:          true,
	}

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := legal[[2]Status{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	for _, st := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, st.IsTerminal())
		assert.Empty(t, transitions[st])
	}
}

func TestKindStages(t *testing.T) {
	assert.True(t, KindRestore.Destructive())
	assert.False(t, KindBackup.Destructive())
	assert.False(t, Kind("scrape").Valid())

	stages := KindRestore.Stages()
	assert.Equal(t, StageCreatingCheckpoint, stages[0])
	assert.Equal(t, StageCompleted, stages[len(stages)-1])
	assert.Less(t, KindRestore.stageIndex(StageRestoringConcepts), KindRestore.stageIndex(StageRestoringRelationships))
}

func TestOutcomeValidate(t *testing.T) {
	tests := []struct {
		name    string
		to      Status
		out     Outcome
		wantErr bool
	}{
		{"completed with result", StatusCompleted, Outcome{Result: map[string]any{}}, false},
		{"completed without result", StatusCompleted, Outcome{}, true},
		{"completed with error", StatusCompleted, Outcome{Result: map[string]any{}, Error: "x"}, true},
		{"failed with error", StatusFailed, Outcome{Error: "boom"}, false},
		{"failed without error", StatusFailed, Outcome{}, true},
		{"cancelled with result", StatusCancelled, Outcome{Error: "x", Result: map[string]any{}}, true},
		{"running with note", StatusRunning, Outcome{Note: "approved"}, false},
		{"running with error", StatusRunning, Outcome{Error: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.out.validate(tt.to)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidOutcome)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

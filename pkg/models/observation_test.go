package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringListCodec_NilEncodesAsEmptyList(t *testing.T) {
	text, err := EncodeStringList(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", text)

	list, err := DecodeStringList(text)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestStringListCodec_PreservesOrderAndSpecialCharacters(t *testing.T) {
	in := []string{"b", "a", `quote " and \ slash`, "percent %_"}

	text, err := EncodeStringList(in)
	require.NoError(t, err)

	out, err := DecodeStringList(text)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestStringListCodec_RejectsMalformedText(t *testing.T) {
	_, err := DecodeStringList("{not a list")
	assert.Error(t, err)
}

func TestJSONStringArray_ScanNullYieldsEmptyList(t *testing.T) {
	var list JSONStringArray
	require.NoError(t, list.Scan(nil))
	assert.NotNil(t, list)
	assert.Empty(t, list)

	require.NoError(t, list.Scan([]byte(`["x","y"]`)))
	assert.Equal(t, JSONStringArray{"x", "y"}, list)
	assert.True(t, list.Contains("y"))
	assert.False(t, list.Contains("z"))

	assert.Error(t, list.Scan(42))
}

func TestJSONStringArray_ValueIsText(t *testing.T) {
	v, err := JSONStringArray(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", v)

	v, err = JSONStringArray{"obs-1"}.Value()
	require.NoError(t, err)
	assert.Equal(t, `["obs-1"]`, v)
}

func TestObservation_Headline(t *testing.T) {
	obs := &Observation{Narrative: "\n  Use the cache layer  \nsecond line"}
	assert.Equal(t, "Use the cache layer", obs.Headline())

	assert.Empty(t, (&Observation{}).Headline())
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0.0, ClampConfidence(-0.5))
	assert.Equal(t, 1.0, ClampConfidence(4))
	assert.Equal(t, 0.25, ClampConfidence(0.25))
}

func TestBulletID_RoundTrip(t *testing.T) {
	assert.Equal(t, "obs-42", BulletID(42))

	id, err := ParseBulletID("obs-42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"", "42", "obs-", "obs-abc", "obs--1", "bead-3"} {
		_, err := ParseBulletID(bad)
		assert.Error(t, err, bad)
	}
}

func TestCreateParams_Valid(t *testing.T) {
	assert.True(t, (&CreateParams{Type: ObsTypeDecision, Narrative: "x"}).Valid())
	assert.False(t, (&CreateParams{Type: " ", Narrative: "x"}).Valid())
	assert.False(t, (&CreateParams{Type: ObsTypeDecision, Narrative: "\n"}).Valid())
}

func TestObservationType_Classification(t *testing.T) {
	assert.True(t, ObsTypeAntiPattern.IsWarning())
	assert.True(t, ObsTypeFeedbackHarmful.IsWarning())
	assert.False(t, ObsTypeFeedbackHelpful.IsWarning())
	assert.True(t, ObsTypeFeedbackHelpful.IsFeedback())
	assert.False(t, ObsTypeDecision.IsFeedback())
}

func TestTodo_Mapping(t *testing.T) {
	tests := []struct {
		todo     Todo
		status   IssueStatus
		priority int
	}{
		{Todo{Status: "completed", Priority: "high"}, IssueStatusClosed, PriorityHigh},
		{Todo{Status: "in_progress", Priority: "low"}, IssueStatusInProgress, PriorityLow},
		{Todo{Status: "pending"}, IssueStatusOpen, PriorityMedium},
		{Todo{Status: "Cancelled", Priority: "medium"}, IssueStatusClosed, PriorityMedium},
		{Todo{Status: "done"}, IssueStatusClosed, PriorityMedium},
		{Todo{Status: "in-progress"}, IssueStatusInProgress, PriorityMedium},
		{Todo{Status: "active"}, IssueStatusOpen, PriorityMedium},
		{Todo{Status: "canceled"}, IssueStatusOpen, PriorityMedium},
		{Todo{Status: "complete"}, IssueStatusOpen, PriorityMedium},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, tt.todo.IssueStatus(), tt.todo.Status)
		assert.Equal(t, tt.priority, tt.todo.IssuePriority(), tt.todo.Priority)
	}
}

func TestTodo_KeyFallsBackToContentHash(t *testing.T) {
	assert.Equal(t, "t1", Todo{ID: " t1 ", Content: "x"}.Key())

	a := Todo{Content: "write tests"}.Key()
	b := Todo{Content: "write tests"}.Key()
	c := Todo{Content: "write docs"}.Key()
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, len("todo-")+12)
}

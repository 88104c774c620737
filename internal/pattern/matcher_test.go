package pattern_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/durapensa/ksid/internal/pattern"
)

func TestIsExact(t *testing.T) {
	require.True(t, pattern.IsExact("agent:spawn"))
	require.False(t, pattern.IsExact("agent:*"))
	require.False(t, pattern.IsExact("agent:**"))
	require.False(t, pattern.IsExact("agent:sp?wn"))
}

func TestMatcherExact(t *testing.T) {
	m := pattern.New()

	require.True(t, m.Matches("agent:spawn", "agent:spawn"))
	require.False(t, m.Matches("agent:spawn", "agent:kill"))
}

func TestMatcherSingleSegmentGlob(t *testing.T) {
	m := pattern.New()

	require.True(t, m.Matches("agent:*", "agent:spawn"))
	require.True(t, m.Matches("agent:*", "agent:kill"))
	require.False(t, m.Matches("agent:*", "agent:spawn:extra"))
	require.False(t, m.Matches("agent:*", "other:spawn"))
}

func TestMatcherGreedyMultiSegment(t *testing.T) {
	m := pattern.New()

	require.True(t, m.Matches("agent:**", "agent:spawn"))
	require.True(t, m.Matches("agent:**", "agent:spawn:child"))
	require.False(t, m.Matches("agent:**", "agent"))
	require.False(t, m.Matches("agent:**", "other:spawn"))
}

func TestMatcherQuestionMark(t *testing.T) {
	m := pattern.New()

	require.True(t, m.Matches("agent:sp?wn", "agent:spawn"))
	require.False(t, m.Matches("agent:sp?wn", "agent:spwn"))
	require.False(t, m.Matches("agent:sp?wn", "agent:spawwn"))
}

func TestValidate(t *testing.T) {
	require.NoError(t, pattern.Validate("agent:spawn"))
	require.NoError(t, pattern.Validate("agent:*"))
	require.NoError(t, pattern.Validate("agent:**"))
	require.Error(t, pattern.Validate("agent:["))
}

func TestMatcherCachesCompiledPredicate(t *testing.T) {
	m := pattern.New()

	require.True(t, m.Matches("agent:*", "agent:spawn"))
	// Second call exercises the cached predicate path; behavior must
	// be identical.
	require.True(t, m.Matches("agent:*", "agent:spawn"))
	require.False(t, m.Matches("agent:*", "agent:spawn:extra"))
}

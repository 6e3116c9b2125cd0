package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timeMustParse(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed
}

func TestLoadFromDataParsesAndDerivesIncoming(t *testing.T) {
	def, err := LoadFromData([]byte(`
id: ordering
activities:
  - id: receive
    kind: task
    initial: true
    outgoing: [ship]
  - id: ship
    kind: task
    awaitCompletion: true
`))
	require.NoError(t, err)

	assert.Equal(t, "ordering", def.Id)
	require.NotNil(t, def.Activity("ship"))
	assert.Equal(t, []string{"receive"}, def.Activity("ship").Incoming)

	initial := def.InitialActivities("")
	require.Len(t, initial, 1)
	assert.Equal(t, "receive", initial[0].Id)
}

func TestLoadFromDataDefaultsKindToTask(t *testing.T) {
	def, err := LoadFromData([]byte(`
id: minimal
activities:
  - id: only
    initial: true
`))
	require.NoError(t, err)
	assert.Equal(t, KindTask, def.Activity("only").Kind)
}

func TestLoadFromDataRejectsDuplicateIds(t *testing.T) {
	_, err := LoadFromData([]byte(`
id: dup
activities:
  - id: a
    initial: true
  - id: a
`))
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestValidateRejectsUnknownTransitionTarget(t *testing.T) {
	_, err := LoadFromData([]byte(`
id: broken
activities:
  - id: a
    initial: true
    outgoing: [missing]
`))
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestValidateRejectsScopeCrossingTransition(t *testing.T) {
	_, err := LoadFromData([]byte(`
id: crossing
activities:
  - id: sub
    kind: scope
    initial: true
  - id: inner
    scope: sub
    initial: true
    outgoing: [outer]
  - id: outer
`))
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestValidateRejectsForkOnNonParallel(t *testing.T) {
	_, err := LoadFromData([]byte(`
id: fork
activities:
  - id: a
    initial: true
    outgoing: [b, c]
  - id: b
  - id: c
`))
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestValidateRejectsMissingInitialActivity(t *testing.T) {
	_, err := LoadFromData([]byte(`
id: noentry
activities:
  - id: a
`))
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestValidateRejectsConnectedCompensationHandler(t *testing.T) {
	_, err := LoadFromData([]byte(`
id: comp
activities:
  - id: work
    initial: true
    outgoing: [undo]
  - id: undo
    kind: compensationHandler
`))
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestValidateRejectsDuplicateCatchAllInScope(t *testing.T) {
	_, err := LoadFromData([]byte(`
id: ambiguous
activities:
  - id: start
    initial: true
  - id: c1
    kind: eventCatch
    catch:
      type: message
  - id: c2
    kind: eventCatch
    catch:
      type: message
`))
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Msg, "catch-all")
}

func TestValidateAllowsSameNameInDifferentScopes(t *testing.T) {
	_, err := LoadFromData([]byte(`
id: scoped
activities:
  - id: sub
    kind: scope
    initial: true
  - id: innerCatch
    kind: eventCatch
    scope: sub
    initial: true
    catch:
      type: message
      name: go
  - id: outerCatch
    kind: eventCatch
    catch:
      type: message
      name: go
`))
	require.NoError(t, err)
}

func TestValidateRejectsBoundaryHandlerInOtherScope(t *testing.T) {
	_, err := LoadFromData([]byte(`
id: boundary
activities:
  - id: sub
    kind: scope
    initial: true
  - id: work
    scope: sub
    initial: true
    boundary:
      - type: message
        name: abort
        handler: cleanup
  - id: cleanup
`))
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestValidateRejectsMultiInstanceWithoutCollection(t *testing.T) {
	_, err := LoadFromData([]byte(`
id: mi
activities:
  - id: each
    initial: true
    multiInstance:
      elementVariable: item
`))
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestScopeChainInnermostFirst(t *testing.T) {
	def, err := LoadFromData([]byte(`
id: nested
activities:
  - id: outer
    kind: scope
    initial: true
  - id: inner
    kind: scope
    scope: outer
    initial: true
  - id: leaf
    scope: inner
    initial: true
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"inner", "outer"}, def.ScopeChain("leaf"))
	assert.Equal(t, []string{"outer"}, def.ScopeChain("inner"))
	assert.Empty(t, def.ScopeChain("outer"))
}

func TestChildrenOfFiltersByScope(t *testing.T) {
	def, err := LoadFromData([]byte(`
id: nested
activities:
  - id: outer
    kind: scope
    initial: true
  - id: a
    scope: outer
    initial: true
  - id: b
    scope: outer
`))
	require.NoError(t, err)

	children := def.ChildrenOf("outer")
	require.Len(t, children, 2)
	assert.Equal(t, "a", children[0].Id)
	assert.Equal(t, "b", children[1].Id)
}

func TestTimerSpecDueAt(t *testing.T) {
	spec := TimerSpec{Duration: "PT15M"}
	now := timeMustParse(t, "2026-09-01T10:00:00Z")
	due, err := spec.DueAt(now)
	require.NoError(t, err)
	assert.Equal(t, timeMustParse(t, "2026-09-01T10:15:00Z"), due)

	_, err = (&TimerSpec{Duration: "not-a-duration"}).DueAt(now)
	assert.Error(t, err)
}

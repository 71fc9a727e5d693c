package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindDefect(t *testing.T) {
	defects := []ParsedDefect{{DefectID: "D1"}, {DefectID: "D2"}}

	d, ok := findDefect(defects, "D2")
	assert.True(t, ok)
	assert.Equal(t, "D2", d.DefectID)

	_, ok = findDefect(defects, "D3")
	assert.False(t, ok)
}

func TestExitError(t *testing.T) {
	inner := errors.New("boom")
	ee := &exitError{status: exitConfigError, err: inner}
	assert.Equal(t, "boom", ee.Error())
	assert.Equal(t, inner, ee.Unwrap())
}

func TestAsPipelineError(t *testing.T) {
	pe := NewPipelineError(KindProviderError, "D1", errors.New("inner"))
	wrapped := fmt.Errorf("context: %w", pe)

	var target *PipelineError
	require.True(t, asPipelineError(wrapped, &target))
	assert.Equal(t, KindProviderError, target.Kind)

	target = nil
	require.False(t, asPipelineError(errors.New("plain"), &target))
}

func TestCLI_ClassifyRunError(t *testing.T) {
	c := &CLI{logger: testLogger()}

	inputErr := NewPipelineError(KindInputError, "", errors.New("bad input"))
	wrapped := c.classifyRunError(inputErr)
	var ee *exitError
	require.True(t, errors.As(wrapped, &ee))
	assert.Equal(t, exitConfigError, ee.status)

	providerErr := NewPipelineError(KindProviderError, "", errors.New("exhausted"))
	wrapped = c.classifyRunError(providerErr)
	require.True(t, errors.As(wrapped, &ee))
	assert.Equal(t, exitProvidersExhausted, ee.status)

	validationErr := NewPipelineError(KindValidationError, "", errors.New("invalid"))
	wrapped = c.classifyRunError(validationErr)
	require.True(t, errors.As(wrapped, &ee))
	assert.Equal(t, exitPatchValidationFailed, ee.status)

	plain := errors.New("unclassified")
	assert.Equal(t, plain, c.classifyRunError(plain))
}

func TestCLI_ClassifyOutcomeError(t *testing.T) {
	c := &CLI{logger: testLogger()}

	rolledBackNoPatch := DefectOutcome{Outcome: OutcomeRolledBack, Err: errors.New("rolled back")}
	err := c.classifyOutcomeError(rolledBackNoPatch)
	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, exitRolledBack, ee.status)

	rolledBackWithPatch := DefectOutcome{
		Outcome: OutcomeRolledBack,
		Err:     errors.New("rollback incomplete"),
		Patch:   &PatchApplicationResult{},
	}
	err = c.classifyOutcomeError(rolledBackWithPatch)
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, exitRollbackFailed, ee.status)

	failed := DefectOutcome{Outcome: OutcomeFailed, Err: NewPipelineError(KindProviderError, "D1", errors.New("x"))}
	err = c.classifyOutcomeError(failed)
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, exitProvidersExhausted, ee.status)

	applied := DefectOutcome{Outcome: OutcomeApplied}
	assert.NoError(t, c.classifyOutcomeError(applied))
}

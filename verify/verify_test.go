// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package verify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duxnet/duxnetd/sandbox"
	"github.com/duxnet/duxnetd/scheduler"
)

func verifiedResult(t *testing.T, output map[string]interface{}) *scheduler.TaskResult {
	hash, err := sandbox.ResultHash(output)
	require.NoError(t, err)
	return &scheduler.TaskResult{
		TaskID:     "t-1",
		NodeID:     "node-a",
		Status:     scheduler.StatusCompleted,
		OutputData: output,
		ResultHash: hash,
	}
}

func verifyTask() *scheduler.Task {
	return &scheduler.Task{ID: "t-1", ServiceName: "svc"}
}

func TestVerifyShape(t *testing.T) {
	require := require.New(t)
	v := NewVerifier()

	verdict := v.Verify(verifyTask(), &scheduler.TaskResult{TaskID: "t-1"})
	require.False(verdict.OK)
	require.Equal("shape", verdict.Check)

	result := verifiedResult(t, map[string]interface{}{"a": 1})
	result.ExecutionSeconds = -1
	verdict = v.Verify(verifyTask(), result)
	require.False(verdict.OK)
	require.Equal("shape", verdict.Check)
}

func TestVerifyIntegrity(t *testing.T) {
	require := require.New(t)
	v := NewVerifier()

	result := verifiedResult(t, map[string]interface{}{"a": 1})
	require.True(v.Verify(verifyTask(), result).OK)

	result.OutputData["a"] = 2 // output no longer matches its hash
	verdict := v.Verify(verifyTask(), result)
	require.False(verdict.OK)
	require.Equal("integrity", verdict.Check)
}

func TestVerifyServiceHook(t *testing.T) {
	require := require.New(t)
	v := NewVerifier()
	v.RegisterService("svc", func(result *scheduler.TaskResult) error {
		if _, ok := result.OutputData["required"]; !ok {
			return errors.New("missing required key")
		}
		return nil
	})

	verdict := v.Verify(verifyTask(), verifiedResult(t, map[string]interface{}{"other": 1}))
	require.False(verdict.OK)
	require.Equal("service", verdict.Check)

	require.True(v.Verify(verifyTask(), verifiedResult(t, map[string]interface{}{"required": 1})).OK)

	// Other services are untouched by the hook.
	other := verifyTask()
	other.ServiceName = "unhooked"
	require.True(v.Verify(other, verifiedResult(t, map[string]interface{}{"x": 1})).OK)
}

func TestHashRule(t *testing.T) {
	require := require.New(t)
	v := NewVerifier()
	result := verifiedResult(t, map[string]interface{}{"a": 1})

	v.AddRule("t-1", Rule{Type: RuleHash, ExpectedHash: result.ResultHash})
	require.True(v.Verify(verifyTask(), result).OK)

	v.ClearRules("t-1")
	v.AddRule("t-1", Rule{Type: RuleHash, ExpectedHash: "deadbeef"})
	verdict := v.Verify(verifyTask(), result)
	require.False(verdict.OK)
	require.Equal("hash", verdict.Check)
}

func TestFormatRule(t *testing.T) {
	require := require.New(t)
	v := NewVerifier()
	v.AddRule("t-1", Rule{Type: RuleFormat, RequiredFields: map[string]FieldType{
		"name":  FieldString,
		"count": FieldNumber,
		"tags":  FieldArray,
	}})

	good := verifiedResult(t, map[string]interface{}{
		"name":  "run",
		"count": float64(3),
		"tags":  []interface{}{"a"},
	})
	require.True(v.Verify(verifyTask(), good).OK)

	missing := verifiedResult(t, map[string]interface{}{"name": "run", "count": float64(3)})
	verdict := v.Verify(verifyTask(), missing)
	require.False(verdict.OK)
	require.Equal("format", verdict.Check)

	wrongType := verifiedResult(t, map[string]interface{}{
		"name":  "run",
		"count": "three",
		"tags":  []interface{}{},
	})
	require.False(v.Verify(verifyTask(), wrongType).OK)
}

func TestRangeRule(t *testing.T) {
	require := require.New(t)
	v := NewVerifier()

	low, high := 0.0, 1.0
	v.AddRule("t-1", Rule{Type: RuleRange, Field: "confidence", Min: &low, Max: &high})

	require.True(v.Verify(verifyTask(), verifiedResult(t, map[string]interface{}{"confidence": 0.9})).OK)

	verdict := v.Verify(verifyTask(), verifiedResult(t, map[string]interface{}{"confidence": 1.5}))
	require.False(verdict.OK)
	require.Equal("range", verdict.Check)

	verdict = v.Verify(verifyTask(), verifiedResult(t, map[string]interface{}{"confidence": "high"}))
	require.False(verdict.OK)

	verdict = v.Verify(verifyTask(), verifiedResult(t, map[string]interface{}{"score": 0.5}))
	require.False(verdict.OK) // field absent
}

func TestCustomRule(t *testing.T) {
	require := require.New(t)
	v := NewVerifier()

	v.AddRule("t-1", Rule{Type: RuleCustom, Custom: func(result *scheduler.TaskResult) error {
		if len(result.OutputData) > 2 {
			return errors.New("too many fields")
		}
		return nil
	}})

	require.True(v.Verify(verifyTask(), verifiedResult(t, map[string]interface{}{"a": 1})).OK)

	verdict := v.Verify(verifyTask(), verifiedResult(t, map[string]interface{}{"a": 1, "b": 2, "c": 3}))
	require.False(verdict.OK)
	require.Equal("custom", verdict.Check)

	v.ClearRules("t-1")
	v.AddRule("t-1", Rule{Type: RuleCustom})
	require.False(v.Verify(verifyTask(), verifiedResult(t, map[string]interface{}{"a": 1})).OK)
}

func TestRulesStopAtFirstFailure(t *testing.T) {
	require := require.New(t)
	v := NewVerifier()

	secondRan := false
	v.AddRule("t-1", Rule{Type: RuleFormat, RequiredFields: map[string]FieldType{"missing": FieldString}})
	v.AddRule("t-1", Rule{Type: RuleCustom, Custom: func(*scheduler.TaskResult) error {
		secondRan = true
		return nil
	}})

	verdict := v.Verify(verifyTask(), verifiedResult(t, map[string]interface{}{"a": 1}))
	require.False(verdict.OK)
	require.Contains(verdict.Reason, "rule 0")
	require.False(secondRan)
}

func TestClearRules(t *testing.T) {
	require := require.New(t)
	v := NewVerifier()

	v.AddRule("t-1", Rule{Type: RuleHash, ExpectedHash: "deadbeef"})
	v.ClearRules("t-1")
	require.True(v.Verify(verifyTask(), verifiedResult(t, map[string]interface{}{"a": 1})).OK)
}

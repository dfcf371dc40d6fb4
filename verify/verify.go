// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package verify checks task results before an escrow release. Verification
// is pure: it reads the task and its result and reports a verdict, nothing
// else.
package verify

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/duxnet/duxnetd/ids"
	"github.com/duxnet/duxnetd/sandbox"
	"github.com/duxnet/duxnetd/scheduler"
)

// RuleType selects how one per-task rule is evaluated.
type RuleType string

const (
	RuleHash   RuleType = "hash"
	RuleFormat RuleType = "format"
	RuleRange  RuleType = "range"
	RuleCustom RuleType = "custom"
)

// FieldType names the JSON shape a format rule requires of a field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	FieldObject FieldType = "object"
	FieldArray  FieldType = "array"
)

// Rule is one per-task verification constraint.
type Rule struct {
	Type RuleType

	// hash
	ExpectedHash string

	// format
	RequiredFields map[string]FieldType

	// range
	Field string
	Min   *float64
	Max   *float64

	// custom
	Custom func(result *scheduler.TaskResult) error
}

// Hook is a service-wide verification, dispatched by service name.
type Hook func(result *scheduler.TaskResult) error

// Verdict is the outcome of one verification pass. Check names the stage
// that failed.
type Verdict struct {
	OK     bool
	Check  string
	Reason string
}

func pass() Verdict {
	return Verdict{OK: true}
}

func fail(check, format string, args ...interface{}) Verdict {
	return Verdict{Check: check, Reason: fmt.Sprintf(format, args...)}
}

// Verifier applies the ordered checks: result shape, hash integrity, the
// service hook, then per-task rules.
type Verifier struct {
	lock         sync.RWMutex
	serviceHooks map[string]Hook
	taskRules    map[ids.TaskID][]Rule
}

func NewVerifier() *Verifier {
	return &Verifier{
		serviceHooks: make(map[string]Hook),
		taskRules:    make(map[ids.TaskID][]Rule),
	}
}

// RegisterService installs the hook run for every result of [serviceName].
func (v *Verifier) RegisterService(serviceName string, hook Hook) {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.serviceHooks[serviceName] = hook
}

// AddRule appends a per-task rule.
func (v *Verifier) AddRule(taskID ids.TaskID, rule Rule) {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.taskRules[taskID] = append(v.taskRules[taskID], rule)
}

// ClearRules drops the rules of a finished task.
func (v *Verifier) ClearRules(taskID ids.TaskID) {
	v.lock.Lock()
	defer v.lock.Unlock()
	delete(v.taskRules, taskID)
}

// Verify runs every check in order and stops at the first failure.
func (v *Verifier) Verify(task *scheduler.Task, result *scheduler.TaskResult) Verdict {
	if result.OutputData == nil {
		return fail("shape", "missing output data")
	}
	if result.ExecutionSeconds < 0 {
		return fail("shape", "negative execution time %f", result.ExecutionSeconds)
	}

	recomputed, err := sandbox.ResultHash(result.OutputData)
	if err != nil {
		return fail("integrity", "recompute hash: %s", err)
	}
	if result.ResultHash != recomputed {
		return fail("integrity", "result hash mismatch")
	}

	v.lock.RLock()
	hook := v.serviceHooks[task.ServiceName]
	rules := v.taskRules[result.TaskID]
	v.lock.RUnlock()

	if hook != nil {
		if err := hook(result); err != nil {
			return fail("service", "%s: %s", task.ServiceName, err)
		}
	}

	for i, rule := range rules {
		if verdict := applyRule(rule, result); !verdict.OK {
			verdict.Reason = fmt.Sprintf("rule %d: %s", i, verdict.Reason)
			return verdict
		}
	}
	return pass()
}

func applyRule(rule Rule, result *scheduler.TaskResult) Verdict {
	switch rule.Type {
	case RuleHash:
		if result.ResultHash != rule.ExpectedHash {
			return fail("hash", "expected %s", rule.ExpectedHash)
		}
		return pass()

	case RuleFormat:
		for field, fieldType := range rule.RequiredFields {
			value, ok := result.OutputData[field]
			if !ok {
				return fail("format", "missing field %q", field)
			}
			if !typeMatches(value, fieldType) {
				return fail("format", "field %q is not %s", field, fieldType)
			}
		}
		return pass()

	case RuleRange:
		value, ok := result.OutputData[rule.Field]
		if !ok {
			return fail("range", "missing field %q", rule.Field)
		}
		number, ok := asNumber(value)
		if !ok {
			return fail("range", "field %q is not numeric", rule.Field)
		}
		if rule.Min != nil && number < *rule.Min {
			return fail("range", "field %q below %g", rule.Field, *rule.Min)
		}
		if rule.Max != nil && number > *rule.Max {
			return fail("range", "field %q above %g", rule.Field, *rule.Max)
		}
		return pass()

	case RuleCustom:
		if rule.Custom == nil {
			return fail("custom", "rule has no implementation")
		}
		if err := rule.Custom(result); err != nil {
			return fail("custom", "%s", err)
		}
		return pass()

	default:
		return fail("rule", "unknown rule type %q", rule.Type)
	}
}

func typeMatches(value interface{}, fieldType FieldType) bool {
	switch fieldType {
	case FieldString:
		_, ok := value.(string)
		return ok
	case FieldNumber:
		_, ok := asNumber(value)
		return ok
	case FieldBool:
		_, ok := value.(bool)
		return ok
	case FieldObject:
		_, ok := value.(map[string]interface{})
		return ok
	case FieldArray:
		_, ok := value.([]interface{})
		return ok
	default:
		return false
	}
}

func asNumber(value interface{}) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Copyright 2025 James Ross

// Package expr implements the small explicit expression grammar used to
// resolve parametric task descriptions at expansion time, replacing the
// source pipeline's use of Python's eval() per the project's mandated
// re-architecture: arithmetic, comparison, boolean, member access on a
// fixed constants namespace, and name lookup in a metadata map.
package expr

import (
	"strings"

	"github.com/dcf21/eas-orchestrator/internal/model"
)

// IsExpression reports whether a scalar string should be evaluated: its
// first non-whitespace character is one of ' " (.
func IsExpression(s string) bool {
	t := strings.TrimSpace(s)
	if t == "" {
		return false
	}
	switch t[0] {
	case '\'', '"', '(':
		return true
	default:
		return false
	}
}

func toEnv(metadata map[string]model.MetadataValue) *Environment {
	env := &Environment{Constants: Constants, Metadata: make(map[string]Value, len(metadata))}
	for k, v := range metadata {
		if f, ok := v.Float64(); ok {
			env.Metadata[k] = numVal(f)
		} else {
			env.Metadata[k] = strVal(v.String())
		}
	}
	return env
}

// EvaluateExpression evaluates a single expression string against the
// given metadata context. Non-expression scalars pass through unchanged.
func EvaluateExpression(expression string, metadata map[string]model.MetadataValue) (interface{}, error) {
	trimmed := strings.TrimSpace(expression)
	if !IsExpression(trimmed) {
		return expression, nil
	}

	n, err := parse(trimmed)
	if err != nil {
		return nil, &model.ExpressionError{Expression: expression, Cause: err}
	}
	v, err := evalNode(n, toEnv(metadata))
	if err != nil {
		return nil, &model.ExpressionError{Expression: expression, Cause: err}
	}
	return v.Interface(), nil
}

// EvaluateInStructure walks a tree of maps, lists, and scalars, resolving
// every expression scalar it finds. A value keyed "task_list" (or any
// name in OpaqueKeys) is returned verbatim: its children are evaluated
// later, once their own metadata context exists.
func EvaluateInStructure(structure interface{}, metadata map[string]model.MetadataValue) (interface{}, error) {
	switch t := structure.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for kRaw, vRaw := range t {
			kEval, err := evalKey(kRaw, metadata)
			if err != nil {
				return nil, err
			}
			if OpaqueKeys[kEval] {
				out[kEval] = vRaw
				continue
			}
			vEval, err := EvaluateInStructure(vRaw, metadata)
			if err != nil {
				return nil, err
			}
			out[kEval] = vEval
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, v := range t {
			vEval, err := EvaluateInStructure(v, metadata)
			if err != nil {
				return nil, err
			}
			out[i] = vEval
		}
		return out, nil
	case string:
		return EvaluateExpression(t, metadata)
	default:
		// numbers, booleans, nil: pass through unchanged.
		return t, nil
	}
}

func evalKey(raw string, metadata map[string]model.MetadataValue) (string, error) {
	v, err := EvaluateExpression(raw, metadata)
	if err != nil {
		return "", err
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return raw, nil
}

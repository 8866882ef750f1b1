// Copyright 2025 James Ross
package expr

import (
	"fmt"
	"strings"
)

// Value is the result of evaluating an expression: numeric, boolean, or
// string. Exactly one field is meaningful, selected by kind.
type Value struct {
	kind byte // 'n' number, 'b' bool, 's' string
	num  float64
	b    bool
	s    string
}

func numVal(f float64) Value  { return Value{kind: 'n', num: f} }
func boolVal(b bool) Value    { return Value{kind: 'b', b: b} }
func strVal(s string) Value   { return Value{kind: 's', s: s} }

// Interface converts a Value back to a plain Go value (float64, bool, or
// string) suitable for embedding in a resolved task description.
func (v Value) Interface() interface{} {
	switch v.kind {
	case 'n':
		return v.num
	case 'b':
		return v.b
	default:
		return v.s
	}
}

func (v Value) asFloat() (float64, error) {
	if v.kind != 'n' {
		return 0, fmt.Errorf("expected number, got %v", v.Interface())
	}
	return v.num, nil
}

func (v Value) asBool() (bool, error) {
	switch v.kind {
	case 'b':
		return v.b, nil
	case 'n':
		return v.num != 0, nil
	default:
		return false, fmt.Errorf("expected boolean, got %v", v.Interface())
	}
}

// Environment is the read-only context an expression is evaluated
// against: the frozen constants namespace plus the current context's
// metadata, flattened to {keyword: value}.
type Environment struct {
	Constants map[string]float64
	Metadata  map[string]Value
}

func evalNode(n node, env *Environment) (Value, error) {
	switch t := n.(type) {
	case numberLit:
		return numVal(t.value), nil
	case stringLit:
		return strVal(t.value), nil
	case boolLit:
		return boolVal(t.value), nil
	case ident:
		switch t.name {
		case "constants":
			return Value{}, fmt.Errorf("the 'constants' namespace must be accessed via member access, e.g. constants.day")
		case "metadata":
			return Value{}, fmt.Errorf("the 'metadata' namespace must be accessed via index, e.g. metadata['key']")
		}
		if v, ok := env.Metadata[t.name]; ok {
			return v, nil
		}
		return Value{}, fmt.Errorf("unknown name %q", t.name)
	case member:
		return evalMember(t, env)
	case unary:
		return evalUnary(t, env)
	case binary:
		return evalBinary(t, env)
	default:
		return Value{}, fmt.Errorf("internal: unhandled node type %T", n)
	}
}

func evalMember(m member, env *Environment) (Value, error) {
	baseIdent, baseIsIdent := m.base.(ident)

	if m.bracket != nil {
		// name[key] form — used for metadata['keyword'].
		key, err := evalNode(m.bracket, env)
		if err != nil {
			return Value{}, err
		}
		if key.kind != 's' {
			return Value{}, fmt.Errorf("index key must be a string")
		}
		if baseIsIdent && baseIdent.name == "metadata" {
			if v, ok := env.Metadata[key.s]; ok {
				return v, nil
			}
			return Value{}, fmt.Errorf("unknown metadata key %q", key.s)
		}
		if baseIsIdent && baseIdent.name == "constants" {
			if f, ok := env.Constants[key.s]; ok {
				return numVal(f), nil
			}
			return Value{}, fmt.Errorf("unknown constant %q", key.s)
		}
		return Value{}, fmt.Errorf("indexing is only supported on the constants/metadata namespaces")
	}

	// name.attr form — used for constants.day.
	if baseIsIdent && baseIdent.name == "constants" {
		if f, ok := env.Constants[m.name]; ok {
			return numVal(f), nil
		}
		return Value{}, fmt.Errorf("unknown constant %q", m.name)
	}
	if baseIsIdent && baseIdent.name == "metadata" {
		if v, ok := env.Metadata[m.name]; ok {
			return v, nil
		}
		return Value{}, fmt.Errorf("unknown metadata key %q", m.name)
	}
	return Value{}, fmt.Errorf("member access is only supported on the constants/metadata namespaces")
}

func evalUnary(u unary, env *Environment) (Value, error) {
	v, err := evalNode(u.expr, env)
	if err != nil {
		return Value{}, err
	}
	switch u.op {
	case "-":
		f, err := v.asFloat()
		if err != nil {
			return Value{}, err
		}
		return numVal(-f), nil
	case "!":
		b, err := v.asBool()
		if err != nil {
			return Value{}, err
		}
		return boolVal(!b), nil
	default:
		return Value{}, fmt.Errorf("internal: unknown unary operator %q", u.op)
	}
}

func evalBinary(b binary, env *Environment) (Value, error) {
	left, err := evalNode(b.left, env)
	if err != nil {
		return Value{}, err
	}

	switch b.op {
	case "&&":
		lb, err := left.asBool()
		if err != nil {
			return Value{}, err
		}
		if !lb {
			return boolVal(false), nil
		}
		right, err := evalNode(b.right, env)
		if err != nil {
			return Value{}, err
		}
		rb, err := right.asBool()
		if err != nil {
			return Value{}, err
		}
		return boolVal(rb), nil
	case "||":
		lb, err := left.asBool()
		if err != nil {
			return Value{}, err
		}
		if lb {
			return boolVal(true), nil
		}
		right, err := evalNode(b.right, env)
		if err != nil {
			return Value{}, err
		}
		rb, err := right.asBool()
		if err != nil {
			return Value{}, err
		}
		return boolVal(rb), nil
	}

	right, err := evalNode(b.right, env)
	if err != nil {
		return Value{}, err
	}

	switch b.op {
	case "==":
		return boolVal(valuesEqual(left, right)), nil
	case "!=":
		return boolVal(!valuesEqual(left, right)), nil
	case "+":
		if left.kind == 's' || right.kind == 's' {
			return strVal(toDisplay(left) + toDisplay(right)), nil
		}
		lf, err := left.asFloat()
		if err != nil {
			return Value{}, err
		}
		rf, err := right.asFloat()
		if err != nil {
			return Value{}, err
		}
		return numVal(lf + rf), nil
	case "-", "*", "/", "%", "<", "<=", ">", ">=":
		lf, err := left.asFloat()
		if err != nil {
			return Value{}, err
		}
		rf, err := right.asFloat()
		if err != nil {
			return Value{}, err
		}
		switch b.op {
		case "-":
			return numVal(lf - rf), nil
		case "*":
			return numVal(lf * rf), nil
		case "/":
			if rf == 0 {
				return Value{}, fmt.Errorf("division by zero")
			}
			return numVal(lf / rf), nil
		case "%":
			if rf == 0 {
				return Value{}, fmt.Errorf("division by zero")
			}
			return numVal(float64(int64(lf) % int64(rf))), nil
		case "<":
			return boolVal(lf < rf), nil
		case "<=":
			return boolVal(lf <= rf), nil
		case ">":
			return boolVal(lf > rf), nil
		case ">=":
			return boolVal(lf >= rf), nil
		}
	}
	return Value{}, fmt.Errorf("internal: unknown binary operator %q", b.op)
}

func valuesEqual(a, b Value) bool {
	if a.kind == 'n' && b.kind == 'n' {
		return a.num == b.num
	}
	if a.kind == 'b' && b.kind == 'b' {
		return a.b == b.b
	}
	return toDisplay(a) == toDisplay(b)
}

func toDisplay(v Value) string {
	switch v.kind {
	case 'n':
		return strings_TrimRight(v.num)
	case 'b':
		if v.b {
			return "true"
		}
		return "false"
	default:
		return v.s
	}
}

func strings_TrimRight(f float64) string {
	s := fmt.Sprintf("%g", f)
	return strings.TrimSuffix(s, ".0")
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package calc

import (
	"errors"
	"math"
)

// MissingKeyPolicy controls what happens when a ${key} reference is
// absent from the record being evaluated (spec §4.3).
type MissingKeyPolicy int

const (
	// FailSafe short-circuits the whole expression: Eval returns
	// ErrMissingKey and the Calculator filter does not set the computed
	// key for this record.
	FailSafe MissingKeyPolicy = iota
	// ZeroOnMissing substitutes 0 for any missing key and evaluates the
	// rest of the expression normally.
	ZeroOnMissing
)

// ErrMissingKey is returned by Eval under FailSafe when a ${key}
// reference cannot be resolved.
var ErrMissingKey = errors.New("calc: missing key reference")

// Lookup resolves a ${key} reference to a numeric value for the record
// currently being evaluated.
type Lookup func(key string) (float64, bool)

// Eval evaluates node against lookup, in O(n) time in the size of the
// compiled AST. Division by zero is not an error: it produces +Inf,
// -Inf or NaN per IEEE 754 and propagates through the rest of the
// expression, matching ordinary floating point semantics.
func Eval(node Node, lookup Lookup, policy MissingKeyPolicy) (float64, error) {
	switch n := node.(type) {
	case NumberNode:
		return n.Value, nil
	case KeyRefNode:
		v, ok := lookup(n.Key)
		if ok {
			return v, nil
		}
		if policy == ZeroOnMissing {
			return 0, nil
		}
		return 0, ErrMissingKey
	case NegNode:
		v, err := Eval(n.Operand, lookup, policy)
		if err != nil {
			return 0, err
		}
		return -v, nil
	case BinaryNode:
		l, err := Eval(n.Left, lookup, policy)
		if err != nil {
			return 0, err
		}
		r, err := Eval(n.Right, lookup, policy)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case OpAdd:
			return l + r, nil
		case OpSub:
			return l - r, nil
		case OpMul:
			return l * r, nil
		case OpDiv:
			return l / r, nil
		case OpPow:
			return math.Pow(l, r), nil
		}
	}
	return 0, errors.New("calc: unreachable node kind")
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package calc implements the closed arithmetic expression language the
// Calculator filter compiles each "newKey = expr" rule into (spec §4.3,
// §9, §12.1): a typed AST evaluated per record, never synthesized code.
// The supported operator set is +, -, *, /, ** (power), unary minus,
// parentheses, numeric literals and ${key} references — nothing else
// parses, closing off any path to side effects beyond the evaluated
// record.
package calc

// Node is one AST node. The concrete types below are the complete,
// closed set: no other Node implementation is constructible from
// Parse.
type Node interface {
	isNode()
}

// NumberNode is a numeric literal.
type NumberNode struct {
	Value float64
}

// KeyRefNode is a ${key} reference into the evaluated record's body.
type KeyRefNode struct {
	Key string
}

// BinaryOp enumerates the closed set of binary operators.
type BinaryOp byte

const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpDiv
	OpPow
)

// BinaryNode applies Op to Left and Right.
type BinaryNode struct {
	Op    BinaryOp
	Left  Node
	Right Node
}

// NegNode negates Operand.
type NegNode struct {
	Operand Node
}

func (NumberNode) isNode() {}
func (KeyRefNode) isNode() {}
func (BinaryNode) isNode() {}
func (NegNode) isNode()    {}

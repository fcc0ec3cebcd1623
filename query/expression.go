// Copyright 2026 The Menmos Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package query defines the directory query expression language: an AST,
// a parser for the textual grammar and a formatter that round-trips
// through the parser.
package query

import (
	"fmt"
	"strconv"

	"github.com/menmos/menmos/proto"
)

// Expr is a node of a parsed query expression.
type Expr interface {
	exprNode()
	// Format renders the expression in the textual grammar such that
	// Parse(e.Format()) yields an identical tree.
	Format() string
}

type (
	// MatchAll is the empty expression; it selects every allocated row.
	MatchAll struct{}

	Tag struct {
		Tag string
	}

	KeyValue struct {
		Key   string
		Value proto.FieldValue
	}

	HasKey struct {
		Key string
	}

	CompareOp string

	// Range is a one-sided numeric comparison on a field key.
	Range struct {
		Key   string
		Op    CompareOp
		Value int64
	}

	Parent struct {
		ID string
	}

	Ancestor struct {
		ID string
	}

	Owner struct {
		Username string
	}

	Not struct {
		Expr Expr
	}

	And struct {
		Left, Right Expr
	}

	Or struct {
		Left, Right Expr
	}
)

const (
	OpLess         CompareOp = "<"
	OpGreater      CompareOp = ">"
	OpLessEqual    CompareOp = "<="
	OpGreaterEqual CompareOp = ">="
)

func (MatchAll) exprNode() {}
func (Tag) exprNode()      {}
func (KeyValue) exprNode() {}
func (HasKey) exprNode()   {}
func (Range) exprNode()    {}
func (Parent) exprNode()   {}
func (Ancestor) exprNode() {}
func (Owner) exprNode()    {}
func (Not) exprNode()      {}
func (And) exprNode()      {}
func (Or) exprNode()       {}

func (MatchAll) Format() string { return "" }

func (e Tag) Format() string { return formatIdent(e.Tag) }

func (e KeyValue) Format() string {
	if e.Value.IsNumeric() {
		return fmt.Sprintf("%s=%d", e.Key, e.Value.Num())
	}
	// A bare value starting like a number would re-parse as an integer.
	if s := e.Value.Str(); s != "" && isNumStart(s[0]) {
		return e.Key + "=" + strconv.Quote(s)
	}
	return e.Key + "=" + formatIdent(e.Value.Str())
}

func (e HasKey) Format() string { return e.Key + "?" }

func (e Range) Format() string {
	return fmt.Sprintf("%s %s %d", e.Key, e.Op, e.Value)
}

func (e Parent) Format() string { return "@parent(" + e.ID + ")" }

func (e Ancestor) Format() string { return "@ancestor(" + e.ID + ")" }

func (e Owner) Format() string { return "@owner(" + e.Username + ")" }

func (e Not) Format() string { return "!" + formatChild(e.Expr) }

func (e And) Format() string {
	return formatChild(e.Left) + " && " + formatChild(e.Right)
}

func (e Or) Format() string {
	return formatChild(e.Left) + " || " + formatChild(e.Right)
}

// formatChild parenthesizes composite operands so the rendered text
// re-parses into the same tree regardless of operator precedence.
func formatChild(e Expr) string {
	switch e.(type) {
	case And, Or:
		return "(" + e.Format() + ")"
	default:
		return e.Format()
	}
}

// formatIdent quotes s unless it lexes as a bare identifier.
func formatIdent(s string) string {
	if isIdent(s) {
		return s
	}
	return strconv.Quote(s)
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 && !isIdentStart(r) {
			return false
		}
		if i > 0 && !isIdentPart(r) {
			return false
		}
	}
	return true
}

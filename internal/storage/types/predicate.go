package types

import (
	"fmt"
	"math"
	"strings"
)

// Op is the node kind of a predicate expression.
type Op uint8

const (
	OpLeaf Op = iota
	OpAnd
	OpOr
	OpNot
)

// Cmp is a leaf comparison.
type Cmp uint8

const (
	CmpGT Cmp = iota
	CmpGTE
	CmpLT
	CmpLTE
	CmpEQ
	CmpNEQ
	CmpBetween // inclusive on both ends
)

var cmpNames = [...]string{">", ">=", "<", "<=", "==", "!=", "between"}

func (c Cmp) String() string {
	if int(c) < len(cmpNames) {
		return cmpNames[c]
	}
	return fmt.Sprintf("Cmp(%d)", c)
}

// Target selects what a leaf compares.
type Target uint8

const (
	TargetValue Target = iota
	TargetTime
)

// Leaf is one comparison. Value leaves compare against the decoded value
// as float64; integer values above 2^53 lose precision. Time leaves
// compare timestamps exactly.
type Leaf struct {
	Target Target
	Cmp    Cmp
	A, B   float64
	TA, TB int64
}

// Expr is a predicate expression tree. A nil *Expr matches every point.
type Expr struct {
	Op       Op
	Children []*Expr
	Leaf     Leaf
}

// And matches when every child matches. An empty And matches everything.
func And(children ...*Expr) *Expr { return &Expr{Op: OpAnd, Children: children} }

// Or matches when any child matches. An empty Or matches nothing.
func Or(children ...*Expr) *Expr { return &Expr{Op: OpOr, Children: children} }

// Not inverts child.
func Not(child *Expr) *Expr { return &Expr{Op: OpNot, Children: []*Expr{child}} }

// Value builds a value comparison leaf.
func Value(cmp Cmp, a float64) *Expr {
	return &Expr{Op: OpLeaf, Leaf: Leaf{Target: TargetValue, Cmp: cmp, A: a}}
}

// ValueBetween matches lo <= value <= hi.
func ValueBetween(lo, hi float64) *Expr {
	return &Expr{Op: OpLeaf, Leaf: Leaf{Target: TargetValue, Cmp: CmpBetween, A: lo, B: hi}}
}

// Time builds a timestamp comparison leaf.
func Time(cmp Cmp, ts int64) *Expr {
	return &Expr{Op: OpLeaf, Leaf: Leaf{Target: TargetTime, Cmp: cmp, TA: ts}}
}

// TimeRange matches start <= ts <= end.
func TimeRange(start, end int64) *Expr {
	return &Expr{Op: OpLeaf, Leaf: Leaf{Target: TargetTime, Cmp: CmpBetween, TA: start, TB: end}}
}

// Eval evaluates e against one decoded record. And and Or short-circuit.
func (e *Expr) Eval(ts, raw int64, fp bool) bool {
	if e == nil {
		return true
	}
	switch e.Op {
	case OpAnd:
		for _, c := range e.Children {
			if !c.Eval(ts, raw, fp) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range e.Children {
			if c.Eval(ts, raw, fp) {
				return true
			}
		}
		return false
	case OpNot:
		if len(e.Children) == 0 {
			return false
		}
		return !e.Children[0].Eval(ts, raw, fp)
	default:
		return e.Leaf.eval(ts, raw, fp)
	}
}

// Apply evaluates e against a raw value alone, treating time leaves as
// satisfied.
func (e *Expr) Apply(raw int64, fp bool) bool {
	if e == nil {
		return true
	}
	switch e.Op {
	case OpAnd:
		for _, c := range e.Children {
			if !c.Apply(raw, fp) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range e.Children {
			if c.Apply(raw, fp) {
				return true
			}
		}
		return false
	case OpNot:
		if len(e.Children) == 0 {
			return false
		}
		return !e.Children[0].Apply(raw, fp)
	default:
		if e.Leaf.Target == TargetTime {
			return true
		}
		return e.Leaf.eval(0, raw, fp)
	}
}

func (l Leaf) eval(ts, raw int64, fp bool) bool {
	if l.Target == TargetTime {
		switch l.Cmp {
		case CmpGT:
			return ts > l.TA
		case CmpGTE:
			return ts >= l.TA
		case CmpLT:
			return ts < l.TA
		case CmpLTE:
			return ts <= l.TA
		case CmpEQ:
			return ts == l.TA
		case CmpNEQ:
			return ts != l.TA
		case CmpBetween:
			return ts >= l.TA && ts <= l.TB
		}
		return false
	}

	v := float64(raw)
	if fp {
		v = math.Float64frombits(uint64(raw))
	}
	switch l.Cmp {
	case CmpGT:
		return v > l.A
	case CmpGTE:
		return v >= l.A
	case CmpLT:
		return v < l.A
	case CmpLTE:
		return v <= l.A
	case CmpEQ:
		return v == l.A
	case CmpNEQ:
		return v != l.A
	case CmpBetween:
		return v >= l.A && v <= l.B
	}
	return false
}

func (e *Expr) String() string {
	if e == nil {
		return "true"
	}
	switch e.Op {
	case OpAnd, OpOr:
		sep := " && "
		if e.Op == OpOr {
			sep = " || "
		}
		parts := make([]string, len(e.Children))
		for i, c := range e.Children {
			parts[i] = c.String()
		}
		return "(" + strings.Join(parts, sep) + ")"
	case OpNot:
		if len(e.Children) == 0 {
			return "!()"
		}
		return "!" + e.Children[0].String()
	default:
		l := e.Leaf
		if l.Target == TargetTime {
			if l.Cmp == CmpBetween {
				return fmt.Sprintf("time between [%d, %d]", l.TA, l.TB)
			}
			return fmt.Sprintf("time %s %d", l.Cmp, l.TA)
		}
		if l.Cmp == CmpBetween {
			return fmt.Sprintf("value between [%g, %g]", l.A, l.B)
		}
		return fmt.Sprintf("value %s %g", l.Cmp, l.A)
	}
}

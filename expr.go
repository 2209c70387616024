package shardq

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Predicate evaluates a document. The returned payload is attached to the
// result of a match. ctx is canceled when the evaluation is abandoned; a
// long-running predicate should return ctx.Err() once it notices.
type Predicate interface {
	Evaluate(ctx context.Context, doc *Document, b *Bindings) (bool, any, error)
}

type PredicateFunc func(ctx context.Context, doc *Document, b *Bindings) (bool, any, error)

func (f PredicateFunc) Evaluate(ctx context.Context, doc *Document, b *Bindings) (bool, any, error) {
	return f(ctx, doc, b)
}

type ExprOp int

const (
	OpTrue ExprOp = iota
	OpEq
	OpAnd
	OpOr
	OpNot
	// OpWithin matches when every term occurs within Distance token
	// positions of each other.
	OpWithin
)

// Expr is a compiled boolean expression over document fields. Its payload
// on a match is the list of terms that matched, outside of negations.
type Expr struct {
	Op       ExprOp
	Term     Term
	Args     []Expr
	Distance int
}

func True() Expr                  { return Expr{Op: OpTrue} }
func Eq(field, value string) Expr { return Expr{Op: OpEq, Term: Term{field, value}} }
func And(args ...Expr) Expr       { return Expr{Op: OpAnd, Args: args} }
func Or(args ...Expr) Expr        { return Expr{Op: OpOr, Args: args} }
func Not(arg Expr) Expr           { return Expr{Op: OpNot, Args: []Expr{arg}} }

func Within(distance int, terms ...Term) Expr {
	args := make([]Expr, len(terms))
	for i, t := range terms {
		args[i] = Expr{Op: OpEq, Term: t}
	}
	return Expr{Op: OpWithin, Args: args, Distance: distance}
}

func (e Expr) Evaluate(_ context.Context, doc *Document, b *Bindings) (bool, any, error) {
	var hits []Term
	ok, err := e.eval(doc, b, &hits)
	if err != nil || !ok {
		return false, nil, err
	}
	return true, hits, nil
}

func (e Expr) eval(doc *Document, b *Bindings, hits *[]Term) (bool, error) {
	switch e.Op {
	case OpTrue:
		return true, nil
	case OpEq:
		if doc.Has(e.Term.Field, e.Term.Value) {
			*hits = append(*hits, e.Term)
			return true, nil
		}
		return false, nil
	case OpAnd:
		mark := len(*hits)
		for _, a := range e.Args {
			ok, err := a.eval(doc, b, hits)
			if err != nil {
				return false, err
			}
			if !ok {
				*hits = (*hits)[:mark]
				return false, nil
			}
		}
		return true, nil
	case OpOr:
		matched := false
		for _, a := range e.Args {
			ok, err := a.eval(doc, b, hits)
			if err != nil {
				return false, err
			}
			matched = matched || ok
		}
		return matched, nil
	case OpNot:
		if len(e.Args) != 1 {
			return false, fmt.Errorf("not: %d operands", len(e.Args))
		}
		var ignored []Term
		ok, err := e.Args[0].eval(doc, b, &ignored)
		return !ok && err == nil, err
	case OpWithin:
		return e.evalWithin(doc, b, hits)
	default:
		panic(fmt.Errorf("unknown expression op %d", e.Op))
	}
}

func (e Expr) evalWithin(doc *Document, b *Bindings, hits *[]Term) (bool, error) {
	if len(e.Args) == 0 {
		return false, fmt.Errorf("within: no terms")
	}
	lists := make([][]int, len(e.Args))
	for i, a := range e.Args {
		if a.Op != OpEq {
			return false, fmt.Errorf("within: operand %d is not a term", i)
		}
		if !doc.Has(a.Term.Field, a.Term.Value) {
			return false, nil
		}
		offs, ok := b.Offsets(a.Term)
		if !ok {
			return false, fmt.Errorf("within: no offsets bound for %v", a.Term)
		}
		if len(offs) == 0 {
			return false, nil
		}
		lists[i] = offs
	}
	if !withinWindow(lists, e.Distance) {
		return false, nil
	}
	for _, a := range e.Args {
		*hits = append(*hits, a.Term)
	}
	return true, nil
}

// withinWindow reports whether one offset can be picked from each sorted
// list such that max-min <= distance.
func withinWindow(lists [][]int, distance int) bool {
	idx := make([]int, len(lists))
	for {
		lo, hi, loList := 0, 0, -1
		for i, l := range lists {
			v := l[idx[i]]
			if loList < 0 || v < lo {
				lo, loList = v, i
			}
			if i == 0 || v > hi {
				hi = v
			}
		}
		if hi-lo <= distance {
			return true
		}
		idx[loList]++
		if idx[loList] >= len(lists[loList]) {
			return false
		}
	}
}

// Terms returns the distinct leaf terms of e in first-seen order.
func (e Expr) Terms() []Term {
	var result []Term
	e.walk(func(n Expr) {
		if n.Op == OpEq && !slices.Contains(result, n.Term) {
			result = append(result, n.Term)
		}
	})
	return result
}

// ProximityTerms returns the terms that need offsets, i.e. the operands of
// Within nodes.
func (e Expr) ProximityTerms() []Term {
	var result []Term
	e.walk(func(n Expr) {
		if n.Op != OpWithin {
			return
		}
		for _, a := range n.Args {
			if !slices.Contains(result, a.Term) {
				result = append(result, a.Term)
			}
		}
	})
	return result
}

func (e Expr) walk(f func(Expr)) {
	f(e)
	for _, a := range e.Args {
		a.walk(f)
	}
}

func (e Expr) String() string {
	switch e.Op {
	case OpTrue:
		return "true"
	case OpEq:
		return e.Term.Field + " == " + strconv.Quote(e.Term.Value)
	case OpAnd:
		return joinExprs(e.Args, " && ")
	case OpOr:
		return joinExprs(e.Args, " || ")
	case OpNot:
		return "!" + joinExprs(e.Args, "")
	case OpWithin:
		return "within(" + strconv.Itoa(e.Distance) + ", " + joinExprs(e.Args, ", ") + ")"
	default:
		return fmt.Sprintf("op%d", e.Op)
	}
}

func joinExprs(args []Expr, delim string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return "(" + strings.Join(parts, delim) + ")"
}

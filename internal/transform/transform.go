// Package transform applies declarative record operations configured per
// source: rename, filter, compute, template, drop and default.
package transform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dssdlab/harvester/internal/store"
)

// Op is one configured operation. Which fields matter depends on Operation.
type Op struct {
	Operation string            `mapstructure:"operation"`
	Fields    map[string]string `mapstructure:"fields"`   // rename: old -> new
	Field     string            `mapstructure:"field"`    // filter/default subject
	Cmp       string            `mapstructure:"op"`       // filter comparator
	Value     any               `mapstructure:"value"`    // filter rhs, default value
	Target    string            `mapstructure:"target"`   // compute/template output field
	Left      string            `mapstructure:"left"`     // compute lhs field
	Operator  string            `mapstructure:"operator"` // compute: + - * /
	Right     string            `mapstructure:"right"`    // compute rhs field
	Template  string            `mapstructure:"template"` // template text with {field} tokens
	Columns   []string          `mapstructure:"columns"`  // drop targets
}

// Chain is a validated, ordered list of operations.
type Chain struct {
	ops []Op
}

var templateToken = regexp.MustCompile(`\{([^{}]+)\}`)

// New validates the operations and returns the chain. An unknown operation
// or comparator is a configuration error.
func New(ops []Op) (*Chain, error) {
	for i, op := range ops {
		switch op.Operation {
		case "rename":
			if len(op.Fields) == 0 {
				return nil, fmt.Errorf("transform[%d]: rename needs fields", i)
			}
		case "filter":
			switch op.Cmp {
			case "eq", "ne", "gt", "lt", "contains", "exists":
			default:
				return nil, fmt.Errorf("transform[%d]: unknown comparator %q", i, op.Cmp)
			}
			if op.Field == "" {
				return nil, fmt.Errorf("transform[%d]: filter needs field", i)
			}
		case "compute":
			if op.Target == "" || op.Left == "" || op.Right == "" {
				return nil, fmt.Errorf("transform[%d]: compute needs target, left, right", i)
			}
			switch op.Operator {
			case "+", "-", "*", "/":
			default:
				return nil, fmt.Errorf("transform[%d]: unknown operator %q", i, op.Operator)
			}
		case "template":
			if op.Target == "" || op.Template == "" {
				return nil, fmt.Errorf("transform[%d]: template needs target and template", i)
			}
		case "drop":
			if len(op.Columns) == 0 {
				return nil, fmt.Errorf("transform[%d]: drop needs columns", i)
			}
		case "default":
			if op.Field == "" {
				return nil, fmt.Errorf("transform[%d]: default needs field", i)
			}
		default:
			return nil, fmt.Errorf("transform[%d]: unknown operation %q", i, op.Operation)
		}
	}
	return &Chain{ops: ops}, nil
}

// Apply runs every operation in order over the batch.
func (c *Chain) Apply(records []store.Record) []store.Record {
	for _, op := range c.ops {
		records = apply(op, records)
	}
	return records
}

func apply(op Op, records []store.Record) []store.Record {
	switch op.Operation {
	case "filter":
		out := records[:0:0]
		for _, rec := range records {
			if matches(op, rec) {
				out = append(out, rec)
			}
		}
		return out
	case "rename":
		for _, rec := range records {
			for from, to := range op.Fields {
				if v, ok := rec[from]; ok {
					delete(rec, from)
					rec[to] = v
				}
			}
		}
	case "compute":
		for _, rec := range records {
			left, lok := toFloat(rec[op.Left])
			right, rok := toFloat(rec[op.Right])
			if !lok || !rok {
				continue
			}
			if v, ok := compute(op.Operator, left, right); ok {
				rec[op.Target] = v
			}
		}
	case "template":
		for _, rec := range records {
			rec[op.Target] = templateToken.ReplaceAllStringFunc(op.Template, func(tok string) string {
				field := tok[1 : len(tok)-1]
				if v, ok := rec[field]; ok {
					return fmt.Sprint(v)
				}
				return ""
			})
		}
	case "drop":
		for _, rec := range records {
			for _, col := range op.Columns {
				delete(rec, col)
			}
		}
	case "default":
		for _, rec := range records {
			if _, ok := rec[op.Field]; !ok {
				rec[op.Field] = op.Value
			}
		}
	}
	return records
}

func matches(op Op, rec store.Record) bool {
	v, present := rec[op.Field]
	switch op.Cmp {
	case "exists":
		return present
	case "eq":
		return present && fmt.Sprint(v) == fmt.Sprint(op.Value)
	case "ne":
		return !present || fmt.Sprint(v) != fmt.Sprint(op.Value)
	case "contains":
		return present && strings.Contains(fmt.Sprint(v), fmt.Sprint(op.Value))
	case "gt", "lt":
		lhs, lok := toFloat(v)
		rhs, rok := toFloat(op.Value)
		if !lok || !rok {
			return false
		}
		if op.Cmp == "gt" {
			return lhs > rhs
		}
		return lhs < rhs
	}
	return false
}

func compute(operator string, left, right float64) (float64, bool) {
	switch operator {
	case "+":
		return left + right, true
	case "-":
		return left - right, true
	case "*":
		return left * right, true
	case "/":
		if right == 0 {
			return 0, false
		}
		return left / right, true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

package program

import (
	"fmt"
	"strconv"
)

// Value describes where an instruction takes a value from. Exactly one source
// is used: a column of the current row of ResultSet, a reference variable, or
// the Literal.
type Value struct {
	ResultSet string
	Column    string
	Reference string
	Literal   string

	// Type is the declared built-in schema type of the value, e.g. "dateTime".
	Type string
}

// Literal returns a Value holding s.
func Literal(s string) Value { return Value{Literal: s} }

// Column returns a Value reading column of the current row of resultSet.
func Column(resultSet, column, typ string) Value {
	return Value{ResultSet: resultSet, Column: column, Type: typ}
}

// Reference returns a Value reading the reference variable name.
func Reference(name string) Value { return Value{Reference: name} }

// IsColumn reports whether the value is read from a result set.
func (v Value) IsColumn() bool { return v.ResultSet != "" }

// IsReference reports whether the value is read from a reference variable.
func (v Value) IsReference() bool { return !v.IsColumn() && v.Reference != "" }

func (v Value) String() string {
	switch {
	case v.IsColumn():
		return v.ResultSet + "." + v.Column
	case v.IsReference():
		return "$" + v.Reference
	default:
		return strconv.Quote(v.Literal)
	}
}

// Op is a condition operator.
type Op string

const (
	OpNull    Op = "null"
	OpNotNull Op = "notnull"
	OpEqual   Op = "eq"
	OpNotEq   Op = "ne"
)

// Condition tests a value. Equality compares lexical forms.
type Condition struct {
	Value   Value
	Op      Op
	Operand string
}

func (c Condition) String() string {
	switch c.Op {
	case OpNull, OpNotNull:
		return fmt.Sprintf("%s %s", c.Value, c.Op)
	default:
		return fmt.Sprintf("%s %s %q", c.Value, c.Op, c.Operand)
	}
}

// Valid reports whether the operator is known.
func (op Op) Valid() bool {
	switch op {
	case OpNull, OpNotNull, OpEqual, OpNotEq:
		return true
	}
	return false
}

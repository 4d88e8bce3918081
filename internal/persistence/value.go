package persistence

import "strings"

// ColumnType is the declared SQL type of a table column.
type ColumnType int

const (
	Integer ColumnType = iota
	Text
	Real
)

// ColumnAttribute constrains how a column participates in a CREATE TABLE
// statement.
type ColumnAttribute int

const (
	NotNull ColumnAttribute = iota
	PrimaryKey
	AutoIncrement
)

// Column describes one column of a table.
type Column struct {
	Name       string
	Type       ColumnType
	Attributes []ColumnAttribute
}

func (c Column) hasAttribute(a ColumnAttribute) bool {
	for _, got := range c.Attributes {
		if got == a {
			return true
		}
	}
	return false
}

func (c Column) ddl() string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte(' ')
	switch c.Type {
	case Integer:
		b.WriteString("INTEGER")
	case Text:
		b.WriteString("TEXT")
	case Real:
		b.WriteString("REAL")
	}
	if c.hasAttribute(PrimaryKey) {
		b.WriteString(" PRIMARY KEY")
	}
	if c.hasAttribute(AutoIncrement) {
		b.WriteString(" AUTOINCREMENT")
	}
	if c.hasAttribute(NotNull) && !c.hasAttribute(PrimaryKey) {
		b.WriteString(" NOT NULL")
	}
	return b.String()
}

// Value is a typed cell value matching one of the three ColumnType kinds.
type Value struct {
	typ ColumnType
	i   int64
	s   string
	f   float64
}

// IntValue builds an Integer-typed Value.
func IntValue(v int64) Value { return Value{typ: Integer, i: v} }

// TextValue builds a Text-typed Value.
func TextValue(v string) Value { return Value{typ: Text, s: v} }

// RealValue builds a Real-typed Value.
func RealValue(v float64) Value { return Value{typ: Real, f: v} }

// Type reports the value's ColumnType.
func (v Value) Type() ColumnType { return v.typ }

// Any returns the value boxed as interface{}, suitable for passing as a
// database/sql query argument.
func (v Value) Any() interface{} {
	switch v.typ {
	case Integer:
		return v.i
	case Real:
		return v.f
	default:
		return v.s
	}
}

// Render renders the value as a SQL literal, doubling embedded single quotes
// in Text values to guard against injection when a value must be inlined
// into a dynamically-built statement rather than bound as a parameter.
func (v Value) Render() string {
	switch v.typ {
	case Integer:
		return renderInt(v.i)
	case Real:
		return renderFloat(v.f)
	default:
		return "'" + strings.ReplaceAll(v.s, "'", "''") + "'"
	}
}

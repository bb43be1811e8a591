// Package ast defines the parsed-statement types the planner consumes.
// Producing them from SQL text is the parser's job and lives outside this
// module; the engine's contract starts at these types.
package ast

// Statement is a parsed SQL statement.
type Statement interface {
	stmt()
}

// SelectStatement is a parsed SELECT.
type SelectStatement struct {
	Columns []SelectItem
	From    FromClause
	Where   Expression // nil when absent
	GroupBy []Expression
	Having  Expression // nil when absent
	OrderBy []OrderItem
	Limit   *LimitClause // nil when absent
}

// SelectItem is one entry of the select list. Star selects every column of
// every table in FROM.
type SelectItem struct {
	Expr  Expression
	Alias string
	Star  bool
}

// FromClause names the driving table and any joined tables.
type FromClause struct {
	Table string
	Joins []JoinClause
}

// JoinClause joins one more table onto the FROM chain.
type JoinClause struct {
	Type  JoinType
	Table string
	On    Expression // nil for CROSS JOIN
}

// JoinType enumerates the supported join shapes.
type JoinType int

const (
	JoinInner JoinType = iota
	JoinLeft
	JoinRight
	JoinFull
	JoinCross
)

func (t JoinType) String() string {
	switch t {
	case JoinInner:
		return "INNER"
	case JoinLeft:
		return "LEFT"
	case JoinRight:
		return "RIGHT"
	case JoinFull:
		return "FULL"
	case JoinCross:
		return "CROSS"
	default:
		return "UNKNOWN"
	}
}

// OrderItem is one ORDER BY key.
type OrderItem struct {
	Expr Expression
	Desc bool
}

// LimitClause carries LIMIT and OFFSET.
type LimitClause struct {
	Count  int64
	Offset int64
}

// InsertStatement is a parsed INSERT.
type InsertStatement struct {
	Table   string
	Columns []string
	Rows    [][]Expression
}

// UpdateStatement is a parsed UPDATE.
type UpdateStatement struct {
	Table       string
	Assignments []Assignment
	Where       Expression // nil when absent
}

// Assignment is one SET column = expr pair.
type Assignment struct {
	Column string
	Expr   Expression
}

// DeleteStatement is a parsed DELETE.
type DeleteStatement struct {
	Table string
	Where Expression // nil when absent
}

func (*SelectStatement) stmt() {}
func (*InsertStatement) stmt() {}
func (*UpdateStatement) stmt() {}
func (*DeleteStatement) stmt() {}

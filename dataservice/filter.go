package dataservice

import (
	"fmt"
	"regexp"
	"strings"
)

// identRe is the injection guard: view and column names are bare
// identifiers, optionally schema-qualified, nothing else.
var identRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// sqlOps maps the REST filter micro-language operators to SQL.
var sqlOps = map[string]string{
	"eq":    "=",
	"gt":    ">",
	"gte":   ">=",
	"lt":    "<",
	"lte":   "<=",
	"neq":   "<>",
	"like":  "LIKE",
	"ilike": "ILIKE",
	"is":    "IS",
}

// ValidViewName accepts a bare identifier or a single schema.name pair, each
// half matching the identifier class.
func ValidViewName(name string) bool {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if !identRe.MatchString(p) {
			return false
		}
	}
	return true
}

// BuildQuery translates filters of the form "col=op.value" into a
// parameterized SELECT. The view name must already be validated.
func BuildQuery(view string, filters []string, limit int) (string, []any, error) {
	if !ValidViewName(view) {
		return "", nil, fmt.Errorf("invalid view name %q", view)
	}
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}

	var (
		clauses []string
		args    []any
	)
	for _, f := range filters {
		col, rest, found := strings.Cut(f, "=")
		if !found {
			return "", nil, fmt.Errorf("malformed filter %q", f)
		}
		op, value, found := strings.Cut(rest, ".")
		if !found {
			return "", nil, fmt.Errorf("malformed filter %q: missing operator", f)
		}
		if !identRe.MatchString(col) {
			return "", nil, fmt.Errorf("invalid column name %q", col)
		}
		sqlOp, ok := sqlOps[op]
		if !ok {
			return "", nil, fmt.Errorf("unsupported operator %q", op)
		}

		if op == "is" {
			// IS takes a keyword, not a parameter.
			switch strings.ToLower(value) {
			case "null":
				clauses = append(clauses, fmt.Sprintf("%s IS NULL", col))
			case "true":
				clauses = append(clauses, fmt.Sprintf("%s IS TRUE", col))
			case "false":
				clauses = append(clauses, fmt.Sprintf("%s IS FALSE", col))
			default:
				return "", nil, fmt.Errorf("unsupported IS value %q", value)
			}
			continue
		}

		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s %s $%d", col, sqlOp, len(args)))
	}

	query := fmt.Sprintf("SELECT * FROM %s", view)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" LIMIT %d", limit)
	return query, args, nil
}

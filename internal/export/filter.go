// Package export builds filtered snapshot databases: self-contained SQLite
// files holding a referentially closed subset of the store.
package export

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bminty/bminty/internal/normalize"
)

var (
	// ErrUnknownFilterField is returned when an expression names a field the
	// entity does not expose.
	ErrUnknownFilterField = errors.New("unknown filter field")

	// ErrEmptyIn is returned for an In expression with no values.
	ErrEmptyIn = errors.New("in expression needs at least one value")
)

// Expr is a filter expression over one entity's fields. Expressions compile
// to parameterized SQL; field names are validated against the entity's
// column set, and values only ever travel as bound parameters.
type Expr interface {
	compile(c *compiler) error
}

// Equals matches rows whose field equals the value.
type Equals struct {
	Field string
	Value any
}

// In matches rows whose field equals any of the values.
type In struct {
	Field  string
	Values []any
}

// And matches rows satisfying every sub-expression.
type And []Expr

// Or matches rows satisfying at least one sub-expression.
type Or []Expr

// Filter selects the slice of the store to snapshot. A nil expression means
// no constraint on that entity. Constraints on studies and assays narrow the
// snapshot's scope; constraints on intervals, assemblies and cells narrow
// which signals of the selected assays survive.
type Filter struct {
	Studies    Expr
	Assays     Expr
	Intervals  Expr
	Assemblies Expr
	Cells      Expr
}

// filterableColumns lists, per entity, the columns expressions may name.
var filterableColumns = map[string]map[string]struct{}{
	"study": {
		"id": {}, "external_id": {}, "external_repo": {}, "name": {}, "availability": {},
	},
	"assay": {
		"id": {}, "external_id": {}, "type": {}, "target": {}, "name": {},
		"tissue": {}, "cell_type": {}, "treatment": {}, "platform": {},
		"availability": {}, "study_id": {}, "pipeline_id": {},
	},
	"interval": {
		"id": {}, "external_id": {}, "name": {}, "type": {}, "biotype": {},
		"chromosome": {}, "strand": {}, "assembly_id": {},
	},
	"assembly": {
		"id": {}, "name": {}, "version": {}, "species": {},
	},
	"cell": {
		"id": {}, "name": {}, "type": {}, "label": {}, "assay_id": {},
	},
}

// compiler accumulates one entity's WHERE clause.
type compiler struct {
	entity string
	alias  string
	sql    strings.Builder
	args   []any
}

func (c *compiler) column(field string) (string, error) {
	cols, ok := filterableColumns[c.entity]
	if !ok {
		return "", fmt.Errorf("%w: entity %s", ErrUnknownFilterField, c.entity)
	}

	if _, ok := cols[field]; !ok {
		return "", fmt.Errorf("%w: %s.%s", ErrUnknownFilterField, c.entity, field)
	}

	return c.alias + "." + field, nil
}

func (e Equals) compile(c *compiler) error {
	col, err := c.column(e.Field)
	if err != nil {
		return err
	}

	c.sql.WriteString(col)
	c.sql.WriteString(" = ?")
	c.args = append(c.args, e.Value)

	return nil
}

// inChunk keeps each IN list well under the bound-parameter ceiling; long
// lists split into OR-joined groups.
const inChunk = 500

func (e In) compile(c *compiler) error {
	if len(e.Values) == 0 {
		return fmt.Errorf("%w: %s.%s", ErrEmptyIn, c.entity, e.Field)
	}

	col, err := c.column(e.Field)
	if err != nil {
		return err
	}

	groups := (len(e.Values) + inChunk - 1) / inChunk

	if groups > 1 {
		c.sql.WriteString("(")
	}

	for g := 0; g < groups; g++ {
		if g > 0 {
			c.sql.WriteString(" OR ")
		}

		values := e.Values[g*inChunk : min((g+1)*inChunk, len(e.Values))]

		c.sql.WriteString(col)
		c.sql.WriteString(" IN (")
		c.sql.WriteString(strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", "))
		c.sql.WriteString(")")
		c.args = append(c.args, values...)
	}

	if groups > 1 {
		c.sql.WriteString(")")
	}

	return nil
}

func compileGroup(c *compiler, exprs []Expr, op string) error {
	if len(exprs) == 0 {
		c.sql.WriteString("1=1")

		return nil
	}

	c.sql.WriteString("(")

	for i, expr := range exprs {
		if i > 0 {
			c.sql.WriteString(" ")
			c.sql.WriteString(op)
			c.sql.WriteString(" ")
		}

		if err := expr.compile(c); err != nil {
			return err
		}
	}

	c.sql.WriteString(")")

	return nil
}

func (e And) compile(c *compiler) error {
	return compileGroup(c, e, "AND")
}

func (e Or) compile(c *compiler) error {
	return compileGroup(c, e, "OR")
}

// Compile renders the expression as a WHERE fragment for the entity, using
// the given table alias. A nil expression compiles to a tautology.
func Compile(expr Expr, entity, alias string) (string, []any, error) {
	c := &compiler{entity: entity, alias: alias}

	if expr == nil {
		return "1=1", nil, nil
	}

	if err := expr.compile(c); err != nil {
		return "", nil, err
	}

	return c.sql.String(), c.args, nil
}

// yamlClauses is the on-disk form of one entity's filter: a map of field
// names to a scalar (equality) or a list (membership). Multiple fields are
// conjoined.
type yamlClauses map[string]any

// yamlFilter is the on-disk form of a Filter.
type yamlFilter struct {
	Studies    yamlClauses `yaml:"studies"`
	Assays     yamlClauses `yaml:"assays"`
	Intervals  yamlClauses `yaml:"intervals"`
	Assemblies yamlClauses `yaml:"assemblies"`
	Cells      yamlClauses `yaml:"cells"`
}

// ParseYAML parses a declarative filter document:
//
//	studies:
//	  external_id: [GSE100, GSE200]
//	assays:
//	  type: scRNA-seq
//	intervals:
//	  chromosome: [chr1, chr2]
//
// Scalars become equality matches, lists become membership matches, and
// fields of one entity are conjoined.
func ParseYAML(data []byte) (*Filter, error) {
	var doc yamlFilter

	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse filter: %w", err)
	}

	filter := &Filter{}

	for _, entity := range []struct {
		clauses yamlClauses
		expr    *Expr
		name    string
	}{
		{doc.Studies, &filter.Studies, "study"},
		{doc.Assays, &filter.Assays, "assay"},
		{doc.Intervals, &filter.Intervals, "interval"},
		{doc.Assemblies, &filter.Assemblies, "assembly"},
		{doc.Cells, &filter.Cells, "cell"},
	} {
		expr, err := clausesToExpr(entity.clauses, entity.name)
		if err != nil {
			return nil, err
		}

		*entity.expr = expr
	}

	return filter, nil
}

func clausesToExpr(clauses yamlClauses, entity string) (Expr, error) {
	if len(clauses) == 0 {
		return nil, nil
	}

	fields := make([]string, 0, len(clauses))
	for field := range clauses {
		fields = append(fields, field)
	}

	// Deterministic clause order keeps the compiled SQL stable across runs.
	sort.Strings(fields)

	var and And

	for _, field := range fields {
		if _, ok := filterableColumns[entity][field]; !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownFilterField, entity, field)
		}

		if list, ok := clauses[field].([]any); ok {
			values := make([]any, len(list))
			for i, v := range list {
				values[i] = normalizeFilterValue(entity, field, v)
			}

			and = append(and, In{Field: field, Values: values})
		} else {
			and = append(and, Equals{Field: field, Value: normalizeFilterValue(entity, field, clauses[field])})
		}
	}

	return and, nil
}

// normalizeFilterValue applies the same synonym mapping to cell kinds that
// the import pipeline applies, so a filter saying "single cell" matches rows
// stored as "cell".
func normalizeFilterValue(entity, field string, value any) any {
	if entity == "cell" && field == "type" {
		if s, ok := value.(string); ok {
			return normalize.CellKind(s)
		}
	}

	return value
}

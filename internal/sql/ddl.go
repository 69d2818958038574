package sql

import (
	"strconv"
	"strings"

	"github.com/blastrain/vitess-sqlparser/sqlparser"

	"github.com/myuser/cinderdb/internal/dberr"
	"github.com/myuser/cinderdb/internal/sql/execution"
	"github.com/myuser/cinderdb/internal/sql/types"
)

// token is one lexeme from the vitess tokenizer. Keywords come back
// lowercased; punctuation has no text and is identified by id.
type token struct {
	id   int
	text string
}

func (t token) is(word string) bool {
	return t.id != sqlparser.STRING && strings.EqualFold(t.text, word)
}

func (t token) String() string {
	switch {
	case t.id == 0:
		return "end of input"
	case t.text == "":
		return strconv.QuoteRune(rune(t.id))
	default:
		return strconv.Quote(t.text)
	}
}

// tokenize splits a statement, dropping one trailing semicolon.
func tokenize(query string) ([]token, error) {
	tkn := sqlparser.NewStringTokenizer(query)
	var tokens []token
	for {
		id, text := tkn.Scan()
		switch id {
		case 0:
			if n := len(tokens); n > 0 && tokens[n-1].id == ';' {
				tokens = tokens[:n-1]
			}
			return tokens, nil
		case sqlparser.LEX_ERROR:
			return nil, dberr.New(dberr.ErrParse, "unexpected %q in %q", text, query)
		}
		tokens = append(tokens, token{id: id, text: string(text)})
	}
}

// ddlParser is a recursive-descent parser for CREATE TABLE and DROP TABLE.
type ddlParser struct {
	tokens []token
	pos    int
}

func (p *ddlParser) peek() token {
	if p.pos >= len(p.tokens) {
		return token{}
	}
	return p.tokens[p.pos]
}

func (p *ddlParser) next() token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *ddlParser) accept(word string) bool {
	if p.peek().is(word) {
		p.pos++
		return true
	}
	return false
}

func (p *ddlParser) acceptChar(ch rune) bool {
	if p.peek().id == int(ch) {
		p.pos++
		return true
	}
	return false
}

func (p *ddlParser) expect(words ...string) error {
	for _, w := range words {
		if t := p.next(); !t.is(w) {
			return dberr.New(dberr.ErrParse, "expected %s, found %s", strings.ToUpper(w), t)
		}
	}
	return nil
}

func (p *ddlParser) expectChar(ch rune) error {
	if t := p.next(); t.id != int(ch) {
		return dberr.New(dberr.ErrParse, "expected %q, found %s", ch, t)
	}
	return nil
}

func (p *ddlParser) ident() (string, error) {
	t := p.next()
	if t.id == 0 || t.id == sqlparser.STRING || t.id == sqlparser.INTEGRAL ||
		t.id == sqlparser.FLOAT || t.text == "" {
		return "", dberr.New(dberr.ErrParse, "expected identifier, found %s", t)
	}
	return t.text, nil
}

func (p *ddlParser) end() error {
	if t := p.peek(); t.id != 0 {
		return dberr.New(dberr.ErrParse, "unexpected %s", t)
	}
	return nil
}

// parseDDL returns a plan for CREATE TABLE or DROP TABLE, or ok=false if the
// statement is neither.
func parseDDL(query string) (exec execution.Executor, ok bool, err error) {
	tokens, err := tokenize(query)
	if err != nil {
		return nil, false, err
	}
	p := &ddlParser{tokens: tokens}
	switch {
	case p.accept("create"):
		exec, err = p.createTable()
	case p.accept("drop"):
		exec, err = p.dropTable()
	default:
		return nil, false, nil
	}
	if err == nil {
		err = p.end()
	}
	return exec, true, err
}

func (p *ddlParser) dropTable() (execution.Executor, error) {
	if err := p.expect("table"); err != nil {
		return nil, err
	}
	drop := &execution.DropTable{}
	if p.accept("if") {
		if err := p.expect("exists"); err != nil {
			return nil, err
		}
		drop.IfExists = true
	}
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	drop.Table = name
	return drop, nil
}

func (p *ddlParser) createTable() (execution.Executor, error) {
	if err := p.expect("table"); err != nil {
		return nil, err
	}
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	table := &types.Table{Name: name}
	if err := p.expectChar('('); err != nil {
		return nil, err
	}
	for {
		column, err := p.column()
		if err != nil {
			return nil, err
		}
		table.Columns = append(table.Columns, column)
		if !p.acceptChar(',') {
			break
		}
	}
	if err := p.expectChar(')'); err != nil {
		return nil, err
	}
	return &execution.CreateTable{Table: table}, nil
}

var columnTypes = map[string]types.DataType{
	"bool":     types.TypeBoolean,
	"boolean":  types.TypeBoolean,
	"int":      types.TypeInteger,
	"integer":  types.TypeInteger,
	"bigint":   types.TypeInteger,
	"smallint": types.TypeInteger,
	"tinyint":  types.TypeInteger,
	"float":    types.TypeFloat,
	"double":   types.TypeFloat,
	"real":     types.TypeFloat,
	"decimal":  types.TypeFloat,
	"string":   types.TypeString,
	"text":     types.TypeString,
	"varchar":  types.TypeString,
	"char":     types.TypeString,
}

func (p *ddlParser) column() (*types.Column, error) {
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	t := p.next()
	typ, ok := columnTypes[strings.ToLower(t.text)]
	if !ok || t.id == sqlparser.STRING {
		return nil, dberr.New(dberr.ErrParse, "unknown type %s for column %s", t, name)
	}
	// VARCHAR(255) and friends: the length is accepted and ignored.
	if p.acceptChar('(') {
		if t := p.next(); t.id != sqlparser.INTEGRAL {
			return nil, dberr.New(dberr.ErrParse, "expected length, found %s", t)
		}
		if err := p.expectChar(')'); err != nil {
			return nil, err
		}
	}

	column := &types.Column{Name: name, Type: typ, Nullable: true}
	var explicitNull bool
	for {
		switch {
		case p.accept("primary"):
			if err := p.expect("key"); err != nil {
				return nil, err
			}
			column.PrimaryKey = true
			column.Nullable = false
		case p.accept("not"):
			if err := p.expect("null"); err != nil {
				return nil, err
			}
			column.Nullable = false
		case p.accept("null"):
			explicitNull = true
		case p.accept("unique"):
			column.Unique = true
		case p.accept("default"):
			v, err := p.literal()
			if err != nil {
				return nil, err
			}
			column.Default = &v
		case p.accept("references"):
			ref, err := p.reference()
			if err != nil {
				return nil, err
			}
			column.References = ref
		default:
			if explicitNull && !column.Nullable {
				return nil, dberr.New(dberr.ErrParse, "column %s cannot be both NULL and NOT NULL", name)
			}
			return column, nil
		}
	}
}

// reference parses `table [(column)]`. Without a column the reference
// resolves to the target's primary key when the table is created.
func (p *ddlParser) reference() (*types.Reference, error) {
	table, err := p.ident()
	if err != nil {
		return nil, err
	}
	ref := &types.Reference{Table: table}
	if p.acceptChar('(') {
		if ref.Column, err = p.ident(); err != nil {
			return nil, err
		}
		if err := p.expectChar(')'); err != nil {
			return nil, err
		}
	}
	return ref, nil
}

func (p *ddlParser) literal() (types.Value, error) {
	negative := p.acceptChar('-')
	t := p.next()
	switch {
	case t.id == sqlparser.INTEGRAL:
		return parseInt(t.text, negative)
	case t.id == sqlparser.FLOAT:
		return parseFloat(t.text, negative)
	case negative:
	case t.id == sqlparser.STRING:
		return types.String(t.text), nil
	case t.is("null"):
		return types.Null(), nil
	case t.is("true"):
		return types.Bool(true), nil
	case t.is("false"):
		return types.Bool(false), nil
	}
	return types.Value{}, dberr.New(dberr.ErrParse, "expected literal, found %s", t)
}

func parseInt(text string, negative bool) (types.Value, error) {
	if negative {
		text = "-" + text
	}
	i, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return types.Value{}, dberr.Wrap(dberr.ErrValue, err, "invalid integer %s", text)
	}
	return types.Int(i), nil
}

func parseFloat(text string, negative bool) (types.Value, error) {
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return types.Value{}, dberr.Wrap(dberr.ErrValue, err, "invalid float %s", text)
	}
	if negative {
		f = -f
	}
	return types.Float(f), nil
}

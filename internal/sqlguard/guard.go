// Package sqlguard decides whether a SQL statement is safe to run against
// the read-only dataset. The decision is made on tokens, never on raw
// substrings, so keywords inside literals, quoted identifiers and comments
// are ignored.
package sqlguard

import (
	"errors"
	"fmt"
	"strings"
)

// Violation explains why a statement was rejected.
type Violation struct {
	Reason  string
	Keyword string
}

func (v *Violation) Error() string {
	if v.Keyword != "" {
		return fmt.Sprintf("statement rejected: %s (%s)", v.Reason, v.Keyword)
	}
	return "statement rejected: " + v.Reason
}

// Statement is a single statement that passed Validate.
type Statement struct {
	// Text is the statement without surrounding comments, whitespace or
	// the trailing semicolon.
	Text string
	// Tables lists identifiers that follow FROM or JOIN, in order.
	Tables []string
}

var deniedKeywords = map[string]struct{}{
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "DROP": {}, "ALTER": {}, "CREATE": {},
	"TRUNCATE": {}, "ATTACH": {}, "DETACH": {}, "PRAGMA": {}, "MERGE": {}, "UPSERT": {},
	"GRANT": {}, "REVOKE": {}, "VACUUM": {}, "REINDEX": {}, "COPY": {}, "INTO": {},
	"CALL": {}, "EXEC": {}, "EXECUTE": {}, "LOAD": {}, "INSTALL": {}, "EXPORT": {},
	"IMPORT": {}, "CHECKPOINT": {}, "BEGIN": {}, "COMMIT": {}, "ROLLBACK": {},
	"SAVEPOINT": {}, "RELEASE": {}, "SET": {}, "LOCK": {},
}

var deniedFunctions = map[string]struct{}{
	"load_extension": {}, "readfile": {}, "writefile": {}, "edit": {}, "fts3_tokenizer": {},
	"read_csv": {}, "read_csv_auto": {}, "read_parquet": {}, "read_json": {},
	"read_json_auto": {}, "read_text": {}, "read_blob": {}, "glob": {},
	"pg_read_file": {}, "pg_read_binary_file": {}, "pg_ls_dir": {}, "pg_sleep": {},
	"lo_import": {}, "lo_export": {}, "dblink": {},
}

// Split breaks input into statements at semicolons that are not inside
// literals or comments. Statements consisting only of comments are dropped.
func Split(input, dialect string) ([]string, error) {
	tokens, err := Tokenize(input, dialect)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, group := range splitCode(Code(tokens)) {
		out = append(out, input[group[0].Start:group[len(group)-1].End])
	}
	return out, nil
}

func splitCode(code []Token) [][]Token {
	var groups [][]Token
	current := make([]Token, 0, len(code))
	for _, tok := range code {
		if tok.Kind == TokenSemicolon {
			if len(current) > 0 {
				groups = append(groups, current)
			}
			current = make([]Token, 0)
			continue
		}
		current = append(current, tok)
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

// Validate accepts exactly one read-only query: SELECT, a parenthesized
// SELECT, or WITH ... SELECT. Any denied keyword or function anywhere in
// the statement rejects it. Literals are delimited by the rules of dialect;
// see Tokenize.
func Validate(input, dialect string) (Statement, error) {
	tokens, err := Tokenize(input, dialect)
	if err != nil {
		var syntaxErr *SyntaxError
		if errors.As(err, &syntaxErr) {
			return Statement{}, &Violation{Reason: "malformed statement: " + syntaxErr.Reason}
		}
		return Statement{}, &Violation{Reason: "malformed statement"}
	}
	groups := splitCode(Code(tokens))
	switch len(groups) {
	case 0:
		return Statement{}, &Violation{Reason: "empty statement"}
	case 1:
	default:
		return Statement{}, &Violation{Reason: fmt.Sprintf("expected one statement, found %d", len(groups))}
	}
	code := groups[0]

	if err := checkLeading(code); err != nil {
		return Statement{}, err
	}
	if err := checkDenied(code); err != nil {
		return Statement{}, err
	}
	if err := checkBalanced(code); err != nil {
		return Statement{}, err
	}

	return Statement{
		Text:   input[code[0].Start:code[len(code)-1].End],
		Tables: referencedTables(code),
	}, nil
}

func checkLeading(code []Token) error {
	i := 0
	for i < len(code) && code[i].IsPunct("(") {
		i++
	}
	if i >= len(code) {
		return &Violation{Reason: "statement has no keyword"}
	}
	switch {
	case code[i].Is("SELECT"):
		return nil
	case code[i].Is("WITH"):
		return checkWith(code, i+1)
	default:
		return &Violation{Reason: "only SELECT queries are allowed", Keyword: code[i].Upper()}
	}
}

// checkWith walks the CTE list that starts at code[i] and requires the
// main statement to be a SELECT.
func checkWith(code []Token, i int) error {
	if i < len(code) && code[i].Is("RECURSIVE") {
		i++
	}
	for {
		if i >= len(code) || (code[i].Kind != TokenWord && code[i].Kind != TokenQuotedIdent) {
			return &Violation{Reason: "malformed WITH clause: expected CTE name"}
		}
		i++
		if i < len(code) && code[i].IsPunct("(") {
			end, ok := matchParen(code, i)
			if !ok {
				return &Violation{Reason: "malformed WITH clause: unbalanced parentheses"}
			}
			i = end + 1
		}
		if i >= len(code) || !code[i].Is("AS") {
			return &Violation{Reason: "malformed WITH clause: expected AS"}
		}
		i++
		if i < len(code) && code[i].Is("NOT") {
			i++
		}
		if i < len(code) && code[i].Is("MATERIALIZED") {
			i++
		}
		if i >= len(code) || !code[i].IsPunct("(") {
			return &Violation{Reason: "malformed WITH clause: expected CTE body"}
		}
		end, ok := matchParen(code, i)
		if !ok {
			return &Violation{Reason: "malformed WITH clause: unbalanced parentheses"}
		}
		i = end + 1
		if i < len(code) && code[i].IsPunct(",") {
			i++
			continue
		}
		break
	}
	for i < len(code) && code[i].IsPunct("(") {
		i++
	}
	if i >= len(code) {
		return &Violation{Reason: "WITH clause has no main query"}
	}
	if !code[i].Is("SELECT") {
		return &Violation{Reason: "only SELECT queries are allowed", Keyword: code[i].Upper()}
	}
	return nil
}

func matchParen(code []Token, open int) (int, bool) {
	depth := 0
	for i := open; i < len(code); i++ {
		switch {
		case code[i].IsPunct("("):
			depth++
		case code[i].IsPunct(")"):
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func checkBalanced(code []Token) error {
	depth := 0
	for _, tok := range code {
		switch {
		case tok.IsPunct("("):
			depth++
		case tok.IsPunct(")"):
			depth--
			if depth < 0 {
				return &Violation{Reason: "unbalanced parentheses"}
			}
		}
	}
	if depth != 0 {
		return &Violation{Reason: "unbalanced parentheses"}
	}
	return nil
}

func checkDenied(code []Token) error {
	for i, tok := range code {
		callsFunction := i+1 < len(code) && code[i+1].IsPunct("(")
		switch tok.Kind {
		case TokenWord:
			upper := tok.Upper()
			if upper == "REPLACE" && callsFunction {
				continue
			}
			if upper == "REPLACE" {
				return &Violation{Reason: "write keyword not allowed", Keyword: upper}
			}
			if _, denied := deniedKeywords[upper]; denied {
				return &Violation{Reason: "write keyword not allowed", Keyword: upper}
			}
			if callsFunction {
				if _, denied := deniedFunctions[strings.ToLower(tok.Text)]; denied {
					return &Violation{Reason: "function not allowed", Keyword: strings.ToLower(tok.Text)}
				}
			}
		case TokenString:
			if i > 0 && (code[i-1].Is("FROM") || code[i-1].Is("JOIN")) {
				return &Violation{Reason: "file scans are not allowed", Keyword: tok.Text}
			}
		}
	}
	return nil
}

func referencedTables(code []Token) []string {
	var tables []string
	for i := 0; i+1 < len(code); i++ {
		if !code[i].Is("FROM") && !code[i].Is("JOIN") {
			continue
		}
		next := code[i+1]
		switch next.Kind {
		case TokenWord:
			tables = append(tables, next.Text)
		case TokenQuotedIdent:
			tables = append(tables, unquote(next.Text))
		}
	}
	return tables
}

func unquote(text string) string {
	if len(text) < 2 {
		return text
	}
	quote := text[:1]
	inner := text[1 : len(text)-1]
	return strings.ReplaceAll(inner, quote+quote, quote)
}

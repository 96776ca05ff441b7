package sqlguard

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TokenKind classifies a lexical token.
type TokenKind int

const (
	TokenWord TokenKind = iota
	TokenQuotedIdent
	TokenString
	TokenNumber
	TokenParam
	TokenPunct
	TokenSemicolon
	TokenComment
)

func (k TokenKind) String() string {
	switch k {
	case TokenWord:
		return "word"
	case TokenQuotedIdent:
		return "quoted_ident"
	case TokenString:
		return "string"
	case TokenNumber:
		return "number"
	case TokenParam:
		return "param"
	case TokenPunct:
		return "punct"
	case TokenSemicolon:
		return "semicolon"
	case TokenComment:
		return "comment"
	default:
		return "unknown"
	}
}

// Token is a lexical token. Start and End are byte offsets into the input,
// so Text is always input[Start:End].
type Token struct {
	Kind  TokenKind
	Text  string
	Start int
	End   int
}

// Upper returns the token text upper-cased; used for keyword comparison.
func (t Token) Upper() string {
	return strings.ToUpper(t.Text)
}

// Is reports whether t is a bare word equal to keyword (case-insensitive).
func (t Token) Is(keyword string) bool {
	return t.Kind == TokenWord && strings.EqualFold(t.Text, keyword)
}

// IsPunct reports whether t is the given punctuation.
func (t Token) IsPunct(text string) bool {
	return t.Kind == TokenPunct && t.Text == text
}

// SyntaxError reports input the lexer cannot tokenize, such as an
// unterminated string literal or block comment.
type SyntaxError struct {
	Offset int
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("sql syntax error at offset %d: %s", e.Offset, e.Reason)
}

// Dialect names select the quoting rules used by Tokenize, Split and
// Validate. They match the database driver names. Any other value, the
// empty string included, lexes with every rule set and rejects input on
// which the rule sets disagree.
const (
	DialectSQLite   = "sqlite"
	DialectDuckDB   = "duckdb"
	DialectPostgres = "postgres"
)

// ruleSet is a family of dialects that find the same token boundaries.
type ruleSet int

const (
	// sqliteRules: [bracket] and `backtick` identifiers, $name, @name, :name
	// and #name parameters, flat block comments.
	sqliteRules ruleSet = iota
	// postgresRules: E'...' escape strings, $tag$ dollar quoting, nested
	// block comments. DuckDB shares the PostgreSQL lexer.
	postgresRules
)

func ruleSetsFor(dialect string) []ruleSet {
	switch strings.ToLower(dialect) {
	case DialectSQLite:
		return []ruleSet{sqliteRules}
	case DialectDuckDB, DialectPostgres:
		return []ruleSet{postgresRules}
	default:
		return []ruleSet{sqliteRules, postgresRules}
	}
}

type lexer struct {
	input string
	pos   int
	rules ruleSet
}

// Tokenize splits input into tokens, comments included, using the quoting
// rules of dialect.
func Tokenize(input, dialect string) ([]Token, error) {
	if i := strings.IndexByte(input, 0); i >= 0 {
		return nil, &SyntaxError{Offset: i, Reason: "NUL byte in statement"}
	}
	sets := ruleSetsFor(dialect)
	tokens, err := tokenize(input, sets[0])
	if err != nil {
		return nil, err
	}
	for _, rules := range sets[1:] {
		other, err := tokenize(input, rules)
		if err != nil {
			return nil, err
		}
		if offset, same := sameBoundaries(tokens, other); !same {
			return nil, &SyntaxError{Offset: offset, Reason: "quoting is ambiguous across SQL dialects"}
		}
	}
	return tokens, nil
}

func tokenize(input string, rules ruleSet) ([]Token, error) {
	l := &lexer{input: input, rules: rules}
	tokens := make([]Token, 0, len(input)/4)
	for {
		l.skipWhitespace()
		if l.pos >= len(l.input) {
			return tokens, nil
		}
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
}

// sameBoundaries compares kinds and offsets. On mismatch it returns the
// offset where the token streams diverge.
func sameBoundaries(a, b []Token) (int, bool) {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i].Kind != b[i].Kind || a[i].Start != b[i].Start || a[i].End != b[i].End {
			return min(a[i].Start, b[i].Start), false
		}
	}
	switch {
	case len(a) > len(b):
		return a[len(b)].Start, false
	case len(b) > len(a):
		return b[len(a)].Start, false
	}
	return 0, true
}

// Code returns tokens without comments.
func Code(tokens []Token) []Token {
	out := make([]Token, 0, len(tokens))
	for _, tok := range tokens {
		if tok.Kind != TokenComment {
			out = append(out, tok)
		}
	}
	return out
}

func (l *lexer) peek(offset int) byte {
	if l.pos+offset >= len(l.input) {
		return 0
	}
	return l.input[l.pos+offset]
}

func (l *lexer) skipWhitespace() {
	for l.pos < len(l.input) && isSpace(l.input[l.pos]) {
		l.pos++
	}
}

func (l *lexer) token(kind TokenKind, start int) Token {
	return Token{Kind: kind, Text: l.input[start:l.pos], Start: start, End: l.pos}
}

func (l *lexer) next() (Token, error) {
	start := l.pos
	ch := l.input[l.pos]
	postgres := l.rules == postgresRules

	switch {
	case ch == '-' && l.peek(1) == '-':
		for l.pos < len(l.input) && l.input[l.pos] != '\n' && !(postgres && l.input[l.pos] == '\r') {
			l.pos++
		}
		return l.token(TokenComment, start), nil
	case ch == '/' && l.peek(1) == '*':
		if err := l.readBlockComment(postgres); err != nil {
			return Token{}, err
		}
		return l.token(TokenComment, start), nil
	case ch == '\'':
		if err := l.readQuoted('\'', '\'', false); err != nil {
			return Token{}, err
		}
		return l.token(TokenString, start), nil
	case postgres && (ch == 'e' || ch == 'E') && l.peek(1) == '\'':
		l.pos++
		if err := l.readQuoted('\'', '\'', true); err != nil {
			return Token{}, err
		}
		return l.token(TokenString, start), nil
	case ch == '"':
		if err := l.readQuoted('"', '"', false); err != nil {
			return Token{}, err
		}
		return l.token(TokenQuotedIdent, start), nil
	case !postgres && ch == '`':
		if err := l.readQuoted('`', '`', false); err != nil {
			return Token{}, err
		}
		return l.token(TokenQuotedIdent, start), nil
	case !postgres && ch == '[':
		if err := l.readQuoted('[', ']', false); err != nil {
			return Token{}, err
		}
		return l.token(TokenQuotedIdent, start), nil
	case postgres && ch == '$':
		return l.readDollar()
	case !postgres && (ch == '$' || ch == '@' || ch == ':' || ch == '#'):
		return l.readSQLiteParam()
	case ch == ';':
		l.pos++
		return l.token(TokenSemicolon, start), nil
	case isDigit(ch) || (ch == '.' && isDigit(l.peek(1))):
		l.readNumber()
		return l.token(TokenNumber, start), nil
	case ch == '?':
		l.pos++
		for !postgres && l.pos < len(l.input) && isDigit(l.input[l.pos]) {
			l.pos++
		}
		return l.token(TokenParam, start), nil
	case isWordStart(ch):
		for l.pos < len(l.input) && isWordPart(l.input[l.pos]) {
			l.pos++
		}
		return l.token(TokenWord, start), nil
	default:
		l.readPunct()
		return l.token(TokenPunct, start), nil
	}
}

// readBlockComment consumes a /* */ comment. PostgreSQL comments nest;
// SQLite comments end at the first */.
func (l *lexer) readBlockComment(nested bool) error {
	start := l.pos
	if !nested {
		end := strings.Index(l.input[l.pos+2:], "*/")
		if end < 0 {
			return &SyntaxError{Offset: start, Reason: "unterminated block comment"}
		}
		l.pos += 2 + end + 2
		return nil
	}
	depth := 0
	for l.pos+1 < len(l.input) {
		switch {
		case l.input[l.pos] == '/' && l.input[l.pos+1] == '*':
			depth++
			l.pos += 2
		case l.input[l.pos] == '*' && l.input[l.pos+1] == '/':
			depth--
			l.pos += 2
			if depth == 0 {
				return nil
			}
		default:
			l.pos++
		}
	}
	return &SyntaxError{Offset: start, Reason: "unterminated block comment"}
}

// readQuoted consumes a quoted run. A doubled closing character stands for
// itself. With backslash set, \x escapes are honored as well.
func (l *lexer) readQuoted(open, closing byte, backslash bool) error {
	start := l.pos
	l.pos++
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		switch {
		case backslash && ch == '\\':
			l.pos += 2
			continue
		case ch == closing:
			if open == closing && l.peek(1) == closing {
				l.pos += 2
				continue
			}
			l.pos++
			return nil
		}
		l.pos++
	}
	return &SyntaxError{Offset: start, Reason: fmt.Sprintf("unterminated %c quoted text", open)}
}

// readDollar handles $tag$...$tag$ strings and $1 style parameters.
func (l *lexer) readDollar() (Token, error) {
	start := l.pos
	end := l.pos + 1
	if end < len(l.input) && !isDigit(l.input[end]) {
		for end < len(l.input) && (isWordStart(l.input[end]) || isDigit(l.input[end])) {
			end++
		}
	}
	if end < len(l.input) && l.input[end] == '$' {
		tag := l.input[start : end+1]
		closing := strings.Index(l.input[end+1:], tag)
		if closing < 0 {
			return Token{}, &SyntaxError{Offset: start, Reason: "unterminated dollar quoted string"}
		}
		l.pos = end + 1 + closing + len(tag)
		return l.token(TokenString, start), nil
	}
	l.pos++
	for l.pos < len(l.input) && isWordPart(l.input[l.pos]) {
		l.pos++
	}
	return l.token(TokenParam, start), nil
}

// readSQLiteParam handles $name, @name, :name and #name. As in SQLite, a
// name may carry :: separators and a (suffix) that runs to the closing
// parenthesis and may not contain whitespace. A sigil without a name is
// punctuation.
func (l *lexer) readSQLiteParam() (Token, error) {
	start := l.pos
	l.pos++
	named := false
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		switch {
		case isWordPart(ch):
			named = true
			l.pos++
			continue
		case ch == '(' && named:
			for l.pos < len(l.input) && l.input[l.pos] != ')' && !isSpace(l.input[l.pos]) {
				l.pos++
			}
			if l.pos >= len(l.input) || l.input[l.pos] != ')' {
				return Token{}, &SyntaxError{Offset: start, Reason: "malformed parameter suffix"}
			}
			l.pos++
			return l.token(TokenParam, start), nil
		case ch == ':' && l.peek(1) == ':':
			l.pos += 2
			continue
		}
		break
	}
	if !named {
		l.pos = start
		l.readPunct()
		return l.token(TokenPunct, start), nil
	}
	return l.token(TokenParam, start), nil
}

func (l *lexer) readNumber() {
	for l.pos < len(l.input) && (isDigit(l.input[l.pos]) || l.input[l.pos] == '_') {
		l.pos++
	}
	if l.pos < len(l.input) && l.input[l.pos] == '.' {
		l.pos++
		for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
			l.pos++
		}
	}
	if l.pos < len(l.input) && (l.input[l.pos] == 'e' || l.input[l.pos] == 'E') {
		next := l.peek(1)
		if isDigit(next) || ((next == '+' || next == '-') && isDigit(l.peek(2))) {
			l.pos += 2
			for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
				l.pos++
			}
		}
	}
}

var twoCharPunct = []string{"<=", ">=", "<>", "!=", "==", "||", "::", "->", "<<", ">>", ":="}

func (l *lexer) readPunct() {
	if l.pos+1 < len(l.input) {
		pair := l.input[l.pos : l.pos+2]
		for _, candidate := range twoCharPunct {
			if pair == candidate {
				l.pos += 2
				return
			}
		}
	}
	_, size := utf8.DecodeRuneInString(l.input[l.pos:])
	l.pos += size
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' || ch == '\f' || ch == '\v'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isWordStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch >= utf8.RuneSelf
}

func isWordPart(ch byte) bool {
	return isWordStart(ch) || isDigit(ch) || ch == '$'
}

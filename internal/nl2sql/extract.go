package nl2sql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/heartql/heartql/internal/sqlguard"
)

// ExtractionError means no single SQL statement could be isolated from the
// model response. Missing is set when the model said the question cannot be
// answered from the table.
type ExtractionError struct {
	Reason  string
	Missing bool
}

func (e *ExtractionError) Error() string {
	return e.Reason
}

const missingPrefix = "MISSING:"

// statementKeywords start a candidate block. Write statements are included
// so that they are extracted and then rejected by validation rather than
// silently ignored.
var statementKeywords = map[string]struct{}{
	"SELECT": {}, "WITH": {}, "VALUES": {}, "INSERT": {}, "UPDATE": {}, "DELETE": {},
	"DROP": {}, "ALTER": {}, "CREATE": {}, "TRUNCATE": {}, "ATTACH": {}, "DETACH": {},
	"PRAGMA": {}, "REPLACE": {}, "MERGE": {}, "GRANT": {}, "REVOKE": {}, "VACUUM": {},
	"COPY": {}, "EXPLAIN": {},
}

// clauseKeywords may open a continuation line of a statement.
var clauseKeywords = map[string]struct{}{
	"FROM": {}, "WHERE": {}, "AND": {}, "OR": {}, "NOT": {}, "GROUP": {}, "ORDER": {},
	"BY": {}, "HAVING": {}, "LIMIT": {}, "OFFSET": {}, "JOIN": {}, "LEFT": {}, "RIGHT": {},
	"INNER": {}, "OUTER": {}, "FULL": {}, "CROSS": {}, "NATURAL": {}, "ON": {}, "USING": {},
	"UNION": {}, "INTERSECT": {}, "EXCEPT": {}, "ALL": {}, "AS": {}, "CASE": {}, "WHEN": {},
	"THEN": {}, "ELSE": {}, "END": {}, "IN": {}, "IS": {}, "NULL": {}, "LIKE": {},
	"BETWEEN": {}, "DISTINCT": {}, "ASC": {}, "DESC": {}, "WINDOW": {}, "OVER": {},
	"PARTITION": {}, "FILTER": {}, "RETURNING": {}, "SET": {}, "INTO": {},
}

// ExtractStatement isolates exactly one SQL statement from a model
// response. Fenced blocks win over inline code spans, which win over SQL
// inferred from prose; more than one candidate, more than one statement,
// or a comment-only block fails. Literals are delimited by the quoting
// rules of dialect.
func ExtractStatement(response, dialect string) (string, error) {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return "", &ExtractionError{Reason: "model returned an empty response"}
	}
	if strings.HasPrefix(strings.ToUpper(trimmed), missingPrefix) {
		reason := strings.TrimSpace(trimmed[len(missingPrefix):])
		if reason == "" {
			reason = "no reason given"
		}
		return "", &ExtractionError{Reason: "model could not answer from the table: " + reason, Missing: true}
	}

	fenced, prose := splitFences(trimmed)
	var candidates []string
	for _, block := range fenced {
		if looksLikeSQL(block, dialect) {
			candidates = append(candidates, block)
		}
	}
	if len(candidates) == 0 {
		for _, span := range inlineSpans(prose) {
			if looksLikeSQL(span, dialect) && len(strings.Fields(span)) > 1 {
				candidates = append(candidates, span)
			}
		}
	}
	if len(candidates) == 0 {
		candidates = inferBlocks(prose, dialect)
	}

	switch len(candidates) {
	case 0:
		return "", &ExtractionError{Reason: "no SQL statement found in model response"}
	case 1:
	default:
		return "", &ExtractionError{Reason: fmt.Sprintf("model response contains %d candidate SQL blocks", len(candidates))}
	}
	return singleStatement(candidates[0], dialect)
}

func singleStatement(block, dialect string) (string, error) {
	tokens, err := sqlguard.Tokenize(block, dialect)
	if err != nil {
		var syntaxErr *sqlguard.SyntaxError
		if errors.As(err, &syntaxErr) {
			return "", &ExtractionError{Reason: "malformed SQL in model response: " + syntaxErr.Reason}
		}
		return "", &ExtractionError{Reason: "malformed SQL in model response"}
	}
	statements, err := sqlguard.Split(block, dialect)
	if err != nil {
		return "", &ExtractionError{Reason: "malformed SQL in model response"}
	}
	if len(sqlguard.Code(tokens)) == 0 || len(statements) == 0 {
		return "", &ExtractionError{Reason: "SQL block contains only comments"}
	}
	if len(statements) > 1 {
		return "", &ExtractionError{Reason: fmt.Sprintf("model response contains %d SQL statements", len(statements))}
	}
	return strings.TrimSpace(statements[0]), nil
}

const fence = "```"

// splitFences separates ``` fenced blocks from the surrounding prose. A
// fence may open and close on the same line, and an unclosed fence runs to
// the end of the text. The info string after the opening fence is dropped.
func splitFences(text string) ([]string, string) {
	var (
		blocks []string
		prose  strings.Builder
	)
	for {
		open := strings.Index(text, fence)
		if open < 0 {
			prose.WriteString(text)
			break
		}
		prose.WriteString(text[:open])
		prose.WriteString("\n")
		body := text[open+len(fence):]
		closing := strings.Index(body, fence)
		if closing < 0 {
			blocks = append(blocks, stripInfoString(body))
			break
		}
		blocks = append(blocks, stripInfoString(body[:closing]))
		text = body[closing+len(fence):]
	}
	return blocks, prose.String()
}

// stripInfoString drops a language tag such as "sql" that directly follows
// the opening fence. A statement keyword is kept: "```SELECT 1```" is code.
func stripInfoString(body string) string {
	end := 0
	for end < len(body) && isInfoByte(body[end]) {
		end++
	}
	if end == 0 || (end < len(body) && body[end] != ' ' && body[end] != '\t' && body[end] != '\n' && body[end] != '\r') {
		return body
	}
	if _, ok := statementKeywords[strings.ToUpper(body[:end])]; ok {
		return body
	}
	return body[end:]
}

func isInfoByte(ch byte) bool {
	return ch == '_' || ch == '-' || ch == '+' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}

// inlineSpans returns the contents of `single backtick` spans that do not
// cross a line break.
func inlineSpans(text string) []string {
	var spans []string
	for {
		open := strings.IndexByte(text, '`')
		if open < 0 {
			return spans
		}
		length := strings.IndexByte(text[open+1:], '`')
		if length < 0 {
			return spans
		}
		span := text[open+1 : open+1+length]
		if !strings.Contains(span, "\n") {
			spans = append(spans, span)
		}
		text = text[open+1+length+1:]
	}
}

// inferBlocks finds SQL in unfenced text. A block starts at a line that
// begins with a statement keyword, or at a statement keyword following a
// colon, and ends at a blank line, at a line that ends with a semicolon,
// or before a line that reads as prose.
func inferBlocks(text, dialect string) []string {
	var (
		blocks  []string
		current []string
	)
	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, strings.Join(current, "\n"))
			current = nil
		}
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if len(current) > 0 && (trimmed == "" || isProseLine(trimmed)) {
			flush()
		}
		if len(current) == 0 {
			if trimmed == "" {
				continue
			}
			offset := statementStart(line, strings.Join(lines[i+1:], "\n"), dialect)
			if offset < 0 {
				continue
			}
			line = line[offset:]
		}
		current = append(current, line)
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()
	return blocks
}

// statementStart returns the offset in line where an inferred statement
// begins, or -1. rest is the text after line.
func statementStart(line, rest, dialect string) int {
	if looksLikeSQL(line+"\n"+rest, dialect) {
		return 0
	}
	colon := strings.IndexByte(line, ':')
	for colon >= 0 {
		offset := colon + 1
		for offset < len(line) && (line[offset] == ' ' || line[offset] == '\t') {
			offset++
		}
		if offset < len(line) && looksLikeSQL(line[offset:]+"\n"+rest, dialect) {
			return offset
		}
		next := strings.IndexByte(line[colon+1:], ':')
		if next < 0 {
			break
		}
		colon += 1 + next
	}
	return -1
}

// isProseLine reports whether a line inside an inferred block is an
// English sentence rather than a continuation of the statement: a
// capitalized word followed by a lowercase one, or plain words closed by
// sentence punctuation. Neither may start with a SQL keyword.
func isProseLine(trimmed string) bool {
	if strings.HasPrefix(trimmed, "--") || strings.HasPrefix(trimmed, "/*") {
		return false
	}
	words := strings.Fields(trimmed)
	if len(words) < 3 {
		return false
	}
	first := strings.TrimRight(words[0], ",:")
	if !isAlpha(first) || isKeyword(first) {
		return false
	}
	if first[0] >= 'A' && first[0] <= 'Z' && strings.ToLower(first[1:]) == first[1:] {
		second := strings.TrimRight(words[1], ",.:!?")
		if isAlpha(second) && strings.ToLower(second) == second && !isKeyword(second) {
			return true
		}
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
	default:
		return false
	}
	for _, word := range words {
		if !isAlpha(strings.TrimRight(word, ",.:!?")) {
			return false
		}
	}
	return true
}

func isKeyword(word string) bool {
	upper := strings.ToUpper(word)
	if _, ok := statementKeywords[upper]; ok {
		return true
	}
	_, ok := clauseKeywords[upper]
	return ok
}

func isAlpha(word string) bool {
	if word == "" {
		return false
	}
	for i := 0; i < len(word); i++ {
		ch := word[i]
		if (ch < 'a' || ch > 'z') && (ch < 'A' || ch > 'Z') {
			return false
		}
	}
	return true
}

// looksLikeSQL reports whether the first code token of text is a statement
// keyword. A leading WITH must be followed by a CTE name and AS or a column
// list, so prose like "With this query" does not qualify.
func looksLikeSQL(text, dialect string) bool {
	tokens, err := sqlguard.Tokenize(text, dialect)
	if err != nil {
		// An unterminated literal can still be SQL; let extraction report it.
		tokens, err = sqlguard.Tokenize(leadingCode(text), dialect)
		if err != nil {
			return false
		}
	}
	code := sqlguard.Code(tokens)
	i := 0
	for i < len(code) && code[i].IsPunct("(") {
		i++
	}
	if i >= len(code) || code[i].Kind != sqlguard.TokenWord {
		return false
	}
	keyword := code[i].Upper()
	if _, ok := statementKeywords[keyword]; !ok {
		return false
	}
	if keyword == "WITH" {
		rest := code[i+1:]
		if len(rest) > 0 && rest[0].Is("RECURSIVE") {
			rest = rest[1:]
		}
		if len(rest) < 2 {
			return false
		}
		return rest[1].Is("AS") || rest[1].IsPunct("(")
	}
	return true
}

// leadingCode returns text up to the first quote or comment opener.
func leadingCode(text string) string {
	end := len(text)
	for _, marker := range []string{"'", "\"", "`", "[", "$", "--", "/*"} {
		if i := strings.Index(text, marker); i >= 0 && i < end {
			end = i
		}
	}
	return text[:end]
}

package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mmrzaf/dataforge/internal/domain"
)

// identifier validation: allow simple SQL identifiers only (prevents injection via table/column names).
var (
	identRe       = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	sourceIDRe    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
	reservedWords = map[string]struct{}{
		"add": {}, "all": {}, "alter": {}, "and": {}, "any": {}, "as": {},
		"asc": {}, "between": {}, "by": {}, "case": {}, "check": {},
		"column": {}, "constraint": {}, "create": {}, "cross": {}, "current_date": {},
		"current_time": {}, "current_timestamp": {}, "database": {}, "default": {}, "delete": {},
		"desc": {}, "distinct": {}, "do": {}, "drop": {}, "else": {},
		"end": {}, "except": {}, "exists": {}, "false": {}, "for": {},
		"foreign": {}, "from": {}, "full": {}, "grant": {}, "group": {},
		"having": {}, "in": {}, "index": {}, "inner": {}, "insert": {},
		"intersect": {}, "into": {}, "is": {}, "join": {}, "key": {},
		"left": {}, "like": {}, "limit": {}, "natural": {}, "not": {},
		"null": {}, "offset": {}, "on": {}, "or": {}, "order": {},
		"outer": {}, "primary": {}, "references": {}, "returning": {}, "revoke": {},
		"right": {}, "schema": {}, "select": {}, "set": {}, "table": {},
		"then": {}, "to": {}, "true": {}, "truncate": {}, "union": {},
		"unique": {}, "update": {}, "user": {}, "using": {}, "values": {},
		"view": {}, "when": {}, "where": {}, "with": {},
	}
	readOnlyLeaders = map[string]struct{}{
		"select": {}, "with": {}, "show": {}, "describe": {}, "desc": {},
		"explain": {}, "pragma": {}, "values": {}, "table": {},
	}
	writeKeywords = regexp.MustCompile(`(?i)\b(insert|update|delete|merge|drop|alter|create|truncate|grant|revoke|attach|detach|vacuum|replace|copy|call|exec|execute)\b`)
)

func IsValidIdentifier(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if !identRe.MatchString(s) {
		return false
	}
	if _, ok := reservedWords[strings.ToLower(s)]; ok {
		return false
	}
	return true
}

// IsQualifiedIdentifier accepts "name" or "schema.name" with each part a
// valid identifier.
func IsQualifiedIdentifier(s string) bool {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if !IsValidIdentifier(p) {
			return false
		}
	}
	return true
}

// IsValidSourceID reports whether id is safe to use as a file name and lock key.
func IsValidSourceID(id string) bool {
	return sourceIDRe.MatchString(id) && !strings.Contains(id, "..")
}

// IsReadOnlyQuery reports whether q is a single statement that starts with a
// read-only keyword. Comments and leading parentheses are ignored; a common
// table expression must not wrap a write.
func IsReadOnlyQuery(q string) bool {
	stripped := stripSQL(q)
	body := strings.TrimSpace(stripped)
	body = strings.TrimRight(body, "; \t\r\n")
	if body == "" {
		return false
	}
	if strings.Contains(body, ";") {
		return false
	}
	body = strings.TrimLeft(body, "( \t\r\n")
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return false
	}
	lead := strings.ToLower(fields[0])
	if _, ok := readOnlyLeaders[lead]; !ok {
		return false
	}
	if lead == "with" || lead == "explain" {
		return !writeKeywords.MatchString(body)
	}
	return true
}

// stripSQL blanks out comments and the contents of quoted literals so that
// keyword and statement checks only see SQL structure.
func stripSQL(q string) string {
	var b strings.Builder
	b.Grow(len(q))
	for i := 0; i < len(q); i++ {
		c := q[i]
		switch {
		case c == '-' && i+1 < len(q) && q[i+1] == '-':
			for i < len(q) && q[i] != '\n' {
				i++
			}
			b.WriteByte(' ')
		case c == '/' && i+1 < len(q) && q[i+1] == '*':
			i += 2
			for i+1 < len(q) && !(q[i] == '*' && q[i+1] == '/') {
				i++
			}
			i++
			b.WriteByte(' ')
		case c == '\'' || c == '"' || c == '`':
			quote := c
			b.WriteByte(quote)
			i++
			for i < len(q) && q[i] != quote {
				i++
			}
			b.WriteByte(quote)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// clausePattern matches keyword as whole words, case-insensitively, with any
// run of whitespace between its words.
func clausePattern(keyword string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + strings.ReplaceAll(regexp.QuoteMeta(keyword), ` `, `\s+`) + `\b`)
}

func ValidateRetentionPolicy(p *domain.RetentionPolicy) error {
	if p == nil {
		return nil
	}
	switch p.Strategy {
	case domain.RetentionKeepLast:
		if p.Value < 1 {
			return fmt.Errorf("keep-last requires a count >= 1, got %d", p.Value)
		}
	case domain.RetentionKeepDays:
		if p.Value < 0 {
			return fmt.Errorf("keep-days requires a day count >= 0, got %d", p.Value)
		}
	case domain.RetentionKeepAll:
	case "":
		return errors.New("retention strategy is required")
	default:
		return fmt.Errorf("unknown retention strategy: %s", p.Strategy)
	}
	return nil
}

// ValidateDataSource checks the envelope every config shares. Type specific
// checks belong to the connector.
func ValidateDataSource(cfg *domain.DataSourceConfig) error {
	if cfg == nil {
		return errors.New("data source config is required")
	}
	if cfg.ID == "" {
		return errors.New("data source id is required")
	}
	if !IsValidSourceID(cfg.ID) {
		return fmt.Errorf("invalid data source id: %s", cfg.ID)
	}
	if cfg.Name == "" {
		return errors.New("data source name is required")
	}
	if cfg.Type == "" {
		return errors.New("data source type is required")
	}
	if cfg.Schedule != nil && cfg.Schedule.Enabled && len(strings.Fields(cfg.Schedule.Cron)) < 5 {
		return fmt.Errorf("invalid cron expression: %q", cfg.Schedule.Cron)
	}
	if err := ValidateRetentionPolicy(cfg.Retention); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	return nil
}

// HasTopLevelClause reports whether keyword appears in q outside comments,
// literals and parentheses, so clauses of subqueries are ignored.
func HasTopLevelClause(q, keyword string) bool {
	s := stripSQL(q)
	for _, loc := range clausePattern(keyword).FindAllStringIndex(s, -1) {
		if parenDepth(s[:loc[0]]) == 0 {
			return true
		}
	}
	return false
}

func parenDepth(s string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		}
	}
	return depth
}

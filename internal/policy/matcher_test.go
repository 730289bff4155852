package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xela07ax/permgate/internal/domain"
)

func fp(v float64) *float64 { return &v }
func sp(v string) *string   { return &v }
func bp(v bool) *bool       { return &v }

func TestMatch_Equals(t *testing.T) {
	tests := []struct {
		name  string
		value any
		cond  domain.Condition
		want  bool
	}{
		{"string equal", "read_file", domain.Condition{Equals: "read_file"}, true},
		{"string not equal", "write_file", domain.Condition{Equals: "read_file"}, false},
		{"type mismatch string vs number", "5", domain.Condition{Equals: 5}, false},
		// JSON-декодер отдает float64, политика могла хранить int
		{"int vs float64 same number", float64(5), domain.Condition{Equals: 5}, true},
		{"bool equal", true, domain.Condition{Equals: true}, true},
		{"nil value never equals", nil, domain.Condition{Equals: "x"}, false},
		{"notEquals passes on different", "a", domain.Condition{NotEquals: "b"}, true},
		{"notEquals fails on same", "b", domain.Condition{NotEquals: "b"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.value, tt.cond))
		})
	}
}

func TestMatch_Numeric(t *testing.T) {
	tests := []struct {
		name  string
		value any
		cond  domain.Condition
		want  bool
	}{
		{"lessThan pass", 5.0, domain.Condition{LessThan: fp(10)}, true},
		{"lessThan fail on equal", 10.0, domain.Condition{LessThan: fp(10)}, false},
		{"lte pass on equal", 10.0, domain.Condition{LessThanOrEqual: fp(10)}, true},
		{"greaterThan pass", 11.0, domain.Condition{GreaterThan: fp(10)}, true},
		{"gte fail below", 9.0, domain.Condition{GreaterThanOrEqual: fp(10)}, false},
		{"range pass", 50.0, domain.Condition{GreaterThan: fp(0), LessThan: fp(100)}, true},
		{"range fail upper", 150.0, domain.Condition{GreaterThan: fp(0), LessThan: fp(100)}, false},
		{"int value accepted", 5, domain.Condition{LessThan: fp(10)}, true},
		// Нечисловое значение — несовпадение, не паника
		{"string value fails numeric", "fast", domain.Condition{LessThan: fp(10)}, false},
		{"nil value fails numeric", nil, domain.Condition{GreaterThan: fp(0)}, false},
		{"map value fails numeric", map[string]any{}, domain.Condition{LessThan: fp(1)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.value, tt.cond))
		})
	}
}

func TestMatch_String(t *testing.T) {
	tests := []struct {
		name  string
		value any
		cond  domain.Condition
		want  bool
	}{
		{"startsWith pass", "/workspace/src/a.go", domain.Condition{StartsWith: sp("/workspace/")}, true},
		{"startsWith fail", "/etc/passwd", domain.Condition{StartsWith: sp("/workspace/")}, false},
		{"endsWith pass", "report.pdf", domain.Condition{EndsWith: sp(".pdf")}, true},
		{"contains pass", "db-prod-01", domain.Condition{Contains: sp("prod")}, true},
		{"matches pass", "agent-42", domain.Condition{Matches: sp(`^agent-\d+$`)}, true},
		{"matches fail", "agent-x", domain.Condition{Matches: sp(`^agent-\d+$`)}, false},
		// Битый regex из старой записи в БД — несовпадение, не ошибка
		{"invalid regex is non-match", "anything", domain.Condition{Matches: sp(`([`)}, false},
		{"non-string fails string op", 42, domain.Condition{Contains: sp("4")}, false},
		{"nil fails string op", nil, domain.Condition{StartsWith: sp("a")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.value, tt.cond))
		})
	}
}

func TestMatch_Membership(t *testing.T) {
	in := []any{"read_file", "list_dir", float64(3)}

	assert.True(t, Match("read_file", domain.Condition{In: in}))
	assert.True(t, Match(3, domain.Condition{In: in}))
	assert.False(t, Match("delete_file", domain.Condition{In: in}))

	assert.True(t, Match("delete_file", domain.Condition{NotIn: in}))
	assert.False(t, Match("list_dir", domain.Condition{NotIn: in}))
}

func TestMatch_Exists(t *testing.T) {
	assert.True(t, Match("value", domain.Condition{Exists: bp(true)}))
	assert.False(t, Match(nil, domain.Condition{Exists: bp(true)}))
	assert.True(t, Match(nil, domain.Condition{Exists: bp(false)}))
	assert.False(t, Match("value", domain.Condition{Exists: bp(false)}))
}

func TestMatch_AndSemantics(t *testing.T) {
	// Все операторы условия обязаны выполниться одновременно
	cond := domain.Condition{
		StartsWith: sp("db-"),
		Contains:   sp("prod"),
	}
	assert.True(t, Match("db-prod-01", cond))
	assert.False(t, Match("db-staging-01", cond))
	assert.False(t, Match("cache-prod-01", cond))
}

func TestMatch_EmptyConditionAlwaysMatches(t *testing.T) {
	assert.True(t, Match("anything", domain.Condition{}))
	assert.True(t, Match(nil, domain.Condition{}))
	assert.True(t, Match(map[string]any{"k": "v"}, domain.Condition{}))
}

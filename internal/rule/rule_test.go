package rule

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMatch 测试各操作符
func TestMatch(t *testing.T) {
	ctx := map[string]interface{}{
		"reason": "x",
		"env":    "prod",
		"count":  float64(12),
		"num":    "42",
		"tags":   []interface{}{"a", "b"},
		"hosts":  "web1,web2",
		"meta":   map[string]interface{}{"team": "sre"},
		"dry":    true,
	}

	tests := []struct {
		name     string
		rule     string
		expected bool
	}{
		{"默认条件", `["=", 1, 1]`, true},
		{"等于", `["=", "reason", "x"]`, true},
		{"双等号", `["==", "env", "dev"]`, false},
		{"不存在的变量", `["=", "missing", "x"]`, false},
		{"不等于", `["!=", "env", "dev"]`, true},
		{"数值比较", `[">", "count", 10]`, true},
		{"数字字符串", `[">=", "num", 42]`, true},
		{"小于", `["<", "count", 12]`, false},
		{"小于等于", `["<=", "count", 12]`, true},
		{"字符串比较", `["<", "env", "zzz"]`, true},
		{"缺失变量比较", `[">", "missing", 1]`, false},
		{"in", `["in", "env", "dev", "prod"]`, true},
		{"nin", `["nin", "env", "dev", "test"]`, true},
		{"allin 列表", `["allin", "tags", "a", "b", "c"]`, true},
		{"allin 不满足", `["allin", "tags", "a"]`, false},
		{"allin 逗号字符串", `["allin", "hosts", "web1", "web2"]`, true},
		{"contains 字符串", `["contains", "env", "ro"]`, true},
		{"contains 列表", `["contains", "tags", "b"]`, true},
		{"startswith", `["startswith", "env", "pr"]`, true},
		{"endswith", `["endswith", "env", "od"]`, true},
		{"regex", `["regex", "env", "^p.*d$"]`, true},
		{"嵌套字段", `["=", "meta.team", "sre"]`, true},
		{"布尔值", `["=", "dry", true]`, true},
		{"and", `["and", ["=", "env", "prod"], [">", "count", 1]]`, true},
		{"and 短路", `["and", ["=", "env", "dev"], [">", "count", 1]]`, false},
		{"or", `["or", ["=", "env", "dev"], ["in", "reason", "x", "y"]]`, true},
		{"not", `["not", ["=", "env", "dev"]]`, true},
		{"var", `["var", "dry"]`, true},
		{"子表达式作为变量", `["=", ["var", "env"], "prod"]`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse(tt.rule)
			require.NoError(t, err)
			got, err := r.Match(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got, tt.rule)
		})
	}
}

// TestParseError 测试非法规则
func TestParseError(t *testing.T) {
	tests := []struct {
		name string
		rule string
	}{
		{"空字符串", ""},
		{"非 JSON", "env = prod"},
		{"不是数组", `{"op": "="}`},
		{"空数组", `[]`},
		{"未知操作符", `["like", "env", "p%"]`},
		{"嵌套未知操作符", `["and", ["=", "a", 1], ["xor", "b", 2]]`},
		{"操作符不是字符串", `[1, 2, 3]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.rule)
			assert.Error(t, err)
		})
	}

	_, err := Parse(`["like", "env", "p%"]`)
	assert.True(t, errors.Is(err, ErrUnknownOp))
}

// TestMatchesSwallowErrors 解析或求值失败都视为不匹配
func TestMatchesSwallowErrors(t *testing.T) {
	ctx := map[string]interface{}{"env": "prod", "count": float64(3)}

	assert.True(t, Matches(`["=", "env", "prod"]`, ctx))
	assert.False(t, Matches(`not a rule`, ctx))
	assert.False(t, Matches(`[">", "env", 3]`, ctx))
	assert.False(t, Matches(`["regex", "env", "("]`, ctx))
	assert.False(t, Matches(`["=", "env"]`, ctx))
}

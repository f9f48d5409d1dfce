// Package rule 实现工单参数匹配使用的 S 表达式规则
//
// 规则以 JSON 数组表示，第一个元素为操作符，例如：
//
//	["=", "env", "prod"]
//	["and", ["in", "region", "bj", "sh"], [">", "count", 10]]
//
// 操作符后第一个字符串参数表示从上下文中读取的变量名，其余参数为字面量，
// 嵌套数组作为子表达式求值。
package rule

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/douban/helpdesk/pkg/logger"
)

var (
	// ErrEmptyRule 规则为空
	ErrEmptyRule = errors.New("empty rule")
	// ErrUnknownOp 不支持的操作符
	ErrUnknownOp = errors.New("unknown operator")
)

// Rule 解析后的规则
type Rule struct {
	raw  string
	expr []interface{}
}

// Parse 解析规则字符串
func Parse(s string) (*Rule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyRule
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parse rule %q: %w", s, err)
	}
	expr, ok := v.([]interface{})
	if !ok || len(expr) == 0 {
		return nil, fmt.Errorf("parse rule %q: expression must be a non-empty array", s)
	}
	if err := validate(expr); err != nil {
		return nil, fmt.Errorf("parse rule %q: %w", s, err)
	}
	return &Rule{raw: s, expr: expr}, nil
}

func (r *Rule) String() string {
	return r.raw
}

// Match 在上下文上求值，结果按真值判断
func (r *Rule) Match(ctx map[string]interface{}) (bool, error) {
	v, err := eval(r.expr, ctx)
	if err != nil {
		return false, fmt.Errorf("eval rule %s: %w", r.raw, err)
	}
	return truthy(v), nil
}

// Matches 解析并求值，任何错误都视为不匹配并记录日志
func Matches(s string, ctx map[string]interface{}) bool {
	r, err := Parse(s)
	if err != nil {
		logger.Warnf("rule: %v", err)
		return false
	}
	ok, err := r.Match(ctx)
	if err != nil {
		logger.Warnf("rule: %v", err)
		return false
	}
	return ok
}

func validate(expr []interface{}) error {
	name, ok := expr[0].(string)
	if !ok {
		return fmt.Errorf("operator must be a string, got %v", expr[0])
	}
	if _, ok := ops[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOp, name)
	}
	for _, arg := range expr[1:] {
		if sub, ok := arg.([]interface{}); ok {
			if len(sub) == 0 {
				return errors.New("empty sub expression")
			}
			if err := validate(sub); err != nil {
				return err
			}
		}
	}
	return nil
}

package rule

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type opFunc func(ctx map[string]interface{}, args []interface{}) (interface{}, error)

var ops map[string]opFunc

func init() {
	ops = map[string]opFunc{
		"=":          binary(func(a, b interface{}) (bool, error) { return equal(a, b), nil }),
		"==":         binary(func(a, b interface{}) (bool, error) { return equal(a, b), nil }),
		"!=":         binary(func(a, b interface{}) (bool, error) { return !equal(a, b), nil }),
		">":          binary(compareWith(func(c int) bool { return c > 0 })),
		">=":         binary(compareWith(func(c int) bool { return c >= 0 })),
		"<":          binary(compareWith(func(c int) bool { return c < 0 })),
		"<=":         binary(compareWith(func(c int) bool { return c <= 0 })),
		"in":         varArgs(opIn),
		"nin":        varArgs(func(v interface{}, args []interface{}) (bool, error) { ok, err := opIn(v, args); return !ok, err }),
		"allin":      varArgs(opAllIn),
		"contains":   varArgs(opContains),
		"startswith": binary(stringOp(strings.HasPrefix)),
		"endswith":   binary(stringOp(strings.HasSuffix)),
		"regex":      binary(opRegex),
		"and":        opAnd,
		"or":         opOr,
		"not":        opNot,
		"var":        opVar,
	}
}

func eval(expr []interface{}, ctx map[string]interface{}) (interface{}, error) {
	name, _ := expr[0].(string)
	op, ok := ops[name]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownOp, expr[0])
	}
	return op(ctx, expr[1:])
}

// resolveVar 第一个参数：字符串从上下文读取，数组作为子表达式，其他为字面量
func resolveVar(ctx map[string]interface{}, arg interface{}) (interface{}, error) {
	switch v := arg.(type) {
	case string:
		return lookup(ctx, v), nil
	case []interface{}:
		return eval(v, ctx)
	default:
		return v, nil
	}
}

// resolveArg 其余参数：数组作为子表达式，其他为字面量
func resolveArg(ctx map[string]interface{}, arg interface{}) (interface{}, error) {
	if sub, ok := arg.([]interface{}); ok {
		return eval(sub, ctx)
	}
	return arg, nil
}

// lookup 支持 a.b 形式读取嵌套字段
func lookup(ctx map[string]interface{}, key string) interface{} {
	if v, ok := ctx[key]; ok {
		return v
	}
	parts := strings.Split(key, ".")
	if len(parts) == 1 {
		return nil
	}
	var cur interface{} = ctx
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		if cur, ok = m[p]; !ok {
			return nil
		}
	}
	return cur
}

func prepare(ctx map[string]interface{}, args []interface{}) (interface{}, []interface{}, error) {
	if len(args) == 0 {
		return nil, nil, fmt.Errorf("missing operand")
	}
	v, err := resolveVar(ctx, args[0])
	if err != nil {
		return nil, nil, err
	}
	rest := make([]interface{}, 0, len(args)-1)
	for _, a := range args[1:] {
		r, err := resolveArg(ctx, a)
		if err != nil {
			return nil, nil, err
		}
		rest = append(rest, r)
	}
	return v, rest, nil
}

func binary(fn func(a, b interface{}) (bool, error)) opFunc {
	return func(ctx map[string]interface{}, args []interface{}) (interface{}, error) {
		v, rest, err := prepare(ctx, args)
		if err != nil {
			return nil, err
		}
		if len(rest) != 1 {
			return nil, fmt.Errorf("expected 2 operands, got %d", len(rest)+1)
		}
		return fn(v, rest[0])
	}
}

func varArgs(fn func(v interface{}, args []interface{}) (bool, error)) opFunc {
	return func(ctx map[string]interface{}, args []interface{}) (interface{}, error) {
		v, rest, err := prepare(ctx, args)
		if err != nil {
			return nil, err
		}
		return fn(v, rest)
	}
}

func opIn(v interface{}, args []interface{}) (bool, error) {
	for _, a := range args {
		if equal(v, a) {
			return true, nil
		}
	}
	return false, nil
}

// opAllIn 变量中的每个元素都在参数列表中，字符串按逗号拆分
func opAllIn(v interface{}, args []interface{}) (bool, error) {
	for _, item := range toList(v) {
		if ok, _ := opIn(item, args); !ok {
			return false, nil
		}
	}
	return true, nil
}

func opContains(v interface{}, args []interface{}) (bool, error) {
	if len(args) == 0 {
		return false, fmt.Errorf("contains: missing operand")
	}
	switch val := v.(type) {
	case []interface{}:
		for _, a := range args {
			if ok, _ := opIn(a, val); !ok {
				return false, nil
			}
		}
		return true, nil
	case nil:
		return false, nil
	default:
		s := toString(val)
		for _, a := range args {
			if !strings.Contains(s, toString(a)) {
				return false, nil
			}
		}
		return true, nil
	}
}

func opRegex(v, pattern interface{}) (bool, error) {
	if v == nil {
		return false, nil
	}
	re, err := regexp.Compile(toString(pattern))
	if err != nil {
		return false, err
	}
	return re.MatchString(toString(v)), nil
}

func stringOp(fn func(s, affix string) bool) func(a, b interface{}) (bool, error) {
	return func(a, b interface{}) (bool, error) {
		if a == nil {
			return false, nil
		}
		return fn(toString(a), toString(b)), nil
	}
}

func opAnd(ctx map[string]interface{}, args []interface{}) (interface{}, error) {
	for _, a := range args {
		v, err := resolveArg(ctx, a)
		if err != nil {
			return nil, err
		}
		if !truthy(v) {
			return false, nil
		}
	}
	return true, nil
}

func opOr(ctx map[string]interface{}, args []interface{}) (interface{}, error) {
	for _, a := range args {
		v, err := resolveArg(ctx, a)
		if err != nil {
			return nil, err
		}
		if truthy(v) {
			return true, nil
		}
	}
	return false, nil
}

func opNot(ctx map[string]interface{}, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("not: expected 1 operand, got %d", len(args))
	}
	v, err := resolveArg(ctx, args[0])
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

func opVar(ctx map[string]interface{}, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("var: expected 1 operand, got %d", len(args))
	}
	name, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("var: name must be a string")
	}
	return lookup(ctx, name), nil
}

func compareWith(accept func(int) bool) func(a, b interface{}) (bool, error) {
	return func(a, b interface{}) (bool, error) {
		if a == nil || b == nil {
			return false, nil
		}
		c, err := compare(a, b)
		if err != nil {
			return false, err
		}
		return accept(c), nil
	}
}

// compare 数字优先按数值比较，两边都是字符串时按字典序
func compare(a, b interface{}) (int, error) {
	fa, okA := toNumber(a)
	fb, okB := toNumber(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		}
		return 0, nil
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), nil
	}
	return 0, fmt.Errorf("cannot compare %v with %v", a, b)
}

func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toNumber(a); ok {
		if fb, ok := toNumber(b); ok {
			return fa == fb
		}
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	return toString(a) == toString(b)
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func toList(v interface{}) []interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return val
	case []string:
		out := make([]interface{}, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case string:
		var out []interface{}
		for _, p := range strings.Split(val, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return []interface{}{v}
}

func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	}
	if f, ok := toNumber(v); ok {
		return f != 0
	}
	return true
}

package funnel

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"FunnelBot/entity"

	"github.com/Knetic/govaluate"
)

var expressionFunctions = map[string]govaluate.ExpressionFunction{
	"contains": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, errors.New("contains expects 2 arguments")
		}
		return strings.Contains(strings.ToLower(toString(args[0])), strings.ToLower(toString(args[1]))), nil
	},
	"starts_with": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, errors.New("starts_with expects 2 arguments")
		}
		return strings.HasPrefix(strings.ToLower(toString(args[0])), strings.ToLower(toString(args[1]))), nil
	},
	"ends_with": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, errors.New("ends_with expects 2 arguments")
		}
		return strings.HasSuffix(strings.ToLower(toString(args[0])), strings.ToLower(toString(args[1]))), nil
	},
	"lower": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, errors.New("lower expects 1 argument")
		}
		return strings.ToLower(toString(args[0])), nil
	},
	"len": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, errors.New("len expects 1 argument")
		}
		return float64(len([]rune(toString(args[0])))), nil
	},
	"has_tag": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, errors.New("has_tag expects 2 arguments")
		}
		want := toString(args[1])
		for _, t := range strings.Split(toString(args[0]), ",") {
			if t == want {
				return true, nil
			}
		}
		return false, nil
	},
}

// Predicate is a compiled branch condition.
type Predicate struct {
	expr     *govaluate.EvaluableExpression
	literal  *bool
	field    string
	operator string
	value    string
}

func compilePredicate(c *entity.Condition) (*Predicate, error) {
	if c == nil {
		return nil, errors.New("condition is not set")
	}
	cond := strings.TrimSpace(c.Expression)
	if cond != "" {
		switch strings.ToLower(cond) {
		case "true", "false":
			v := strings.ToLower(cond) == "true"
			return &Predicate{literal: &v}, nil
		}
		expr, err := govaluate.NewEvaluableExpressionWithFunctions(cond, expressionFunctions)
		if err != nil {
			return nil, fmt.Errorf("parse expression: %w", err)
		}
		return &Predicate{expr: expr}, nil
	}
	if c.Field == "" {
		return nil, errors.New("condition needs an expression or a field")
	}
	op := strings.ToLower(c.Operator)
	if op == "" {
		op = "eq"
	}
	switch op {
	case "eq", "ne", "contains", "not_contains", "starts_with", "ends_with",
		"gt", "gte", "lt", "lte", "is_set", "is_empty":
	default:
		return nil, fmt.Errorf("unknown operator %q", c.Operator)
	}
	return &Predicate{field: c.Field, operator: op, value: c.Value}, nil
}

// Eval evaluates against params. Variables missing from params evaluate as "".
func (p *Predicate) Eval(params map[string]any) (bool, error) {
	if p.literal != nil {
		return *p.literal, nil
	}
	if p.expr != nil {
		for _, v := range p.expr.Vars() {
			if _, ok := params[v]; !ok {
				params[v] = ""
			}
		}
		result, err := p.expr.Evaluate(params)
		if err != nil {
			return false, err
		}
		b, ok := result.(bool)
		if !ok {
			return false, errors.New("condition did not evaluate to boolean")
		}
		return b, nil
	}
	return p.compare(params[p.field]), nil
}

func (p *Predicate) compare(actual any) bool {
	s := toString(actual)
	switch p.operator {
	case "eq":
		return strings.EqualFold(s, p.value)
	case "ne":
		return !strings.EqualFold(s, p.value)
	case "contains":
		return strings.Contains(strings.ToLower(s), strings.ToLower(p.value))
	case "not_contains":
		return !strings.Contains(strings.ToLower(s), strings.ToLower(p.value))
	case "starts_with":
		return strings.HasPrefix(strings.ToLower(s), strings.ToLower(p.value))
	case "ends_with":
		return strings.HasSuffix(strings.ToLower(s), strings.ToLower(p.value))
	case "is_set":
		return s != ""
	case "is_empty":
		return s == ""
	}
	a, err1 := strconv.ParseFloat(s, 64)
	b, err2 := strconv.ParseFloat(p.value, 64)
	if err1 != nil || err2 != nil {
		return false
	}
	switch p.operator {
	case "gt":
		return a > b
	case "gte":
		return a >= b
	case "lt":
		return a < b
	case "lte":
		return a <= b
	}
	return false
}

// conditionParams exposes collected answers and user facts to conditions.
func conditionParams(state *entity.UserState, user *entity.ConversationUser) map[string]any {
	params := make(map[string]any, len(state.CollectedData)+6)
	for k, v := range state.CollectedData {
		params[k] = normalizeParam(v)
	}
	params["quiz_score"] = float64(state.GetInt(entity.CtxQuizScore))
	if user != nil {
		params["user_locale"] = user.Locale
		params["user_username"] = user.Username
		params["user_subscribed"] = user.IsSubscribed
		params["user_tags"] = strings.Join(user.Tags, ",")
		for k, v := range user.Attributes {
			params["attr_"+k] = normalizeParam(v)
		}
	}
	return params
}

func normalizeParam(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	}
	return v
}

func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	}
	return fmt.Sprint(v)
}

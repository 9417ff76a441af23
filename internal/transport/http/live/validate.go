package livehttp

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// fieldRule 描述请求体中的一个字段约束。
type fieldRule struct {
	path     string
	required bool
	number   bool
	oneOf    []string
}

// checkBody rejects malformed payloads before binding so the error names
// the offending field.
func checkBody(raw []byte, rules ...fieldRule) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("request body is not valid JSON")
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return fmt.Errorf("request body must be a JSON object")
	}
	for _, r := range rules {
		v := doc.Get(r.path)
		if !v.Exists() || v.Type == gjson.Null {
			if r.required {
				return fmt.Errorf("%s is required", r.path)
			}
			continue
		}
		if r.required && v.Type == gjson.String && strings.TrimSpace(v.Str) == "" {
			return fmt.Errorf("%s must not be empty", r.path)
		}
		if r.number {
			if err := checkDecimal(v); err != nil {
				return fmt.Errorf("%s %v", r.path, err)
			}
		}
		if len(r.oneOf) > 0 && !containsFold(r.oneOf, v.String()) {
			return fmt.Errorf("%s must be one of %s", r.path, strings.Join(r.oneOf, "|"))
		}
	}
	return nil
}

// checkDecimal accepts JSON numbers and numeric strings.
func checkDecimal(v gjson.Result) error {
	switch v.Type {
	case gjson.Number:
		return nil
	case gjson.String:
		if _, err := decimal.NewFromString(strings.TrimSpace(v.Str)); err != nil {
			return fmt.Errorf("is not a number")
		}
		return nil
	default:
		return fmt.Errorf("must be a number")
	}
}

func containsFold(list []string, v string) bool {
	v = strings.TrimSpace(v)
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

var (
	intentRules = []fieldRule{
		{path: "intent_id", required: true},
		{path: "account_id", required: true},
		{path: "symbol", required: true},
		{path: "direction", required: true, oneOf: []string{"BUY", "SELL", "LONG", "SHORT"}},
		{path: "quantity", required: true, number: true},
		{path: "order_type", oneOf: []string{"MARKET", "LIMIT"}},
		{path: "limit_price", number: true},
		{path: "outcome", required: true, oneOf: []string{"APPROVED", "REJECTED"}},
	}
	exitRules = []fieldRule{
		{path: "trade_id", required: true},
		{path: "reason", required: true},
		{path: "price", number: true},
		{path: "side", oneOf: []string{"BUY", "SELL", "LONG", "SHORT"}},
	}
	manualExitRules = []fieldRule{
		{path: "price", number: true},
	}
)

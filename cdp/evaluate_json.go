package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// WrapJSON wraps expression so that it evaluates to the JSON encoding of
// its value, or to an empty string if evaluation or encoding throws.
func WrapJSON(expression string) string {
	return "(() => { try { const v = (" + expression + "); return JSON.stringify(v); } catch (e) { return ''; } })()"
}

// EvaluateJSON evaluates expression in the session under key and decodes
// its JSON-encoded value into T. It never fails: a missing session, a
// timeout, a remote exception, an undefined value or a decode error all
// yield fallback.
func EvaluateJSON[T any](ctx context.Context, ev Evaluator, key SessionKey, expression string, fallback T) T {
	v, err := DecodeJSON[T](ctx, ev, key, expression)
	if err != nil {
		return fallback
	}
	return v
}

var errEmptyValue = errors.New("expression produced no JSON value")

// DecodeJSON is EvaluateJSON with the failure reported instead of absorbed.
func DecodeJSON[T any](ctx context.Context, ev Evaluator, key SessionKey, expression string) (T, error) {
	var zero T

	res, err := ev.Evaluate(ctx, key, WrapJSON(expression))
	if err != nil {
		return zero, err
	}
	if res.Threw() {
		return zero, serializationError(key, errors.New(res.ExceptionDetails.Message()))
	}
	if len(res.Result.Value) == 0 {
		return zero, serializationError(key, errEmptyValue)
	}

	var encoded string
	if err := json.Unmarshal(res.Result.Value, &encoded); err != nil {
		return zero, serializationError(key, err)
	}
	if strings.TrimSpace(encoded) == "" {
		return zero, serializationError(key, errEmptyValue)
	}

	var out T
	if err := json.Unmarshal([]byte(encoded), &out); err != nil {
		return zero, serializationError(key, err)
	}
	return out, nil
}

// Exec evaluates expression and discards its value. Only transport level
// failures are returned.
func Exec(ctx context.Context, ev Evaluator, key SessionKey, expression string) error {
	_, err := ev.Evaluate(ctx, key, expression)
	return err
}

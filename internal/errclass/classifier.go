package errclass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"unicode"

	"github.com/openai/openai-go"
)

// Category is the coarse failure class of an error.
type Category string

const (
	CategoryTimeout    Category = "timeout"
	CategoryThrottling Category = "throttling"
	CategoryModel      Category = "model"
	CategoryParsing    Category = "parsing"
	CategoryNetwork    Category = "network"
	CategoryPermission Category = "permission"
	CategoryValidation Category = "validation"
	CategorySystem     Category = "system"
	CategoryUnknown    Category = "unknown"
)

// Severity ranks how bad a failure is. Critical failures are never retried.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Categories lists every category in classification priority order.
var Categories = []Category{
	CategoryTimeout,
	CategoryThrottling,
	CategoryModel,
	CategoryParsing,
	CategoryNetwork,
	CategoryPermission,
	CategoryValidation,
	CategorySystem,
	CategoryUnknown,
}

// ErrTimeout can be wrapped by callers to force timeout classification.
var ErrTimeout = errors.New("operation timed out")

type rule struct {
	category Category
	keywords []string
}

// rules are evaluated in order; the first keyword hit wins.
var rules = []rule{
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded", "deadline"}},
	{CategoryThrottling, []string{"throttl", "rate limit", "ratelimit", "too many requests", "429", "quota", "slow down"}},
	{CategoryModel, []string{"model", "bedrock", "inference", "token limit", "context length", "overloaded", "content filter"}},
	{CategoryParsing, []string{"json", "parse", "parsing", "decode", "unmarshal", "syntax", "invalid character", "unexpected end"}},
	{CategoryNetwork, []string{"network", "connection", "connect", "dial", "dns", "no such host", "eof", "broken pipe", "reset by peer", "unreachable", "tls", "socket"}},
	{CategoryPermission, []string{"permission", "access denied", "accessdenied", "forbidden", "unauthorized", "403", "401", "credential", "not authorized"}},
	{CategoryValidation, []string{"validation", "invalid", "missing required", "required field", "malformed", "bad request", "400"}},
	{CategorySystem, []string{"system", "memory", "out of memory", "disk", "panic", "internal error", "runtime error", "nil pointer"}},
}

var severities = map[Category]Severity{
	CategoryPermission: SeverityCritical,
	CategorySystem:     SeverityCritical,
	CategoryModel:      SeverityHigh,
	CategoryNetwork:    SeverityHigh,
	CategoryTimeout:    SeverityMedium,
	CategoryThrottling: SeverityMedium,
	CategoryParsing:    SeverityLow,
	CategoryValidation: SeverityLow,
	CategoryUnknown:    SeverityMedium,
}

// SeverityOf returns the fixed severity for a category.
func SeverityOf(c Category) Severity {
	if s, ok := severities[c]; ok {
		return s
	}
	return SeverityMedium
}

// Classify maps err to a category and severity. A nil error is unknown.
func Classify(err error) (Category, Severity) {
	c := categorize(err)
	return c, SeverityOf(c)
}

func categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return CategoryParsing
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if c, ok := statusCategory(apiErr.StatusCode); ok {
			return c
		}
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return CategoryNetwork
	}

	haystack := strings.ToLower(err.Error() + " " + typeName(err))
	for _, r := range rules {
		for _, kw := range r.keywords {
			if containsKeyword(haystack, kw) {
				return r.category
			}
		}
	}
	return CategoryUnknown
}

// statusCategory maps a provider HTTP status to a category. Statuses without
// a fixed meaning fall through to keyword matching.
func statusCategory(code int) (Category, bool) {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return CategoryPermission, true
	case code == http.StatusTooManyRequests:
		return CategoryThrottling, true
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return CategoryTimeout, true
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return CategoryValidation, true
	case code >= 500:
		return CategoryModel, true
	}
	return "", false
}

// containsKeyword reports whether kw occurs in s. Numeric keywords such as
// status codes only match as whole numbers.
func containsKeyword(s, kw string) bool {
	if !isNumber(kw) {
		return strings.Contains(s, kw)
	}
	for from := 0; ; {
		i := strings.Index(s[from:], kw)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(kw)
		if !digitAt(s, start-1) && !digitAt(s, end) {
			return true
		}
		from = start + 1
	}
}

func isNumber(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

func digitAt(s string, i int) bool {
	return i >= 0 && i < len(s) && s[i] >= '0' && s[i] <= '9'
}

// typeName returns the dynamic type of the outermost error and, for wrapped
// errors, of the innermost one.
func typeName(err error) string {
	names := fmt.Sprintf("%T", err)
	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	if inner != err {
		names += " " + fmt.Sprintf("%T", inner)
	}
	return names
}

// ShouldRetry reports whether another attempt is allowed after attempt
// attempts have been made.
func ShouldRetry(c Category, s Severity, attempt, maxAttempts int) bool {
	if attempt >= maxAttempts {
		return false
	}
	if s == SeverityCritical {
		return false
	}
	if c == CategoryPermission {
		return false
	}
	return true
}

package http

import (
	"bytes"
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	apperrors "github.com/spec-kit/security-gateway/pkg/util/errorutil"
)

// DefaultScreenExemptFields are JSON keys never screened or rewritten.
var DefaultScreenExemptFields = []string{"password", "currentPassword", "newPassword", "refreshToken"}

var sqlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bunion\b(\s+all)?\s+select\b`),
	regexp.MustCompile(`(?i)\bselect\b[\s\S]+\bfrom\b`),
	regexp.MustCompile(`(?i)\binsert\s+into\b`),
	regexp.MustCompile(`(?i)\bupdate\s+\w+\s+set\b`),
	regexp.MustCompile(`(?i)\bdelete\s+from\b`),
	regexp.MustCompile(`(?i)\b(drop|alter|truncate|create)\s+(table|database|schema|index|view)\b`),
	regexp.MustCompile(`(?i)\b(exec|execute)\s*\(|\bxp_cmdshell\b`),
	regexp.MustCompile(`(?i)\b(sleep|benchmark|pg_sleep)\s*\(|\bwaitfor\s+delay\b`),
	regexp.MustCompile(`(?i)\binformation_schema\b`),
	regexp.MustCompile(`(?i)'\s*(or|and)\s+'?\w+'?\s*=\s*'?\w+`),
	regexp.MustCompile(`(?i)\bor\s+1\s*=\s*1\b`),
	regexp.MustCompile(`--|/\*|\*/`),
	regexp.MustCompile(`(?i);\s*(select|insert|update|delete|drop|alter|create|truncate|exec|shutdown)\b`),
}

// LooksLikeSQLInjection reports whether s matches any screened pattern.
func LooksLikeSQLInjection(s string) bool {
	for _, re := range sqlPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

type leafVisitor func(location, key, value string) bool

// walkJSON calls visit for every string leaf, stopping when visit returns false.
func walkJSON(value gjson.Result, location, key string, visit leafVisitor) bool {
	switch {
	case value.IsObject():
		cont := true
		value.ForEach(func(k, v gjson.Result) bool {
			cont = walkJSON(v, location+"."+k.String(), k.String(), visit)
			return cont
		})
		return cont
	case value.IsArray():
		cont := true
		i := 0
		value.ForEach(func(_, v gjson.Result) bool {
			cont = walkJSON(v, location+"["+strconv.Itoa(i)+"]", key, visit)
			i++
			return cont
		})
		return cont
	case value.Type == gjson.String:
		return visit(location, key, value.String())
	}
	return true
}

func isJSONBody(c *fiber.Ctx) bool {
	ct := strings.ToLower(c.Get(fiber.HeaderContentType))
	return strings.HasPrefix(ct, fiber.MIMEApplicationJSON) || strings.HasSuffix(strings.SplitN(ct, ";", 2)[0], "+json")
}

func isFormBody(c *fiber.Ctx) bool {
	ct := strings.ToLower(c.Get(fiber.HeaderContentType))
	return strings.HasPrefix(ct, fiber.MIMEApplicationForm)
}

func exemptSet(fields []string) map[string]struct{} {
	if fields == nil {
		fields = DefaultScreenExemptFields
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// SQLScreen rejects requests whose path segments, query values, form values
// or JSON string leaves look like SQL injection. In hardened mode only the location
// of the match is logged.
func SQLScreen(logger *zap.Logger, hardened bool, exempt []string) fiber.Handler {
	skip := exemptSet(exempt)
	return func(c *fiber.Ctx) error {
		var violations []apperrors.FieldViolation
		record := func(location, value string) {
			violations = append(violations, apperrors.FieldViolation{Field: location, Reason: "contains a disallowed pattern"})
			fields := []zap.Field{zap.String("location", location), zap.String("route", c.Route().Path)}
			if !hardened {
				fields = append(fields, zap.String("path", c.Path()), zap.String("value", preview(value)))
			}
			logger.Warn("request rejected by sql screen", fields...)
		}

		for i, segment := range strings.Split(c.Path(), "/") {
			if segment == "" {
				continue
			}
			decoded, err := url.PathUnescape(segment)
			if err != nil {
				decoded = segment
			}
			if LooksLikeSQLInjection(decoded) {
				record("path["+strconv.Itoa(i)+"]", decoded)
			}
		}

		c.Request().URI().QueryArgs().VisitAll(func(k, v []byte) {
			key := string(k)
			if _, ok := skip[key]; ok {
				return
			}
			if value := string(v); LooksLikeSQLInjection(value) {
				record("query."+key, value)
			}
		})

		if body := c.Body(); len(body) > 0 && isJSONBody(c) && gjson.ValidBytes(body) {
			walkJSON(gjson.ParseBytes(body), "body", "", func(location, key, value string) bool {
				if _, ok := skip[key]; ok {
					return true
				}
				if LooksLikeSQLInjection(value) {
					record(location, value)
				}
				return true
			})
		}

		if isFormBody(c) {
			c.Request().PostArgs().VisitAll(func(k, v []byte) {
				key := string(k)
				if _, ok := skip[key]; ok {
					return
				}
				if value := string(v); LooksLikeSQLInjection(value) {
					record("form."+key, value)
				}
			})
		}

		if len(violations) > 0 {
			return apperrors.NewViolations("request contains disallowed input", violations)
		}
		return c.Next()
	}
}

var markupEscaper = strings.NewReplacer(
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
	"/", "&#x2F;",
)

// EscapeMarkup replaces markup-significant characters with entities.
func EscapeMarkup(s string) string {
	return markupEscaper.Replace(s)
}

// EscapeFilter rewrites every JSON string leaf of the request body with
// markup characters entity-encoded. Exempt keys are left untouched.
func EscapeFilter(exempt []string) fiber.Handler {
	skip := exemptSet(exempt)
	return func(c *fiber.Ctx) error {
		body := c.Body()
		if len(body) == 0 || !isJSONBody(c) || !gjson.ValidBytes(body) {
			return c.Next()
		}
		var buf bytes.Buffer
		buf.Grow(len(body))
		if err := rewriteJSON(&buf, gjson.ParseBytes(body), "", skip); err != nil {
			return apperrors.NewValidationError("invalid payload", nil)
		}
		c.Request().SetBody(buf.Bytes())
		return c.Next()
	}
}

func rewriteJSON(buf *bytes.Buffer, value gjson.Result, key string, skip map[string]struct{}) error {
	var err error
	switch {
	case value.IsObject():
		buf.WriteByte('{')
		first := true
		value.ForEach(func(k, v gjson.Result) bool {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			buf.WriteString(k.Raw)
			buf.WriteByte(':')
			err = rewriteJSON(buf, v, k.String(), skip)
			return err == nil
		})
		buf.WriteByte('}')
	case value.IsArray():
		buf.WriteByte('[')
		first := true
		value.ForEach(func(_, v gjson.Result) bool {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			err = rewriteJSON(buf, v, key, skip)
			return err == nil
		})
		buf.WriteByte(']')
	case value.Type == gjson.String:
		if _, ok := skip[key]; ok {
			buf.WriteString(value.Raw)
			return nil
		}
		return writeJSONString(buf, EscapeMarkup(value.String()))
	default:
		buf.WriteString(value.Raw)
	}
	return err
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encode appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

func preview(s string) string {
	const limit = 64
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

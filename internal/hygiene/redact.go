package hygiene

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

const (
	redactedMask    = "***"
	redactedValue   = "[REDACTED]"
	visiblePrefixes = 3
)

// sensitiveKeys are matched against normalized keys (lower-case, no '_' or '-').
var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"passwd":        {},
	"newpassword":   {},
	"oldpassword":   {},
	"token":         {},
	"accesstoken":   {},
	"refreshtoken":  {},
	"idtoken":       {},
	"sessiontoken":  {},
	"ssn":           {},
	"nationalid":    {},
	"creditcard":    {},
	"cardnumber":    {},
	"cvv":           {},
	"apikey":        {},
	"secret":        {},
	"clientsecret":  {},
	"otp":           {},
	"otpcode":       {},
	"code":          {},
	"pin":           {},
	"mpin":          {},
	"salary":        {},
	"bankaccount":   {},
	"iban":          {},
	"authorization": {},
	"cookie":        {},
	"privatekey":    {},
}

var sensitiveSuffixes = []string{"password", "token", "secret", "apikey", "privatekey"}

var identifierKeys = map[string]struct{}{
	"email":       {},
	"phone":       {},
	"phonenumber": {},
	"mobile":      {},
	"ip":          {},
	"ipaddress":   {},
	"userid":      {},
	"employeeid":  {},
	"identifier":  {},
	"recipient":   {},
}

// RedactIdentifier keeps at most the first three characters of an identifier,
// after dropping any "::scope" suffix and "@domain" part.
func RedactIdentifier(identifier string) string {
	local := identifier
	if i := strings.Index(local, ScopeSeparator); i >= 0 {
		local = local[:i]
	}
	if i := strings.IndexByte(local, '@'); i >= 0 {
		local = local[:i]
	}
	local = strings.TrimSpace(local)

	runes := []rune(local)
	if len(runes) <= visiblePrefixes {
		return redactedMask
	}
	prefix := runes[:visiblePrefixes]
	for _, r := range prefix {
		if r == ':' {
			return redactedMask
		}
	}
	return string(prefix) + redactedMask
}

// RedactMetadata returns a copy of metadata with sensitive values masked.
// Nested maps of any string-keyed type, slices and structs are walked.
func RedactMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		norm := normalizeKey(key)
		switch {
		case isSensitiveKey(norm):
			out[key] = redactedValue
		case isIdentifierKey(norm):
			out[key] = redactIdentifierValue(value)
		default:
			out[key] = redactValue(value)
		}
	}
	return out
}

func redactValue(value any) any {
	switch v := value.(type) {
	case nil, string, []string, bool, int, int32, int64, uint, uint32, uint64, float32, float64, time.Time, time.Duration:
		return value
	case error:
		return v.Error()
	case map[string]any:
		return RedactMetadata(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return redactEncoded(value)
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return RedactMetadata(out)
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return value
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = redactValue(rv.Index(i).Interface())
		}
		return out
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return redactValue(rv.Elem().Interface())
	case reflect.Struct:
		return redactEncoded(value)
	default:
		return value
	}
}

// redactEncoded walks the JSON form of value, so struct fields are matched by
// their JSON names. Values that cannot be encoded are masked whole.
func redactEncoded(value any) any {
	raw, err := json.Marshal(value)
	if err != nil {
		return redactedValue
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return redactedValue
	}
	return redactValue(decoded)
}

func redactIdentifierValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return RedactIdentifier(v)
	case []string:
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = RedactIdentifier(s)
		}
		return out
	default:
		return RedactIdentifier(fmt.Sprint(v))
	}
}

func normalizeKey(key string) string {
	key = strings.ToLower(key)
	key = strings.ReplaceAll(key, "_", "")
	return strings.ReplaceAll(key, "-", "")
}

func isSensitiveKey(norm string) bool {
	if _, ok := sensitiveKeys[norm]; ok {
		return true
	}
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(norm, suffix) {
			return true
		}
	}
	return false
}

func isIdentifierKey(norm string) bool {
	_, ok := identifierKeys[norm]
	return ok
}

package secrets

import (
	"fmt"
	"math/rand"
	"regexp"
	"time"

	"github.com/taskplane/taskplane/internal/domain"
)

// varRef matches $NAME and ${NAME} references inside string values.
var varRef = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}|\$([A-Za-z0-9_]+)`)

// System returns the per-resolution synthetic variables. A fresh map is
// built every call so each task submission sees fresh values.
func System() map[string]string {
	return map[string]string{
		"__NOW_TS10__":     fmt.Sprintf("%d", time.Now().UnixMilli()),
		"__RANDOM_16BIT__": fmt.Sprintf("%d", rand.Intn(1<<15)),
		"__SUUID_9__":      domain.ShortID(9),
	}
}

// Resolve walks a JSON document and substitutes variable references in every
// string leaf. Unknown references are left literal, so a payload containing
// shell-style text that merely looks like a reference survives untouched.
// Resolution does not recurse into substituted values.
func Resolve(doc domain.Document, vars map[string]string) domain.Document {
	out, _ := resolveValue(doc, vars).(domain.Document)
	return out
}

// ResolveString substitutes variable references in a single string.
func ResolveString(s string, vars map[string]string) string {
	return varRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := varRef.FindStringSubmatch(ref)
		name := m[1]
		if name == "" {
			name = m[2]
		}
		if v, ok := vars[name]; ok {
			return v
		}
		return ref
	})
}

func resolveValue(v any, vars map[string]string) any {
	switch val := v.(type) {
	case string:
		return ResolveString(val, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = resolveValue(inner, vars)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = resolveValue(inner, vars)
		}
		return out
	default:
		return v
	}
}

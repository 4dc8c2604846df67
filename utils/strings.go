package utils

import (
	"fmt"
	"strings"
)

func InString(hay []string, needle string) bool {
	for _, x := range hay {
		if x == needle {
			return true
		}
	}
	return false
}

func Elide(in string, length int) string {
	if len(in) < length {
		return in
	}
	return in[:length] + "..."
}

func ToString(x interface{}) string {
	switch t := x.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Remove duplicates while keeping the original order.
func Uniquify(in []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(in))
	for _, i := range in {
		i = strings.TrimSpace(i)
		if i == "" || seen[i] {
			continue
		}
		seen[i] = true
		result = append(result, i)
	}
	return result
}

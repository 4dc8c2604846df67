package paths

import (
	"fmt"
	"strconv"
	"strings"
)

// A path into the datastore. Each component is a separate level of
// the hierarchy. Components are escaped when serialized so they may
// contain any characters.
type DSPathSpec struct {
	components []string
}

func NewDSPathSpec(components ...string) DSPathSpec {
	return DSPathSpec{components: append([]string{}, components...)}
}

func (self DSPathSpec) Components() []string {
	return append([]string{}, self.components...)
}

func (self DSPathSpec) AddChild(child ...string) DSPathSpec {
	result := make([]string, 0, len(self.components)+len(child))
	result = append(result, self.components...)
	result = append(result, child...)
	return DSPathSpec{components: result}
}

func (self DSPathSpec) Dir() DSPathSpec {
	if len(self.components) == 0 {
		return self
	}
	return NewDSPathSpec(self.components[:len(self.components)-1]...)
}

func (self DSPathSpec) Base() string {
	if len(self.components) == 0 {
		return ""
	}
	return self.components[len(self.components)-1]
}

func (self DSPathSpec) IsRoot() bool {
	return len(self.components) == 0
}

// The escaped form used as the datastore key. The root is "/".
func (self DSPathSpec) String() string {
	if len(self.components) == 0 {
		return "/"
	}

	result := make([]string, 0, len(self.components))
	for _, c := range self.components {
		result = append(result, SanitizeComponent(c))
	}
	return "/" + strings.Join(result, "/")
}

func (self DSPathSpec) Equal(other DSPathSpec) bool {
	return self.String() == other.String()
}

// Parse the escaped string form back into a path spec.
func ParseDSPathSpec(path string) DSPathSpec {
	result := []string{}
	for _, c := range strings.Split(path, "/") {
		if c == "" {
			continue
		}
		result = append(result, UnsanitizeComponent(c))
	}
	return DSPathSpec{components: result}
}

func isSafe(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '_' || c == '-' || c == '.' || c == ':' || c == ' '
}

// Components that would be special in a path are prefixed with an
// escaped dot.
func SanitizeComponent(component string) string {
	switch component {
	case "", ".", "..":
		return "%2E" + component
	}

	var b strings.Builder
	for i := 0; i < len(component); i++ {
		c := component[i]
		if isSafe(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func UnsanitizeComponent(component string) string {
	switch component {
	case "%2E", "%2E.", "%2E..":
		return component[3:]
	}

	var b strings.Builder
	for i := 0; i < len(component); i++ {
		c := component[i]
		if c == '%' && i+2 < len(component) {
			value, err := strconv.ParseUint(component[i+1:i+3], 16, 8)
			if err == nil {
				b.WriteByte(byte(value))
				i += 2
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

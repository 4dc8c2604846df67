package logging

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	colors = map[string]string{
		"red":     "\033[31m",
		"green":   "\033[32m",
		"yellow":  "\033[33m",
		"blue":    "\033[34m",
		"magenta": "\033[35m",
		"cyan":    "\033[36m",
	}
	color_reset = "\033[0m"
)

type Formatter struct {
	component string
	no_color  bool
}

func (self *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := &bytes.Buffer{}

	levelText := strings.ToUpper(entry.Level.String())
	fmt.Fprintf(b, "[%s] %v %s ", levelText,
		entry.Time.UTC().Format(time.RFC3339),
		strings.TrimRight(entry.Message, "\r\n"))

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			fmt.Fprintf(b, "%s=%v ", k, entry.Data[k])
		}
	}

	line := strings.TrimRight(b.String(), " ") + "\n"
	if self.no_color {
		return []byte(clearTag(line)), nil
	}
	return []byte(colorize(line)), nil
}

// Replace <color> tags with terminal escapes.
func colorize(line string) string {
	line = tag_regex.ReplaceAllStringFunc(line, func(tag string) string {
		code, pres := colors[strings.Trim(tag, "<>")]
		if !pres {
			return ""
		}
		return code
	})
	return closing_tag_regex.ReplaceAllString(line, color_reset)
}

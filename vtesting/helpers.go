/* An internal package with test utilities.
 */

package vtesting

import (
	"regexp"
	"runtime/debug"
	"strings"
	"testing"
	"time"

	"www.velocidex.com/golang/velofleet/logging"
)

func ContainsString(expected string, watched []string) bool {
	for _, line := range watched {
		if strings.Contains(line, expected) {
			return true
		}
	}
	return false
}

func WaitUntil(deadline time.Duration, t *testing.T, cb func() bool) {
	end_time := time.Now().Add(deadline)

	for end_time.After(time.Now()) {
		ok := cb()
		if ok {
			return
		}

		time.Sleep(50 * time.Millisecond)
	}

	t.Fatalf("Timed out " + string(debug.Stack()))
}

func MemoryLogsContain(t *testing.T, regex string, msgAndArgs ...interface{}) {
	t.Helper()

	re := regexp.MustCompile(regex)
	for _, line := range logging.GetMemoryLogs() {
		if re.MatchString(line) {
			return
		}
	}
	t.Errorf("Unable to find '%v' in memory logs %v", regex, msgAndArgs)
}

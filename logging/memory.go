package logging

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Keeps the last few log lines in memory so tests can inspect them.
type MemoryLogs struct {
	mu    sync.Mutex
	size  int
	lines []string
}

func NewMemoryLogs(size int) *MemoryLogs {
	return &MemoryLogs{size: size}
}

func (self *MemoryLogs) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (self *MemoryLogs) Fire(entry *logrus.Entry) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	line := fmt.Sprintf("%s: %s", strings.ToUpper(entry.Level.String()),
		clearTag(entry.Message))
	self.lines = append(self.lines, line)
	if len(self.lines) > self.size {
		self.lines = self.lines[len(self.lines)-self.size:]
	}
	return nil
}

func GetMemoryLogs() []string {
	memory_logs.mu.Lock()
	defer memory_logs.mu.Unlock()

	return append([]string{}, memory_logs.lines...)
}

func ClearMemoryLogs() {
	memory_logs.mu.Lock()
	defer memory_logs.mu.Unlock()

	memory_logs.lines = nil
}

package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"www.velocidex.com/golang/velofleet/config"
)

func TestMemoryLogs(t *testing.T) {
	ClearMemoryLogs()

	config_obj := config.GetDefaultConfig()
	logger := GetLogger(config_obj, &ToolComponent)
	logger.Info("<green>Starting</> worker %v", 1)

	logs := GetMemoryLogs()
	assert.Contains(t, logs, "INFO: Starting worker 1")
}

func TestFormatter(t *testing.T) {
	formatter := &Formatter{no_color: true}
	entry := &logrus.Entry{
		Level:   logrus.WarnLevel,
		Message: "<red>Lease</> held",
		Data:    logrus.Fields{"b": 2, "a": 1},
	}
	out, err := formatter.Format(entry)
	assert.NoError(t, err)
	assert.Contains(t, string(out), "[WARNING]")
	assert.Contains(t, string(out), "Lease held a=1 b=2\n")

	assert.Equal(t, "\033[31mx\033[0m", colorize("<red>x</>"))
}

package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	rotatelogs "github.com/Velocidex/file-rotatelogs"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"www.velocidex.com/golang/velofleet/config"
)

var (
	GenericComponent     = "VeloFleet"
	FrontendComponent    = "VeloFleetFrontend"
	FlowRunnerComponent  = "VeloFleetFlowRunner"
	HuntRunnerComponent  = "VeloFleetHuntRunner"
	WorkerComponent      = "VeloFleetWorker"
	ForemanComponent     = "VeloFleetForeman"
	CollectionsComponent = "VeloFleetCollections"
	ToolComponent        = "VeloFleetTool"

	// Used for tests.
	memory_logs = NewMemoryLogs(1000)

	Manager = &LogManager{
		contexts: make(map[*string]*LogContext),
	}

	tag_regex         = regexp.MustCompile("<[a-z_0-9]+>")
	closing_tag_regex = regexp.MustCompile("</>")
)

type LogContext struct {
	*logrus.Logger
}

func (self *LogContext) Debug(format string, v ...interface{}) {
	self.Logger.Debug(fmt.Sprintf(format, v...))
}

func (self *LogContext) Info(format string, v ...interface{}) {
	self.Logger.Info(fmt.Sprintf(format, v...))
}

func (self *LogContext) Warn(format string, v ...interface{}) {
	self.Logger.Warn(fmt.Sprintf(format, v...))
}

func (self *LogContext) Error(format string, v ...interface{}) {
	self.Logger.Error(fmt.Sprintf(format, v...))
}

type LogManager struct {
	mu       sync.Mutex
	contexts map[*string]*LogContext
}

func (self *LogManager) GetLogger(
	config_obj *config.Config, component *string) *LogContext {
	self.mu.Lock()
	defer self.mu.Unlock()

	ctx, pres := self.contexts[component]
	if pres {
		return ctx
	}

	ctx = self.makeNewComponent(config_obj, component)
	self.contexts[component] = ctx
	return ctx
}

func (self *LogManager) makeNewComponent(
	config_obj *config.Config, component *string) *LogContext {
	logger := logrus.New()
	logger.Out = io.Discard
	logger.Level = logrus.InfoLevel

	no_color := true
	if config_obj != nil && config_obj.Logging != nil {
		if config_obj.Logging.Debug {
			logger.Level = logrus.DebugLevel
		}
		no_color = config_obj.Logging.NoColor
	}

	stderr_map := lfshook.WriterMap{
		logrus.DebugLevel: os.Stderr,
		logrus.InfoLevel:  os.Stderr,
		logrus.WarnLevel:  os.Stderr,
		logrus.ErrorLevel: os.Stderr,
		logrus.FatalLevel: os.Stderr,
		logrus.PanicLevel: os.Stderr,
	}
	logger.Hooks.Add(lfshook.NewHook(stderr_map, &Formatter{
		component: *component,
		no_color:  no_color,
	}))
	logger.Hooks.Add(memory_logs)

	if config_obj != nil && config_obj.Logging != nil &&
		config_obj.Logging.OutputDirectory != "" {
		writer, err := getRotator(config_obj, component)
		if err == nil {
			file_map := lfshook.WriterMap{
				logrus.DebugLevel: writer,
				logrus.InfoLevel:  writer,
				logrus.WarnLevel:  writer,
				logrus.ErrorLevel: writer,
				logrus.FatalLevel: writer,
				logrus.PanicLevel: writer,
			}
			logger.Hooks.Add(lfshook.NewHook(file_map, &logrus.JSONFormatter{
				DisableHTMLEscape: true,
			}))
		}
	}

	return &LogContext{logger}
}

func getRotator(
	config_obj *config.Config, component *string) (io.Writer, error) {
	name := "velofleet"
	if config_obj.Logging.SeparateLogsPerComponent {
		name = *component
	}

	base_path := filepath.Join(config_obj.Logging.OutputDirectory, name)
	return rotatelogs.New(
		base_path+".%Y%m%d.log",
		rotatelogs.WithLinkName(base_path+".log"),
		rotatelogs.WithRotationTime(
			time.Duration(config_obj.Logging.RotationTimeSec)*time.Second),
		rotatelogs.WithMaxAge(
			time.Duration(config_obj.Logging.MaxAgeSec)*time.Second))
}

func GetLogger(config_obj *config.Config, component *string) *LogContext {
	return Manager.GetLogger(config_obj, component)
}

func clearTag(message string) string {
	message = tag_regex.ReplaceAllString(message, "")
	return closing_tag_regex.ReplaceAllString(message, "")
}

package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLogger(t *testing.T) {
	Convey("Given the Logger package", t, func() {
		var console bytes.Buffer

		Convey("When creating a logger with console output only", func() {
			logger, err := New(Options{Name: "custos", Level: "info", Console: &console})

			Convey("It should write named entries to the console", func() {
				So(err, ShouldBeNil)

				logger.Infof("[job] Backup started, run %s", "r1")
				So(console.String(), ShouldContainSubstring, "INFO")
				So(console.String(), ShouldContainSubstring, "custos")
				So(console.String(), ShouldContainSubstring, "[job] Backup started, run r1")
			})

			Convey("It should drop entries below the level", func() {
				logger.Debugf("hidden %d", 1)
				So(console.String(), ShouldBeEmpty)
			})

			Convey("It should prefix child loggers", func() {
				logger.Named("admin").Infof("listening")
				So(console.String(), ShouldContainSubstring, "custos.admin")
			})
		})

		Convey("When creating a logger with a log file", func() {
			logFile := filepath.Join(t.TempDir(), "logs", "custos.log")
			logger, err := New(Options{Level: "debug", File: logFile, Console: &console})
			So(err, ShouldBeNil)

			logger.Debugf("debug entry")
			logger.Close()

			Convey("It should write JSON lines to the file", func() {
				content, err := os.ReadFile(logFile)
				So(err, ShouldBeNil)
				So(string(content), ShouldContainSubstring, `"msg":"debug entry"`)
				So(string(content), ShouldContainSubstring, `"level":"DEBUG"`)
			})
		})

		Convey("When creating a logger with an invalid log level", func() {
			logger, err := New(Options{Level: "invalid", Console: &console})

			Convey("It should default to Info level", func() {
				So(err, ShouldBeNil)
				logger.Debugf("debug entry")
				logger.Infof("info entry")
				So(console.String(), ShouldNotContainSubstring, "debug entry")
				So(console.String(), ShouldContainSubstring, "info entry")
			})
		})

		Convey("When the log directory cannot be created", func() {
			blocker := filepath.Join(t.TempDir(), "file")
			So(os.WriteFile(blocker, []byte("x"), 0644), ShouldBeNil)

			logger, err := New(Options{Level: "info", File: filepath.Join(blocker, "custos.log")})

			Convey("It should return an error", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "failed to create log directory")
				So(logger, ShouldBeNil)
			})
		})
	})
}

// Command armhook installs hooks and assembly patches into ARM and Thumb
// binaries.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/pgaskin/armhook/patchfile"
	"github.com/pgaskin/armhook/patchlib"
	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"
)

var version = "unknown"

var rootCmd = &cobra.Command{
	Use:     "armhook",
	Short:   "Install hooks and patches into ARM binaries",
	Long:    "armhook diverts execution from addresses in ARM, Thumb-2, and Thumb binaries into injected code, relocating the displaced instructions into free space.",
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setLogger(newLogger(os.Stderr, env.Str("ARMHOOK_LOG_LEVEL", "info")), nil)
	},
	SilenceUsage: true,
}

func main() {
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}

// logger wraps a logger and the writer it should close.
type logger struct {
	*log.Logger
	closer io.Closer
}

func (l *logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

func newLogger(w io.Writer, level string) *logger {
	lg := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})
	switch level {
	case "debug":
		lg.SetLevel(log.DebugLevel)
	case "warn":
		lg.SetLevel(log.WarnLevel)
	case "error":
		lg.SetLevel(log.ErrorLevel)
	default:
		lg.SetLevel(log.InfoLevel)
	}
	var closer io.Closer
	if c, ok := w.(io.Closer); ok && w != os.Stderr && w != os.Stdout {
		closer = c
	}
	return &logger{
		Logger: lg.WithPrefix("armhook"),
		closer: closer,
	}
}

var (
	logOut  = newLogger(os.Stderr, "info") // for the user
	logFile *logger                        // everything, if a log file is configured
)

// setLogger sets the loggers and points the library loggers at them.
// Library messages are debug output.
func setLogger(out, file *logger) {
	logOut, logFile = out, file
	lib := func(format string, a ...interface{}) {
		logOut.Debugf(format, a...)
		if logFile != nil {
			logFile.Debugf(format, a...)
		}
	}
	patchfile.Log = lib
	patchlib.Log = lib
}

// infof logs to both the user and the log file.
func infof(format string, a ...interface{}) {
	logOut.Infof(format, a...)
	if logFile != nil {
		logFile.Infof(format, a...)
	}
}

// openLogFile starts logging everything to a file, truncating it.
func openLogFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	setLogger(logOut, newLogger(f, "debug"))
	return nil
}

// closeLogFile writes err to the log file, if one is open, then closes it.
func closeLogFile(err error) {
	if logFile == nil {
		return
	}
	if err != nil {
		logFile.Errorf("Fatal: %v", err)
	}
	logFile.Close()
	setLogger(logOut, nil)
}

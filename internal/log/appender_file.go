package log

import "gopkg.in/natefinch/lumberjack.v2"

// FileAppenderOpt configures the rotating simulator log file. Sizes are in
// megabytes and ages in days, as lumberjack counts them.
type FileAppenderOpt struct {
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AddFileAppender attaches a size-rotated log file next to the console output.
func (m *MultiWriter) AddFileAppender(o FileAppenderOpt) *MultiWriter {
	return m.Add(&lumberjack.Logger{
		Filename:   o.Filename,
		MaxSize:    o.MaxSize,
		MaxBackups: o.MaxBackups,
		MaxAge:     o.MaxAge,
		Compress:   o.Compress,
	})
}

package docpipe

import "log/slog"

// Config configures the document pipeline.
type Config struct {
	// CSVDelimiter separates CSV fields (default: ',').
	CSVDelimiter rune `json:"csv_delimiter" yaml:"csv_delimiter"`

	// Logger for debug/error messages.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.CSVDelimiter == 0 {
		c.CSVDelimiter = ','
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

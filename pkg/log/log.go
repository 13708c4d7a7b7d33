package log

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lestrrat-go/file-rotatelogs"
	"github.com/pkg/errors"
)

const (
	defaultPattern = "observer-%Y-%m-%d.log"
	timeLayout     = "2006-01-02 15:04:05.000000"
)

var levelNames = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Config holds logging configuration
type Config struct {
	Path           string `toml:"path"`
	RotationTime   string `toml:"rotation_time"`
	MaxAge         string `toml:"max_age"`
	DefaultPattern string `toml:"default_pattern"`
	Level          string `toml:"level"`
	Format         string `toml:"format"` // text or json
}

// Validate checks logging configuration
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.Path) == "" {
		return errors.New("path is required")
	}
	if _, _, err := cfg.rotation(); err != nil {
		return err
	}
	if _, ok := levelNames[strings.ToLower(cfg.Level)]; !ok {
		return errors.Errorf("invalid level: %s", cfg.Level)
	}
	switch strings.ToLower(cfg.Format) {
	case "text", "json":
	default:
		return errors.Errorf("invalid format: %s", cfg.Format)
	}
	return nil
}

// rotation parses the two rotation durations together.
func (cfg *Config) rotation() (rotate, keep time.Duration, err error) {
	rotate, err = time.ParseDuration(cfg.RotationTime)
	if err != nil {
		return 0, 0, errors.WithMessage(err, "rotation_time is invalid")
	}
	keep, err = time.ParseDuration(cfg.MaxAge)
	if err != nil {
		return 0, 0, errors.WithMessage(err, "max_age is invalid")
	}
	return rotate, keep, nil
}

func (cfg *Config) level() slog.Level {
	if lvl, ok := levelNames[strings.ToLower(cfg.Level)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// fileWriter opens the rotating log sink under cfg.Path.
func (cfg *Config) fileWriter() (io.Writer, error) {
	rotate, keep, err := cfg.rotation()
	if err != nil {
		return nil, err
	}

	pattern := cfg.DefaultPattern
	if pattern == "" {
		pattern = defaultPattern
	}

	w, err := rotatelogs.New(
		filepath.Join(cfg.Path, pattern),
		rotatelogs.WithRotationTime(rotate),
		rotatelogs.WithMaxAge(keep),
	)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to open rotating log file")
	}
	return w, nil
}

// microsecondTime rewrites the time attribute to a fixed-width layout so
// log lines from different handlers stay aligned.
func microsecondTime(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.TimeKey {
		return a
	}
	if t, ok := a.Value.Any().(time.Time); ok {
		return slog.String(a.Key, t.Format(timeLayout))
	}
	return a
}

// Init installs the process-wide logger: stdout plus a rotating file, text
// or json per config.
func Init(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	file, err := cfg.fileWriter()
	if err != nil {
		return err
	}

	sink := io.MultiWriter(os.Stdout, file)
	opts := &slog.HandlerOptions{
		Level:       cfg.level(),
		ReplaceAttr: microsecondTime,
	}

	var handler slog.Handler = slog.NewTextHandler(sink, opts)
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(sink, opts)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Logger returns a logger carrying a module field
func Logger(module string) *slog.Logger {
	return slog.Default().With("module", module)
}

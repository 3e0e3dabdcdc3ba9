// Package obslog wraps zerolog so call sites never import it directly: a
// Logger/Event pair mirrors zerolog's chained-field API, package-level
// Debug/Info/Warn/Error/Fatal delegate to a swappable DefaultLogger, and
// ParseLevel wires the LOG_LEVEL configuration key to zerolog's level
// filter. It has no With()-context chains and no Trace/Panic/no-level
// events, and adds two domain-specific field helpers, ContentID and
// PartNumber, for the upload and part identifiers. Not every helper here has
// a caller in this module: PartNumber, Float64, Bool, Time, Interface,
// Uint64, Uint32, Strs, Msgf, Send and Enabled are currently unused.
package obslog

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Logger is a wrapper around zerolog.Logger that provides the same functionality
// without exposing zerolog directly.
type Logger struct {
	zl zerolog.Logger
}

// Event is a wrapper around zerolog.Event that provides the same functionality
// without exposing zerolog directly.
type Event struct {
	ze *zerolog.Event
}

var (
	// DefaultLogger is the default logger used by the package-level functions.
	DefaultLogger = Logger{zl: zlog.Logger}
)

// SetGlobalLevel sets the global log level.
func SetGlobalLevel(level Level) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Level represents a log level.
type Level int8

// Log levels.
const (
	DebugLevel Level = Level(zerolog.DebugLevel)
	InfoLevel  Level = Level(zerolog.InfoLevel)
	WarnLevel  Level = Level(zerolog.WarnLevel)
	ErrorLevel Level = Level(zerolog.ErrorLevel)
	FatalLevel Level = Level(zerolog.FatalLevel)
)

// ParseLevel parses a level string into a Level.
// It returns an error if the level string is invalid.
func ParseLevel(levelStr string) (Level, error) {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		return Level(0), fmt.Errorf("invalid log level %q: %w", levelStr, err)
	}
	return Level(level), nil
}

// String returns the string representation of the log level.
func (l Level) String() string {
	return zerolog.Level(l).String()
}

// New creates a new Logger with the given writer.
func New(w io.Writer) Logger {
	return Logger{zl: zerolog.New(w)}
}

// NewConsoleWriter creates a new console writer.
func NewConsoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
}

// Debug starts a new message with debug level.
func (l Logger) Debug() Event {
	return Event{ze: l.zl.Debug()}
}

// Info starts a new message with info level.
func (l Logger) Info() Event {
	return Event{ze: l.zl.Info()}
}

// Warn starts a new message with warn level.
func (l Logger) Warn() Event {
	return Event{ze: l.zl.Warn()}
}

// Error starts a new message with error level.
func (l Logger) Error() Event {
	return Event{ze: l.zl.Error()}
}

// Fatal starts a new message with fatal level.
func (l Logger) Fatal() Event {
	return Event{ze: l.zl.Fatal()}
}

// Str adds a string field to the event.
func (e Event) Str(key, val string) Event {
	return Event{ze: e.ze.Str(key, val)}
}

// Int adds an int field to the event.
func (e Event) Int(key string, val int) Event {
	return Event{ze: e.ze.Int(key, val)}
}

// Int64 adds an int64 field to the event.
func (e Event) Int64(key string, val int64) Event {
	return Event{ze: e.ze.Int64(key, val)}
}

// Float64 adds a float64 field to the event.
func (e Event) Float64(key string, val float64) Event {
	return Event{ze: e.ze.Float64(key, val)}
}

// Bool adds a bool field to the event.
func (e Event) Bool(key string, val bool) Event {
	return Event{ze: e.ze.Bool(key, val)}
}

// Err adds an error field to the event.
func (e Event) Err(err error) Event {
	return Event{ze: e.ze.Err(err)}
}

// Dur adds a duration field to the event.
func (e Event) Dur(key string, val time.Duration) Event {
	return Event{ze: e.ze.Dur(key, val)}
}

// Time adds a time field to the event.
func (e Event) Time(key string, val time.Time) Event {
	return Event{ze: e.ze.Time(key, val)}
}

// Interface adds an interface field to the event.
func (e Event) Interface(key string, val interface{}) Event {
	return Event{ze: e.ze.Interface(key, val)}
}

// Uint64 adds a uint64 field to the event.
func (e Event) Uint64(key string, val uint64) Event {
	return Event{ze: e.ze.Uint64(key, val)}
}

// Uint32 adds a uint32 field to the event.
func (e Event) Uint32(key string, val uint32) Event {
	return Event{ze: e.ze.Uint32(key, val)}
}

// Strs adds a string slice field to the event.
func (e Event) Strs(key string, vals []string) Event {
	return Event{ze: e.ze.Strs(key, vals)}
}

// ContentID adds the contentId field that identifies an upload across
// nearly every log line the engine and lifecycle controller emit.
func (e Event) ContentID(id string) Event {
	return e.Str("contentId", id)
}

// PartNumber adds the partNumber field identifying one part within an
// upload's part-driving loop.
func (e Event) PartNumber(n int) Event {
	return e.Int("partNumber", n)
}

// Msg sends the event with the given message.
func (e Event) Msg(msg string) {
	e.ze.Msg(msg)
}

// Msgf sends the event with the given formatted message.
func (e Event) Msgf(format string, v ...interface{}) {
	e.ze.Msgf(format, v...)
}

// Send sends the event.
func (e Event) Send() {
	e.ze.Send()
}

// Enabled returns true if the event is enabled.
func (e Event) Enabled() bool {
	return e.ze.Enabled()
}

// Debug returns a debug logger.
func Debug() Event {
	return DefaultLogger.Debug()
}

// Info returns an info logger.
func Info() Event {
	return DefaultLogger.Info()
}

// Warn returns a warn logger.
func Warn() Event {
	return DefaultLogger.Warn()
}

// Error returns an error logger.
func Error() Event {
	return DefaultLogger.Error()
}

// Fatal returns a fatal logger.
func Fatal() Event {
	return DefaultLogger.Fatal()
}

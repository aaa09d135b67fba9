// Package lexical translates typed scalar values into the canonical lexical
// form of XML Schema built-in types.
//
// Translation is pure: the same value, type and configuration always produce
// the same result. A result of ("", false) means the node carrying the value
// must be omitted from the document.
package lexical

import (
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DefaultPrecision is the number of fractional second digits kept by default.
	DefaultPrecision = 9

	defaultYearZero = "0000-01-01T00:00:00Z"
)

// Config configures a Translator.
type Config struct {
	// Precision is the number of fractional second digits (0-9) kept when
	// rendering dateTime values. Trailing zeros are trimmed afterwards.
	Precision int `yaml:"fractional_precision"`

	// YearZero is the RFC 3339 instant before which dateTime values are
	// rendered with a leading minus sign.
	YearZero string `yaml:"year_zero"`
}

// RegisterFlagsWithPrefix registers flags for the translator config.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.Precision, prefix+"fractional-precision", DefaultPrecision, "Number of fractional second digits (0-9) kept when rendering dateTime values.")
	f.StringVar(&cfg.YearZero, prefix+"year-zero", defaultYearZero, "RFC 3339 instant before which dateTime values are rendered with a leading minus sign.")
}

// Validate validates the config.
func (cfg *Config) Validate() error {
	if cfg.Precision < 0 || cfg.Precision > 9 {
		return fmt.Errorf("invalid fractional precision %d: must be between 0 and 9", cfg.Precision)
	}
	if cfg.YearZero != "" {
		if _, err := time.Parse(time.RFC3339Nano, cfg.YearZero); err != nil {
			return fmt.Errorf("invalid year zero %q: %w", cfg.YearZero, err)
		}
	}
	return nil
}

// Translator renders values in their lexical form.
type Translator struct {
	precision int
	yearZero  time.Time
}

// New creates a Translator from cfg.
func New(cfg Config) (*Translator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	yearZero := cfg.YearZero
	if yearZero == "" {
		yearZero = defaultYearZero
	}
	zero, err := time.Parse(time.RFC3339Nano, yearZero)
	if err != nil {
		return nil, err
	}
	return &Translator{precision: cfg.Precision, yearZero: zero}, nil
}

// Default returns a Translator with full nanosecond precision and the
// proleptic year zero as reference.
func Default() *Translator {
	t, err := New(Config{Precision: DefaultPrecision})
	if err != nil {
		panic(err)
	}
	return t
}

// Translate renders value as the built-in type named by builtin. The boolean
// result is false when the node carrying the value must be omitted.
func (t *Translator) Translate(value any, builtin string) (string, bool) {
	return t.TranslateType(value, LookupType(builtin))
}

// TranslateType is like Translate for an already resolved type code.
func (t *Translator) TranslateType(value any, typ BuiltinType) (string, bool) {
	if value == nil {
		return "", false
	}

	var s string
	switch typ {
	case TypeDateTime:
		s = t.dateTime(value)
	case TypeDate:
		s = formatTime(value, "2006-01-02")
	case TypeTime:
		s = formatTime(value, "15:04:05")
	case TypeDouble, TypeFloat:
		s = formatDefault(value)
	case TypeGDay:
		s = gDay(value)
	case TypeGMonth:
		s = gMonth(value)
	case TypeGMonthDay:
		s = gMonthDay(value)
	case TypeGYear:
		s = gYear(value)
	case TypeGYearMonth:
		s = gYearMonth(value)
	case TypeHexBinary:
		s = hexBinary(value)
	case TypeBoolean:
		s = boolean(value)
	default:
		s = formatDefault(value)
	}

	// Empty lexical values are never emitted as empty nodes.
	if s == "" {
		return "", false
	}
	return s, true
}

func (t *Translator) dateTime(value any) string {
	ts, ok := utc(value)
	if !ok {
		return formatDefault(value)
	}

	var sb strings.Builder
	if ts.Before(t.yearZero) {
		sb.WriteByte('-')
	}
	writeYear(&sb, ts.Year())
	fmt.Fprintf(&sb, "-%02d-%02dT%02d:%02d:%02d", int(ts.Month()), ts.Day(), ts.Hour(), ts.Minute(), ts.Second())

	if t.precision > 0 {
		frac := fmt.Sprintf("%09d", ts.Nanosecond())[:t.precision]
		frac = strings.TrimRight(frac, "0")
		if frac != "" {
			sb.WriteByte('.')
			sb.WriteString(frac)
		}
	}
	sb.WriteByte('Z')
	return sb.String()
}

// writeYear writes the absolute year zero padded to four digits.
func writeYear(sb *strings.Builder, year int) {
	if year < 0 {
		year = -year
	}
	fmt.Fprintf(sb, "%04d", year)
}

// utc returns value as a time in UTC, so every temporal type renders the
// same instant on the same calendar day.
func utc(value any) (time.Time, bool) {
	ts, ok := value.(time.Time)
	return ts.UTC(), ok
}

func formatTime(value any, layout string) string {
	ts, ok := utc(value)
	if !ok {
		return formatDefault(value)
	}
	return ts.Format(layout)
}

func gDay(value any) string {
	if ts, ok := utc(value); ok {
		return fmt.Sprintf("---%02d", ts.Day())
	}
	day, ok := integer(value)
	if !ok || day < 1 || day > 31 {
		return formatDefault(value)
	}
	return fmt.Sprintf("---%02d", day)
}

func gMonth(value any) string {
	if ts, ok := utc(value); ok {
		return fmt.Sprintf("--%02d", int(ts.Month()))
	}
	month, ok := integer(value)
	if !ok || month < 1 || month > 12 {
		return formatDefault(value)
	}
	return fmt.Sprintf("--%02d", month)
}

func gMonthDay(value any) string {
	ts, ok := utc(value)
	if !ok {
		return formatDefault(value)
	}
	return fmt.Sprintf("--%02d-%02d", int(ts.Month()), ts.Day())
}

func gYear(value any) string {
	var year int64
	if ts, ok := utc(value); ok {
		year = int64(ts.Year())
	} else {
		y, ok := integer(value)
		if !ok || y < -9999 || y > 9999 {
			return formatDefault(value)
		}
		year = y
	}
	if year < 0 {
		return fmt.Sprintf("-%04d", -year)
	}
	return fmt.Sprintf("%04d", year)
}

func gYearMonth(value any) string {
	ts, ok := utc(value)
	if !ok {
		return formatDefault(value)
	}
	var sb strings.Builder
	if ts.Year() < 0 {
		sb.WriteByte('-')
	}
	writeYear(&sb, ts.Year())
	fmt.Fprintf(&sb, "-%02d", int(ts.Month()))
	return sb.String()
}

func hexBinary(value any) string {
	b, ok := value.([]byte)
	if !ok {
		return formatDefault(value)
	}
	return strings.ToUpper(hex.EncodeToString(b))
}

func boolean(value any) string {
	if n, ok := integer(value); ok {
		return strconv.FormatBool(n != 0)
	}
	return formatDefault(value)
}

// integer extracts an integral value from the numeric value representations
// produced by executors.
func integer(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case *big.Int:
		if v == nil || !v.IsInt64() {
			return 0, false
		}
		return v.Int64(), true
	case decimal.Decimal:
		if !v.IsInteger() {
			return 0, false
		}
		return v.IntPart(), true
	default:
		return 0, false
	}
}

func formatFloat(f float64, bitSize int) string {
	switch {
	case math.IsInf(f, 1):
		return "INF"
	case math.IsInf(f, -1):
		return "-INF"
	case math.IsNaN(f):
		return "NaN"
	}
	return strconv.FormatFloat(f, 'G', -1, bitSize)
}

func formatDefault(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float32:
		return formatFloat(float64(v), 32)
	case float64:
		return formatFloat(v, 64)
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		n, _ := integer(v)
		return strconv.FormatInt(n, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case []byte:
		return base64.StdEncoding.EncodeToString(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case decimal.Decimal:
		return v.String()
	case *big.Int:
		if v == nil {
			return ""
		}
		return v.String()
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

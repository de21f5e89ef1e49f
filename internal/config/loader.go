package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix namespaces every setting. SHEETNORM_SERVER_PORT wins over
// SERVER_PORT so a shared environment can scope values to sheetnorm.
const EnvPrefix = "SHEETNORM_"

// Field tags understood by Load and Validate:
//
//	env      variable name without EnvPrefix
//	envAlt   legacy name tried after env
//	default  value used when nothing is set
//	unit     "bytes" accepts 64KB, 512MiB and similar
//	min,max  inclusive numeric or duration bounds
//	oneof    space-separated allowed values, case-insensitive

var durationType = reflect.TypeOf(time.Duration(0))

// Load reads configuration from the environment, applies defaults and
// validates the result. Every bad variable is reported, not just the first.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := errors.Join(decodeEnv(reflect.ValueOf(cfg).Elem())...); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// lookupEnv returns the first non-empty value among the prefixed name, the
// bare name and the alternate, along with the name it came from.
func lookupEnv(name, alt string) (string, string) {
	for _, key := range []string{EnvPrefix + name, name, alt} {
		if key == "" {
			continue
		}
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v, key
		}
	}
	return "", name
}

func decodeEnv(v reflect.Value) []error {
	var errs []error
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		if !fv.CanSet() {
			continue
		}
		if field.Type.Kind() == reflect.Struct {
			errs = append(errs, decodeEnv(fv)...)
			continue
		}
		name := field.Tag.Get("env")
		if name == "" {
			continue
		}
		value, from := lookupEnv(name, field.Tag.Get("envAlt"))
		if value == "" {
			value, from = field.Tag.Get("default"), name+" default"
		}
		if value == "" {
			continue
		}
		if err := setField(fv, value, field.Tag.Get("unit")); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", from, value, err))
		}
	}
	return errs
}

func setField(fv reflect.Value, value, unit string) error {
	if fv.Kind() == reflect.Pointer {
		elem := reflect.New(fv.Type().Elem())
		if err := setField(elem.Elem(), value, unit); err != nil {
			return err
		}
		fv.Set(elem)
		return nil
	}

	switch {
	case fv.Type() == durationType:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("want a duration like 30s or 5m: %w", err)
		}
		fv.SetInt(int64(d))
	case unit == "bytes":
		n, err := parseBytes(value)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case fv.Kind() == reflect.Int, fv.Kind() == reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("want an integer: %w", err)
		}
		fv.SetInt(n)
	case fv.Kind() == reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("want a number: %w", err)
		}
		fv.SetFloat(f)
	case fv.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("want true or false: %w", err)
		}
		fv.SetBool(b)
	case fv.Kind() == reflect.String:
		fv.SetString(value)
	case fv.Kind() == reflect.Slice && fv.Type().Elem().Kind() == reflect.String:
		fv.Set(reflect.ValueOf(splitList(value)))
	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}

// splitList splits a comma-separated list, dropping blanks and duplicates.
func splitList(value string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, p := range strings.Split(value, ",") {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

var byteUnits = []struct {
	suffix string
	mult   int64
}{
	{"KIB", 1 << 10}, {"MIB", 1 << 20}, {"GIB", 1 << 30},
	{"KB", 1000}, {"MB", 1000 * 1000}, {"GB", 1000 * 1000 * 1000},
	{"K", 1 << 10}, {"M", 1 << 20}, {"G", 1 << 30},
	{"B", 1},
}

// parseBytes accepts a plain byte count or a count with a size suffix.
func parseBytes(value string) (int64, error) {
	s := strings.ToUpper(strings.TrimSpace(value))
	mult := int64(1)
	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			s, mult = strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), u.mult
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("want a size like 65536, 64KiB or 512MB")
	}
	if n > 0 && mult > (1<<62)/n {
		return 0, fmt.Errorf("size overflows")
	}
	return n * mult, nil
}

// checkBounds applies the min, max and oneof tags to every field.
func checkBounds(v reflect.Value, problems *[]string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		if field.Type.Kind() == reflect.Struct {
			checkBounds(fv, problems)
			continue
		}
		name := field.Tag.Get("env")
		if name == "" {
			continue
		}
		if fv.Kind() == reflect.Pointer {
			if fv.IsNil() {
				continue
			}
			fv = fv.Elem()
		}
		if oneof := field.Tag.Get("oneof"); oneof != "" {
			allowed := strings.Fields(oneof)
			if !containsFold(allowed, fv.String()) {
				*problems = append(*problems, fmt.Sprintf("%s (%q) must be one of: %s", name, fv.String(), strings.Join(allowed, ", ")))
			}
			continue
		}
		if p := outOfRange(fv, field.Tag.Get("min"), field.Tag.Get("max")); p != "" {
			*problems = append(*problems, name+" "+p)
		}
	}
}

func outOfRange(fv reflect.Value, minTag, maxTag string) string {
	if minTag == "" && maxTag == "" {
		return ""
	}
	var val, lo, hi float64
	parse := func(tag string) float64 {
		if fv.Type() == durationType {
			d, _ := time.ParseDuration(tag)
			return float64(d)
		}
		f, _ := strconv.ParseFloat(tag, 64)
		return f
	}
	show := func(f float64) string {
		if fv.Type() == durationType {
			return time.Duration(f).String()
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	switch fv.Kind() {
	case reflect.Int, reflect.Int64:
		val = float64(fv.Int())
	case reflect.Float64:
		val = fv.Float()
	default:
		return ""
	}
	switch {
	case minTag != "" && maxTag != "":
		lo, hi = parse(minTag), parse(maxTag)
		if val < lo || val > hi {
			return fmt.Sprintf("(%s) must be between %s and %s", show(val), show(lo), show(hi))
		}
	case minTag != "":
		lo = parse(minTag)
		if val < lo {
			return fmt.Sprintf("(%s) must be at least %s", show(val), show(lo))
		}
	default:
		hi = parse(maxTag)
		if val > hi {
			return fmt.Sprintf("(%s) must be at most %s", show(val), show(hi))
		}
	}
	return ""
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Validate checks field bounds and the rules that span fields.
func (c *Config) Validate() error {
	var problems []string
	checkBounds(reflect.ValueOf(c).Elem(), &problems)

	if c.Snapshot.Root == "" {
		problems = append(problems, "SNAPSHOT_ROOT is required")
	}
	if c.Engine.RunTimeout > 0 && c.Sandbox.CallTimeout > c.Engine.RunTimeout {
		problems = append(problems, fmt.Sprintf("SANDBOX_CALL_TIMEOUT (%s) must not exceed ENGINE_RUN_TIMEOUT (%s)",
			c.Sandbox.CallTimeout, c.Engine.RunTimeout))
	}

	// The index settings only matter once a database is configured.
	if c.Database.URL == "" {
		problems = dropPrefixed(problems, "DB_")
	} else if c.Database.MaxConns < c.Database.MinConns {
		problems = append(problems, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}

	if len(problems) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func dropPrefixed(problems []string, prefix string) []string {
	out := problems[:0]
	for _, p := range problems {
		if !strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out
}

// String returns a loggable summary with the database URL masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Engine: {MaxConcurrentRuns: %d, RunTimeout: %s, ColumnConcurrency: %d, MaxInputSize: %d", c.Engine.MaxConcurrentRuns,
		c.Engine.RunTimeout, c.Engine.ColumnConcurrency, c.Engine.MaxInputSize)
	if c.Engine.MappingScoreThreshold != nil {
		fmt.Fprintf(&b, ", MappingScoreThreshold: %g", *c.Engine.MappingScoreThreshold)
	}
	b.WriteString("}, ")
	fmt.Fprintf(&b, "Sandbox: {CallTimeout: %s, MemoryLimitMB: %d, NetIsolation: %q}, ",
		c.Sandbox.CallTimeout, c.Sandbox.MemoryLimitMB, c.Sandbox.NetIsolation)
	fmt.Fprintf(&b, "Snapshot: {Root: %q}, ", c.Snapshot.Root)
	if c.Database.URL != "" {
		fmt.Fprintf(&b, "Database: {URL: [MASKED], MaxConns: %d}, ", c.Database.MaxConns)
	} else {
		b.WriteString("Database: {disabled}, ")
	}
	fmt.Fprintf(&b, "Server: {Host: %q, Port: %d, APIKeys: %d}, ", c.Server.Host, c.Server.Port, len(c.Server.APIKeys))
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}}", c.Logging.Level, c.Logging.Format)
	return b.String()
}

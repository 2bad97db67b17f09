// Package settings binds command settings structs to flags, environment variables and a YAML file.
//
// Each field to bind has a flag tag with the flag name plus optional env, default, usage and
// required tags:
//
//	type Settings struct {
//		ModelPath string `flag:"model-path" env:"MODEL_PATH" required:"true" usage:"exported pipeline directory"`
//		Port      int    `flag:"application-port" env:"APPLICATION_PORT" default:"8000"`
//	}
//
// Values are resolved in the order command line flag, environment variable, YAML file and then
// the default. YAML keys are the flag names.
package settings

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// ConfigFlag is the name of the flag giving the YAML settings file.
const ConfigFlag = "config"

var durationType = reflect.TypeOf(time.Duration(0))

// Common settings shared by all commands.
type Common struct {
	Config   string `flag:"config" env:"CONFIG" usage:"YAML settings file"`
	LogLevel string `flag:"log-level" env:"LOG_LEVEL" default:"info" usage:"log level: debug, info, warn or error"`
}

type field struct {
	name     string
	env      string
	required bool
	value    reflect.Value
}

// Binding holds the flags registered for a settings struct.
type Binding struct {
	fs     *pflag.FlagSet
	fields []field
}

// Bind registers a flag in fs for each tagged field of the struct pointed to by v and sets the
// fields to their default values. Embedded structs are bound recursively.
func Bind(fs *pflag.FlagSet, v any) (*Binding, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("settings: expecting pointer to struct, got %T", v)
	}
	b := &Binding{fs: fs}
	if err := b.bind(rv.Elem()); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Binding) bind(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		fv := v.Field(i)
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct {
			if err := b.bind(fv); err != nil {
				return err
			}
			continue
		}
		name := sf.Tag.Get("flag")
		if name == "" || !sf.IsExported() {
			continue
		}
		def, usage := sf.Tag.Get("default"), sf.Tag.Get("usage")
		if env := sf.Tag.Get("env"); env != "" {
			usage += " [$" + env + "]"
		}
		if err := b.define(name, def, usage, fv); err != nil {
			return fmt.Errorf("settings: field %s: %w", sf.Name, err)
		}
		b.fields = append(b.fields, field{
			name:     name,
			env:      sf.Tag.Get("env"),
			required: sf.Tag.Get("required") == "true",
			value:    fv,
		})
	}
	return nil
}

func (b *Binding) define(name, def, usage string, fv reflect.Value) error {
	ptr := fv.Addr().Interface()
	switch p := ptr.(type) {
	case *string:
		b.fs.StringVar(p, name, def, usage)
	case *bool:
		val, err := parseDefault(def, strconv.ParseBool, false)
		if err != nil {
			return err
		}
		b.fs.BoolVar(p, name, val, usage)
	case *int:
		val, err := parseDefault(def, strconv.Atoi, 0)
		if err != nil {
			return err
		}
		b.fs.IntVar(p, name, val, usage)
	case *int64:
		val, err := parseDefault(def, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }, 0)
		if err != nil {
			return err
		}
		b.fs.Int64Var(p, name, val, usage)
	case *float64:
		val, err := parseDefault(def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) }, 0)
		if err != nil {
			return err
		}
		b.fs.Float64Var(p, name, val, usage)
	case *time.Duration:
		val, err := parseDefault(def, time.ParseDuration, 0)
		if err != nil {
			return err
		}
		b.fs.DurationVar(p, name, val, usage)
	case *[]string:
		var val []string
		if def != "" {
			val = strings.Split(def, ",")
		}
		b.fs.StringSliceVar(p, name, val, usage)
	default:
		return fmt.Errorf("unsupported type %s", fv.Type())
	}
	return nil
}

func parseDefault[T any](def string, parse func(string) (T, error), zero T) (T, error) {
	if def == "" {
		return zero, nil
	}
	return parse(def)
}

// Load resolves the final setting values after the command line has been parsed. Flags not set
// on the command line are taken from the environment and then from the YAML file named by the
// config flag, if any. An error is returned if a required setting has no value.
func (b *Binding) Load() error {
	explicit := map[string]bool{}
	b.fs.Visit(func(f *pflag.Flag) { explicit[f.Name] = true })

	fromEnv := map[string]bool{}
	for _, f := range b.fields {
		if explicit[f.name] || f.env == "" {
			continue
		}
		if val, ok := os.LookupEnv(f.env); ok {
			if err := b.set(f, val); err != nil {
				return fmt.Errorf("settings: $%s: %w", f.env, err)
			}
			fromEnv[f.name] = true
		}
	}
	if cf := b.fs.Lookup(ConfigFlag); cf != nil && cf.Value.String() != "" {
		values, err := readYAML(cf.Value.String())
		if err != nil {
			return err
		}
		for _, f := range b.fields {
			val, ok := values[f.name]
			if !ok || explicit[f.name] || fromEnv[f.name] {
				continue
			}
			if err := b.set(f, val); err != nil {
				return fmt.Errorf("settings: %s: key %s: %w", cf.Value.String(), f.name, err)
			}
		}
	}
	var missing []string
	for _, f := range b.fields {
		if f.required && f.value.IsZero() {
			missing = append(missing, "--"+f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("settings: required %s not set", strings.Join(missing, ", "))
	}
	return nil
}

func (b *Binding) set(f field, val string) error {
	if f.value.Kind() == reflect.Slice {
		if sv, ok := b.fs.Lookup(f.name).Value.(pflag.SliceValue); ok {
			var list []string
			if val != "" {
				list = strings.Split(val, ",")
			}
			return sv.Replace(list)
		}
	}
	return b.fs.Set(f.name, val)
}

// readYAML decodes a flat YAML mapping with scalar or list values.
func readYAML(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("settings: error decoding %s: %w", path, err)
	}
	values := make(map[string]string, len(doc))
	for key, val := range doc {
		switch v := val.(type) {
		case nil:
		case []any:
			items := make([]string, len(v))
			for i, item := range v {
				items[i] = fmt.Sprint(item)
			}
			values[key] = strings.Join(items, ",")
		case map[string]any:
			return nil, fmt.Errorf("settings: %s: key %s: nested values are not supported", path, key)
		default:
			values[key] = fmt.Sprint(v)
		}
	}
	return values, nil
}

// Logger builds a named console logger at the given level.
func Logger(name, level string) (*zap.SugaredLogger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, errors.New("settings: invalid log level " + strconv.Quote(level))
	}
	config := zap.NewProductionConfig()
	config.Level = lvl
	config.Encoding = "console"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	config.DisableStacktrace = true
	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(name).Sugar(), nil
}

package feeders

import (
	"encoding"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/golobby/cast"
)

// FieldPopulation records one field set from the environment.
type FieldPopulation struct {
	FieldPath string
	SourceKey string
	Value     string
}

// AffixedEnvFeeder is a feeder that reads environment variables with a prefix and/or suffix.
//
// Fields are matched through their `env` tag. A struct field carrying an env
// tag extends the prefix for its own fields, so with prefix MODPLANE the
// field Interval tagged `env:"INTERVAL"` inside Health tagged `env:"HEALTH"`
// reads MODPLANE_HEALTH_INTERVAL.
type AffixedEnvFeeder struct {
	Prefix string
	Suffix string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string

	logger interface {
		Debug(msg string, args ...any)
	}
	populated []FieldPopulation
}

// NewAffixedEnvFeeder creates a new AffixedEnvFeeder with the specified prefix and suffix
func NewAffixedEnvFeeder(prefix, suffix string) *AffixedEnvFeeder {
	return &AffixedEnvFeeder{Prefix: prefix, Suffix: suffix}
}

// SetDebugLogger logs every variable the feeder applies.
func (f *AffixedEnvFeeder) SetDebugLogger(logger interface{ Debug(msg string, args ...any) }) {
	f.logger = logger
}

// Populated returns the fields set by the last Feed.
func (f *AffixedEnvFeeder) Populated() []FieldPopulation {
	return append([]FieldPopulation(nil), f.populated...)
}

// Feed reads environment variables and populates the provided structure
func (f *AffixedEnvFeeder) Feed(structure any) error {
	rv := reflect.ValueOf(structure)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return ErrEnvInvalidStructure
	}
	if f.Prefix == "" && f.Suffix == "" {
		return ErrEnvEmptyPrefixAndSuffix
	}
	f.populated = f.populated[:0]
	return f.processStructFields(rv.Elem(), strings.ToUpper(f.Prefix), "")
}

func (f *AffixedEnvFeeder) processStructFields(rv reflect.Value, prefix, path string) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)
		if !fieldType.IsExported() {
			continue
		}
		if err := f.processField(field, &fieldType, prefix, path+fieldType.Name); err != nil {
			return err
		}
	}
	return nil
}

func (f *AffixedEnvFeeder) processField(field reflect.Value, fieldType *reflect.StructField, prefix, path string) error {
	envTag, tagged := fieldType.Tag.Lookup("env")
	if envTag == "-" {
		return nil
	}

	if field.Kind() == reflect.Struct && !isScalar(field) {
		if tagged {
			prefix = joinEnv(prefix, strings.ToUpper(envTag))
		}
		return f.processStructFields(field, prefix, path+".")
	}
	if !tagged {
		return nil
	}

	envName := joinEnv(prefix, strings.ToUpper(envTag))
	if f.Suffix != "" {
		envName = envName + "_" + strings.ToUpper(f.Suffix)
	}
	envValue := f.getenv(envName)
	if envValue == "" {
		return nil
	}
	if err := setFieldValue(field, envName, envValue); err != nil {
		return err
	}
	f.populated = append(f.populated, FieldPopulation{FieldPath: path, SourceKey: envName, Value: envValue})
	if f.logger != nil {
		f.logger.Debug("Applied environment override", "field", path, "env", envName)
	}
	return nil
}

func (f *AffixedEnvFeeder) getenv(key string) string {
	if f.Getenv != nil {
		return f.Getenv(key)
	}
	return os.Getenv(key)
}

func joinEnv(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

var (
	textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()
	durationType        = reflect.TypeFor[time.Duration]()
)

// isScalar reports whether a struct-kinded field is set from a single value.
func isScalar(field reflect.Value) bool {
	return field.CanAddr() && field.Addr().Type().Implements(textUnmarshalerType)
}

// setFieldValue converts and sets a field value
func setFieldValue(field reflect.Value, envName, strValue string) error {
	if !field.CanSet() {
		return ErrEnvFieldCannotBeSet
	}
	if field.CanAddr() && field.Addr().Type().Implements(textUnmarshalerType) {
		u := field.Addr().Interface().(encoding.TextUnmarshaler)
		if err := u.UnmarshalText([]byte(strValue)); err != nil {
			return wrapEnvConvertError(envName, field.Type().String(), err)
		}
		return nil
	}
	if field.Type() == durationType {
		d, err := time.ParseDuration(strValue)
		if err != nil {
			return wrapEnvConvertError(envName, field.Type().String(), err)
		}
		field.SetInt(int64(d))
		return nil
	}
	if field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String {
		parts := strings.Split(strValue, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts).Convert(field.Type()))
		return nil
	}

	convertedValue, err := cast.FromType(strValue, field.Type())
	if err != nil {
		return wrapEnvConvertError(envName, field.Type().String(), err)
	}
	field.Set(reflect.ValueOf(convertedValue).Convert(field.Type()))
	return nil
}

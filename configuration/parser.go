package configuration

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix env-override variables are matched against,
// generalizing the teacher's REGISTRY_ prefix for this module.
const EnvPrefix = "FLOWMUX"

// Parse reads a YAML configuration document and applies environment
// overrides on top of it, following the scheme: a field v.Abc.Xyz may be
// replaced by the value of FLOWMUX_ABC_XYZ.
func Parse(in io.Reader) (*Configuration, error) {
	data, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("configuration: read: %w", err)
	}

	c := &Configuration{}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("configuration: parse: %w", err)
		}
	}

	if err := overrideFromEnviron(c, EnvPrefix, os.Environ()); err != nil {
		return nil, fmt.Errorf("configuration: environment override: %w", err)
	}

	c.Normalize()
	return c, nil
}

func overrideFromEnviron(c *Configuration, prefix string, environ []string) error {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			env[parts[0]] = parts[1]
		}
	}
	return overrideFields(reflect.ValueOf(c).Elem(), prefix, env)
}

func overrideFields(v reflect.Value, prefix string, env map[string]string) error {
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	for i := 0; i < v.NumField(); i++ {
		sf := v.Type().Field(i)
		if !v.Field(i).CanSet() {
			continue
		}
		fieldPrefix := strings.ToUpper(prefix + "_" + sf.Name)
		if raw, ok := env[fieldPrefix]; ok {
			target := reflect.New(sf.Type)
			if err := yaml.Unmarshal([]byte(raw), target.Interface()); err != nil {
				return fmt.Errorf("field %s: %w", fieldPrefix, err)
			}
			v.Field(i).Set(target.Elem())
		}
		if err := overrideFields(v.Field(i), fieldPrefix, env); err != nil {
			return err
		}
	}
	return nil
}

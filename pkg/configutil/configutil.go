// Package configutil loads layered json5 configuration files.
//
// A configuration named app.json5 is read together with app.local.json5, whose fields win. The result is filled
// from defaults, validated and checked for the environment variables it refers to.
package configutil

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

// Validator is implemented by configurations that check themselves once defaults are applied.
type Validator interface {
	Validate() error
}

// EnvRef is a field that names an environment variable holding a secret, the secret itself never appears in a
// file.
type EnvRef struct {
	// Field is the dotted path of the field, used in errors.
	Field string
	// Name is the variable, refs with an empty name are not configured and skipped.
	Name     string
	Required bool
}

// EnvReferrer is implemented by configurations that read secrets from the environment.
type EnvReferrer interface {
	EnvRefs() []EnvRef
}

type Options[T any] struct {
	// Defaults fill every field the files leave unset.
	Defaults T
	// Search looks for the file in the working directory and then in each of its parents.
	Search bool
	// Optional loads the defaults when no file exists instead of failing with os.ErrNotExist.
	Optional bool
	// LookupEnv resolves EnvRefs, os.LookupEnv when nil.
	LookupEnv func(string) (string, bool)
}

type Loaded[T any] struct {
	Value T
	// Files are the layers that were merged, lowest priority first. Empty when only defaults were used.
	Files []string
	// Unset are the optional variables that are referenced but not set.
	Unset []EnvRef
}

// Load reads name with its layers, applies defaults, validates the result and checks its environment
// references. Every missing required variable is reported in a single error.
func Load[T any](name string, opts Options[T]) (Loaded[T], error) {
	var (
		out Loaded[T]
		err error
	)
	if opts.Search {
		out.Value, out.Files, err = Find[T](name)
	} else {
		out.Value, out.Files, err = Read[T](name)
	}
	if errors.Is(err, os.ErrNotExist) && opts.Optional {
		err = nil
	}
	if err != nil {
		return out, err
	}

	err = mergo.Merge(&out.Value, opts.Defaults)
	if err != nil {
		return out, fmt.Errorf("apply defaults: %w", err)
	}

	source := name
	if len(out.Files) > 0 {
		source = out.Files[0]
	}
	if v, ok := any(out.Value).(Validator); ok {
		err = v.Validate()
		if err != nil {
			return out, fmt.Errorf("%s: %w", source, err)
		}
	}
	if r, ok := any(out.Value).(EnvReferrer); ok {
		lookup := opts.LookupEnv
		if lookup == nil {
			lookup = os.LookupEnv
		}
		out.Unset, err = checkEnv(r.EnvRefs(), lookup)
		if err != nil {
			return out, fmt.Errorf("%s: %w", source, err)
		}
	}
	return out, nil
}

func checkEnv(refs []EnvRef, lookup func(string) (string, bool)) ([]EnvRef, error) {
	var (
		unset []EnvRef
		errs  []error
	)
	for _, ref := range refs {
		if ref.Name == "" {
			continue
		}
		value, ok := lookup(ref.Name)
		if ok && value != "" {
			continue
		}
		if ref.Required {
			errs = append(errs, fmt.Errorf("%s: %s is not set", ref.Field, ref.Name))
			continue
		}
		unset = append(unset, ref)
	}
	return unset, errors.Join(errs...)
}

// Layers are the files making up name, lowest priority first.
func Layers(name string) []string {
	ext := filepath.Ext(name)
	return []string{name, strings.TrimSuffix(name, ext) + ".local" + ext}
}

// Read merges the layers of name that exist. Empty files count as missing, os.ErrNotExist is returned when no
// layer has content.
func Read[T any](name string) (T, []string, error) {
	var (
		out   T
		files []string
	)
	for i, layer := range Layers(name) {
		content, err := os.ReadFile(layer)
		if errors.Is(err, os.ErrNotExist) || (err == nil && len(content) == 0) {
			continue
		}
		if err != nil {
			return out, nil, err
		}

		var value T
		err = json5.Unmarshal(content, &value)
		if err != nil {
			return out, nil, fmt.Errorf("parse %s: %w", layer, err)
		}
		err = mergo.Merge(&out, value, mergo.WithOverride)
		if err != nil {
			return out, nil, fmt.Errorf("merge %s: %w", layer, err)
		}
		if i > 0 {
			slog.Info("config: merged local overrides", "file", layer)
		}
		files = append(files, layer)
	}
	if len(files) == 0 {
		return out, nil, os.ErrNotExist
	}
	return out, files, nil
}

// Find reads the nearest name, starting in the working directory and moving up until the filesystem root.
func Find[T any](name string) (T, []string, error) {
	var zero T

	dir, err := os.Getwd()
	if err != nil {
		return zero, nil, err
	}
	for {
		out, files, err := Read[T](filepath.Join(dir, name))
		if !errors.Is(err, os.ErrNotExist) {
			return out, files, err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return zero, nil, os.ErrNotExist
		}
		dir = parent
	}
}

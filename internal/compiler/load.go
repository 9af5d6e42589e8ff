package compiler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/kindstore/internal/schema"
)

// LoadResult contains the kinds loaded from a directory, ordered so super
// kinds come first.
type LoadResult struct {
	Kinds     []schema.Definition
	FileCount int // Number of CUE files found
}

// LoadDir loads every kind declared under the top-level "kind" field of the
// CUE package in dir. Compile and validation errors are collected and
// returned together; known (which may be nil) resolves super kinds and
// targets defined outside the directory.
func LoadDir(dir string, known *schema.Registry) (*LoadResult, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("kinds directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	if len(cueFiles) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", inst.Err)
	}
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("building CUE value: %w", formatCUEError(err))
	}

	defs, err := CompileKinds(value, known)
	if err != nil {
		return nil, err
	}
	return &LoadResult{Kinds: defs, FileCount: len(cueFiles)}, nil
}

// CompileKinds compiles, validates and orders every kind under the "kind"
// field of v.
func CompileKinds(v cue.Value, known *schema.Registry) ([]schema.Definition, error) {
	kindsVal := v.LookupPath(cue.ParsePath("kind"))
	if !kindsVal.Exists() {
		return nil, &CompileError{Field: "kind", Message: "no kinds declared"}
	}
	iter, err := kindsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var (
		defs []schema.Definition
		errs []error
	)
	for iter.Next() {
		def, err := CompileKind(iter.Value())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, *def)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	for _, ve := range Validate(defs, known) {
		errs = append(errs, ve)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return OrderKinds(defs)
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

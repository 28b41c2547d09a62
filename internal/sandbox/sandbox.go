// Package sandbox executes admin-authored script bodies inside a fresh,
// capability-restricted yaegi interpreter.
//
// The only surface a script sees is:
//   - a whitelist of pure stdlib packages (no os, net, syscall, unsafe),
//   - the host logging hook exported as the "facetlog" package,
//   - its JSON-serialized input string.
//
// The host and the script never share memory: context goes in as a JSON
// string and the result comes back as a JSON string. Each execution gets a
// brand-new interpreter, so no state can leak between runs or users.
// Execution is bounded by the deadline on the context; on expiry the
// interpreter goroutine is abandoned and its eventual result discarded.
package sandbox

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"log/slog"
	"path"
	"reflect"
	"strconv"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// EntryFunc is the function every script must define:
//
//	func Derive(input string) (string, error)
//
// It is invoked exactly once per run with the JSON execution context and
// must return synchronously with the JSON result.
const EntryFunc = "Derive"

// allowedImports is the closed set of stdlib packages scripts may import.
// Everything here is pure computation — no filesystem, network, process,
// or reflection access.
var allowedImports = []string{
	"errors",
	"fmt",
	"math",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode/utf8",
	"encoding/json",
}

// Executor runs script bodies. It is stateless apart from its logger and
// the precomputed restricted symbol table; one Executor serves all runs.
type Executor struct {
	symbols interp.Exports
	logger  *slog.Logger
}

// New creates an Executor exposing only the whitelisted stdlib packages.
func New(logger *slog.Logger) *Executor {
	symbols := make(interp.Exports, len(allowedImports))
	for _, importPath := range allowedImports {
		key := importPath + "/" + path.Base(importPath)
		if syms, ok := stdlib.Symbols[key]; ok {
			symbols[key] = syms
		}
	}
	return &Executor{symbols: symbols, logger: logger}
}

// Execute compiles and runs a script body with the given JSON input and
// returns its JSON output. scriptID is used only for log attribution.
//
// Errors are returned raw: a context deadline error means the wall-clock
// budget expired; anything else means the script failed to compile, had a
// forbidden import, lacked the entry function, panicked, or returned an
// error itself. The caller maps these onto its failure taxonomy.
func (e *Executor) Execute(ctx context.Context, scriptID, source, input string) (string, error) {
	entry, err := e.compile(scriptID, source)
	if err != nil {
		return "", err
	}

	type outcome struct {
		result string
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("script panicked: %v", r)}
			}
		}()
		result, err := entry(input)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		// The interpreter goroutine cannot be preempted; it is abandoned
		// and its eventual result discarded. The caller must not write.
		return "", ctx.Err()
	}
}

// compile parses, validates, and evaluates the script source in a fresh
// interpreter, returning the bound entry function.
func (e *Executor) compile(scriptID, source string) (func(string) (string, error), error) {
	wrapped, err := validateSource(source)
	if err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(e.symbols); err != nil {
		return nil, fmt.Errorf("load restricted stdlib: %w", err)
	}
	if err := i.Use(e.hostExports(scriptID)); err != nil {
		return nil, fmt.Errorf("load host exports: %w", err)
	}

	if _, err := i.Eval(wrapped); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	v, err := i.Eval("main." + EntryFunc)
	if err != nil {
		return nil, fmt.Errorf("entry function %s not defined: %w", EntryFunc, err)
	}
	entry, ok := v.Interface().(func(string) (string, error))
	if !ok {
		return nil, fmt.Errorf("entry function %s has wrong signature (want func(string) (string, error))", EntryFunc)
	}
	return entry, nil
}

// hostExports builds the per-run "facetlog" package: the single logging
// hook scripts may call. Output is attributed to the script in the host's
// structured log; scripts get no reply and no other host access.
func (e *Executor) hostExports(scriptID string) interp.Exports {
	logf := func(format string, args ...any) {
		e.logger.Info("script log",
			"script_id", scriptID,
			"message", fmt.Sprintf(format, args...),
		)
	}
	return interp.Exports{
		"facetlog/facetlog": {
			"Printf": reflect.ValueOf(logf),
		},
	}
}

// validateSource parses the script (wrapping bare function bodies in a
// main package), rejects forbidden imports, and returns the evaluable
// source.
func validateSource(source string) (string, error) {
	fset := token.NewFileSet()
	wrapped := source
	f, err := parser.ParseFile(fset, "script.go", wrapped, parser.ImportsOnly)
	if err != nil {
		// No package clause is the common case for admin-authored scripts.
		wrapped = "package main\n\n" + source
		f, err = parser.ParseFile(fset, "script.go", wrapped, parser.ImportsOnly)
		if err != nil {
			return "", fmt.Errorf("parse: %w", err)
		}
	}
	if f.Name.Name != "main" {
		return "", fmt.Errorf("script must not declare package %q", f.Name.Name)
	}

	allowed := make(map[string]bool, len(allowedImports)+1)
	for _, p := range allowedImports {
		allowed[p] = true
	}
	allowed["facetlog"] = true

	for _, imp := range f.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return "", fmt.Errorf("malformed import %s", imp.Path.Value)
		}
		if !allowed[p] {
			return "", fmt.Errorf("forbidden import %q (allowed: %v and facetlog)", p, allowedImports)
		}
	}
	return wrapped, nil
}

// Package diagnostics formats collector errors and prints them in a
// consistent way.
package diagnostics

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/tinygo-org/parallelgc/gc"
)

// A single diagnostic.
type Diagnostic struct {
	Msg string

	// Address involved in the error, if any.
	Addr uintptr

	// Fatal diagnostics come from a collector that found its heap
	// inconsistent and cannot continue.
	Fatal bool
}

// One or multiple errors of a particular component, like the configuration
// or the heap.
type ComponentDiagnostic struct {
	Component   string
	Diagnostics []Diagnostic
}

// Diagnostics of a whole run. This can include errors belonging to multiple
// components, or just a single one.
type ProgramDiagnostic []ComponentDiagnostic

// Error prefixes that name a component.
var components = []string{"config", "gc", "gclayout", "heapdump", "lfstack", "parfor", "task"}

// CreateDiagnostics reads the underlying errors in the error object and
// creates a set of diagnostics that's sorted and can be readily printed.
func CreateDiagnostics(err error) ProgramDiagnostic {
	if err == nil {
		return nil
	}
	byComponent := make(map[string]*ComponentDiagnostic)
	var progDiag ProgramDiagnostic
	var order []string
	for _, d := range flatten(err) {
		component, diag := createDiagnostic(d)
		cd := byComponent[component]
		if cd == nil {
			cd = &ComponentDiagnostic{Component: component}
			byComponent[component] = cd
			order = append(order, component)
		}
		cd.Diagnostics = append(cd.Diagnostics, diag...)
	}
	for _, component := range order {
		cd := byComponent[component]
		// Sort these diagnostics by address; fatal errors first.
		sort.SliceStable(cd.Diagnostics, func(i, j int) bool {
			di, dj := cd.Diagnostics[i], cd.Diagnostics[j]
			if di.Fatal != dj.Fatal {
				return di.Fatal
			}
			return di.Addr < dj.Addr
		})
		progDiag = append(progDiag, *cd)
	}
	return progDiag
}

// flatten splits joined errors.
func flatten(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var errs []error
		for _, err := range joined.Unwrap() {
			errs = append(errs, flatten(err)...)
		}
		return errs
	}
	return []error{err}
}

// Extract diagnostics from the given error message and return them with the
// component they belong to.
func createDiagnostic(err error) (string, []Diagnostic) {
	var fatal *gc.FatalError
	if errors.As(err, &fatal) {
		return "gc", []Diagnostic{{Msg: fatal.Msg, Addr: fatal.Addr, Fatal: true}}
	}
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) {
		var diags []Diagnostic
		for _, msg := range typeErr.Errors {
			diags = append(diags, Diagnostic{Msg: msg})
		}
		return "config", diags
	}
	msg := err.Error()
	for _, c := range components {
		if rest, ok := strings.CutPrefix(msg, c+": "); ok {
			return c, []Diagnostic{{Msg: rest}}
		}
	}
	return "", []Diagnostic{{Msg: msg}}
}

// Recover runs fn and returns the fatal collector error it panicked with,
// if any. Other panics are not recovered.
func Recover(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			fatal, ok := r.(*gc.FatalError)
			if !ok {
				panic(r)
			}
			err = fatal
		}
	}()
	fn()
	return nil
}

const (
	colorRed   = "\x1b[31m"
	colorBold  = "\x1b[1m"
	colorReset = "\x1b[0m"
)

// Write program diagnostics to the given writer, using terminal colors if
// color is set.
func (progDiag ProgramDiagnostic) WriteTo(w io.Writer, color bool) {
	for _, compDiag := range progDiag {
		compDiag.WriteTo(w, color)
	}
}

// Write component diagnostics to the given writer.
func (compDiag ComponentDiagnostic) WriteTo(w io.Writer, color bool) {
	if compDiag.Component != "" {
		if color {
			fmt.Fprintln(w, colorBold+"# "+compDiag.Component+colorReset)
		} else {
			fmt.Fprintln(w, "#", compDiag.Component)
		}
	}
	for _, diag := range compDiag.Diagnostics {
		diag.WriteTo(w, color)
	}
}

// Write this diagnostic to the given writer.
func (diag Diagnostic) WriteTo(w io.Writer, color bool) {
	msg := diag.Msg
	if diag.Addr != 0 {
		msg = fmt.Sprintf("%#x: %s", diag.Addr, msg)
	}
	if !diag.Fatal {
		fmt.Fprintln(w, msg)
		return
	}
	if color {
		fmt.Fprintln(w, colorRed+"fatal error: "+colorReset+msg)
	} else {
		fmt.Fprintln(w, "fatal error:", msg)
	}
}

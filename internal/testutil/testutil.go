// Package testutil provides small assertion helpers in the style used
// throughout this codebase's tests, replacing the noisier
// if err != nil { t.Fatal(err) } boilerplate without pulling in a third
// assertion library.
package testutil

import (
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
)

// Assert fails the test with the given message if cond is false.
func Assert(t testing.TB, cond bool, msg string, args ...interface{}) {
	t.Helper()
	if !cond {
		_, file, line, _ := runtime.Caller(1)
		t.Fatalf("%s:%d: "+msg, append([]interface{}{filepath.Base(file), line}, args...)...)
	}
}

// OK fails the test if err is not nil.
func OK(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		t.Fatalf("%s:%d: unexpected error: %+v", filepath.Base(file), line, err)
	}
}

// Equals fails the test if want != got.
func Equals(t testing.TB, want, got interface{}) {
	t.Helper()
	if fmt.Sprint(want) != fmt.Sprint(got) {
		_, file, line, _ := runtime.Caller(1)
		t.Fatalf("%s:%d: expected %v, got %v", filepath.Base(file), line, want, got)
	}
}

// Package tassert provides common test assertions shared by every
// package's _test.go files, grounded on the pack's tools/tassert
// idiom (fatal-once-per-test tracking, stack dump before failing).
package tassert

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"testing"
)

var (
	fatalities = make(map[string]struct{})
	mu         sync.Mutex
)

// CheckFatal fails the test fatally if err is non-nil. A second
// CheckFatal for the same test (e.g. from a deferred cleanup racing
// the original failure) is reported instead of panicking the runtime.
func CheckFatal(tb testing.TB, err error) {
	if err == nil {
		return
	}
	mu.Lock()
	if _, ok := fatalities[tb.Name()]; ok {
		mu.Unlock()
		fmt.Printf("--- %s: duplicate CheckFatal\n", tb.Name())
		runtime.Goexit()
	} else {
		fatalities[tb.Name()] = struct{}{}
		mu.Unlock()
		debug.PrintStack()
		tb.Fatal(err.Error())
	}
}

// CheckError reports (non-fatally) if err is non-nil.
func CheckError(tb testing.TB, err error) {
	if err != nil {
		debug.PrintStack()
		tb.Error(err.Error())
	}
}

// Fatalf fails the test fatally if cond is false.
func Fatalf(tb testing.TB, cond bool, msg string, args ...interface{}) {
	if !cond {
		debug.PrintStack()
		tb.Fatalf(msg, args...)
	}
}

// Errorf reports (non-fatally) if cond is false.
func Errorf(tb testing.TB, cond bool, msg string, args ...interface{}) {
	if !cond {
		debug.PrintStack()
		tb.Errorf(msg, args...)
	}
}

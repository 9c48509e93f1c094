// Package nlog is the node-wide leveled logger, shared by KER, MEM and
// LFS. It mirrors the teacher's logging idiom: a package-level sink
// with Infoln/Warningln/Errorln/Fatalln plus a verbosity threshold
// gated per module, so a single process can turn up logging for e.g.
// the task scheduler without drowning in gossip chatter.
package nlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// SModule identifies the subsystem emitting a log line, for verbosity gating.
type SModule string

const (
	SmoduleKER     SModule = "ker"
	SmoduleMEM     SModule = "mem"
	SmoduleLFS     SModule = "lfs"
	SmoduleTask    SModule = "task"
	SmoduleNet     SModule = "net"
	SmoduleGossip  SModule = "gossip"
	SmoduleQuantum SModule = "quantum"
)

var (
	mu       sync.Mutex
	out      io.Writer = os.Stderr
	levels             = map[SModule]int{}
	fallback           = 0
	std                = log.New(os.Stderr, "", 0)
)

// SetOutput redirects all subsequent log lines (e.g. to a file opened
// at process start). The default sink is stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	std = log.New(w, "", 0)
}

// SetVerbosity sets the minimum level (0=info, higher=more verbose debug)
// for a given module. Unset modules use the fallback level.
func SetVerbosity(m SModule, level int) {
	mu.Lock()
	defer mu.Unlock()
	levels[m] = level
}

func SetFallbackVerbosity(level int) {
	mu.Lock()
	defer mu.Unlock()
	fallback = level
}

// FastV reports whether logging at `level` is enabled for `m` without
// incurring the cost of formatting the message when it's not.
func FastV(level int, m SModule) bool {
	mu.Lock()
	defer mu.Unlock()
	if lv, ok := levels[m]; ok {
		return level <= lv
	}
	return level <= fallback
}

func line(level, msg string) string {
	return fmt.Sprintf("%s %-7s %s", time.Now().Format("15:04:05.000"), level, msg)
}

func Infoln(v ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	std.Println(line("INFO", fmt.Sprint(v...)))
}

func Infof(format string, v ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	std.Println(line("INFO", fmt.Sprintf(format, v...)))
}

func Warningln(v ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	std.Println(line("WARN", fmt.Sprint(v...)))
}

func Warningf(format string, v ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	std.Println(line("WARN", fmt.Sprintf(format, v...)))
}

func Errorln(v ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	std.Println(line("ERROR", fmt.Sprint(v...)))
}

func Errorf(format string, v ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	std.Println(line("ERROR", fmt.Sprintf(format, v...)))
}

func Fatalln(v ...interface{}) {
	mu.Lock()
	std.Println(line("FATAL", fmt.Sprint(v...)))
	mu.Unlock()
	os.Exit(1)
}

// Flush is a no-op placeholder kept for symmetry with rotation-capable
// sinks; no node binary currently calls it.
func Flush() {}

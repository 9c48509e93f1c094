// Package quantum implements C11: the bookkeeping half of the RUN
// verb's LQL script runner (spec §4.11). A Script is data_run_t — the
// open script file, the open output log, and how many lines have been
// consumed so far — kept alive across a quantum-exhaustion yield so
// the next wake-up resumes exactly where the last one left off. The
// actual per-line LQL parsing and dispatch stays with the caller
// (ker/worker.go's handleRun): this package only knows how to hand
// back one line at a time and record a result, mirroring how the
// original split data_run_t (pure state) from worker_handle_run
// (the no-op driver the scheduler actually calls).
package quantum

import (
	"bufio"
	"fmt"
	"os"
)

// Script tracks one in-flight RUN task's script and output log.
type Script struct {
	ScriptPath string
	OutputPath string
	LineNumber uint32

	file   *os.File
	scan   *bufio.Scanner
	output *os.File
	closed bool
}

// Open opens the script file for line-by-line reading and creates its
// output log (spec §4.11 "opens the script file line-by-line").
func Open(scriptPath, outputPath string) (*Script, error) {
	f, err := os.Open(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("quantum: opening script %s: %w", scriptPath, err)
	}
	out, err := os.Create(outputPath)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("quantum: creating output %s: %w", outputPath, err)
	}
	return &Script{
		ScriptPath: scriptPath,
		OutputPath: outputPath,
		file:       f,
		scan:       bufio.NewScanner(f),
		output:     out,
	}, nil
}

// Next returns the next line and advances LineNumber, or ok=false once
// the script is exhausted (EOF or a read error, surfaced via Err).
func (s *Script) Next() (line string, ok bool) {
	if !s.scan.Scan() {
		return "", false
	}
	s.LineNumber++
	return s.scan.Text(), true
}

// Err reports the underlying scan error, if Next returned false for a
// reason other than a clean EOF.
func (s *Script) Err() error { return s.scan.Err() }

// Report appends one line to the script's output log — the RUN
// equivalent of a CLI report line, redirected to a file since a
// script's issuer isn't necessarily watching a console.
func (s *Script) Report(format string, args ...interface{}) {
	fmt.Fprintf(s.output, format+"\n", args...)
}

// Close releases the script and output file handles. Safe to call
// once the run completes or is abandoned; a second call is a no-op.
func (s *Script) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	outErr := s.output.Close()
	inErr := s.file.Close()
	if inErr != nil {
		return inErr
	}
	return outErr
}

// Package lql implements the LQL command grammar of spec §6: the same
// whitespace-tokenized, quote-aware syntax accepted at the CLI and
// line-by-line inside a RUN script. It is
// grounded on the original's common/cli_parser.c — one parser shared
// by every surface that accepts LQL text, exactly like here.
package lql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lissandra-db/lissandra/cmn"
)

// Statement is a single parsed LQL line: the verb plus whichever typed
// request fields apply to it. RemoteID is left zero for the caller to
// stamp in, same as every proto request type.
type Statement struct {
	Verb        cmn.Verb
	Name        string
	Consistency cmn.Consistency
	Partitions  uint16
	Interval    uint32
	Key         uint16
	Value       string
	Timestamp   uint64
	MemNumber   uint16
	ScriptPath  string
}

// Tokenize splits a line into whitespace-separated fields, honoring
// double-quoted strings as one field (spec §6 "quoted strings
// supported") so an INSERT value may contain spaces.
func Tokenize(line string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	hasField := false

	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			hasField = true
		case (r == ' ' || r == '\t') && !inQuotes:
			if hasField {
				fields = append(fields, cur.String())
				cur.Reset()
				hasField = false
			}
		default:
			cur.WriteRune(r)
			hasField = true
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("lql: unterminated quoted string")
	}
	if hasField {
		fields = append(fields, cur.String())
	}
	return fields, nil
}

// Parse tokenizes and interprets one LQL line into a Statement
// (spec §6's command table). Table names are uppercased on entry, per
// spec. An empty or comment (#-prefixed) line returns VerbNone, nil.
func Parse(line string) (Statement, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return Statement{Verb: cmn.VerbNone}, nil
	}

	fields, err := Tokenize(trimmed)
	if err != nil {
		return Statement{}, err
	}
	if len(fields) == 0 {
		return Statement{Verb: cmn.VerbNone}, nil
	}

	header := strings.ToUpper(fields[0])
	args := fields[1:]

	switch header {
	case "CREATE":
		return parseCreate(args)
	case "DROP":
		return parseDrop(args)
	case "DESCRIBE":
		return parseDescribe(args)
	case "SELECT":
		return parseSelect(args)
	case "INSERT":
		return parseInsert(args)
	case "JOURNAL":
		return Statement{Verb: cmn.VerbJournal}, nil
	case "ADD":
		return parseAddMemory(args)
	case "RUN":
		return parseRun(args)
	case "LOGFILE":
		return Statement{Verb: cmn.VerbLogfile}, nil
	case "EXIT":
		return Statement{Verb: cmn.VerbExit}, nil
	default:
		return Statement{}, fmt.Errorf("lql: unknown command %q", fields[0])
	}
}

func parseCreate(args []string) (Statement, error) {
	if len(args) < 4 {
		return Statement{}, fmt.Errorf("lql: usage: CREATE [TABLE_NAME] [CONSISTENCY] [NUM_PARTITIONS] [COMPACTION_INTERVAL]")
	}
	consistency, ok := cmn.ParseConsistency(strings.ToUpper(args[1]))
	if !ok {
		return Statement{}, fmt.Errorf("lql: invalid consistency %q", args[1])
	}
	partitions, err := strconv.ParseUint(args[2], 10, 16)
	if err != nil {
		return Statement{}, fmt.Errorf("lql: invalid partitions %q", args[2])
	}
	interval, err := strconv.ParseUint(args[3], 10, 32)
	if err != nil {
		return Statement{}, fmt.Errorf("lql: invalid compaction interval %q", args[3])
	}
	return Statement{
		Verb:        cmn.VerbCreate,
		Name:        strings.ToUpper(args[0]),
		Consistency: consistency,
		Partitions:  uint16(partitions),
		Interval:    uint32(interval),
	}, nil
}

func parseDrop(args []string) (Statement, error) {
	if len(args) < 1 {
		return Statement{}, fmt.Errorf("lql: usage: DROP [TABLE_NAME]")
	}
	return Statement{Verb: cmn.VerbDrop, Name: strings.ToUpper(args[0])}, nil
}

func parseDescribe(args []string) (Statement, error) {
	if len(args) < 1 {
		return Statement{Verb: cmn.VerbDescribe}, nil
	}
	return Statement{Verb: cmn.VerbDescribe, Name: strings.ToUpper(args[0])}, nil
}

func parseSelect(args []string) (Statement, error) {
	if len(args) < 2 {
		return Statement{}, fmt.Errorf("lql: usage: SELECT [TABLE_NAME] [KEY]")
	}
	key, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		return Statement{}, fmt.Errorf("lql: invalid key %q", args[1])
	}
	return Statement{Verb: cmn.VerbSelect, Name: strings.ToUpper(args[0]), Key: uint16(key)}, nil
}

func parseInsert(args []string) (Statement, error) {
	if len(args) < 3 {
		return Statement{}, fmt.Errorf(`lql: usage: INSERT [TABLE_NAME] [KEY] "[VALUE]" (TIMESTAMP)`)
	}
	key, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		return Statement{}, fmt.Errorf("lql: invalid key %q", args[1])
	}
	if strings.ContainsRune(args[2], ';') {
		return Statement{}, fmt.Errorf("lql: value must not contain ';'")
	}
	stmt := Statement{Verb: cmn.VerbInsert, Name: strings.ToUpper(args[0]), Key: uint16(key), Value: args[2]}
	if len(args) >= 4 {
		ts, err := strconv.ParseUint(args[3], 10, 64)
		if err != nil {
			return Statement{}, fmt.Errorf("lql: invalid timestamp %q", args[3])
		}
		stmt.Timestamp = ts
	}
	return stmt, nil
}

// parseAddMemory handles "ADD MEMORY [MEM_NUMBER] TO [CONSISTENCY]" —
// the leading ADD has already been consumed as the header.
func parseAddMemory(args []string) (Statement, error) {
	if len(args) < 4 || !strings.EqualFold(args[0], "MEMORY") || !strings.EqualFold(args[2], "TO") {
		return Statement{}, fmt.Errorf("lql: usage: ADD MEMORY [MEM_NUMBER] TO [CONSISTENCY]")
	}
	memNumber, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		return Statement{}, fmt.Errorf("lql: invalid mem number %q", args[1])
	}
	consistency, ok := cmn.ParseConsistency(strings.ToUpper(args[3]))
	if !ok {
		return Statement{}, fmt.Errorf("lql: invalid consistency %q", args[3])
	}
	return Statement{Verb: cmn.VerbAddMemory, MemNumber: uint16(memNumber), Consistency: consistency}, nil
}

func parseRun(args []string) (Statement, error) {
	if len(args) < 1 {
		return Statement{}, fmt.Errorf("lql: usage: RUN [LQL_FILE_PATH]")
	}
	return Statement{Verb: cmn.VerbRun, ScriptPath: args[0]}, nil
}

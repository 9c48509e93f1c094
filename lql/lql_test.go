package lql

import (
	"testing"

	"github.com/lissandra-db/lissandra/cmn"
)

func TestParseCreate(t *testing.T) {
	stmt, err := Parse(`create mytable SC 4 60000`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if stmt.Verb != cmn.VerbCreate {
		t.Fatalf("verb = %v, want VerbCreate", stmt.Verb)
	}
	if stmt.Name != "MYTABLE" {
		t.Fatalf("name = %q, want MYTABLE", stmt.Name)
	}
	if stmt.Consistency != cmn.ConsistencyStrong {
		t.Fatalf("consistency = %v, want ConsistencyStrong", stmt.Consistency)
	}
	if stmt.Partitions != 4 || stmt.Interval != 60000 {
		t.Fatalf("got partitions=%d interval=%d", stmt.Partitions, stmt.Interval)
	}
}

func TestParseCreateBadConsistency(t *testing.T) {
	if _, err := Parse(`CREATE t XX 1 1`); err == nil {
		t.Fatal("expected an error for an invalid consistency token")
	}
}

func TestParseInsertWithQuotedValueAndTimestamp(t *testing.T) {
	stmt, err := Parse(`INSERT t 5 "hello world" 123456`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if stmt.Verb != cmn.VerbInsert || stmt.Key != 5 || stmt.Value != "hello world" || stmt.Timestamp != 123456 {
		t.Fatalf("got %+v", stmt)
	}
}

func TestParseInsertRejectsSemicolon(t *testing.T) {
	if _, err := Parse(`INSERT t 5 "bad;value"`); err == nil {
		t.Fatal("expected an error for a value containing ';'")
	}
}

func TestParseInsertWithoutTimestamp(t *testing.T) {
	stmt, err := Parse(`INSERT t 1 value`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if stmt.Timestamp != 0 {
		t.Fatalf("timestamp = %d, want 0 when omitted", stmt.Timestamp)
	}
}

func TestParseDescribeAllTables(t *testing.T) {
	stmt, err := Parse(`DESCRIBE`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if stmt.Verb != cmn.VerbDescribe || stmt.Name != "" {
		t.Fatalf("got %+v", stmt)
	}
}

func TestParseAddMemory(t *testing.T) {
	stmt, err := Parse(`ADD MEMORY 2 TO SHC`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if stmt.Verb != cmn.VerbAddMemory || stmt.MemNumber != 2 || stmt.Consistency != cmn.ConsistencyStrongHashed {
		t.Fatalf("got %+v", stmt)
	}
}

func TestParseAddMemoryBadGrammar(t *testing.T) {
	if _, err := Parse(`ADD 2 TO SHC`); err == nil {
		t.Fatal("expected an error: missing the MEMORY token")
	}
}

func TestParseZeroArgVerbs(t *testing.T) {
	for _, tc := range []struct {
		line string
		verb cmn.Verb
	}{
		{"JOURNAL", cmn.VerbJournal},
		{"LOGFILE", cmn.VerbLogfile},
		{"EXIT", cmn.VerbExit},
	} {
		stmt, err := Parse(tc.line)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.line, err)
		}
		if stmt.Verb != tc.verb {
			t.Fatalf("Parse(%q) = %v, want %v", tc.line, stmt.Verb, tc.verb)
		}
	}
}

func TestParseRun(t *testing.T) {
	stmt, err := Parse(`RUN /tmp/script.lql`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if stmt.Verb != cmn.VerbRun || stmt.ScriptPath != "/tmp/script.lql" {
		t.Fatalf("got %+v", stmt)
	}
}

func TestParseBlankAndCommentLines(t *testing.T) {
	for _, line := range []string{"", "   ", "# a comment"} {
		stmt, err := Parse(line)
		if err != nil {
			t.Fatalf("Parse(%q): %v", line, err)
		}
		if stmt.Verb != cmn.VerbNone {
			t.Fatalf("Parse(%q) = %v, want VerbNone", line, stmt.Verb)
		}
	}
}

func TestParseUnknownCommand(t *testing.T) {
	if _, err := Parse(`BOGUS a b c`); err == nil {
		t.Fatal("expected an error for an unknown command")
	}
}

func TestTokenizeUnterminatedQuote(t *testing.T) {
	if _, err := Tokenize(`INSERT t 1 "oops`); err == nil {
		t.Fatal("expected an error for an unterminated quoted string")
	}
}

func TestTokenizeHonorsQuotedSpaces(t *testing.T) {
	fields, err := Tokenize(`a "b c" d`)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	want := []string{"a", "b c", "d"}
	if len(fields) != len(want) {
		t.Fatalf("got %v, want %v", fields, want)
	}
	for i := range want {
		if fields[i] != want[i] {
			t.Fatalf("got %v, want %v", fields, want)
		}
	}
}

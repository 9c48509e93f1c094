// Command lql is the interactive LQL client: it reads statements on
// stdin, parses them with package lql, and round-trips each one to a
// KER node over the wire protocol (spec §6).
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/lql"
	"github.com/lissandra-db/lissandra/netctx"
	"github.com/lissandra-db/lissandra/proto"
	"github.com/lissandra-db/lissandra/wire"
)

// result is what one round trip resolves to: either a plain status, a
// select row, or a (possibly multi-chunk) describe listing.
type result struct {
	err      error
	selected *proto.SelectResult
	rows     []cmn.TableMeta
}

type session struct {
	conn     *netctx.Client
	remoteID uint16
	pending  chan result
	describe []cmn.TableMeta
}

func main() {
	ip := flag.String("ip", "127.0.0.1", "KER node IP")
	port := flag.Uint("port", 8080, "KER node port")
	password := flag.String("password", "", "shared cluster password")
	flag.Parse()

	conn, err := netctx.Dial(netctx.ClientArgs{
		Name:         "lql",
		IP:           *ip,
		Port:         uint16(*port),
		OnDisconnect: func() { fmt.Fprintln(os.Stderr, "lql: disconnected from ker"); os.Exit(1) },
	}, 5*time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, "lql: dial:", err)
		os.Exit(1)
	}

	s := &session{conn: conn, pending: make(chan result, 1)}
	conn.SetHandler(wire.HeaderAck, func(uint16, []byte) {})
	conn.SetHandler(proto.HeaderResponse, s.onStatus)
	conn.SetHandler(proto.HeaderSelect, s.onSelect)
	conn.SetHandler(proto.HeaderDescribeChunk, s.onDescribeChunk)

	if err := conn.Send(wire.HeaderAuth, proto.EncodeAuthRequest(proto.AuthRequest{Password: *password})); err != nil {
		fmt.Fprintln(os.Stderr, "lql: auth:", err)
		os.Exit(1)
	}
	s.drain(time.Second)

	fmt.Println("lql ready. Type a statement, or EXIT to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	logfile := false
	for {
		fmt.Print("lql> ")
		if !scanner.Scan() {
			return
		}
		line := scanner.Text()
		stmt, perr := lql.Parse(line)
		if perr != nil {
			fmt.Println("error:", perr)
			continue
		}
		switch stmt.Verb {
		case cmn.VerbNone:
			continue
		case cmn.VerbExit:
			conn.Close()
			return
		case cmn.VerbLogfile:
			logfile = !logfile
			fmt.Println("logfile echoing:", logfile)
			continue
		}

		res, err := s.roundTrip(stmt)
		if err != nil {
			fmt.Println("error:", err)
			if logfile {
				logLine("error: " + err.Error())
			}
			continue
		}
		switch {
		case res.selected != nil:
			fmt.Printf("key=%d value=%q timestamp=%d\n", res.selected.Key, res.selected.Value, res.selected.Timestamp)
		case res.rows != nil:
			for _, row := range res.rows {
				fmt.Printf("%-16s consistency=%s partitions=%d compactionInterval=%d\n",
					row.Name, row.Consistency, row.Partitions, row.CompactionInterval)
			}
		default:
			fmt.Println("ok")
		}
		if logfile {
			logLine("ok: " + strings.TrimSpace(line))
		}
	}
}

// roundTrip sends one already-parsed statement and blocks for its
// response. A fresh RemoteID is minted per round trip since the CLI
// never pipelines more than one statement at a time.
func (s *session) roundTrip(stmt lql.Statement) (result, error) {
	s.remoteID++
	id := s.remoteID
	s.describe = s.describe[:0]

	var payload []byte
	var header wire.Header
	switch stmt.Verb {
	case cmn.VerbCreate:
		header = proto.HeaderCreate
		payload = proto.EncodeCreateRequest(proto.CreateRequest{RemoteID: id, Name: stmt.Name, Consistency: stmt.Consistency, Partitions: stmt.Partitions, CompactionInterval: stmt.Interval})
	case cmn.VerbDrop:
		header = proto.HeaderDrop
		payload = proto.EncodeDropRequest(proto.DropRequest{RemoteID: id, Name: stmt.Name})
	case cmn.VerbDescribe:
		header = proto.HeaderDescribe
		payload = proto.EncodeDescribeRequest(proto.DescribeRequest{RemoteID: id, Name: stmt.Name})
	case cmn.VerbSelect:
		header = proto.HeaderSelect
		payload = proto.EncodeSelectRequest(proto.SelectRequest{RemoteID: id, Name: stmt.Name, Key: stmt.Key})
	case cmn.VerbInsert:
		header = proto.HeaderInsert
		payload = proto.EncodeInsertRequest(proto.InsertRequest{RemoteID: id, Name: stmt.Name, Key: stmt.Key, Value: stmt.Value, Timestamp: stmt.Timestamp})
	case cmn.VerbJournal:
		header = proto.HeaderJournal
		payload = proto.EncodeJournalRequest(proto.JournalRequest{RemoteID: id})
	case cmn.VerbAddMemory:
		header = proto.HeaderAddMem
		payload = proto.EncodeAddMemRequest(proto.AddMemRequest{RemoteID: id, MemNumber: stmt.MemNumber, Consistency: stmt.Consistency})
	case cmn.VerbRun:
		header = proto.HeaderRun
		payload = proto.EncodeRunRequest(proto.RunRequest{RemoteID: id, ScriptPath: stmt.ScriptPath})
	default:
		return result{}, fmt.Errorf("lql: %s is not a network statement", stmt.Verb)
	}

	if err := s.conn.Send(header, payload); err != nil {
		return result{}, err
	}
	return s.await(30 * time.Second), nil
}

// await blocks for the worker goroutine-free client to receive a
// response, pumping PollEvents itself since nothing else drives this
// connection (the CLI has no separate network loop).
func (s *session) await(timeout time.Duration) result {
	deadline := time.Now().Add(timeout)
	for {
		select {
		case r := <-s.pending:
			return r
		default:
		}
		if time.Now().After(deadline) {
			return result{err: fmt.Errorf("lql: timed out waiting for a response")}
		}
		s.conn.PollEvents(20 * time.Millisecond)
	}
}

func (s *session) drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.conn.PollEvents(20 * time.Millisecond)
	}
}

func (s *session) onStatus(_ uint16, payload []byte) {
	status, _ := proto.DecodeStatus(payload)
	if status.Code != 0 {
		s.pending <- result{err: fmt.Errorf("%s", status.Message)}
		return
	}
	s.pending <- result{}
}

func (s *session) onSelect(_ uint16, payload []byte) {
	res, status, err := proto.DecodeSelectResult(payload)
	if err != nil {
		s.pending <- result{err: fmt.Errorf("%s", status.Message)}
		return
	}
	s.pending <- result{selected: &res}
}

func (s *session) onDescribeChunk(_ uint16, payload []byte) {
	chunk := proto.DecodeDescribeChunk(payload)
	s.describe = append(s.describe, chunk.Rows...)
	if uint16(len(s.describe)) >= chunk.TotalCount {
		s.pending <- result{rows: s.describe}
	}
}

func logLine(msg string) {
	f, err := os.OpenFile("lql.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s\n", time.Now().Format(time.RFC3339), msg)
}

package lfs

import "github.com/lissandra-db/lissandra/cmn/nlog"

// Dump implements spec §4.6 "Dump": drain the memtable, sort +
// uniquify (keeping the highest timestamp per key), serialize as
// rows, and register the result as the table's next D<j>.tmp.
func (e *Engine) Dump(tableName string) error {
	t, err := e.lookupTable(tableName)
	if err != nil {
		return err
	}
	if t.memtable.len() == 0 {
		return nil
	}

	recs := t.memtable.drain()
	recs = sortAndDedup(recs, t.Meta.Partitions)
	raw := serializeRows(recs)

	d, err := e.fs.WriteFile(raw)
	if err != nil {
		return err
	}
	j := e.fs.NextDumpNumber(tableName)
	if err := e.fs.SetDump(tableName, j, false, d); err != nil {
		e.fs.FreeFile(d)
		return err
	}
	t.buildFilter(e.fs.dumpPath(tableName, j, false), recs)
	nlog.Infof("[lfs] dumped %d records for table %q as D%d.tmp", len(recs), tableName, j)
	return nil
}

// DumpAll runs Dump synchronously across every live table. The
// periodic dump timer uses TickDump instead, which submits one worker
// task per table.
func (e *Engine) DumpAll() {
	for _, name := range e.tableNames() {
		if err := e.Dump(name); err != nil {
			nlog.Warningf("[lfs] dump of table %q failed: %v", name, err)
		}
	}
}

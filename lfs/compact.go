package lfs

import (
	"time"

	"github.com/lissandra-db/lissandra/cmn/metrics"
	"github.com/lissandra-db/lissandra/cmn/nlog"
)

// Compact runs the three-stage compaction of spec §4.6 for one table.
// It silently skips if a compaction is already running on the table
// (the "at most one compaction per table" policy).
func (e *Engine) Compact(tableName string) error {
	t, err := e.lookupTable(tableName)
	if err != nil {
		return err
	}
	if !t.tryBeginCompaction() {
		nlog.Infof("[lfs] compaction of %q already running, skipping", tableName)
		return nil
	}
	defer t.endCompaction()

	start := time.Now()

	dumps, err := e.snapshotStage(t, tableName)
	if err != nil {
		return err
	}
	if len(dumps) == 0 {
		return nil
	}

	partitions, err := e.mergeStage(t, tableName, dumps)
	if err != nil {
		return err
	}

	if err := e.swapStage(t, tableName, dumps, partitions); err != nil {
		return err
	}

	metrics.CompactionDurationSeconds.WithLabelValues(tableName).Observe(time.Since(start).Seconds())
	nlog.Infof("[lfs] compacted table %q in %s", tableName, time.Since(start))
	return nil
}

// snapshotStage is stage 1: block the table, rename every D<j>.tmp to
// D<j>.tmpc, unblock.
func (e *Engine) snapshotStage(t *Table, tableName string) ([]uint16, error) {
	t.lock.Block()
	defer t.lock.Unblock()
	t.lock.WaitUnused()

	dumps, err := e.fs.ListDumps(tableName)
	if err != nil {
		return nil, err
	}
	for _, j := range dumps {
		if err := e.fs.RenameDumpToCompaction(tableName, j); err != nil {
			return nil, err
		}
		t.invalidateFilter(e.fs.dumpPath(tableName, j, false))
	}
	return dumps, nil
}

// mergeStage is stage 2: without the table block held, load every
// .tmpc into one memtable, sort+uniquify, and write a fresh P<i>.binc
// per non-empty partition subset.
func (e *Engine) mergeStage(t *Table, tableName string, dumps []uint16) (map[uint16]bool, error) {
	var all []memRecord
	for _, j := range dumps {
		d, err := e.fs.GetDump(tableName, j, true)
		if err != nil {
			return nil, err
		}
		raw, err := e.fs.ReadFile(d)
		if err != nil {
			return nil, err
		}
		recs, err := parseRows(raw)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	all = sortAndDedup(all, t.Meta.Partitions)

	byPartition := make(map[uint16][]memRecord)
	for _, r := range all {
		p := part(r.Key, t.Meta.Partitions)
		byPartition[p] = append(byPartition[p], r)
	}

	touched := make(map[uint16]bool, len(byPartition))
	for p, subset := range byPartition {
		existing, err := e.fs.GetPartition(tableName, p, false)
		if err == nil {
			raw, rerr := e.fs.ReadFile(existing)
			if rerr == nil {
				old, perr := parseRows(raw)
				if perr == nil {
					subset = sortAndDedup(append(subset, old...), t.Meta.Partitions)
				}
			}
		}
		raw := serializeRows(subset)
		nd, werr := e.fs.WriteFile(raw)
		if werr != nil {
			return nil, werr
		}
		if serr := e.fs.SetPartition(tableName, p, true, nd); serr != nil {
			e.fs.FreeFile(nd)
			return nil, serr
		}
		t.buildFilter(e.fs.partPath(tableName, p, true), subset)
		touched[p] = true
	}
	return touched, nil
}

// swapStage is stage 3: block the table, delete consumed .tmpc dumps,
// promote every touched P<i>.binc over P<i>.bin, unblock.
func (e *Engine) swapStage(t *Table, tableName string, dumps []uint16, touched map[uint16]bool) error {
	t.lock.Block()
	defer t.lock.Unblock()
	t.lock.WaitUnused()

	for _, j := range dumps {
		if err := e.fs.DeleteDump(tableName, j, true); err != nil {
			nlog.Warningf("[lfs] removing consumed dump D%d.tmpc for %q: %v", j, tableName, err)
		}
	}
	for p := range touched {
		if err := e.fs.PromoteCompactedPartition(tableName, p); err != nil {
			return err
		}
		t.invalidateFilter(e.fs.partPath(tableName, p, false))
	}
	return nil
}

// CompactAll runs Compact synchronously across every live table; the
// table's compactionInterval is not consulted. The node's timer loop
// uses TickCompaction instead, which submits one worker task per table.
func (e *Engine) CompactAll() {
	for _, name := range e.tableNames() {
		if err := e.Compact(name); err != nil {
			nlog.Warningf("[lfs] compaction of table %q failed: %v", name, err)
		}
	}
}

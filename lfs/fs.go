// Package lfs implements C6: the log-structured, block-addressed
// storage engine served by an LFS node (bitmap block allocator,
// partition/dump files, memtable, select-merge, compaction, drop).
package lfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/karrick/godirwalk"

	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/cmn/nlog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	rootMarker        = ".lfs_root"
	dirMetadata        = "metadata"
	dirTables          = "tables"
	dirBlocks          = "blocks"
	fileBitmap         = "bitmap.bin"
	partPrefix         = "P"
	partExt            = "bin"
	partExtCompaction  = "binc"
	dumpPrefix         = "D"
	dumpExt            = "tmp"
	dumpExtCompaction  = "tmpc"
)

// FileDescriptor is fs_file_t: the ordered list of blocks a logical
// partition/dump file is made of, plus its logical byte size.
type FileDescriptor struct {
	Size        uint32   `json:"size"`
	BlocksCount uint32   `json:"blocksCount"`
	Blocks      []uint32 `json:"blocks"`
}

// FS owns the root directory layout and the block allocator.
type FS struct {
	rootDir     string
	blockSize   uint32
	blocksCount uint32
	bitmap      *blockBitmap
}

// Bootstrap mounts rootDir, creating the marker/metadata/tables/blocks
// layout and a zeroed bitmap when rootDir is empty, or validating and
// loading an existing mount otherwise (spec §4.6 "Bootstrap").
func Bootstrap(rootDir string, blocksCount, blockSize uint32) (*FS, error) {
	markerPath := filepath.Join(rootDir, rootMarker)
	if _, err := os.Stat(rootDir); err == nil {
		if _, statErr := os.Stat(markerPath); statErr != nil {
			return nil, fmt.Errorf("lfs: %q exists but is not a lissandra filesystem (%s missing)", rootDir, rootMarker)
		}
		return load(rootDir, blocksCount, blockSize)
	}
	return bootstrapNew(rootDir, blocksCount, blockSize)
}

func bootstrapNew(rootDir string, blocksCount, blockSize uint32) (*FS, error) {
	nlog.Infof("[lfs] bootstrapping filesystem in %s", rootDir)
	for _, dir := range []string{rootDir, filepath.Join(rootDir, dirMetadata), filepath.Join(rootDir, dirTables), filepath.Join(rootDir, dirBlocks)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("lfs: mkdir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(filepath.Join(rootDir, rootMarker), nil, 0644); err != nil {
		return nil, fmt.Errorf("lfs: write marker: %w", err)
	}

	bmp, err := createBitmap(filepath.Join(rootDir, dirMetadata, fileBitmap), blocksCount)
	if err != nil {
		return nil, err
	}
	return &FS{rootDir: rootDir, blockSize: blockSize, blocksCount: blocksCount, bitmap: bmp}, nil
}

func load(rootDir string, blocksCount, blockSize uint32) (*FS, error) {
	bmp, err := loadBitmap(filepath.Join(rootDir, dirMetadata, fileBitmap), blocksCount)
	if err != nil {
		return nil, err
	}
	nlog.Infof("[lfs] mounted existing filesystem at %s (%d blocks used)", rootDir, bmp.used())
	return &FS{rootDir: rootDir, blockSize: blockSize, blocksCount: blocksCount, bitmap: bmp}, nil
}

func (fs *FS) BlockSize() uint32 { return fs.blockSize }

func (fs *FS) tableDir(name string) string { return filepath.Join(fs.rootDir, dirTables, name) }

func (fs *FS) metaPath(name string) string { return filepath.Join(fs.tableDir(name), dirMetadata) }

func (fs *FS) partPath(name string, i uint16, duringCompaction bool) string {
	ext := partExt
	if duringCompaction {
		ext = partExtCompaction
	}
	return filepath.Join(fs.tableDir(name), fmt.Sprintf("%s%d.%s", partPrefix, i, ext))
}

func (fs *FS) dumpPath(name string, j uint16, duringCompaction bool) string {
	ext := dumpExt
	if duringCompaction {
		ext = dumpExtCompaction
	}
	return filepath.Join(fs.tableDir(name), fmt.Sprintf("%s%d.%s", dumpPrefix, j, ext))
}

func (fs *FS) blockPath(block uint32) string {
	return filepath.Join(fs.rootDir, dirBlocks, fmt.Sprintf("%d.bin", block))
}

// CreateTableDir creates tables/<name>/ and writes its metadata file.
func (fs *FS) CreateTableDir(meta cmn.TableMeta) error {
	if err := os.MkdirAll(fs.tableDir(meta.Name), 0755); err != nil {
		return fmt.Errorf("lfs: mkdir table %s: %w", meta.Name, err)
	}
	return fs.WriteMeta(meta)
}

// RemoveTableDir recursively removes a table's entire directory.
func (fs *FS) RemoveTableDir(name string) error {
	return os.RemoveAll(fs.tableDir(name))
}

// TableExists reports whether a table directory is present on disk.
func (fs *FS) TableExists(name string) bool {
	_, err := os.Stat(fs.tableDir(name))
	return err == nil
}

func (fs *FS) WriteMeta(meta cmn.TableMeta) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(fs.metaPath(meta.Name), b, 0644)
}

func (fs *FS) ReadMeta(name string) (cmn.TableMeta, error) {
	var meta cmn.TableMeta
	b, err := os.ReadFile(fs.metaPath(name))
	if err != nil {
		return meta, fmt.Errorf("lfs: table %q metadata missing or unreadable: %w", name, err)
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return meta, fmt.Errorf("lfs: table %q metadata malformed: %w", name, err)
	}
	return meta, nil
}

func (fs *FS) readDescriptor(path string) (FileDescriptor, error) {
	var d FileDescriptor
	b, err := os.ReadFile(path)
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return d, fmt.Errorf("lfs: descriptor %s malformed: %w", path, err)
	}
	return d, nil
}

func (fs *FS) writeDescriptor(path string, d FileDescriptor) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

func (fs *FS) GetPartition(name string, i uint16, duringCompaction bool) (FileDescriptor, error) {
	return fs.readDescriptor(fs.partPath(name, i, duringCompaction))
}

func (fs *FS) SetPartition(name string, i uint16, duringCompaction bool, d FileDescriptor) error {
	return fs.writeDescriptor(fs.partPath(name, i, duringCompaction), d)
}

func (fs *FS) PartitionExists(name string, i uint16, duringCompaction bool) bool {
	_, err := os.Stat(fs.partPath(name, i, duringCompaction))
	return err == nil
}

func (fs *FS) DeletePartition(name string, i uint16, duringCompaction bool) error {
	return os.Remove(fs.partPath(name, i, duringCompaction))
}

func (fs *FS) RenamePartitionToCompaction(name string, i uint16) error {
	return os.Rename(fs.partPath(name, i, false), fs.partPath(name, i, true))
}

func (fs *FS) PromoteCompactedPartition(name string, i uint16) error {
	if err := os.Remove(fs.partPath(name, i, false)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.Rename(fs.partPath(name, i, true), fs.partPath(name, i, false))
}

func (fs *FS) GetDump(name string, j uint16, duringCompaction bool) (FileDescriptor, error) {
	return fs.readDescriptor(fs.dumpPath(name, j, duringCompaction))
}

func (fs *FS) SetDump(name string, j uint16, duringCompaction bool, d FileDescriptor) error {
	return fs.writeDescriptor(fs.dumpPath(name, j, duringCompaction), d)
}

func (fs *FS) DeleteDump(name string, j uint16, duringCompaction bool) error {
	return os.Remove(fs.dumpPath(name, j, duringCompaction))
}

func (fs *FS) RenameDumpToCompaction(name string, j uint16) error {
	return os.Rename(fs.dumpPath(name, j, false), fs.dumpPath(name, j, true))
}

// ListDumps scans a table's directory for D<n>.tmp files, returning
// their dump numbers in ascending order (spec §4.6 "Compaction" stage
// 1: "enumerate dumps").
func (fs *FS) ListDumps(tableName string) ([]uint16, error) {
	var nums []uint16
	err := godirwalk.Walk(fs.tableDir(tableName), &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			n, ok := parseDumpNumber(filepath.Base(path))
			if ok {
				nums = append(nums, n)
			}
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		return nil, fmt.Errorf("lfs: scan dumps for %q: %w", tableName, err)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

// ListTables scans tables/ for subdirectories, one per table mounted
// on this filesystem, for use at bootstrap to rebuild the in-memory
// table registry from an existing mount.
func (fs *FS) ListTables() ([]string, error) {
	dir := filepath.Join(fs.rootDir, dirTables)
	var names []string
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == dir || !de.IsDir() {
				return nil
			}
			names = append(names, filepath.Base(path))
			return godirwalk.SkipThis
		},
		Unsorted: true,
	})
	if err != nil {
		return nil, fmt.Errorf("lfs: scan tables: %w", err)
	}
	return names, nil
}

// NextDumpNumber returns one past the highest dump number on disk.
func (fs *FS) NextDumpNumber(tableName string) uint16 {
	nums, _ := fs.ListDumps(tableName)
	var max uint16
	for _, n := range nums {
		if n+1 > max {
			max = n + 1
		}
	}
	return max
}

func parseDumpNumber(base string) (uint16, bool) {
	if !strings.HasPrefix(base, dumpPrefix) || !strings.HasSuffix(base, "."+dumpExt) {
		return 0, false
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(base, dumpPrefix), "."+dumpExt)
	n, err := strconv.ParseUint(mid, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

// ReadBlock reads exactly blockSize bytes (spec: fixed per-block files
// under blocks/<n>.bin).
func (fs *FS) ReadBlock(block uint32) ([]byte, error) {
	return os.ReadFile(fs.blockPath(block))
}

// WriteBlock overwrites a block's file with buf (caller pads/truncates
// to blockSize as needed).
func (fs *FS) WriteBlock(block uint32, buf []byte) error {
	return os.WriteFile(fs.blockPath(block), buf, 0644)
}

// AllocBlocks reserves count free blocks from the bitmap.
func (fs *FS) AllocBlocks(count uint32) ([]uint32, bool) {
	return fs.bitmap.allocMany(count)
}

func (fs *FS) FreeBlocks(blocks []uint32) { fs.bitmap.freeMany(blocks) }

func (fs *FS) UsedBlocks() uint32 { return fs.bitmap.used() }

func (fs *FS) TotalBlocks() uint32 { return fs.blocksCount }

// ReadFile loads every block referenced by d in order and truncates
// the concatenation to d.Size (spec §4.6 "Partition files").
func (fs *FS) ReadFile(d FileDescriptor) ([]byte, error) {
	out := make([]byte, 0, d.Size)
	for _, blk := range d.Blocks {
		b, err := fs.ReadBlock(blk)
		if err != nil {
			return nil, fmt.Errorf("lfs: read block %d: %w", blk, err)
		}
		out = append(out, b...)
	}
	if uint32(len(out)) > d.Size {
		out = out[:d.Size]
	}
	return out, nil
}

// WriteFile allocates as many blocks as needed to hold data and writes
// it out, returning the resulting descriptor.
func (fs *FS) WriteFile(data []byte) (FileDescriptor, error) {
	if len(data) == 0 {
		return FileDescriptor{}, nil
	}
	count := (uint32(len(data)) + fs.blockSize - 1) / fs.blockSize
	blocks, ok := fs.AllocBlocks(count)
	if !ok {
		return FileDescriptor{}, fmt.Errorf("lfs: out of blocks allocating %d", count)
	}
	for i, blk := range blocks {
		start := uint32(i) * fs.blockSize
		end := start + fs.blockSize
		if end > uint32(len(data)) {
			end = uint32(len(data))
		}
		chunk := make([]byte, fs.blockSize)
		copy(chunk, data[start:end])
		if err := fs.WriteBlock(blk, chunk); err != nil {
			fs.FreeBlocks(blocks)
			return FileDescriptor{}, fmt.Errorf("lfs: write block %d: %w", blk, err)
		}
	}
	return FileDescriptor{Size: uint32(len(data)), BlocksCount: count, Blocks: blocks}, nil
}

// FreeFile releases every block a descriptor references.
func (fs *FS) FreeFile(d FileDescriptor) { fs.FreeBlocks(d.Blocks) }

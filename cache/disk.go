package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
)

const recordSuffix = ".pb"

// DiskStorage keeps one directory per bucket and one record file per entry.
// Recently read records are held in an LRU keyed by file name.
type DiskStorage struct {
	path string
	c    *lru.Cache[string, []byte]
}

var _ Storage = (*DiskStorage)(nil)

func NewDiskStorage(path string) (*DiskStorage, error) {
	d := &DiskStorage{path: path}

	var err error
	d.c, err = lru.New[string, []byte](256)
	if err != nil {
		return nil, err
	}

	// Check if the path exists
	stat, err := os.Stat(path)
	if err == nil {
		if !stat.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", path)
		}
		return d, nil
	}

	if !os.IsNotExist(err) {
		return nil, err
	}

	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *DiskStorage) dirName(name string) string {
	return filepath.Join(d.path, url.PathEscape(name))
}

func (d *DiskStorage) Open(_ context.Context, name string) (Bucket, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	dir := d.dirName(name)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("error creating bucket %s: %w", name, err)
	}
	return &diskBucket{d: d, name: name, dir: dir}, nil
}

func (d *DiskStorage) Names(_ context.Context) ([]string, error) {
	dirents, err := os.ReadDir(d.path)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(dirents))
	for _, dirent := range dirents {
		if !dirent.IsDir() {
			continue
		}
		name, err := url.PathUnescape(dirent.Name())
		if err != nil {
			// Not one of ours
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (d *DiskStorage) Delete(_ context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	dir := d.dirName(name)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("error deleting bucket %s: %w", name, err)
	}

	prefix := dir + string(filepath.Separator)
	for _, fileName := range d.c.Keys() {
		if strings.HasPrefix(fileName, prefix) {
			d.c.Remove(fileName)
		}
	}
	return true, nil
}

type diskBucket struct {
	d    *DiskStorage
	name string
	dir  string
}

func (b *diskBucket) Name() string {
	return b.name
}

func (b *diskBucket) fileName(key Key) string {
	return filepath.Join(b.dir, fmt.Sprintf("%016x%s", xxhash.Sum64String(string(key)), recordSuffix))
}

func (b *diskBucket) read(fileName string) ([]byte, error) {
	if cached, ok := b.d.c.Get(fileName); ok {
		return cached, nil
	}
	data, err := os.ReadFile(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	b.d.c.Add(fileName, data)
	return data, nil
}

func (b *diskBucket) Match(_ context.Context, key Key) (*Entry, error) {
	fileName := b.fileName(key)
	data, err := b.read(fileName)
	if err != nil {
		return nil, fmt.Errorf("error reading cached file %s: %w", fileName, err)
	}
	if data == nil {
		return nil, nil
	}

	stored, e, err := unmarshalRecord(data)
	if err != nil {
		b.d.c.Remove(fileName)
		os.Remove(fileName)
		return nil, fmt.Errorf("error parsing cached file %s: %w", fileName, err)
	}
	if stored != key {
		// Hash collision, treat as a miss
		return nil, nil
	}
	return e, nil
}

func (b *diskBucket) Put(ctx context.Context, key Key, e *Entry) error {
	return b.PutAll(ctx, map[Key]*Entry{key: e})
}

// PutAll writes every record to a temporary file first and renames them into
// place only once all writes succeeded.
func (b *diskBucket) PutAll(_ context.Context, entries map[Key]*Entry) error {
	type pending struct {
		tmp  string
		dst  string
		data []byte
	}

	staged := make([]pending, 0, len(entries))
	cleanup := func() {
		for _, p := range staged {
			os.Remove(p.tmp)
		}
	}

	for key, e := range entries {
		data := marshalRecord(key, e)
		f, err := os.CreateTemp(b.dir, ".put-*")
		if err != nil {
			cleanup()
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s", ErrBucketDeleted, b.name)
			}
			return fmt.Errorf("error creating cache file in %s: %w", b.dir, err)
		}
		staged = append(staged, pending{tmp: f.Name(), dst: b.fileName(key), data: data})
		_, err = f.Write(data)
		err = multierr.Append(err, f.Close())
		if err != nil {
			cleanup()
			return fmt.Errorf("error writing cache file %s: %w", f.Name(), err)
		}
	}

	for i, p := range staged {
		if err := os.Rename(p.tmp, p.dst); err != nil {
			cleanup()
			return fmt.Errorf("error committing cache file %s: %w", p.dst, err)
		}
		staged[i].tmp = ""
		b.d.c.Add(p.dst, p.data)
	}
	return nil
}

func (b *diskBucket) Keys(_ context.Context) ([]Key, error) {
	dirents, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]Key, 0, len(dirents))
	for _, dirent := range dirents {
		if dirent.IsDir() || !strings.HasSuffix(dirent.Name(), recordSuffix) {
			continue
		}
		data, err := b.read(filepath.Join(b.dir, dirent.Name()))
		if err != nil || data == nil {
			continue
		}
		key, _, err := unmarshalRecord(data)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return sortedKeys(keys), nil
}

func (b *diskBucket) Delete(_ context.Context, key Key) (bool, error) {
	fileName := b.fileName(key)
	b.d.c.Remove(fileName)
	if err := os.Remove(fileName); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Package narinfocache provides a read-through cache of narinfo records in
// front of the Cache Client (spec §4.3), so replanning a closure never
// re-fetches metadata for a package id it has already resolved and
// verified. It layers an in-memory LRU (repeat lookups within one process
// lifetime) over a SQLite table (survives restarts), repurposing the
// teacher's `pkg/db` SQLite-repository idiom for a different schema.
package narinfocache

import (
	"database/sql"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	_ "modernc.org/sqlite"

	"github.com/fly-io/nixless-agent/pkg/errors"
	"github.com/fly-io/nixless-agent/pkg/narinfo"
)

// Cache is a read-through narinfo cache: Get consults the in-memory LRU,
// then SQLite, and Put populates both.
type Cache struct {
	db  *sql.DB
	lru *lru.Cache
}

// Open opens (creating if necessary) a narinfo cache database at dbPath,
// with an in-memory LRU of the given size in front of it.
func Open(dbPath string, lruSize int) (*Cache, error) {
	slog.Info("narinfocache_open", "db_path", dbPath, "lru_size", lruSize)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Kinded(errors.KindFilesystem, errors.Wrap(err, "narinfocache: opening database"))
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Kinded(errors.KindFilesystem, errors.Wrap(err, "narinfocache: creating schema"))
	}

	c, err := lru.New(lruSize)
	if err != nil {
		db.Close()
		return nil, errors.Kinded(errors.KindInternal, errors.Wrap(err, "narinfocache: constructing lru"))
	}

	return &Cache{db: db, lru: c}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached narinfo for id, if any.
func (c *Cache) Get(id string) (*narinfo.Info, bool, error) {
	if v, ok := c.lru.Get(id); ok {
		return v.(*narinfo.Info), true, nil
	}

	row := c.db.QueryRow(`
		SELECT store_path, url, compression, file_hash, file_size, nar_hash, nar_size, deriver, references_csv
		FROM narinfo WHERE package_id = ?
	`, id)

	var storePath, url, compression, fileHash, narHash, deriver, refsCSV string
	var fileSize, narSize int64
	err := row.Scan(&storePath, &url, &compression, &fileHash, &fileSize, &narHash, &narSize, &deriver, &refsCSV)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Kinded(errors.KindFilesystem, errors.Wrap(err, "narinfocache: querying"))
	}

	info := &narinfo.Info{
		StorePath:   storePath,
		URL:         url,
		Compression: compression,
		FileSize:    fileSize,
		NarSize:     narSize,
		Deriver:     deriver,
	}
	if fh, err := narinfo.ParseHash(fileHash); err == nil {
		info.FileHash = fh
	}
	if nh, err := narinfo.ParseHash(narHash); err == nil {
		info.NarHash = nh
	}
	if refsCSV != "" {
		info.References = strings.Split(refsCSV, ",")
	}

	c.lru.Add(id, info)
	return info, true, nil
}

// Put stores info for id in both cache layers.
func (c *Cache) Put(id string, info *narinfo.Info) error {
	c.lru.Add(id, info)

	_, err := c.db.Exec(`
		INSERT INTO narinfo (package_id, store_path, url, compression, file_hash, file_size, nar_hash, nar_size, deriver, references_csv, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(package_id) DO UPDATE SET
			store_path = excluded.store_path,
			url = excluded.url,
			compression = excluded.compression,
			file_hash = excluded.file_hash,
			file_size = excluded.file_size,
			nar_hash = excluded.nar_hash,
			nar_size = excluded.nar_size,
			deriver = excluded.deriver,
			references_csv = excluded.references_csv,
			cached_at = excluded.cached_at
	`,
		id, info.StorePath, info.URL, info.Compression, info.FileHash.String(), info.FileSize,
		info.NarHash.String(), info.NarSize, info.Deriver, strings.Join(info.References, ","), time.Now().Unix(),
	)
	if err != nil {
		return errors.Kinded(errors.KindFilesystem, errors.Wrap(err, "narinfocache: storing"))
	}
	return nil
}

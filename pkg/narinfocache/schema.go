package narinfocache

// schema defines the on-disk narinfo cache: one row per package id, storing
// enough of the narinfo record to reconstruct a *narinfo.Info without a
// second round trip to the binary cache, plus its verified references so
// closure planning never needs to re-fetch a narinfo it already holds.
const schema = `
CREATE TABLE IF NOT EXISTS narinfo (
    package_id   TEXT PRIMARY KEY,
    store_path   TEXT NOT NULL,
    url          TEXT NOT NULL,
    compression  TEXT NOT NULL,
    file_hash    TEXT NOT NULL,
    file_size    INTEGER NOT NULL,
    nar_hash     TEXT NOT NULL,
    nar_size     INTEGER NOT NULL,
    deriver      TEXT NOT NULL,
    references_csv TEXT NOT NULL,
    cached_at    INTEGER NOT NULL
);
`

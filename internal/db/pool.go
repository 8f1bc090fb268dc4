package db

import "github.com/jmoiron/sqlx"

// Pool pairs the write and read sides of one database. The split matters
// on sqlite, where the stores funnel every mutation through a single
// writer connection while WAL snapshots let several read-only
// connections run alongside it. Postgres pools internally, so there both
// sides are the same handle.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Writer carries INSERT, UPDATE, DELETE and every transaction.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader serves SELECTs without contending with the writer.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName reports the backing driver, for stores that emit
// dialect-specific DDL.
func (p *Pool) DriverName() string { return p.writer.DriverName() }

// Close tears down both sides.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader != p.writer {
		if rerr := p.reader.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

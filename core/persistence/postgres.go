// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/relabs-tech/livestore/core/csql"
	"github.com/relabs-tech/livestore/core/logger"
)

// PostgresConfiguration contains the configuration for the postgres driver
type PostgresConfiguration struct {
	// DataSourceName is the postgres connection string without the password
	DataSourceName string
	Password       string
	Schema         string
}

// Postgres is the implementation of the Driver for postgres. All collections
// share the single table "_document_".
type Postgres struct {
	db *csql.DB

	getQuery       string
	putQuery       string
	deleteQuery    string
	scanQuery      string
	deleteAllQuery string
}

// NewPostgres connects to the database and creates the document table if needed
func NewPostgres(ctx context.Context, pgConfig PostgresConfiguration) (*Postgres, error) {
	db, err := csql.OpenWithSchema(pgConfig.DataSourceName, pgConfig.Password, pgConfig.Schema)
	if err != nil {
		return nil, err
	}
	return NewPostgresWithDB(ctx, db)
}

// NewPostgresWithDB returns a postgres driver on an already opened database
func NewPostgresWithDB(ctx context.Context, db *csql.DB) (*Postgres, error) {
	table := db.Schema + `."_document_"`
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+table+` (
collection_id VARCHAR NOT NULL,
document_id VARCHAR NOT NULL,
data JSON NOT NULL,
updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
PRIMARY KEY(collection_id, document_id)
);`)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 4801: cannot create document table")
		return nil, err
	}
	return &Postgres{
		db:       db,
		getQuery: `SELECT data FROM ` + table + ` WHERE collection_id=$1 AND document_id=$2;`,
		putQuery: `INSERT INTO ` + table + ` (collection_id, document_id, data, updated_at) VALUES($1, $2, $3, NOW())
ON CONFLICT (collection_id, document_id) DO UPDATE SET data=EXCLUDED.data, updated_at=EXCLUDED.updated_at;`,
		deleteQuery:    `DELETE FROM ` + table + ` WHERE collection_id=$1 AND document_id=$2;`,
		scanQuery:      `SELECT document_id, data FROM ` + table + ` WHERE collection_id=$1;`,
		deleteAllQuery: `DELETE FROM ` + table + ` WHERE collection_id=$1;`,
	}, nil
}

// Get returns the stored document
func (p *Postgres) Get(ctx context.Context, collectionID, documentID string) ([]byte, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx, p.getQuery, collectionID, documentID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return data, err
}

// Put upserts the document
func (p *Postgres) Put(ctx context.Context, collectionID, documentID string, data []byte) error {
	_, err := p.db.ExecContext(ctx, p.putQuery, collectionID, documentID, string(data))
	return err
}

// Delete removes the document
func (p *Postgres) Delete(ctx context.Context, collectionID, documentID string) error {
	_, err := p.db.ExecContext(ctx, p.deleteQuery, collectionID, documentID)
	return err
}

// Scan iterates over all documents of the collection
func (p *Postgres) Scan(ctx context.Context, collectionID string, fn func(documentID string, data []byte) error) error {
	rows, err := p.db.QueryContext(ctx, p.scanQuery, collectionID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			documentID string
			data       []byte
		)
		if err := rows.Scan(&documentID, &data); err != nil {
			return err
		}
		if err := fn(documentID, data); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DeleteAll removes all documents of the collection
func (p *Postgres) DeleteAll(ctx context.Context, collectionID string) error {
	_, err := p.db.ExecContext(ctx, p.deleteAllQuery, collectionID)
	return err
}

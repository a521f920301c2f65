// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package persistence provides the key/value backends the document store reads and
// writes through. Values are opaque JSON documents keyed by collection id and
// document id. There are three drivers: in-memory, Postgres and AWS S3.
package persistence

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get if there is no value for the key
var ErrNotFound = errors.New("persistence: key not found")

// Driver defines the interface for a persistence backend
type Driver interface {
	// Get returns the value stored for the key, or ErrNotFound
	Get(ctx context.Context, collectionID, documentID string) ([]byte, error)
	// Put stores a value, replacing an existing one
	Put(ctx context.Context, collectionID, documentID string, data []byte) error
	// Delete removes the value for the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, collectionID, documentID string) error
	// Scan calls fn for every value of the collection, in no particular order.
	// Scanning stops at the first error returned by fn.
	Scan(ctx context.Context, collectionID string, fn func(documentID string, data []byte) error) error
	// DeleteAll removes all values of the collection
	DeleteAll(ctx context.Context, collectionID string) error
}

// DriverType represents the different types of persistence drivers
type DriverType string

// DriverTypeMemory keeps everything in process memory. Nothing survives a restart.
const DriverTypeMemory DriverType = "Memory"

// DriverTypePostgres stores values in a postgres table
const DriverTypePostgres DriverType = "Postgres"

// DriverTypeAWSS3 stores values as objects in an AWS S3 bucket
const DriverTypeAWSS3 DriverType = "AWSS3"

// Configuration contains the configuration for the persistence backend
type Configuration struct {
	DriverType            DriverType
	PostgresConfiguration *PostgresConfiguration
	S3Configuration       *S3Configuration
}

// New returns the driver selected by the configuration. An empty driver type
// selects the in-memory driver.
func New(ctx context.Context, config Configuration) (Driver, error) {
	switch config.DriverType {
	case DriverTypeMemory, "":
		return NewMemory(), nil
	case DriverTypePostgres:
		if config.PostgresConfiguration == nil {
			return nil, fmt.Errorf("persistence expecting a configuration for postgres, but got nothing")
		}
		return NewPostgres(ctx, *config.PostgresConfiguration)
	case DriverTypeAWSS3:
		if config.S3Configuration == nil {
			return nil, fmt.Errorf("persistence expecting a configuration for S3, but got nothing")
		}
		return NewS3(ctx, *config.S3Configuration)
	}
	return nil, fmt.Errorf("unknown persistence driver type: %s", config.DriverType)
}

// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package registry provides a persistent registry of typed records on top of a
persistence driver.

The package uses JSON to serialize the data. Each accessor owns one reserved
collection of the driver, so registry records never mix with user documents.
*/
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/livestore/core/persistence"
)

// Reserved collection ids used by the store and the session manager. User
// collection ids never start with an underscore.
const (
	Collections = "_collection_"
	Users       = "_user_"
	Emails      = "_email_"
	Sessions    = "_session_"
)

// IsReserved returns true if the collection id belongs to the registry
func IsReserved(collectionID string) bool {
	return strings.HasPrefix(collectionID, "_")
}

// New creates a new registry on the driver
func New(driver persistence.Driver) Registry {
	if driver == nil {
		panic("registry needs a driver")
	}
	return Registry{driver: driver}
}

// Registry provides a persistent registry of records
type Registry struct {
	driver persistence.Driver
}

// Accessor reads and writes the records of one reserved collection
type Accessor struct {
	Prefix   string
	Registry Registry
}

type record struct {
	Value     json.RawMessage `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}

// Accessor returns a registry accessor for the reserved collection prefix
func (r Registry) Accessor(prefix string) Accessor {
	if !IsReserved(prefix) {
		panic(fmt.Sprintf("registry prefix %q must start with an underscore", prefix))
	}
	return Accessor{
		Prefix:   prefix,
		Registry: r,
	}
}

// Read reads a value from the registry. It returns the time when the value was
// written, or a zero timestamp if there is no value.
func (r Accessor) Read(ctx context.Context, key string, value interface{}) (time.Time, error) {
	data, err := r.Registry.driver.Get(ctx, r.Prefix, key)
	if errors.Is(err, persistence.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot read key '%s:%s': %w", r.Prefix, key, err)
	}
	var rec record
	if err = json.Unmarshal(data, &rec); err != nil {
		return time.Time{}, fmt.Errorf("cannot decode key '%s:%s': %w", r.Prefix, key, err)
	}
	if err = json.Unmarshal(rec.Value, value); err != nil {
		return time.Time{}, fmt.Errorf("cannot decode key '%s:%s': %w", r.Prefix, key, err)
	}
	return rec.Timestamp, nil
}

// Write writes a value into the registry
func (r Accessor) Write(ctx context.Context, key string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	data, err := json.Marshal(record{Value: body, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	return r.Registry.driver.Put(ctx, r.Prefix, key, data)
}

// Delete deletes a value from the registry
func (r Accessor) Delete(ctx context.Context, key string) error {
	return r.Registry.driver.Delete(ctx, r.Prefix, key)
}

// Scan calls fn with every key and its raw json value. Decode the value with
// json.Unmarshal.
func (r Accessor) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	return r.Registry.driver.Scan(ctx, r.Prefix, func(key string, data []byte) error {
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("cannot decode key '%s:%s': %w", r.Prefix, key, err)
		}
		return fn(key, rec.Value)
	})
}

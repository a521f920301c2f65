// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/livestore/core/persistence"
)

func TestRegistry(t *testing.T) {
	type foo struct {
		A string
		B string
	}
	ctx := context.Background()
	accessor := New(persistence.NewMemory()).Accessor(Users)

	var read foo
	timestamp, err := accessor.Read(ctx, "foo", &read)
	require.NoError(t, err)
	assert.True(t, timestamp.IsZero())

	write := foo{A: "Hello", B: "World"}
	before := time.Now().UTC().Add(-time.Second)
	require.NoError(t, accessor.Write(ctx, "foo", write))

	timestamp, err = accessor.Read(ctx, "foo", &read)
	require.NoError(t, err)
	assert.Equal(t, write, read)
	assert.True(t, timestamp.After(before))

	keys := map[string]foo{}
	err = accessor.Scan(ctx, func(key string, value []byte) error {
		var f foo
		if err := json.Unmarshal(value, &f); err != nil {
			return err
		}
		keys[key] = f
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]foo{"foo": write}, keys)

	require.NoError(t, accessor.Delete(ctx, "foo"))
	timestamp, err = accessor.Read(ctx, "foo", &read)
	require.NoError(t, err)
	assert.True(t, timestamp.IsZero())
}

func TestAccessorsAreSeparate(t *testing.T) {
	ctx := context.Background()
	r := New(persistence.NewMemory())
	require.NoError(t, r.Accessor(Users).Write(ctx, "k", "user"))
	require.NoError(t, r.Accessor(Sessions).Write(ctx, "k", "session"))

	var s string
	_, err := r.Accessor(Users).Read(ctx, "k", &s)
	require.NoError(t, err)
	assert.Equal(t, "user", s)
}

func TestReservedPrefix(t *testing.T) {
	assert.True(t, IsReserved(Collections))
	assert.False(t, IsReserved("todos"))
	assert.Panics(t, func() { New(persistence.NewMemory()).Accessor("todos") })
}

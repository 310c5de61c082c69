package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWithUnreachableHost(t *testing.T) {
	_, err := New(context.Background(), "postgres://orders:pw@127.0.0.1:1/ordertracking?connect_timeout=1")
	require.Error(t, err)
}

func TestNewWithMalformedURL(t *testing.T) {
	_, err := New(context.Background(), "postgres://orders@localhost:notaport/ordertracking")
	require.Error(t, err)
}

func TestRunMigrationsMissingDir(t *testing.T) {
	err := RunMigrations("postgres://orders:pw@127.0.0.1:1/ordertracking?sslmode=disable", t.TempDir()+"/nope")
	require.Error(t, err)
}

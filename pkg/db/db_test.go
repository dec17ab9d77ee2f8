package db

import (
	"io/fs"
	"strings"
	"testing"

	"openbudget/pkg/config"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	dsn := DSN(config.DBConfig{
		Host:     "db",
		Port:     5432,
		User:     "ob",
		Password: "p@ss word",
		Name:     "ledger",
		SSLMode:  "disable",
	})
	assert.Equal(t, "postgres://ob:p%40ss%20word@db:5432/ledger?sslmode=disable", dsn)
}

func TestMigrationsFS_Paired(t *testing.T) {
	entries, err := fs.ReadDir(MigrationsFS(), ".")
	require.NoError(t, err)

	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	assert.Equal(t, 2, ups)
	assert.Equal(t, ups, downs)

	// golang-migrate must be able to parse every file name
	src, err := iofs.New(MigrationsFS(), ".")
	require.NoError(t, err)
	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)
}

func TestOperation(t *testing.T) {
	assert.Equal(t, "SELECT", operation("  select * from accounts"))
	assert.Equal(t, "unknown", operation(""))
}

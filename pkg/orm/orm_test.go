package orm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qim/pkg/logger"
)

type widget struct {
	ID   uint
	Name string
}

func TestNewSQLite(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DSN = "file:orm_test?mode=memory&cache=shared"
	cfg.TablePrefix = "t_"

	db, err := New(cfg, logger.NewNop())
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&widget{}))
	assert.True(t, db.Migrator().HasTable("t_widgets"))

	require.NoError(t, db.Create(&widget{Name: "a"}).Error)
	var got widget
	require.NoError(t, db.First(&got, "name = ?", "a").Error)
	assert.Equal(t, "a", got.Name)
}

func TestNewValidation(t *testing.T) {
	_, err := New(&Config{Type: SQLite}, nil)
	assert.Error(t, err)

	_, err = New(&Config{Type: "oracle", DSN: "x"}, nil)
	assert.Error(t, err)
}

func TestDialectorFor(t *testing.T) {
	for _, typ := range []DBType{MySQL, Postgres, SQLite, SQLServer} {
		d, err := dialectorFor(typ, "dsn")
		require.NoError(t, err, typ)
		assert.NotNil(t, d)
	}
}

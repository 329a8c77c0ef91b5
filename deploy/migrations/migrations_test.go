package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListEveryDialect(t *testing.T) {
	for _, dialect := range []string{"mysql", "postgres", "sqlite"} {
		list, err := List(dialect)
		require.NoError(t, err, dialect)
		require.NotEmpty(t, list, dialect)
		assert.Equal(t, "0001", list[0].Version)
		assert.Equal(t, "0001_init.sql", list[0].Name)
		assert.Contains(t, list[0].SQL, "CREATE TABLE")
	}
}

func TestListUnknownDialect(t *testing.T) {
	_, err := List("oracle")
	assert.Error(t, err)
}

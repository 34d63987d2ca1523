package media

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newGormStaging(t *testing.T) *GormStaging {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "staging.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(&StagedMedia{}))
	staging, err := NewGormStaging(database)
	require.NoError(t, err)
	return staging
}

func TestStagingRoundTrip(t *testing.T) {
	implementations := map[string]func(*testing.T) Staging{
		"memory": func(*testing.T) Staging { return NewMemoryStaging() },
		"gorm":   func(t *testing.T) Staging { return newGormStaging(t) },
	}
	for name, build := range implementations {
		t.Run(name, func(t *testing.T) {
			staging := build(t)
			ctx := context.Background()
			payload := messages.MediaPayload{ContentType: "image/jpeg", Data: []byte("jpeg bytes")}

			address, err := staging.Stage(ctx, payload)
			require.NoError(t, err)
			assert.Equal(t, ContentAddress(payload.Data), address)
			_, err = staging.Stage(ctx, payload)
			require.NoError(t, err, "staging the same bytes twice is idempotent")

			loaded, err := staging.Load(ctx, address)
			require.NoError(t, err)
			assert.Equal(t, payload, loaded)

			require.NoError(t, staging.Discard(ctx, address))
			_, err = staging.Load(ctx, address)
			require.ErrorIs(t, err, ErrBlobNotFound)
			require.NoError(t, staging.Discard(ctx, address))
		})
	}
}

func TestNewGormStagingRequiresDatabase(t *testing.T) {
	_, err := NewGormStaging(nil)
	require.Error(t, err)
}

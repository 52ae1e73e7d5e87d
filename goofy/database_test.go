package goofy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	ctx := context.Background()
	db, err := CreateDB(ctx, dbTypeSQLite, filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	require.NoError(t, configureSQLite(ctx, db))
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func TestCreateDB(t *testing.T) {
	db := newTestDB(t)
	for _, m := range models() {
		assert.True(t, db.Migrator().HasTable(m), "missing table for %T", m)
	}
}

func TestCreateDB_UnsupportedType(t *testing.T) {
	_, err := CreateDB(context.Background(), "mysql", "whatever")
	assert.ErrorContains(t, err, "unsupported database type")
}

func TestNullableString(t *testing.T) {
	db := newTestDB(t)
	writeDB := newDatabase(db, nil, false)
	ctx := context.Background()

	ok := &AvatarCommand{Interaction: Interaction{InteractionID: "ok", UserID: "u"}}
	ok.finish("done", nil)
	failed := &AvatarCommand{Interaction: Interaction{InteractionID: "failed", UserID: "u"}}
	failed.finish("", fmt.Errorf("oops"))

	_, err := writeDB.Create(ctx, ok)
	require.NoError(t, err)
	_, err = writeDB.Create(ctx, failed)
	require.NoError(t, err)

	var nullErrors int64
	require.NoError(t, db.Model(&AvatarCommand{}).Where("error IS NULL").Count(&nullErrors).Error)
	assert.EqualValues(t, 1, nullErrors)

	var saved AvatarCommand
	require.NoError(t, db.Where("interaction_id = ?", "failed").First(&saved).Error)
	assert.Equal(t, NullableString("oops"), saved.Error)
	assert.Equal(t, CommandStateFailed, saved.State)
	assert.Nil(t, saved.Response)

	// a loaded primary key would be added to the next query's conditions
	saved = AvatarCommand{}
	require.NoError(t, db.Where("interaction_id = ?", "ok").First(&saved).Error)
	assert.Empty(t, saved.Error)
	require.NotNil(t, saved.Response)
	assert.Equal(t, "done", *saved.Response)
}

func TestInteractionIDUnique(t *testing.T) {
	db := newTestDB(t)
	writeDB := newDatabase(db, nil, false)
	ctx := context.Background()

	_, err := writeDB.Create(
		ctx,
		&PatPatCommand{Interaction: Interaction{InteractionID: "dupe", UserID: "u"}},
	)
	require.NoError(t, err)
	_, err = writeDB.Create(
		ctx,
		&PatPatCommand{Interaction: Interaction{InteractionID: "dupe", UserID: "u"}},
	)
	assert.Error(t, err)
}

func TestDatabase_ConcurrentWrites(t *testing.T) {
	db := newTestDB(t)
	writeDB := newDatabase(db, nil, false)
	ctx := context.Background()

	const writers = 20
	wg := sync.WaitGroup{}
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := writeDB.Create(
				ctx,
				&InteractionLog{
					InteractionID: fmt.Sprintf("interaction_%d", i),
					UserID:        "u",
				},
			)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	var count int64
	require.NoError(t, db.Model(&InteractionLog{}).Count(&count).Error)
	assert.EqualValues(t, writers, count)
}

func TestDatabase_CreateFinished(t *testing.T) {
	db := newTestDB(t)
	writeDB := newDatabase(db, nil, false)
	ctx := context.Background()

	rec := &PatPatCommand{Interaction: Interaction{InteractionID: "finished", UserID: "u"}}
	rec.finish(patpatFilename, nil)
	rows, err := writeDB.Create(ctx, rec)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rows)

	var saved PatPatCommand
	require.NoError(t, db.First(&saved, rec.ID).Error)
	assert.Equal(t, CommandStateCompleted, saved.State)
	require.NotNil(t, saved.FinishedAt)
}

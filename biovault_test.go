package biovault

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/biovault/blobstore"
	"github.com/hupe1980/biovault/index"
	"github.com/hupe1980/biovault/model"
	"github.com/hupe1980/biovault/testutil"
)

const (
	testAnatomicalDim = 64
	testDynamicDim    = 128
)

func newTestDB(t *testing.T, optFns ...func(o *Options)) *DB {
	t.Helper()

	db, err := New("test", append([]func(o *Options){
		func(o *Options) { o.Store = blobstore.NewMemoryStore() },
	}, optFns...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testUserParams(id string) CreateUserParams {
	return CreateUserParams{
		UserID:   id,
		Username: "user-" + id,
		Email:    id + "@example.com",
		Phone:    "+34-" + id,
		Age:      30,
		Gender:   "Otro",
	}
}

// unitAxis returns the unit vector along the first axis.
func unitAxis(dim int) []float32 {
	v := make([]float32, dim)
	v[0] = 1
	return v
}

// vecWithSimilarity returns a unit vector whose similarity to unitAxis(dim)
// is exactly sim under the 1 - d/2 convention.
func vecWithSimilarity(dim int, sim float64) []float32 {
	d := 2 * (1 - sim)
	cos := 1 - d*d/2

	v := make([]float32, dim)
	v[0] = float32(cos)
	v[1] = float32(math.Sqrt(1 - cos*cos))
	return v
}

func TestCreateUser(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, db.CreateUser(ctx, testUserParams("u-1")))

	t.Run("Fetch", func(t *testing.T) {
		u, err := db.GetUser(ctx, "u-1")
		require.NoError(t, err)
		assert.Equal(t, "user-u-1", u.Username)
		assert.True(t, u.Active)
		assert.Zero(t, u.TotalTemplates())
	})

	t.Run("DuplicateUserID", func(t *testing.T) {
		err := db.CreateUser(ctx, testUserParams("u-1"))
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "user_id", verr.Field)
	})

	t.Run("DuplicateEmail", func(t *testing.T) {
		params := testUserParams("u-2")
		params.Email = "u-1@example.com"

		err := db.CreateUser(ctx, params)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "email", verr.Field)
	})

	t.Run("DuplicatePhone", func(t *testing.T) {
		params := testUserParams("u-3")
		params.Phone = "+34-u-1"

		err := db.CreateUser(ctx, params)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "phone", verr.Field)
	})

	t.Run("BadAge", func(t *testing.T) {
		params := testUserParams("u-4")
		params.Age = 0

		err := db.CreateUser(ctx, params)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "age", verr.Field)
	})

	t.Run("BadGender", func(t *testing.T) {
		params := testUserParams("u-5")
		params.Gender = "unknown"

		err := db.CreateUser(ctx, params)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "gender", verr.Field)
	})

	t.Run("NothingPersistedOnRejection", func(t *testing.T) {
		_, err := db.GetUser(ctx, "u-4")
		assert.ErrorIs(t, err, ErrUserNotFound)
	})
}

func TestEnrollTemplate(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.CreateUser(ctx, testUserParams("u-1")))

	t.Run("Multimodal", func(t *testing.T) {
		id, err := db.EnrollTemplate(ctx, EnrollParams{
			UserID:       "u-1",
			Anatomical:   unitAxis(testAnatomicalDim),
			Dynamic:      unitAxis(testDynamicDim),
			GestureName:  "wave",
			QualityScore: 0.95,
			Confidence:   0.9,
		})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		tpl, err := db.GetTemplate(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.TemplateTypeMultimodal, tpl.Type)
		assert.Equal(t, model.QualityExcellent, tpl.QualityLevel())
		assert.True(t, tpl.VerifyChecksum())

		u, err := db.GetUser(ctx, "u-1")
		require.NoError(t, err)
		assert.Contains(t, u.MultimodalTemplates, id)
		assert.Equal(t, 1, u.TotalEnrollments)
	})

	t.Run("WrongDimension", func(t *testing.T) {
		_, err := db.EnrollTemplate(ctx, EnrollParams{
			UserID:     "u-1",
			Anatomical: make([]float32, testAnatomicalDim-1),
		})

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "anatomical_embedding", verr.Field)
	})

	t.Run("NoEmbedding", func(t *testing.T) {
		_, err := db.EnrollTemplate(ctx, EnrollParams{UserID: "u-1"})
		assert.ErrorIs(t, err, ErrNoEmbedding)
	})

	t.Run("UnknownUser", func(t *testing.T) {
		_, err := db.EnrollTemplate(ctx, EnrollParams{
			UserID:     "ghost",
			Anatomical: unitAxis(testAnatomicalDim),
		})
		assert.ErrorIs(t, err, ErrUserNotFound)
	})
}

func TestDeleteTemplate(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.CreateUser(ctx, testUserParams("u-1")))
	require.NoError(t, db.CreateUser(ctx, testUserParams("u-2")))

	id, err := db.EnrollTemplate(ctx, EnrollParams{UserID: "u-1", Anatomical: unitAxis(testAnatomicalDim)})
	require.NoError(t, err)

	require.NoError(t, db.DeleteTemplate(ctx, id))

	_, err = db.GetTemplate(ctx, id)
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	// A removed template can never surface in search results again.
	result, err := db.VerifyUser(ctx, VerifyParams{Anatomical: unitAxis(testAnatomicalDim)})
	require.NoError(t, err)
	assert.Empty(t, result.Matches)

	u, err := db.GetUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Zero(t, u.TotalTemplates())
}

func TestDeleteUserCascades(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.CreateUser(ctx, testUserParams("u-1")))
	require.NoError(t, db.CreateUser(ctx, testUserParams("u-2")))

	id, err := db.EnrollTemplate(ctx, EnrollParams{UserID: "u-1", Anatomical: unitAxis(testAnatomicalDim)})
	require.NoError(t, err)
	otherID, err := db.EnrollTemplate(ctx, EnrollParams{UserID: "u-2", Anatomical: vecWithSimilarity(testAnatomicalDim, 0.8)})
	require.NoError(t, err)

	require.NoError(t, db.DeleteUser(ctx, "u-1"))

	_, err = db.GetUser(ctx, "u-1")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = db.GetTemplate(ctx, id)
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	// The freed email and phone can be reused.
	require.NoError(t, db.CreateUser(ctx, testUserParams("u-1")))

	// Other users are untouched.
	_, err = db.GetTemplate(ctx, otherID)
	assert.NoError(t, err)
}

func TestDeactivateUser(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.CreateUser(ctx, testUserParams("u-1")))

	id, err := db.EnrollTemplate(ctx, EnrollParams{UserID: "u-1", Anatomical: unitAxis(testAnatomicalDim)})
	require.NoError(t, err)

	require.NoError(t, db.DeactivateUser(ctx, "u-1"))

	// Templates stay stored but the user no longer matches.
	_, err = db.GetTemplate(ctx, id)
	require.NoError(t, err)

	result, err := db.VerifyUser(ctx, VerifyParams{Anatomical: unitAxis(testAnatomicalDim)})
	require.NoError(t, err)
	assert.Empty(t, result.Matches)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 3)
	}

	db, err := New("test", WithStore(blobs), WithEncryptionKey(key))
	require.NoError(t, err)

	require.NoError(t, db.CreateUser(ctx, testUserParams("u-1")))
	id, err := db.EnrollTemplate(ctx, EnrollParams{
		UserID:       "u-1",
		Anatomical:   unitAxis(testAnatomicalDim),
		QualityScore: 0.8,
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened, err := New("test", WithStore(blobs), WithEncryptionKey(key))
	require.NoError(t, err)
	defer reopened.Close()

	tpl, err := reopened.GetTemplate(ctx, id)
	require.NoError(t, err)
	assert.True(t, tpl.Encrypted)
	assert.True(t, tpl.VerifyChecksum())

	// The reloaded index serves searches.
	result, err := reopened.VerifyUser(ctx, VerifyParams{Anatomical: unitAxis(testAnatomicalDim)})
	require.NoError(t, err)
	require.Len(t, result.Matches, 1)
	assert.Equal(t, "u-1", result.Matches[0].UserID)
}

func TestRepairOnLoad(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()

	db, err := New("test", WithStore(blobs))
	require.NoError(t, err)
	require.NoError(t, db.CreateUser(ctx, testUserParams("u-1")))
	id, err := db.EnrollTemplate(ctx, EnrollParams{UserID: "u-1", Anatomical: unitAxis(testAnatomicalDim)})
	require.NoError(t, err)

	// Corrupt the stored profile: drop the template reference and invent a
	// stale one.
	db.mu.Lock()
	u := db.users["u-1"]
	u.AnatomicalTemplates = []string{"stale-id"}
	require.NoError(t, db.userStore.Save(ctx, u))
	db.mu.Unlock()
	require.NoError(t, db.Close())

	reopened, err := New("test", WithStore(blobs))
	require.NoError(t, err)
	defer reopened.Close()

	repaired, err := reopened.GetUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, repaired.AnatomicalTemplates)

	report, err := reopened.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestVerifyIntegrity(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.CreateUser(ctx, testUserParams("u-1")))

	_, err := db.EnrollTemplate(ctx, EnrollParams{
		UserID:     "u-1",
		Anatomical: unitAxis(testAnatomicalDim),
		Dynamic:    unitAxis(testDynamicDim),
	})
	require.NoError(t, err)

	t.Run("CleanAfterEnroll", func(t *testing.T) {
		report, err := db.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.True(t, report.OK())
		assert.Equal(t, 1, report.TemplatesChecked)
	})

	t.Run("CleanAfterVerify", func(t *testing.T) {
		_, err := db.VerifyUser(ctx, VerifyParams{Anatomical: unitAxis(testAnatomicalDim)})
		require.NoError(t, err)

		report, err := db.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.True(t, report.OK())
	})
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.CreateUser(ctx, testUserParams("u-1")))
	require.NoError(t, db.CreateUser(ctx, testUserParams("u-2")))
	require.NoError(t, db.DeactivateUser(ctx, "u-2"))

	_, err := db.EnrollTemplate(ctx, EnrollParams{
		UserID:       "u-1",
		Anatomical:   unitAxis(testAnatomicalDim),
		QualityScore: 0.95,
	})
	require.NoError(t, err)
	_, err = db.EnrollTemplate(ctx, EnrollParams{
		UserID:       "u-1",
		Anatomical:   vecWithSimilarity(testAnatomicalDim, 0.8),
		Dynamic:      unitAxis(testDynamicDim),
		QualityScore: 0.6,
	})
	require.NoError(t, err)

	stats, err := db.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.TotalUsers)
	assert.Equal(t, 1, stats.ActiveUsers)
	assert.Equal(t, 2, stats.TotalTemplates)
	assert.Zero(t, stats.PendingTemplates)
	assert.Equal(t, 1, stats.ByType[model.TemplateTypeAnatomical])
	assert.Equal(t, 1, stats.ByType[model.TemplateTypeMultimodal])
	assert.Equal(t, 1, stats.ByQuality[model.QualityExcellent])
	assert.Equal(t, 1, stats.ByQuality[model.QualityFair])
	assert.Equal(t, 2, stats.AnatomicalIndex)
	assert.Equal(t, 1, stats.DynamicIndex)
	assert.Positive(t, stats.StorageBytes)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	assert.ErrorIs(t, db.CreateUser(ctx, testUserParams("u-1")), ErrClosed)
	_, err := db.Stats(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBackup(t *testing.T) {
	ctx := context.Background()

	t.Run("LocalStore", func(t *testing.T) {
		dir := t.TempDir()
		db, err := New(dir+"/data", func(o *Options) { o.BackupDir = dir + "/backups" })
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, db.CreateUser(ctx, testUserParams("u-1")))

		archive, err := db.Backup(ctx)
		require.NoError(t, err)
		assert.FileExists(t, archive)
	})

	t.Run("RemoteStoreUnsupported", func(t *testing.T) {
		db := newTestDB(t)
		_, err := db.Backup(ctx)
		assert.ErrorIs(t, err, ErrBackupUnsupported)
	})
}

func TestStrategies(t *testing.T) {
	// Every strategy must answer the same top-1 query correctly.
	ctx := context.Background()
	rng := testutil.NewRNG(21)

	strategies := []index.Strategy{
		index.StrategyLinear,
		index.StrategyKDTree,
		index.StrategyLSH,
		index.StrategyHCluster,
	}

	for _, strategy := range strategies {
		t.Run(string(strategy), func(t *testing.T) {
			db := newTestDB(t, WithStrategy(strategy))

			target := rng.UnitVector(testAnatomicalDim)
			for i := 0; i < 20; i++ {
				id := string(rune('a' + i))
				require.NoError(t, db.CreateUser(ctx, testUserParams(id)))

				vec := rng.UnitVector(testAnatomicalDim)
				if i == 0 {
					vec = target
				}
				_, err := db.EnrollTemplate(ctx, EnrollParams{UserID: id, Anatomical: vec})
				require.NoError(t, err)
			}

			result, err := db.VerifyUser(ctx, VerifyParams{Anatomical: rng.Perturb(target, 0.01), MaxResults: 1})
			require.NoError(t, err)
			require.NotEmpty(t, result.Matches)
			assert.Equal(t, "a", result.Matches[0].UserID)
		})
	}
}

package biovault

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/biovault/distance"
	"github.com/hupe1980/biovault/model"
)

// stubEmbedder hashes raw features into deterministic unit vectors.
type stubEmbedder struct {
	anatomicalDim int
	dynamicDim    int
	fail          bool
}

func (e *stubEmbedder) EmbedAnatomical(features []float32) ([]float32, error) {
	if e.fail {
		return nil, errors.New("generator unavailable")
	}
	return e.embed(features, e.anatomicalDim), nil
}

func (e *stubEmbedder) EmbedTemporal(frames [][]float32) ([]float32, error) {
	if e.fail {
		return nil, errors.New("generator unavailable")
	}
	var flat []float32
	for _, f := range frames {
		flat = append(flat, f...)
	}
	return e.embed(flat, e.dynamicDim), nil
}

func (e *stubEmbedder) embed(features []float32, dim int) []float32 {
	out := make([]float32, dim)
	for i, v := range features {
		out[i%dim] += v
	}
	distance.NormalizeL2InPlace(out)
	return out
}

func testEmbedder() *stubEmbedder {
	return &stubEmbedder{anatomicalDim: testAnatomicalDim, dynamicDim: testDynamicDim}
}

func TestEnrollTemplateBootstrap(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	t.Run("AutoCreatesUser", func(t *testing.T) {
		profile := testUserParams("u-1")
		id, err := db.EnrollTemplateBootstrap(ctx, BootstrapEnrollParams{
			UserID:        "u-1",
			RawAnatomical: []float32{1, 2, 3},
			GestureName:   "wave",
			QualityScore:  0.6,
			Profile:       &profile,
		})
		require.NoError(t, err)

		u, err := db.GetUser(ctx, "u-1")
		require.NoError(t, err)
		assert.True(t, u.Active)
		assert.Contains(t, u.AnatomicalTemplates, id)

		tpl, err := db.GetTemplate(ctx, id)
		require.NoError(t, err)
		assert.True(t, tpl.State.Pending())
		assert.Equal(t, model.TemplateTypeAnatomical, tpl.Type)
	})

	t.Run("ExistingUserNeedsNoProfile", func(t *testing.T) {
		_, err := db.EnrollTemplateBootstrap(ctx, BootstrapEnrollParams{
			UserID:      "u-1",
			RawTemporal: [][]float32{{1, 2}, {3, 4}},
		})
		require.NoError(t, err)
	})

	t.Run("UnknownUserWithoutProfile", func(t *testing.T) {
		_, err := db.EnrollTemplateBootstrap(ctx, BootstrapEnrollParams{
			UserID:        "ghost",
			RawAnatomical: []float32{1},
		})
		assert.ErrorIs(t, err, ErrUserNotFound)
	})

	t.Run("NoRawData", func(t *testing.T) {
		_, err := db.EnrollTemplateBootstrap(ctx, BootstrapEnrollParams{UserID: "u-1"})
		assert.ErrorIs(t, err, ErrNoEmbedding)
	})

	t.Run("PendingTemplatesAreNotSearchable", func(t *testing.T) {
		stats, err := db.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.PendingTemplates)
		assert.Zero(t, stats.AnatomicalIndex)
		assert.Zero(t, stats.DynamicIndex)
	})
}

func TestConvertBootstrapTemplates(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	profile := testUserParams("u-1")
	anatomicalID, err := db.EnrollTemplateBootstrap(ctx, BootstrapEnrollParams{
		UserID:        "u-1",
		RawAnatomical: []float32{1, 2, 3},
		Profile:       &profile,
	})
	require.NoError(t, err)

	multimodalID, err := db.EnrollTemplateBootstrap(ctx, BootstrapEnrollParams{
		UserID:        "u-1",
		RawAnatomical: []float32{4, 5, 6},
		RawTemporal:   [][]float32{{1, 0}, {0, 1}},
	})
	require.NoError(t, err)

	report, err := db.ConvertBootstrapTemplates(ctx, testEmbedder())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Converted)
	assert.Zero(t, report.Skipped)
	assert.Empty(t, report.Failures)

	t.Run("TemplatesPromoted", func(t *testing.T) {
		tpl, err := db.GetTemplate(ctx, anatomicalID)
		require.NoError(t, err)
		assert.False(t, tpl.State.Pending())
		assert.Len(t, tpl.State.Anatomical, testAnatomicalDim)
		assert.True(t, tpl.VerifyChecksum())

		multi, err := db.GetTemplate(ctx, multimodalID)
		require.NoError(t, err)
		assert.Equal(t, model.TemplateTypeMultimodal, multi.Type)
		assert.Len(t, multi.State.Dynamic, testDynamicDim)
	})

	t.Run("Indexed", func(t *testing.T) {
		stats, err := db.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.PendingTemplates)
		assert.Equal(t, 2, stats.AnatomicalIndex)
		assert.Equal(t, 1, stats.DynamicIndex)
	})

	t.Run("SecondBatchIsNoOp", func(t *testing.T) {
		report, err := db.ConvertBootstrapTemplates(ctx, testEmbedder())
		require.NoError(t, err)
		assert.Zero(t, report.Converted)
		assert.Zero(t, report.Skipped)
		assert.Empty(t, report.Failures)
	})

	t.Run("Searchable", func(t *testing.T) {
		tpl, err := db.GetTemplate(ctx, anatomicalID)
		require.NoError(t, err)

		result, err := db.VerifyUser(ctx, VerifyParams{Anatomical: tpl.State.Anatomical})
		require.NoError(t, err)
		require.NotEmpty(t, result.Matches)
		assert.Equal(t, "u-1", result.Matches[0].UserID)
	})
}

func TestConvertBootstrapTemplatesFailure(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	profile := testUserParams("u-1")
	id, err := db.EnrollTemplateBootstrap(ctx, BootstrapEnrollParams{
		UserID:        "u-1",
		RawAnatomical: []float32{1, 2, 3},
		Profile:       &profile,
	})
	require.NoError(t, err)

	broken := testEmbedder()
	broken.fail = true

	report, err := db.ConvertBootstrapTemplates(ctx, broken)
	require.NoError(t, err)
	assert.Zero(t, report.Converted)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, id, report.Failures[0].TemplateID)

	// The template stays pending; a retry with a working generator succeeds.
	tpl, err := db.GetTemplate(ctx, id)
	require.NoError(t, err)
	assert.True(t, tpl.State.Pending())

	report, err = db.ConvertBootstrapTemplates(ctx, testEmbedder())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Converted)
}

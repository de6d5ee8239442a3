package services

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/dmitrijs2005/optipress/internal/server/identity"
	"github.com/dmitrijs2005/optipress/internal/server/imaging"
	"github.com/dmitrijs2005/optipress/internal/server/transfer"
	"github.com/gen2brain/webp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noisyJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	rnd := rand.New(rand.NewPCG(1, 2))
	noise := func(base int) uint8 {
		v := base + rnd.IntN(49) - 24
		return uint8(min(max(v, 0), 255))
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.SetRGBA(x, y, color.RGBA{noise(x * 255 / w), noise(y * 255 / h), noise(160), 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}))
	return buf.Bytes()
}

func TestOptimize_EndToEndDebitsOneCredit(t *testing.T) {
	e := newEnv(t, imaging.NewStdTransformer(1920))
	e.optimize.transformTimeout = time.Minute
	ctx := context.Background()

	s := e.signup(t, "Alice@Example.com")
	assert.Equal(t, "alice@example.com", s.Profile.Email)
	assert.Equal(t, int64(10), e.balance(t, s.Profile.ID))

	input := noisyJPEG(t, 1280, 960)
	require.Greater(t, len(input), 512<<10)

	creds := identity.Credentials{APIKey: s.Profile.APIKey}
	res, err := e.optimize.Optimize(ctx, creds, transfer.Input{Inline: input}, Options{Format: "webp", Quality: "80"})
	require.NoError(t, err)

	assert.Equal(t, imaging.FormatWebP, res.Format)
	assert.Empty(t, res.URL)
	require.NotEmpty(t, res.Inline)
	assert.Equal(t, len(input), res.SizeBefore)
	assert.Equal(t, len(res.Inline), res.SizeAfter)
	assert.Less(t, res.SizeAfter, res.SizeBefore)
	assert.Positive(t, res.SavedPercent)

	cfg, err := webp.DecodeConfig(bytes.NewReader(res.Inline))
	require.NoError(t, err)
	assert.Equal(t, 1280, cfg.Width)

	assert.Equal(t, int64(9), e.balance(t, s.Profile.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.CreditsDebited))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.OptimizeTotal.WithLabelValues("ok")))
}

func TestOptimize_JPEGOutput(t *testing.T) {
	e := newEnv(t, imaging.NewStdTransformer(1920))
	s := e.signup(t, "jpeg@example.com")

	res, err := e.optimize.Optimize(context.Background(), identity.Credentials{APIKey: s.Profile.APIKey},
		transfer.Input{Inline: samplePNG(t, 64, 48)}, Options{Format: "jpeg", Quality: "70"})
	require.NoError(t, err)

	assert.Equal(t, imaging.FormatJPEG, res.Format)
	_, err = jpeg.DecodeConfig(bytes.NewReader(res.Inline))
	require.NoError(t, err)
	assert.Equal(t, int64(9), e.balance(t, s.Profile.ID))
}

func TestOptimize_BearerTokenCaller(t *testing.T) {
	tr := &fakeTransformer{}
	e := newEnv(t, tr)
	s := e.signup(t, "bob@example.com")

	creds := identity.Credentials{BearerToken: s.Tokens.AccessToken}
	res, err := e.optimize.Optimize(context.Background(), creds, transfer.Input{Inline: []byte("12345678")}, Options{Format: "png"})
	require.NoError(t, err)
	assert.Equal(t, []byte("1234"), res.Inline)
	assert.Equal(t, 50.0, res.SavedPercent)
	assert.Equal(t, int64(9), e.balance(t, s.Profile.ID))
}

func TestOptimize_ZeroBalanceNeverTransforms(t *testing.T) {
	tr := &fakeTransformer{}
	e := newEnv(t, tr)
	e.users.signupCredits = 0
	s := e.signup(t, "broke@example.com")

	staged, err := e.transfer.PrepareUpload(context.Background(), s.Profile.ID, "big.png", "image/png")
	require.NoError(t, err)
	_, err = e.store.Put(context.Background(), staged.Key, []byte("img"), "image/png")
	require.NoError(t, err)

	creds := identity.Credentials{APIKey: s.Profile.APIKey}
	_, err = e.optimize.Optimize(context.Background(), creds, transfer.Input{Path: staged.Key}, Options{})
	assert.ErrorIs(t, err, common.ErrInsufficientBalance)
	assert.Zero(t, tr.calls.Load())
	assert.True(t, e.store.Has(staged.Key), "input must not be touched")
	assert.Equal(t, int64(0), e.balance(t, s.Profile.ID))
}

func TestOptimize_Unauthenticated(t *testing.T) {
	tr := &fakeTransformer{}
	e := newEnv(t, tr)

	_, err := e.optimize.Optimize(context.Background(), identity.Credentials{}, transfer.Input{Inline: []byte("x")}, Options{})
	assert.ErrorIs(t, err, common.ErrNoCredentials)

	_, err = e.optimize.Optimize(context.Background(), identity.Credentials{APIKey: "nope"}, transfer.Input{Inline: []byte("x")}, Options{})
	assert.ErrorIs(t, err, common.ErrorUnauthorized)
	assert.Zero(t, tr.calls.Load())
}

func TestOptimize_InvalidFormat(t *testing.T) {
	tr := &fakeTransformer{}
	e := newEnv(t, tr)
	s := e.signup(t, "c@example.com")

	_, err := e.optimize.Optimize(context.Background(), identity.Credentials{APIKey: s.Profile.APIKey},
		transfer.Input{Inline: []byte("x")}, Options{Format: "tiff"})
	assert.ErrorIs(t, err, common.ErrValidation)
	assert.Zero(t, tr.calls.Load())
	assert.Equal(t, int64(10), e.balance(t, s.Profile.ID))
}

func TestOptimize_TransformFailureDoesNotDebit(t *testing.T) {
	tr := &fakeTransformer{err: &common.TransformError{Format: "webp", Transient: true, Err: errors.New("upstream 503")}}
	e := newEnv(t, tr)
	s := e.signup(t, "d@example.com")

	staged, err := e.transfer.PrepareUpload(context.Background(), s.Profile.ID, "in.png", "image/png")
	require.NoError(t, err)
	_, err = e.store.Put(context.Background(), staged.Key, []byte("img"), "image/png")
	require.NoError(t, err)

	_, err = e.optimize.Optimize(context.Background(), identity.Credentials{APIKey: s.Profile.APIKey},
		transfer.Input{Path: staged.Key}, Options{})
	var te *common.TransformError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Transient)

	assert.Equal(t, int64(10), e.balance(t, s.Profile.ID))
	assert.False(t, e.store.Has(staged.Key), "staged input is deleted even when the transform fails")
}

func TestOptimize_TransformTimeout(t *testing.T) {
	tr := &fakeTransformer{before: func(ctx context.Context) { <-ctx.Done() }, err: context.DeadlineExceeded}
	e := newEnv(t, tr)
	e.optimize.transformTimeout = 20 * time.Millisecond
	s := e.signup(t, "slow@example.com")

	_, err := e.optimize.Optimize(context.Background(), identity.Credentials{APIKey: s.Profile.APIKey},
		transfer.Input{Inline: []byte("img")}, Options{})
	assert.ErrorIs(t, err, common.ErrTimeout)
	assert.Equal(t, int64(10), e.balance(t, s.Profile.ID))
}

func TestOptimize_LostDebitRaceDiscardsOutput(t *testing.T) {
	tr := &fakeTransformer{}
	e := newEnv(t, tr)
	e.users.signupCredits = 1
	s := e.signup(t, "race@example.com")

	// Another request spends the last credit while this transform runs.
	tr.before = func(ctx context.Context) {
		require.NoError(t, e.ledger.Debit(ctx, e.db, s.Profile.ID, 1))
	}

	big := make([]byte, 2*e.cfg.InlineThreshold)
	staged, err := e.transfer.PrepareUpload(context.Background(), s.Profile.ID, "in.png", "image/png")
	require.NoError(t, err)
	_, err = e.store.Put(context.Background(), staged.Key, big, "image/png")
	require.NoError(t, err)

	_, err = e.optimize.Optimize(context.Background(), identity.Credentials{APIKey: s.Profile.APIKey},
		transfer.Input{Path: staged.Key}, Options{})
	assert.ErrorIs(t, err, common.ErrInsufficientBalance)
	assert.Equal(t, int64(0), e.balance(t, s.Profile.ID))
	assert.Empty(t, e.store.Keys(), "no result is published")
}

func TestOptimize_LargeResultIsPublishedByURL(t *testing.T) {
	tr := &fakeTransformer{}
	e := newEnv(t, tr)
	s := e.signup(t, "big@example.com")

	big := make([]byte, 5<<20)
	staged, err := e.transfer.PrepareUpload(context.Background(), s.Profile.ID, "huge.png", "image/png")
	require.NoError(t, err)
	_, err = e.store.Put(context.Background(), staged.Key, big, "image/png")
	require.NoError(t, err)

	res, err := e.optimize.Optimize(context.Background(), identity.Credentials{APIKey: s.Profile.APIKey},
		transfer.Input{Path: staged.Key}, Options{Format: "avif"})
	require.NoError(t, err)

	assert.Nil(t, res.Inline)
	assert.Contains(t, res.URL, "results/"+s.Profile.ID+"/")
	assert.Equal(t, 5<<20, res.SizeBefore)
	assert.Equal(t, 5<<19, res.SizeAfter)
	assert.False(t, e.store.Has(staged.Key))
	assert.Equal(t, int64(9), e.balance(t, s.Profile.ID))
}

func TestSavedPercent(t *testing.T) {
	assert.Equal(t, 0.0, savedPercent(0, 0))
	assert.Equal(t, 33.3, savedPercent(3, 2))
	assert.Equal(t, -100.0, savedPercent(1, 2))
}

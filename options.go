package biovault

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/biovault/blobstore"
	"github.com/hupe1980/biovault/codec"
	"github.com/hupe1980/biovault/index"
	"github.com/hupe1980/biovault/model"
	"github.com/hupe1980/biovault/persistence"
)

// FusionWeights combines per-modality similarity scores into one decision
// score. Weights are renormalized when only one modality contributes.
type FusionWeights struct {
	Anatomical float64
	Dynamic    float64
}

// DefaultFusionWeights are the deployed calibration constants. Do not change
// them without labeled-data justification.
var DefaultFusionWeights = FusionWeights{Anatomical: 0.6, Dynamic: 0.4}

// Options contains configuration options for the database.
type Options struct {
	// Logger receives structured logs. Defaults to an info-level text logger.
	Logger *Logger

	// Codec encodes record documents and blob payloads.
	Codec codec.Codec

	// Store overrides the blob backend. When nil, a LocalStore rooted at the
	// path passed to New is used.
	Store blobstore.Store

	// Strategy selects the nearest-neighbor index implementation, shared by
	// both modality indexes.
	Strategy index.Strategy

	// AnatomicalDim is the anatomical embedding dimensionality.
	AnatomicalDim int

	// DynamicDim is the dynamic embedding dimensionality.
	DynamicDim int

	// CacheSize caps each index's query-result cache.
	CacheSize int

	// Compression applied to embedding blobs.
	Compression persistence.Compression

	// EncryptionKey enables at-rest encryption of embedding blobs when set
	// (32 bytes). Blobs written without encryption remain loadable.
	EncryptionKey []byte

	// NormalizeEmbeddings L2-normalizes embeddings at enrollment and query
	// time so the distance-to-similarity convention holds.
	NormalizeEmbeddings bool

	// FusionWeights combine per-modality similarities.
	FusionWeights FusionWeights

	// QualityThresholds bucket quality scores into discrete levels.
	QualityThresholds model.QualityThresholds

	// SuccessThreshold is the fused score above which an attempt counts as a
	// success for statistics. Authentication acceptance stays with the caller.
	SuccessThreshold float64

	// MaxFailedAttempts triggers an automatic lockout once reached.
	MaxFailedAttempts int

	// LockoutDuration is the automatic lockout duration.
	LockoutDuration time.Duration

	// AttemptRate throttles per-user verification attempts when > 0.
	AttemptRate rate.Limit

	// AttemptBurst is the throttle burst size.
	AttemptBurst int

	// AllowedGenders is the accepted gender set for user creation.
	AllowedGenders []string

	// MinAge and MaxAge bound the accepted age range.
	MinAge int
	MaxAge int

	// BackupDir receives archives; defaults to "<path>-backups".
	BackupDir string

	// BackupRetention keeps the N most recent archives.
	BackupRetention int
}

// DefaultOptions contains the default configuration options for the database.
var DefaultOptions = Options{
	Strategy:            index.StrategyLinear,
	AnatomicalDim:       64,
	DynamicDim:          128,
	CacheSize:           128,
	Compression:         persistence.CompressionS2,
	NormalizeEmbeddings: true,
	FusionWeights:       DefaultFusionWeights,
	QualityThresholds:   model.DefaultQualityThresholds,
	SuccessThreshold:    0.7,
	MaxFailedAttempts:   5,
	LockoutDuration:     15 * time.Minute,
	AttemptBurst:        3,
	AllowedGenders:      []string{"Masculino", "Femenino", "Otro", "No especificado"},
	MinAge:              1,
	MaxAge:              120,
	BackupRetention:     5,
}

// WithStrategy sets the index strategy.
func WithStrategy(s index.Strategy) func(*Options) {
	return func(o *Options) { o.Strategy = s }
}

// WithDimensions sets the per-modality embedding dimensionalities.
func WithDimensions(anatomical, dynamic int) func(*Options) {
	return func(o *Options) {
		o.AnatomicalDim = anatomical
		o.DynamicDim = dynamic
	}
}

// WithEncryptionKey enables at-rest blob encryption.
func WithEncryptionKey(key []byte) func(*Options) {
	return func(o *Options) { o.EncryptionKey = key }
}

// WithStore overrides the blob backend.
func WithStore(s blobstore.Store) func(*Options) {
	return func(o *Options) { o.Store = s }
}

// WithLogger sets the logger.
func WithLogger(l *Logger) func(*Options) {
	return func(o *Options) { o.Logger = l }
}

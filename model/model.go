package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TemplateType identifies which embedding modalities a template carries.
type TemplateType string

const (
	TemplateTypeAnatomical TemplateType = "anatomical"
	TemplateTypeDynamic    TemplateType = "dynamic"
	TemplateTypeMultimodal TemplateType = "multimodal"
)

// QualityLevel is the discrete quality bucket derived from a quality score.
type QualityLevel string

const (
	QualityExcellent QualityLevel = "excellent"
	QualityGood      QualityLevel = "good"
	QualityFair      QualityLevel = "fair"
	QualityPoor      QualityLevel = "poor"
)

// AuthType distinguishes 1:1 verification from 1:N identification.
type AuthType string

const (
	AuthTypeVerification   AuthType = "verification"
	AuthTypeIdentification AuthType = "identification"
)

// StateKind discriminates the template state union.
type StateKind int

const (
	// StateFull means at least one embedding is populated.
	StateFull StateKind = iota
	// StatePending means the template holds raw features awaiting embedding.
	StatePending
)

func (k StateKind) String() string {
	switch k {
	case StateFull:
		return "full"
	case StatePending:
		return "pending"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// TemplateState is a tagged union over a template's payload: either populated
// embeddings (Full) or raw features captured before an embedding generator
// was available (Pending). The tag replaces ad hoc bootstrap flags so that
// "flag set but data absent" states cannot be represented.
type TemplateState struct {
	Kind StateKind `json:"kind"`

	// Populated when Kind == StateFull. Either may be nil, never both.
	Anatomical []float32 `json:"anatomical,omitempty"`
	Dynamic    []float32 `json:"dynamic,omitempty"`

	// Populated when Kind == StatePending.
	RawAnatomical []float32   `json:"raw_anatomical,omitempty"`
	RawTemporal   [][]float32 `json:"raw_temporal,omitempty"`
}

// FullState builds a StateFull payload.
func FullState(anatomical, dynamic []float32) TemplateState {
	return TemplateState{Kind: StateFull, Anatomical: anatomical, Dynamic: dynamic}
}

// PendingState builds a StatePending payload holding raw capture data.
func PendingState(rawAnatomical []float32, rawTemporal [][]float32) TemplateState {
	return TemplateState{Kind: StatePending, RawAnatomical: rawAnatomical, RawTemporal: rawTemporal}
}

// Pending reports whether the template is still awaiting embedding generation.
func (s TemplateState) Pending() bool { return s.Kind == StatePending }

// HasAnatomical reports whether a full anatomical embedding is present.
func (s TemplateState) HasAnatomical() bool { return s.Kind == StateFull && len(s.Anatomical) > 0 }

// HasDynamic reports whether a full dynamic embedding is present.
func (s TemplateState) HasDynamic() bool { return s.Kind == StateFull && len(s.Dynamic) > 0 }

// Type derives the template type from which embeddings (or raw captures) are present.
func (s TemplateState) Type() TemplateType {
	switch {
	case s.Kind == StatePending:
		if len(s.RawTemporal) > 0 && len(s.RawAnatomical) > 0 {
			return TemplateTypeMultimodal
		}
		if len(s.RawTemporal) > 0 {
			return TemplateTypeDynamic
		}
		return TemplateTypeAnatomical
	case s.HasAnatomical() && s.HasDynamic():
		return TemplateTypeMultimodal
	case s.HasDynamic():
		return TemplateTypeDynamic
	default:
		return TemplateTypeAnatomical
	}
}

// Empty reports whether the state carries neither embeddings nor raw features.
func (s TemplateState) Empty() bool {
	return len(s.Anatomical) == 0 && len(s.Dynamic) == 0 &&
		len(s.RawAnatomical) == 0 && len(s.RawTemporal) == 0
}

// BiometricTemplate is one stored biometric sample for a user.
// The embedding payload (State) is persisted in a companion sealed blob,
// not in the template document itself.
type BiometricTemplate struct {
	TemplateID        string         `json:"template_id"`
	UserID            string         `json:"user_id"`
	Type              TemplateType   `json:"type"`
	GestureName       string         `json:"gesture_name"`
	QualityScore      float64        `json:"quality_score"`
	Confidence        float64        `json:"confidence"`
	VerificationCount int            `json:"verification_count"`
	SuccessCount      int            `json:"success_count"`
	Checksum          string         `json:"checksum"`
	Encrypted         bool           `json:"is_encrypted"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Metadata          map[string]any `json:"metadata,omitempty"`

	State TemplateState `json:"-"`
}

// QualityLevel buckets the quality score using the default calibration
// (0.9 / 0.7 / 0.5). Callers with custom thresholds use
// QualityThresholds.Level directly.
func (t *BiometricTemplate) QualityLevel() QualityLevel {
	return DefaultQualityThresholds.Level(t.QualityScore)
}

// SuccessRate returns the fraction of successful verifications, or 0 when
// the template was never used.
func (t *BiometricTemplate) SuccessRate() float64 {
	if t.VerificationCount == 0 {
		return 0
	}
	return float64(t.SuccessCount) / float64(t.VerificationCount)
}

// ComputeChecksum hashes the template identity fields together with the
// embedding content sums. Any mutation of the identity or the stored vectors
// changes the digest.
func (t *BiometricTemplate) ComputeChecksum() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|", t.TemplateID, t.UserID, t.Type, t.GestureName)
	fmt.Fprintf(h, "%.6f|%.6f|", contentSum(t.State.Anatomical), contentSum(t.State.Dynamic))
	fmt.Fprintf(h, "%.6f|%d|", contentSum(t.State.RawAnatomical), len(t.State.RawTemporal))
	fmt.Fprintf(h, "%s", t.State.Kind)
	return hex.EncodeToString(h.Sum(nil))
}

// RefreshChecksum recomputes and stores the checksum.
func (t *BiometricTemplate) RefreshChecksum() {
	t.Checksum = t.ComputeChecksum()
}

// VerifyChecksum reports whether the stored checksum matches recomputation.
func (t *BiometricTemplate) VerifyChecksum() bool {
	return t.Checksum == t.ComputeChecksum()
}

func contentSum(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x)
	}
	return sum
}

// QualityThresholds maps a continuous quality score to a discrete level.
type QualityThresholds struct {
	Excellent float64
	Good      float64
	Fair      float64
}

// DefaultQualityThresholds are the deployed calibration constants.
var DefaultQualityThresholds = QualityThresholds{Excellent: 0.9, Good: 0.7, Fair: 0.5}

// Level buckets score into a QualityLevel.
func (q QualityThresholds) Level(score float64) QualityLevel {
	switch {
	case score >= q.Excellent:
		return QualityExcellent
	case score >= q.Good:
		return QualityGood
	case score >= q.Fair:
		return QualityFair
	default:
		return QualityPoor
	}
}

// LockoutEvent is one append-only entry in a user's lockout history.
type LockoutEvent struct {
	LockedAt     time.Time `json:"locked_at"`
	LockoutUntil time.Time `json:"lockout_until"`
	Duration     string    `json:"duration"`
	AttemptCount int       `json:"attempt_count_at_lock"`
	Reason       string    `json:"reason"`
}

// UserProfile is one enrolled identity and its lockout/verification state.
type UserProfile struct {
	UserID          string   `json:"user_id"`
	Username        string   `json:"username"`
	Email           string   `json:"email"`
	Phone           string   `json:"phone"`
	Age             int      `json:"age"`
	Gender          string   `json:"gender"`
	GestureSequence []string `json:"gesture_sequence,omitempty"`

	AnatomicalTemplates []string `json:"anatomical_templates"`
	DynamicTemplates    []string `json:"dynamic_templates"`
	MultimodalTemplates []string `json:"multimodal_templates"`

	TotalEnrollments        int `json:"total_enrollments"`
	TotalVerifications      int `json:"total_verifications"`
	SuccessfulVerifications int `json:"successful_verifications"`

	Active              bool           `json:"is_active"`
	FailedAttempts      int            `json:"failed_attempts"`
	LastFailedTimestamp *time.Time     `json:"last_failed_timestamp,omitempty"`
	LockoutUntil        *time.Time     `json:"lockout_until,omitempty"`
	LockoutHistory      []LockoutEvent `json:"lockout_history,omitempty"`

	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastActivity time.Time      `json:"last_activity"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// TotalTemplates returns the number of templates linked to the user across
// all modalities.
func (u *UserProfile) TotalTemplates() int {
	return len(u.AnatomicalTemplates) + len(u.DynamicTemplates) + len(u.MultimodalTemplates)
}

// TemplateIDs returns all linked template IDs across modalities.
func (u *UserProfile) TemplateIDs() []string {
	ids := make([]string, 0, u.TotalTemplates())
	ids = append(ids, u.AnatomicalTemplates...)
	ids = append(ids, u.DynamicTemplates...)
	ids = append(ids, u.MultimodalTemplates...)
	return ids
}

// LinkTemplate appends a template ID to the list matching its type.
func (u *UserProfile) LinkTemplate(id string, typ TemplateType) {
	switch typ {
	case TemplateTypeDynamic:
		u.DynamicTemplates = append(u.DynamicTemplates, id)
	case TemplateTypeMultimodal:
		u.MultimodalTemplates = append(u.MultimodalTemplates, id)
	default:
		u.AnatomicalTemplates = append(u.AnatomicalTemplates, id)
	}
}

// UnlinkTemplate removes a template ID from all modality lists.
// It reports whether the ID was present.
func (u *UserProfile) UnlinkTemplate(id string) bool {
	found := false
	u.AnatomicalTemplates, found = removeID(u.AnatomicalTemplates, id, found)
	u.DynamicTemplates, found = removeID(u.DynamicTemplates, id, found)
	u.MultimodalTemplates, found = removeID(u.MultimodalTemplates, id, found)
	return found
}

func removeID(ids []string, id string, found bool) ([]string, bool) {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...), true
		}
	}
	return ids, found
}

// AuthenticationAttempt is one immutable authentication event.
// Never mutated after creation.
type AuthenticationAttempt struct {
	AttemptID      string             `json:"attempt_id"`
	UserID         string             `json:"user_id,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
	AuthType       AuthType           `json:"auth_type"`
	Success        bool               `json:"success"`
	ModalityScores map[string]float64 `json:"modality_scores,omitempty"`
	FusedScore     float64            `json:"fused_score"`
	IPAddress      string             `json:"ip_address,omitempty"`
	DeviceInfo     string             `json:"device_info,omitempty"`
	FailureReason  string             `json:"failure_reason,omitempty"`
	Metadata       map[string]any     `json:"metadata,omitempty"`
}

// NewAttemptID returns a fresh attempt identifier.
func NewAttemptID() string { return uuid.NewString() }

// NewTemplateID returns a fresh template identifier.
func NewTemplateID() string { return uuid.NewString() }

// DatabaseStats is an aggregate snapshot; always recomputed, never mutated
// independently.
type DatabaseStats struct {
	TotalUsers       int                  `json:"total_users"`
	ActiveUsers      int                  `json:"active_users"`
	TotalTemplates   int                  `json:"total_templates"`
	PendingTemplates int                  `json:"pending_templates"`
	ByType           map[TemplateType]int `json:"by_type"`
	ByQuality        map[QualityLevel]int `json:"by_quality"`
	StorageBytes     int64                `json:"storage_bytes"`
	CacheHitRate     float64              `json:"cache_hit_rate"`
	AnatomicalIndex  int                  `json:"anatomical_index_entries"`
	DynamicIndex     int                  `json:"dynamic_index_entries"`
}

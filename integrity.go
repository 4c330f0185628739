package biovault

import (
	"context"
	"fmt"
	"sort"

	"github.com/hupe1980/biovault/index"
	"github.com/hupe1980/biovault/model"
)

// IssueKind classifies one integrity finding.
type IssueKind string

const (
	IssueChecksumMismatch   IssueKind = "checksum_mismatch"
	IssueUnreadableTemplate IssueKind = "unreadable_template"
	IssueIndexCountMismatch IssueKind = "index_count_mismatch"
	IssueOrphanedTemplate   IssueKind = "orphaned_template"
	IssueDanglingReference  IssueKind = "dangling_reference"
)

// IntegrityIssue is one discrepancy found by VerifyIntegrity.
type IntegrityIssue struct {
	Kind       IssueKind `json:"kind"`
	TemplateID string    `json:"template_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Detail     string    `json:"detail"`
}

// IntegrityReport is the full outcome of one integrity pass.
type IntegrityReport struct {
	TemplatesChecked int              `json:"templates_checked"`
	Issues           []IntegrityIssue `json:"issues"`
}

// OK reports whether the pass found no discrepancies.
func (r *IntegrityReport) OK() bool { return len(r.Issues) == 0 }

// VerifyIntegrity re-reads every template from storage, recomputes its
// checksum, compares index entry counts against the templates actually
// holding each modality's embedding, and cross-checks user/template
// references. Every discrepancy is reported; nothing is repaired here.
func (d *DB) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	report := &IntegrityReport{}

	ids := make([]string, 0, len(d.templates))
	for id := range d.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	anatomicalWant, dynamicWant := 0, 0
	for _, id := range ids {
		report.TemplatesChecked++

		stored, err := d.templateStore.Load(ctx, id)
		if err != nil {
			report.Issues = append(report.Issues, IntegrityIssue{
				Kind:       IssueUnreadableTemplate,
				TemplateID: id,
				Detail:     translateError(err).Error(),
			})
			continue
		}

		if !stored.VerifyChecksum() {
			report.Issues = append(report.Issues, IntegrityIssue{
				Kind:       IssueChecksumMismatch,
				TemplateID: id,
				UserID:     stored.UserID,
				Detail:     "stored checksum does not match recomputation",
			})
		}

		if stored.State.HasAnatomical() {
			anatomicalWant++
		}
		if stored.State.HasDynamic() {
			dynamicWant++
		}

		if _, ok := d.users[stored.UserID]; !ok {
			report.Issues = append(report.Issues, IntegrityIssue{
				Kind:       IssueOrphanedTemplate,
				TemplateID: id,
				UserID:     stored.UserID,
				Detail:     "owning user does not exist",
			})
		}
	}

	if got := d.anatomical.Len(); got != anatomicalWant {
		report.Issues = append(report.Issues, IntegrityIssue{
			Kind:   IssueIndexCountMismatch,
			Detail: fmt.Sprintf("anatomical index holds %d entries, %d templates carry an anatomical embedding", got, anatomicalWant),
		})
	}
	if got := d.dynamic.Len(); got != dynamicWant {
		report.Issues = append(report.Issues, IntegrityIssue{
			Kind:   IssueIndexCountMismatch,
			Detail: fmt.Sprintf("dynamic index holds %d entries, %d templates carry a dynamic embedding", got, dynamicWant),
		})
	}

	for _, u := range d.users {
		for _, id := range u.TemplateIDs() {
			if _, ok := d.templates[id]; !ok {
				report.Issues = append(report.Issues, IntegrityIssue{
					Kind:       IssueDanglingReference,
					TemplateID: id,
					UserID:     u.UserID,
					Detail:     "user references a template that does not exist",
				})
			}
		}
	}

	d.logger.Info("integrity check finished",
		"templates_checked", report.TemplatesChecked,
		"issues", len(report.Issues),
	)
	return report, nil
}

// Stats recomputes an aggregate snapshot of the database.
func (d *DB) Stats(ctx context.Context) (*model.DatabaseStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	stats := &model.DatabaseStats{
		TotalUsers:      len(d.users),
		TotalTemplates:  len(d.templates),
		ByType:          make(map[model.TemplateType]int),
		ByQuality:       make(map[model.QualityLevel]int),
		AnatomicalIndex: d.anatomical.Len(),
		DynamicIndex:    d.dynamic.Len(),
	}

	for _, u := range d.users {
		if u.Active {
			stats.ActiveUsers++
		}
	}

	thresholds := d.opts.QualityThresholds
	for _, t := range d.templates {
		stats.ByType[t.Type]++
		stats.ByQuality[thresholds.Level(t.QualityScore)]++
		if t.State.Pending() {
			stats.PendingTemplates++
		}
	}

	stats.StorageBytes = d.templateStore.StorageBytes(ctx) + d.userStore.StorageBytes(ctx)

	aHits, aMisses := d.anatomical.CacheStats()
	dHits, dMisses := d.dynamic.CacheStats()
	if total := aHits + aMisses + dHits + dMisses; total > 0 {
		stats.CacheHitRate = float64(aHits+dHits) / float64(total)
	}

	return stats, nil
}

// EffectiveStrategies reports, per modality, the index strategy that actually
// served the most recent searches. It differs from the configured strategy
// while an approximate index is degraded to its exact fallback.
func (d *DB) EffectiveStrategies() (anatomical, dynamic index.Strategy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.anatomical.EffectiveStrategy(), d.dynamic.EffectiveStrategy()
}

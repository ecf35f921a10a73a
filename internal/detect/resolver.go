package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/attribute"

	"agentline/internal/domain"
	"agentline/internal/logging"
	"agentline/internal/otelhelper"
	"agentline/internal/repo"
)

// RecordLister lists an organization's records.
type RecordLister interface {
	ListRecords(ctx context.Context, f repo.RecordFilters) ([]domain.Record, error)
}

type Resolver struct {
	Records    RecordLister
	MaxMatches int
	MinScore   float64
	Logger     *slog.Logger
}

const (
	defaultMaxMatches = 5
	defaultMinScore   = 0.3
)

// Resolve ranks same-organization records of the item's type for every item.
// Items whose lookup failed are absent from the result; items that were
// searched without a hit map to an empty slice.
func (r Resolver) Resolve(ctx context.Context, orgID string, items []Item) (map[string][]domain.Record, error) {
	ctx, span := otelhelper.StartSpan(ctx, "detect.resolve",
		attribute.String(otelhelper.OrganizationIDKey, orgID),
		attribute.Int("agentline.items", len(items)))
	defer span.End()

	if orgID == "" {
		return nil, errors.New("organization id required")
	}
	type outcome struct {
		matches []domain.Record
		err     error
	}
	results := make([]outcome, len(items))
	var wg sync.WaitGroup
	for i, it := range items {
		wg.Add(1)
		go func(i int, it Item) {
			defer wg.Done()
			matches, err := r.resolveItem(ctx, orgID, it)
			results[i] = outcome{matches: matches, err: err}
		}(i, it)
	}
	wg.Wait()

	res := make(map[string][]domain.Record, len(items))
	var errs []error
	for i, out := range results {
		if out.err != nil {
			errs = append(errs, fmt.Errorf("item %s: %w", items[i].ID, out.err))
			continue
		}
		res[items[i].ID] = out.matches
	}
	if err := errors.Join(errs...); err != nil {
		otelhelper.SetError(span, err)
		r.logger().Warn("match lookup failed", "organization_id", orgID, "failed", len(errs), "error", err)
		return res, err
	}
	return res, nil
}

func (r Resolver) resolveItem(ctx context.Context, orgID string, it Item) ([]domain.Record, error) {
	name := ItemName(it)
	if name == "" || it.Type == "" {
		return []domain.Record{}, nil
	}
	records, err := r.Records.ListRecords(ctx, repo.RecordFilters{OrganizationID: orgID, Type: RecordType(it.Type)})
	if err != nil {
		return nil, err
	}
	return Rank(name, records, r.maxMatches(), r.minScore()), nil
}

// Rank scores candidates against name, drops those below minScore and orders
// the rest by score, then most recent update.
func Rank(name string, candidates []domain.Record, limit int, minScore float64) []domain.Record {
	type scored struct {
		rec     domain.Record
		score   float64
		updated time.Time
	}
	var list []scored
	for _, rec := range candidates {
		s := Score(name, rec.Name)
		if s < minScore {
			continue
		}
		list = append(list, scored{rec: rec, score: s, updated: parseTime(rec.UpdatedAt)})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		if !list[i].updated.Equal(list[j].updated) {
			return list[i].updated.After(list[j].updated)
		}
		return list[i].rec.ID < list[j].rec.ID
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]domain.Record, 0, len(list))
	for _, s := range list {
		out = append(out, s.rec)
	}
	return out
}

// Score rates name similarity: 1 for a case-insensitive match, 0.8 when one
// contains the other, token Jaccard otherwise.
func Score(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.8
	}
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokens(s string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) }) {
		set[f] = struct{}{}
	}
	return set
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (r Resolver) maxMatches() int {
	if r.MaxMatches > 0 {
		return r.MaxMatches
	}
	return defaultMaxMatches
}

func (r Resolver) minScore() float64 {
	if r.MinScore > 0 {
		return r.MinScore
	}
	return defaultMinScore
}

func (r Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return logging.WithModule("detect")
}

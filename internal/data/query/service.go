package query

import (
	"context"
	"sort"
	"strings"

	"devloop/internal/data/manifest"
)

// RecordSource is satisfied by the manifest store.
type RecordSource interface {
	Records() []manifest.FileRecord
}

// FileRow is one tracked file as seen by a query.
type FileRow struct {
	Path    string `json:"path"`
	Type    string `json:"type"`
	Tier    string `json:"tier"`
	FanIn   int    `json:"fanIn"`
	FanOut  int    `json:"fanOut"`
	Version int    `json:"version"`
}

type Service struct {
	source RecordSource
}

func NewService(source RecordSource) *Service {
	return &Service{source: source}
}

// ExecuteCQL runs raw against the tracked files. limit caps the result when
// positive and the query has no LIMIT of its own. Rows are ordered by fan-in
// descending, then path.
func (s *Service) ExecuteCQL(ctx context.Context, raw string, limit int) ([]FileRow, error) {
	q, err := ParseCQL(raw)
	if err != nil {
		return nil, err
	}
	if q.Limit > 0 {
		limit = q.Limit
	}

	records := s.source.Records()
	rows := make([]FileRow, 0, len(records))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := FileRow{
			Path:    rec.Path,
			Type:    string(rec.Type),
			Tier:    rec.Layer.String(),
			FanIn:   len(rec.Dependents),
			FanOut:  len(rec.Dependencies),
			Version: rec.Version,
		}
		if matchesAll(row, q.Conditions) {
			rows = append(rows, row)
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].FanIn != rows[j].FanIn {
			return rows[i].FanIn > rows[j].FanIn
		}
		return rows[i].Path < rows[j].Path
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func matchesAll(row FileRow, conditions []CQLCondition) bool {
	for _, c := range conditions {
		if !matches(row, c) {
			return false
		}
	}
	return true
}

func matches(row FileRow, c CQLCondition) bool {
	if c.IsInt {
		var v int
		switch c.Field {
		case "fan_in":
			v = row.FanIn
		case "fan_out":
			v = row.FanOut
		case "version":
			v = row.Version
		}
		switch c.Op {
		case ">":
			return v > c.IntVal
		case ">=":
			return v >= c.IntVal
		case "<":
			return v < c.IntVal
		case "<=":
			return v <= c.IntVal
		case "!=":
			return v != c.IntVal
		default:
			return v == c.IntVal
		}
	}

	var v string
	switch c.Field {
	case "path":
		v = row.Path
	case "type":
		v = row.Type
	case "tier":
		v = row.Tier
	}
	switch c.Op {
	case "contains":
		return strings.Contains(strings.ToLower(v), strings.ToLower(c.StrVal))
	case "!=":
		return !strings.EqualFold(v, c.StrVal)
	default:
		return strings.EqualFold(v, c.StrVal)
	}
}

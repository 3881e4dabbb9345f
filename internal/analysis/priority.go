package analysis

import (
	"context"
	"math"
	"sort"

	"github.com/rutgerdv/inboxd/internal/model"
)

// backlogWorkingSet bounds how many recent messages a backlog listing
// considers before filtering and ranking.
const backlogWorkingSet = 500

// DerivePriority maps importance and urgency (each 0..5, clamped) onto a
// 0..100 score. Importance counts double: round((2*importance + urgency) / 3
// * 20). Importance 5 with urgency 0 scores 67; 5 and 5 score 100.
func DerivePriority(importance, urgency int) int {
	importance = clampInt(importance, 0, 5)
	urgency = clampInt(urgency, 0, 5)
	return int(math.Round(float64(2*importance+urgency) / 3.0 * 20.0))
}

// BacklogFilter narrows a backlog listing.
type BacklogFilter struct {
	// MinPriority drops items scoring below the threshold. Zero keeps
	// everything, analyzed or not.
	MinPriority int

	UnreadOnly bool

	Limit  int
	Offset int
}

// BacklogItem is one ranked entry in a backlog listing.
type BacklogItem struct {
	Message  model.Message
	Analysis *model.MessageAnalysis

	// Priority is recomputed from the stored summary at read time.
	// Messages without a meaningful analysis rank at 0.
	Priority int
}

// ListBacklog returns recent messages ranked by derived priority, highest
// first. Ties break on date then id, both descending, so the ordering is
// stable across calls. Offset and limit are applied after ranking.
func (s *Service) ListBacklog(ctx context.Context, f BacklogFilter) ([]BacklogItem, error) {
	rows, err := s.store.RecentMessagesWithAnalysis(ctx, backlogWorkingSet)
	if err != nil {
		return nil, err
	}

	items := make([]BacklogItem, 0, len(rows))
	for _, row := range rows {
		if f.UnreadOnly && !row.Unread {
			continue
		}
		priority := 0
		if row.Analysis.Meaningful() {
			if sum := row.Analysis.Summary(); sum != nil {
				priority = DerivePriority(sum.Importance, sum.Urgency)
			}
		}
		if priority < f.MinPriority {
			continue
		}
		items = append(items, BacklogItem{
			Message:  row.Message,
			Analysis: row.Analysis,
			Priority: priority,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		if items[i].Message.DateISO != items[j].Message.DateISO {
			return items[i].Message.DateISO > items[j].Message.DateISO
		}
		return items[i].Message.ID > items[j].Message.ID
	})

	if f.Offset > 0 {
		if f.Offset >= len(items) {
			return []BacklogItem{}, nil
		}
		items = items[f.Offset:]
	}
	if f.Limit > 0 && len(items) > f.Limit {
		items = items[:f.Limit]
	}
	return items, nil
}

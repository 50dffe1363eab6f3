package store

import (
	"sort"
	"time"

	"agent-executor/internal/model"
)

type Query struct {
	Page    int
	PerPage int
	Status  string
	Scraper string
	SortBy  string // created_at, started_at, completed_at, status
	Order   string // asc, desc
}

type Pagination struct {
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
	NextPage   *int `json:"next_page"`
	PrevPage   *int `json:"prev_page"`
}

type QueryResult struct {
	Tasks      []*model.Task `json:"tasks"`
	Pagination Pagination    `json:"pagination"`
}

// Run filters, sorts and paginates the full task list. Unknown sort keys
// fall back to created_at descending.
func (q Query) Run(tasks []*model.Task) QueryResult {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage < 1 {
		q.PerPage = 10
	}

	filtered := tasks[:0:0]
	for _, t := range tasks {
		if q.Status != "" && string(t.Status) != q.Status {
			continue
		}
		if q.Scraper != "" && t.Scraper != q.Scraper {
			continue
		}
		filtered = append(filtered, t)
	}

	sortTasks(filtered, q.SortBy, q.Order)

	total := len(filtered)
	totalPages := (total + q.PerPage - 1) / q.PerPage
	start := (q.Page - 1) * q.PerPage
	end := start + q.PerPage
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	p := Pagination{
		Page:       q.Page,
		PerPage:    q.PerPage,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    q.Page < totalPages,
		HasPrev:    q.Page > 1,
	}
	if p.HasNext {
		next := q.Page + 1
		p.NextPage = &next
	}
	if p.HasPrev {
		prev := q.Page - 1
		p.PrevPage = &prev
	}

	return QueryResult{Tasks: filtered[start:end], Pagination: p}
}

func sortTasks(tasks []*model.Task, sortBy, order string) {
	desc := order != "asc"

	var key func(*model.Task) time.Time
	switch sortBy {
	case "started_at":
		key = func(t *model.Task) time.Time { return timeOrZero(t.StartedAt) }
	case "completed_at":
		key = func(t *model.Task) time.Time { return timeOrZero(t.CompletedAt) }
	case "status":
		sort.SliceStable(tasks, func(i, j int) bool {
			if desc {
				return tasks[i].Status > tasks[j].Status
			}
			return tasks[i].Status < tasks[j].Status
		})
		return
	case "created_at":
		key = func(t *model.Task) time.Time { return t.CreatedAt }
	default:
		// Unknown sort key: newest first.
		key = func(t *model.Task) time.Time { return t.CreatedAt }
		desc = true
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if desc {
			return key(tasks[i]).After(key(tasks[j]))
		}
		return key(tasks[i]).Before(key(tasks[j]))
	})
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

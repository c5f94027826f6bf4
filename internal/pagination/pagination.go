// Package pagination reads page, limit and sort from a query string and
// applies them to an in-memory listing.
package pagination

import (
	"net/url"
	"slices"
	"strconv"
)

// Params represents pagination parameters extracted from a request.
type Params struct {
	Page   int    // Current page number (1-based)
	Limit  int    // Number of items per page
	Offset int    // Items skipped before the page
	Sort   string // "newest" or "oldest"
}

const (
	// MaxLimit is the maximum number of items allowed per page
	MaxLimit = 100
	// DefaultPage is the default page number when not specified
	DefaultPage = 1
	// DefaultLimit is the default number of items per page when not specified
	DefaultLimit = 10
	// DefaultSort is the default sort order when not specified
	DefaultSort = SortNewest

	SortNewest = "newest"
	SortOldest = "oldest"
)

func calculateOffset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

func isValidSort(sort string) bool {
	switch sort {
	case SortNewest, SortOldest:
		return true
	default:
		return false
	}
}

// Option is a function type for configuring pagination defaults.
type Option func(*Params)

// WithDefaultLimit sets the default limit. Non-positive values are ignored.
func WithDefaultLimit(limit int) Option {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

// WithDefaultSort sets the default sort order. Unknown orders are ignored.
func WithDefaultSort(sort string) Option {
	if !isValidSort(sort) {
		return func(p *Params) {}
	}
	return func(p *Params) {
		p.Sort = sort
	}
}

// Requested reports whether q carries any pagination parameter. Listings
// without one are returned whole.
func Requested(q url.Values) bool {
	return q.Has("page") || q.Has("limit") || q.Has("sort")
}

// FromQuery extracts pagination parameters from URL query values, enforcing
// MaxLimit and ignoring values that do not parse.
func FromQuery(q url.Values, opts ...Option) Params {
	params := Params{
		Page:  DefaultPage,
		Limit: DefaultLimit,
		Sort:  DefaultSort,
	}

	for _, opt := range opts {
		opt(&params)
	}

	if pageStr := q.Get("page"); pageStr != "" {
		if val, err := strconv.Atoi(pageStr); err == nil && val > 0 {
			params.Page = val
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		if val, err := strconv.Atoi(limitStr); err == nil && val > 0 {
			params.Limit = val
		}
	}

	// enforce max limit
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}

	params.Offset = calculateOffset(params.Page, params.Limit)

	if sortStr := q.Get("sort"); sortStr != "" && isValidSort(sortStr) {
		params.Sort = sortStr
	}

	return params
}

// Page is one slice of a listing.
type Page[T any] struct {
	Items   []T  `json:"items"`
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"hasNext"`
}

// Apply pages items, which must be ordered oldest first.
func Apply[T any](items []T, p Params) Page[T] {
	ordered := items
	if p.Sort == SortNewest {
		ordered = slices.Clone(items)
		slices.Reverse(ordered)
	}

	total := len(ordered)
	start := min(p.Offset, total)
	end := min(start+p.Limit, total)

	page := make([]T, end-start)
	copy(page, ordered[start:end])
	return Page[T]{
		Items:   page,
		Page:    p.Page,
		Limit:   p.Limit,
		Total:   total,
		HasNext: HasNext(p.Offset, p.Limit, total),
	}
}

// HasNext determines if there are more items available after the current page.
func HasNext(offset, limit, count int) bool {
	return (offset + limit) < count
}

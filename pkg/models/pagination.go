package models

// Cursor pagination for simulation listings. A request without a cursor
// starts from the beginning; NextCursor is set only when a full page was
// returned, so an absent cursor in the response means the listing is done.

const (
	DefaultPageSize = 100
	MaxPageSize     = 100
)

type CursorPaginationRequest struct {
	Cursor    string `json:"cursor,omitempty"`
	PageSize  int    `json:"page_size"`
	WithTotal bool   `json:"with_total,omitempty"`
}

func (r *CursorPaginationRequest) Normalize() {
	if r.PageSize <= 0 {
		r.PageSize = DefaultPageSize
	}
	if r.PageSize > MaxPageSize {
		r.PageSize = MaxPageSize
	}
}

type CursorPaginationResponse[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	PageSize   int    `json:"page_size"`
	Total      *int64 `json:"total,omitempty"`
}

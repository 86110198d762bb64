package shared

// Pagination contains metadata for paginated listings.
type Pagination struct {
	Limit  int
	Offset int
	Total  int
}

// NewPagination normalises limit/offset inputs and carries the total row
// count alongside them.
func NewPagination(limit, offset, total int) Pagination {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return Pagination{Limit: limit, Offset: offset, Total: total}
}

package types

// TicketPage is the result of one paginated walk over the sharded ticket
// store. TotalCount is the sum of shard counts in the index, never the result
// of a full scan of the underlying store.
type TicketPage struct {
	Records    []Ticket `json:"records"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
	TotalCount int      `json:"total_count"`
}

// ListResponse is a generic list wrapper for admin API responses.
type ListResponse[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
}

package mailbox

const defaultPageSize = 20

// pageBounds normalizes a requested page. Limit falls back to the default
// page size and is capped at maxLimit; negative offsets become zero.
func pageBounds(offset, limit, maxLimit int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return offset, limit
}

// paginate returns ids[offset:offset+limit], clamped to the slice.
func paginate(ids []UID, offset, limit int) []UID {
	if offset >= len(ids) || limit <= 0 {
		return nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	return ids[offset:end]
}

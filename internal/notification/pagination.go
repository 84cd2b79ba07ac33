package notification

const (
	defaultPage  = 1
	defaultLimit = 10
)

// PageMeta 分页元数据
type PageMeta struct {
	Total       int  `json:"total"`
	Limit       int  `json:"limit"`
	Page        int  `json:"page"`
	TotalPages  int  `json:"total_pages"`
	HasNext     bool `json:"has_next"`
	HasPrevious bool `json:"has_previous"`
}

// Paginate 对已经完整加载的列表做偏移分页
// page < 1 视为 1,limit < 1 使用默认值
func Paginate[T any](items []T, page, limit int) ([]T, PageMeta) {
	if page < 1 {
		page = defaultPage
	}
	if limit < 1 {
		limit = defaultLimit
	}

	total := len(items)
	totalPages := total / limit
	if total%limit != 0 {
		totalPages++
	}

	meta := PageMeta{
		Total:       total,
		Limit:       limit,
		Page:        page,
		TotalPages:  totalPages,
		HasNext:     page < totalPages,
		HasPrevious: page > 1,
	}

	if page > totalPages {
		return []T{}, meta
	}

	start := (page - 1) * limit

	end := total
	if limit < total-start {
		end = start + limit
	}
	return items[start:end], meta
}

package puddlesbot

// TaskPageSize is the number of tasks rendered per page in list views
const TaskPageSize = 5

// Page is one fixed-size window over a larger record set
type Page[T any] struct {
	// Items are the records on this page
	Items []T

	// Index is the zero-based page number, after clamping
	Index int

	// Count is the total number of pages
	Count int

	// Total is the total number of records across all pages
	Total int

	HasNext bool
	HasPrev bool
}

// paginate splits records into fixed-size pages and returns the page at
// pageIndex. An out-of-range pageIndex clamps to the first or last page
// rather than erroring; an empty record set yields a single empty page.
func paginate[T any](records []T, pageSize int, pageIndex int) Page[T] {
	if pageSize < 1 {
		pageSize = TaskPageSize
	}
	count := (len(records) + pageSize - 1) / pageSize
	if count == 0 {
		count = 1
	}
	if pageIndex < 0 {
		pageIndex = 0
	}
	if pageIndex >= count {
		pageIndex = count - 1
	}

	start := pageIndex * pageSize
	end := start + pageSize
	if start > len(records) {
		start = len(records)
	}
	if end > len(records) {
		end = len(records)
	}

	return Page[T]{
		Items:   records[start:end],
		Index:   pageIndex,
		Count:   count,
		Total:   len(records),
		HasNext: pageIndex < count-1,
		HasPrev: pageIndex > 0,
	}
}

// TaskListView identifies which task list a paged message renders
type TaskListView string

const (
	TaskListViewMine TaskListView = "mytasks"
	TaskListViewOpen TaskListView = "showtasks"
	TaskListViewAll  TaskListView = "alltasks"
	TaskListViewOld  TaskListView = "oldtasks"
)

// statuses returns the task statuses included in the view
func (v TaskListView) statuses() []TaskStatus {
	switch v {
	case TaskListViewOld:
		return []TaskStatus{
			TaskStatusCompleted,
			TaskStatusSnipedApproved,
		}
	case TaskListViewAll:
		return nil
	default:
		return []TaskStatus{
			TaskStatusOpen,
			TaskStatusSnipedPending,
		}
	}
}

// PagedMessage is the durable record behind an interactive paginated
// list message. Rows are reloaded at startup so page buttons keep
// working across process restarts, keyed by the discord message ID.
type PagedMessage struct {
	ModelUintID
	ModelUnixTime

	// MessageID is the discord message carrying the page components
	MessageID string `json:"message_id" gorm:"not null;uniqueIndex"`

	ChannelID string `json:"channel_id" gorm:"not null"`
	GuildID   string `json:"guild_id" gorm:"not null;index"`

	// View selects which task list the message renders
	View TaskListView `json:"view" gorm:"not null"`

	// TargetUserID scopes the view to one user's tasks (mytasks)
	TargetUserID string `json:"target_user_id"`

	// PageIndex is the currently displayed page
	PageIndex int `json:"page_index"`

	PageSize int `json:"page_size" gorm:"default:5"`
}

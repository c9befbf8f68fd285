package model

// NewCRMTask carries the fields for creating a CRM activity.
type NewCRMTask struct {
	Title   string
	Type    string
	Note    string
	DueDate string // YYYY-MM-DD, empty when unset
	DealID  int64
}

// CRMTaskPatch is a partial update to a CRM activity. Nil fields are
// left untouched, so remote writes stay minimal.
type CRMTaskPatch struct {
	Title   *string
	Note    *string
	DueDate *string
}

// IsEmpty reports whether the patch changes nothing.
func (p CRMTaskPatch) IsEmpty() bool {
	return p.Title == nil && p.Note == nil && p.DueDate == nil
}

// NewListTask carries the fields for creating a list-manager item.
type NewListTask struct {
	Content     string
	Description string
	DueDate     string // YYYY-MM-DD, empty when unset
	Priority    int
	ProjectID   string
	SectionID   string
}

// ListTaskPatch is a partial update to a list-manager item.
type ListTaskPatch struct {
	Content     *string
	Description *string
	DueDate     *string
	Priority    *int
}

// IsEmpty reports whether the patch changes nothing.
func (p ListTaskPatch) IsEmpty() bool {
	return p.Content == nil && p.Description == nil && p.DueDate == nil && p.Priority == nil
}

// IntPtr is a convenience for building patch literals.
func IntPtr(v int) *int { return &v }

// ListSyncPage is one incremental-sync response from the list manager:
// the next continuation token plus the items and deletions observed
// since the previous token.
type ListSyncPage struct {
	Token     string
	Items     []ListTask
	Deletions []string // deleted item ids
}

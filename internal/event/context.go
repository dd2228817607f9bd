package event

import "github.com/google/uuid"

// Context identifies who or what caused something to happen.
// ID doubles as the correlation id for everything done on its behalf.
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// NewContext returns a fresh context attributed to userID (may be empty).
func NewContext(userID string) Context {
	return Context{ID: uuid.NewString(), UserID: userID}
}

// Child returns a new context whose parent is c. The user is inherited.
func (c Context) Child() Context {
	return Context{ID: uuid.NewString(), ParentID: c.ID, UserID: c.UserID}
}

// IsZero reports whether the context was never set.
func (c Context) IsZero() bool {
	return c.ID == ""
}

// AsMap renders the context for template variables.
func (c Context) AsMap() map[string]any {
	return map[string]any{
		"id":        c.ID,
		"parent_id": c.ParentID,
		"user_id":   c.UserID,
	}
}

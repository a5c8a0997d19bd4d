package api

// Block is one node of a workflow graph. Subblocks holds the block's named
// field values (prompt text, temperature, and so on); Meta holds structural
// attributes such as position and display name. Both are merged field by
// field, never replaced wholesale, so concurrent edits to different fields
// do not clobber each other.
type Block struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Meta      map[string]any `json:"meta,omitempty"`
	Subblocks map[string]any `json:"subblocks,omitempty"`
}

// Variable is a named workflow variable. Fields typically contains "name",
// "type" and "value".
type Variable struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Edge connects two blocks in the workflow graph.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// UserSession identifies the authenticated user behind a connection. It is
// resolved by the external session registry, never by this module.
type UserSession struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

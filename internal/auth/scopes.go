package auth

// OAuth scopes understood by the match API.
const (
	ScopeActivitiesWrite = "activities:write"
	ScopeActivitiesRead  = "activities:read"
)

// CanRead reports whether the claims allow read access to activities. Write access implies read.
func (c *Claims) CanRead() bool {
	return c.HasScope(ScopeActivitiesRead) || c.HasScope(ScopeActivitiesWrite)
}

// CanWrite reports whether the claims allow changing match links.
func (c *Claims) CanWrite() bool {
	return c.HasScope(ScopeActivitiesWrite)
}

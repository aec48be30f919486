// Package identity carries the current user's session identity.
// The surrounding intranet application authenticates the user and writes
// this record into the node config; everything below treats it as read-only
// context passed in at construction.
package identity

// Identity describes the employee this node runs for.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
	Role        string `json:"role,omitempty"`
}

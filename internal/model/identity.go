package model

// Identity is an authenticated caller as resolved by the session collaborator.
type Identity struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
}

// IsStaff reports whether the identity may assign, resolve or close tickets.
func (i Identity) IsStaff() bool {
	return i.Role == RoleStaff
}

// SenderRole is the role recorded on messages authored by this identity.
// Staff always post as agents regardless of their personal display name.
func (i Identity) SenderRole() Role {
	if i.IsStaff() {
		return RoleAgent
	}
	return i.Role
}

// Name returns the display name, falling back to the id.
func (i Identity) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.ID
}

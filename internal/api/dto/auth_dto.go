package dto

import "time"

// RegisterRequest payload for self-registration.
type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64,alphanumunicode"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

// LoginRequest payload for login. Username may also be an email address.
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=128"`
}

// RefreshRequest payload for token rotation and logout.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required,max=512"`
}

// ChangePasswordRequest payload for a self-service password change.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required,max=128"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,max=128,nefield=CurrentPassword"`
}

// ResetPasswordRequest payload for an administrative reset.
type ResetPasswordRequest struct {
	NewPassword string `json:"newPassword" validate:"required,min=8,max=128"`
}

// PrincipalResponse is the public view of a principal.
type PrincipalResponse struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Active      bool     `json:"active"`
}

// AuthResponse standard response for token-issuing endpoints.
type AuthResponse struct {
	AccessToken  string            `json:"accessToken"`
	RefreshToken string            `json:"refreshToken"`
	TokenType    string            `json:"tokenType"`
	ExpiresIn    int64             `json:"expiresIn"`
	ExpiresAt    time.Time         `json:"expiresAt"`
	Principal    PrincipalResponse `json:"principal"`
}

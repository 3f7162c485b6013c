// internal/domain/auth/dto.go
package auth

// SignInRequest for password login
type SignInRequest struct {
	Email    string `json:"email" binding:"required,email" validate:"required,email"`
	Password string `json:"password" binding:"required" validate:"required"`
}

// SignUpRequest for password registration
type SignUpRequest struct {
	Email     string `json:"email" binding:"required,email" validate:"required,email"`
	Password  string `json:"password" binding:"required,min=8" validate:"required,min=8"`
	FirstName string `json:"first_name" validate:"max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
}

// SignUpResponse tells the caller whether the OTP step comes next
type SignUpResponse struct {
	Email       string `json:"email"`
	RequiresOTP bool   `json:"requires_otp"`
}

// OTPDigitRequest enters or clears one slot of the code
type OTPDigitRequest struct {
	Index int    `json:"index" binding:"min=0,max=5"`
	Digit string `json:"digit"`
}

// OTPPasteRequest fills every slot at once
type OTPPasteRequest struct {
	Code string `json:"code" binding:"required"`
}

// ResetPasswordRequest starts the recovery email flow
type ResetPasswordRequest struct {
	Email string `json:"email" binding:"required,email" validate:"required,email"`
}

// RefreshProfileRequest re-reads the profile after a user edit
type RefreshProfileRequest struct {
	Force *bool `json:"force"`
}

// UserResponse is the provider user without any token material
type UserResponse struct {
	ID             string                 `json:"id"`
	Email          string                 `json:"email"`
	EmailConfirmed bool                   `json:"email_confirmed"`
	Metadata       map[string]interface{} `json:"user_metadata,omitempty"`
}

// ViewResponse is the published triple as sent to browsers
type ViewResponse struct {
	User      *UserResponse `json:"user"`
	SessionID string        `json:"session_id,omitempty"`
	ExpiresAt int64         `json:"expires_at,omitempty"`
	Profile   *UserProfile  `json:"profile"`
	IsLoading bool          `json:"is_loading"`
}

func NewUserResponse(s *Session) *UserResponse {
	if s == nil {
		return nil
	}
	return &UserResponse{
		ID:             s.User.ID,
		Email:          s.User.Email,
		EmailConfirmed: s.EmailConfirmed(),
		Metadata:       s.User.UserMetadata,
	}
}

func NewViewResponse(v View) ViewResponse {
	resp := ViewResponse{
		User:      NewUserResponse(v.Session),
		Profile:   v.Profile,
		IsLoading: v.IsLoading,
	}
	if v.Session != nil {
		resp.SessionID = v.Session.ID
		if !v.Session.ExpiresAt.IsZero() {
			resp.ExpiresAt = v.Session.ExpiresAt.Unix()
		}
	}
	return resp
}

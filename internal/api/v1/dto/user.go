package dto

import "time"

// UserCreateDTO is used for incoming create requests
type UserCreateDTO struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
}

// UserResponseDTO is returned in API responses
type UserResponseDTO struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	IsPaid    bool      `json:"is_paid"`
	PlanType  string    `json:"plan_type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UsageResponseDTO reports the quota position for the authenticated user.
type UsageResponseDTO struct {
	PlanType      string `json:"plan_type"`
	IsPaid        bool   `json:"is_paid"`
	AnalysisCount int    `json:"analysis_count"`
	AnalysisLimit int    `json:"analysis_limit"`
	Remaining     int    `json:"remaining"`
}

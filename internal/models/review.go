package models

import "time"

// Review is a generated review draft for a business.
type Review struct {
	ID               string    `json:"id"`
	BusinessID       string    `json:"business_id"`
	Rating           int       `json:"rating"`
	GeneratedReview  string    `json:"generated_review"`
	Feedback         *string   `json:"feedback,omitempty"`
	CustomerEmail    *string   `json:"customer_email,omitempty"`
	IsPostedToGoogle bool      `json:"is_posted_to_google"`
	CreatedAt        time.Time `json:"created_at"`
}

// Feedback is a private message left with a negative rating.
type Feedback struct {
	ID            string    `json:"id"`
	BusinessID    string    `json:"business_id"`
	Rating        int       `json:"rating"`
	Message       string    `json:"message"`
	CustomerEmail *string   `json:"customer_email,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

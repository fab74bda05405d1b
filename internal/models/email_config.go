package models

import "time"

// EmailConfig is one saved state of the email template. Records are append-only;
// the one with the greatest Seq is the current template.
type EmailConfig struct {
	Seq       int64     `bson:"seq" json:"id"`
	Title     string    `bson:"title" json:"title"`
	Content   string    `bson:"content" json:"content"`    // HTML fragment from the rich-text editor
	ImageURL  string    `bson:"image_url" json:"imageUrl"` // Logo URL returned by an upload
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}

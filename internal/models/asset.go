package models

import "time"

// Asset describes an uploaded image after it has been written to storage.
type Asset struct {
	Name         string    `json:"name"`         // Storage name, e.g. 1700000000000000000-logo.png
	OriginalName string    `json:"originalName"` // Client supplied filename
	ContentType  string    `json:"contentType"`
	Size         int64     `json:"size"`
	URL          string    `json:"url"`
	UploadedAt   time.Time `json:"uploadedAt"`
}

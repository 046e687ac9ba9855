package models

import "time"

// Item is the newest authored message fetched from the admin backend.
type Item struct {
	ID           string
	ID64         string
	AuthorName   string
	CreatedAt    string
	Kind         int
	AssetURL     string
	ThumbnailURL string
}

// Credential holds short-lived object store credentials issued by the broker.
type Credential struct {
	AccessID      string
	AccessSecret  string
	SecurityToken string
	ExpiresAt     time.Time
}

// ShareEntry records a file shared on a given day.
type ShareEntry struct {
	FileID    string    `json:"fileId"`
	Timestamp time.Time `json:"timestamp"`
}

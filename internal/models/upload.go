package models

import "time"

// Upload is one downloadable file of a game, with its resolved CDN URL.
type Upload struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	FileSize   string    `json:"file_size"`
	UploadDate time.Time `json:"upload_date"`
	Platforms  []string  `json:"platforms"`
	URL        string    `json:"url"`
}

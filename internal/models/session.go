package models

import "time"

// Session is the anonymous per-browser history, keyed by the cookie token.
// Files keeps upload/clip order.
type Session struct {
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"created_at"`
}

package domain

import (
	"net/http"
	"time"
)

// MediaAsset is a transient audio file owned by the media pipeline. Once its
// URL is handed to a channel adapter the file is treated as read-only.
type MediaAsset struct {
	Name        string
	Path        string
	URL         string
	ContentType string
	Size        int64
	CreatedAt   time.Time
}

// MediaCredentials authenticate the download of platform-hosted media.
type MediaCredentials struct {
	Username    string
	Password    string
	BearerToken string
}

// Apply sets the matching Authorization header on req, if any.
func (c MediaCredentials) Apply(req *http.Request) {
	switch {
	case c.Username != "":
		req.SetBasicAuth(c.Username, c.Password)
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
}

func (c MediaCredentials) Empty() bool {
	return c.Username == "" && c.BearerToken == ""
}

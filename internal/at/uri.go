package at

import (
	"fmt"
	"strings"
)

// URI is a parsed at:// record reference.
type URI struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	Rkey       string `json:"rkey"`
}

// ParseURI parses a string of the form at://did/collection/rkey. The at://
// prefix is optional; all three parts must be non-empty.
func ParseURI(uri string) (URI, error) {
	var u URI

	rest := strings.TrimPrefix(uri, "at://")
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 3 {
		return u, fmt.Errorf("invalid AT URI %q: not enough component parts", uri)
	}
	switch {
	case parts[0] == "":
		return u, fmt.Errorf("invalid AT URI: repo must not be empty")
	case parts[1] == "":
		return u, fmt.Errorf("invalid AT URI: collection must not be empty")
	case parts[2] == "":
		return u, fmt.Errorf("invalid AT URI: rkey must not be empty")
	}

	return URI{
		Repo:       parts[0],
		Collection: parts[1],
		Rkey:       parts[2],
	}, nil
}

// FormatURI builds an at:// URI string from its parts.
func FormatURI(repo, collection, rkey string) string {
	return fmt.Sprintf("at://%s/%s/%s", repo, collection, rkey)
}

func (u URI) String() string {
	return FormatURI(u.Repo, u.Collection, u.Rkey)
}

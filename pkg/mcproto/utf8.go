package mcproto

import "strings"

// sanitizeUTF8 replaces invalid UTF-8 sequences so a peer sending
// garbage bytes cannot smuggle an undecodable string past the reader.
func sanitizeUTF8(s string) string {
	return strings.ToValidUTF8(s, "�")
}

// Package helpers holds small HTTP request helpers.
package helpers

import (
	"net/http"
	"strings"
)

// GetRemoteFromReq returns the remote address of the client behind a
// reverse proxy when the forwarding headers are populated, falling back to
// the socket address.
func GetRemoteFromReq(r *http.Request) (rr string) {
	// reverse proxy should populate this field so we see the remote not the
	// proxy
	remoteAddress := r.Header.Get("X-Forwarded-For")
	if remoteAddress == "" {
		remoteAddress = r.Header.Get("Forwarded")
		if remoteAddress == "" {
			rr = r.RemoteAddr
			return
		} else {
			splitted := strings.Split(remoteAddress, ", ")
			if len(splitted) >= 1 {
				forwarded := strings.Split(splitted[0], "=")
				if len(forwarded) == 2 {
					// by the standard this should be the address of the client.
					rr = splitted[1]
				}
				return
			}
		}
	}
	splitted := strings.Split(remoteAddress, " ")
	if len(splitted) == 1 {
		rr = splitted[0]
	}
	if len(splitted) == 2 {
		sp := strings.Split(splitted[0], ",")
		rr = sp[0]
	}
	return
}

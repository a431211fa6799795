package driver

import (
	"fmt"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/ekinhbayar/http-server/pkg/options"
)

// KnownMethods is the set of methods the engines recognize.
var KnownMethods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"POST":    true,
	"PUT":     true,
	"PATCH":   true,
	"DELETE":  true,
	"OPTIONS": true,
	"TRACE":   true,
	"CONNECT": true,
}

func isNotToken(r rune) bool {
	return !httpguts.IsTokenRune(r)
}

// ValidMethod reports whether method is a syntactically valid token.
func ValidMethod(method string) bool {
	/*
	     Method         = "OPTIONS"                ; Section 9.2
	                    | "GET"                    ; Section 9.3
	                    | "HEAD"                   ; Section 9.4
	                    | "POST"                   ; Section 9.5
	                    | "PUT"                    ; Section 9.6
	                    | "DELETE"                 ; Section 9.7
	                    | "TRACE"                  ; Section 9.8
	                    | "CONNECT"                ; Section 9.9
	                    | extension-method
	   extension-method = token
	     token          = 1*<any CHAR except CTLs or separators>
	*/
	return len(method) > 0 && strings.IndexFunc(method, isNotToken) == -1
}

// CheckMethod returns an error wrapping ErrNotImplemented when method is
// unknown or not in the allowed list of opts.
func CheckMethod(opts *options.Options, method string) error {
	if !KnownMethods[method] {
		return fmt.Errorf("unknown method %q: %w", method, ErrNotImplemented)
	}

	if !opts.IsMethodAllowed(method) {
		return fmt.Errorf("method %q not allowed: %w", method, ErrNotImplemented)
	}

	return nil
}

package cachekey

import (
	"fmt"
	"net/http"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = ":"

// GetKey returns the cache key for a request.
// The key is the request method and the request URI (path and query),
// so lookups are an exact match on both. Fragments are never part of it.
// HEAD requests share the key of the corresponding GET request.
// Methods other than GET and HEAD cannot be stored and return an error.
func GetKey(r *http.Request) (string, error) {
	method := r.Method
	if method == "" || method == http.MethodHead {
		method = http.MethodGet
	}
	if method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	return method + methodSeparator + r.URL.RequestURI(), nil
}

// GetRequestFromKey generates a request equal, caching-wise, to the request
// that resulted in the provided key.
// It returns an error if the key is malformed.
func GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	return http.NewRequest(method, uri, nil)
}

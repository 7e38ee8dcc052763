package docker

import "errors"

// ErrNotFound indicates the requested Docker resource was not found.
var ErrNotFound = errors.New("docker: resource not found")

// ErrNotInitialized is returned when a Client was constructed without a daemon connection.
var ErrNotInitialized = errors.New("docker: client not initialized")

package provider

import "errors"

// ErrSandboxNotFound is the sentinel the daytonaAdapter's FindSandbox and
// RemoveSandbox return when the provider reports the requested id as
// "not found".
var ErrSandboxNotFound = errors.New("sandbox not found")

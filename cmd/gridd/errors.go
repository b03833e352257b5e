package main

import "fmt"

// exitError carries a process exit code alongside an optional message so a
// command helper can pick the status without calling os.Exit itself.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func usageErrorf(code int, format string, args ...interface{}) error {
	return &exitError{code: code, msg: fmt.Sprintf(format, args...)}
}

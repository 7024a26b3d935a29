package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ligustah/gulp/internal/queue"
	"github.com/ligustah/gulp/internal/store"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitNotFound     = 3
	ExitRejected     = 4
	ExitStorageError = 5
)

// usageError marks errors caused by bad command line input.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// storageError marks failures to open or use the record store.
type storageError struct{ err error }

func (e storageError) Error() string { return e.err.Error() }
func (e storageError) Unwrap() error { return e.err }

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	c := &cli{}
	defer c.close()

	root := newRootCmd(c)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return ExitSuccess
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitCode(err)
}

func exitCode(err error) int {
	var (
		uerr usageError
		serr storageError
	)
	switch {
	case errors.As(err, &uerr), errors.Is(err, queue.ErrInvalidRequest):
		return ExitInvalidArgs
	case errors.Is(err, store.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, queue.ErrCompleted), errors.Is(err, queue.ErrNotRestartable):
		return ExitRejected
	case errors.As(err, &serr):
		return ExitStorageError
	}
	return ExitGeneralError
}

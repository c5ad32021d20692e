package eventstore

import "errors"

var (
	ErrOpen        = errors.New("eventstore: open database")
	ErrSchema      = errors.New("eventstore: create schema")
	ErrInsertSession = errors.New("eventstore: insert session")
	ErrQuery       = errors.New("eventstore: query")
)

package docdb

import "github.com/pkg/errors"

var ErrKeyNotFound = errors.New("key does not exist in DB")
var ErrVersionNotFound = errors.New("version does not exist under key")
var ErrEmptyKey = errors.New("key must not be empty")
var ErrDatabaseAlreadyClosed = errors.New("database already closed")
var ErrMarshalFailed = errors.New("document could not be marshalled")
var ErrUnmarshalFailed = errors.New("document contents could not be unmarshalled, probably is invalid")
var ErrJsonPathInvalid = errors.New("json path is invalid")

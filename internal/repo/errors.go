package repo

import "errors"

// Общие ошибки хранилищ.
var (
	// ErrNotFound — run не найден.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — run с таким ID уже существует.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotPending — run уже забран другим исполнителем или завершён.
	ErrNotPending = errors.New("run is not pending")

	// ErrInvalidState — операция невозможна в текущем состоянии.
	ErrInvalidState = errors.New("invalid state")
)

// internal/repository/repository.go
package repository

import (
	"errors"

	"gorm.io/gorm"
)

// ErrDuplicateKey is returned when an insert violates a uniqueness
// constraint. Callers use it to make creation idempotent: look the existing
// row up instead of failing.
var ErrDuplicateKey = errors.New("duplicate key")

func translateError(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateKey
	}
	return err
}

package utils

import (
	"strings"

	"github.com/google/uuid"
)

func NewUUID7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	return id.String(), nil
}

// NewRunID is a dash-free uuid7, time ordered and safe to use in file names.
func NewRunID() (string, error) {
	id, err := NewUUID7()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(id, "-", ""), nil
}

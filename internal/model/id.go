package model

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a ULID string. Tasks, datasets, algorithm descriptors and
// broker receipts all draw from it, so ids sort by creation time.
func NewID() string {
	return ulid.Make().String()
}

// IDTime returns the creation time encoded in an id produced by NewID.
func IDTime(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse id %q: %w", id, err)
	}
	return ulid.Time(u.Time()), nil
}

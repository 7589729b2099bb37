package state

import "errors"

var ErrNotFound = errors.New("no stored state")

// Meta is the persisted toggle for one stream.
type Meta struct {
	ID      string
	Port    int
	Enabled bool
}

type Store interface {
	Get(id string) (*Meta, error)
	Update(meta *Meta) error
}

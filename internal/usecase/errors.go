package usecase

import (
	"errors"
	"fmt"
)

var (
	ErrRepository = errors.New("repository error")
	ErrMirror     = errors.New("status mirror error")
)

func wrapRepo(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrRepository, err)
}

func wrapMirror(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrMirror, err)
}

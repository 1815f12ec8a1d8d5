package ioutil

import (
	"errors"
	"fmt"
	"io"
)

// ErrTooLarge is returned by ReadBody when the content exceeds the limit
var ErrTooLarge = errors.New("body exceeds size limit")

// ReadLimited reads up to limit bytes from r and returns the content as a string.
// Read failures are described in the returned string. Intended for response
// bodies quoted in error messages and logs.
func ReadLimited(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return fmt.Sprintf("<unreadable: %v>", err)
	}
	return string(body)
}

// ReadBody reads all of r, failing with ErrTooLarge instead of truncating
// when more than limit bytes are available.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, limit)
	}
	return body, nil
}

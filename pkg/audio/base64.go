package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// DecodeError reports malformed base64 input. It wraps [ErrDecode] so that
// callers can match either the concrete type or the sentinel.
type DecodeError struct {
	// Offset is the byte position of the first invalid input character.
	Offset int64
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: invalid base64 data at input byte %d", e.Offset)
}

// Unwrap lets errors.Is match [ErrDecode].
func (e *DecodeError) Unwrap() error { return ErrDecode }

// ToBase64 encodes raw bytes with the standard, padded alphabet.
func ToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// FromBase64 decodes standard, padded base64. Characters outside the
// alphabet and bad padding yield a *[DecodeError].
func FromBase64(text string) ([]byte, error) {
	out, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		var cie base64.CorruptInputError
		if errors.As(err, &cie) {
			return nil, &DecodeError{Offset: int64(cie)}
		}
		return nil, &DecodeError{}
	}
	return out, nil
}

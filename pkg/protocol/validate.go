package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

const (
	// DefaultMaxDisplayName is the default display name limit in runes
	DefaultMaxDisplayName = 32

	// MaxRoomNameLength limits public room names in runes
	MaxRoomNameLength = 64
)

var (
	ErrInvalidName     = errors.New("invalid display name")
	ErrInvalidRoomName = errors.New("invalid room name")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Names end up inside notices, so anything that could break a line is refused
	_ = v.RegisterValidation("nocontrol", func(fl validator.FieldLevel) bool {
		return !strings.ContainsFunc(fl.Field().String(), unicode.IsControl)
	})
	// Notices are authored by SystemUsername; nobody else may appear as it
	_ = v.RegisterValidation("notreserved", func(fl validator.FieldLevel) bool {
		return !strings.EqualFold(fl.Field().String(), SystemUsername)
	})
	return v
}

// ValidateDisplayName trims name and checks it against the display name rules:
// 1..maxRunes runes, no control characters and not the notice author in any
// letter case. It returns the trimmed name.
func ValidateDisplayName(name string, maxRunes int) (string, error) {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxDisplayName
	}

	trimmed := strings.TrimSpace(name)
	if err := validate.Var(trimmed, fmt.Sprintf("required,max=%d,nocontrol,notreserved", maxRunes)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	return trimmed, nil
}

// ValidateRoomName trims a public room name and checks it
func ValidateRoomName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if err := validate.Var(trimmed, fmt.Sprintf("required,max=%d,nocontrol", MaxRoomNameLength)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRoomName, err)
	}
	return trimmed, nil
}

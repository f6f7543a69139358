package req

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// FieldError ошибка валидации одного поля
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidationError набор ошибок валидации тела запроса
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		names = append(names, f.Field+":"+f.Rule)
	}
	return "validation failed: " + strings.Join(names, ", ")
}

// Decode декодирует JSON из io.Reader в структуру типа T.
func Decode[T any](body io.Reader) (T, error) {
	var payload T
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return payload, fmt.Errorf("decode body: %w", err)
	}
	return payload, nil
}

// IsValid валидирует структуру типа T.
func IsValid[T any](payload T) error {
	err := instance().Struct(payload)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	out := &ValidationError{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{Field: fe.Namespace(), Rule: fe.Tag()})
	}
	return out
}

// HandleBody декодирует и валидирует тело запроса.
func HandleBody[T any](body io.Reader) (*T, error) {
	payload, err := Decode[T](body)
	if err != nil {
		return nil, err
	}
	if err := IsValid(payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

package domain

import (
	"errors"
	"fmt"
)

// Application errors
var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate дубликат записи
	ErrDuplicate = errors.New("duplicate record")

	// ErrInvalidInput неверные входные данные
	ErrInvalidInput = errors.New("invalid input data")

	// ErrUnauthenticated пользователь не аутентифицирован
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnauthorized пользователь не авторизован
	ErrUnauthorized = errors.New("unauthorized")

	// ErrWebhookValidationFailed не удалось проверить подпись вебхука
	ErrWebhookValidationFailed = errors.New("webhook validation failed")

	// ErrNoVaultCredential нет активного сохраненного способа оплаты
	ErrNoVaultCredential = errors.New("no vault")

	// ErrProviderNotConfigured провайдер выключен в конфигурации
	ErrProviderNotConfigured = errors.New("payment provider not configured")

	// ErrBusinessRule нарушение бизнес-правила (для errors.Is)
	ErrBusinessRule = errors.New("business rule violation")

	// ErrProvider ошибка платежного провайдера (для errors.Is)
	ErrProvider = errors.New("payment provider error")

	// ErrOutcomeUnknown результат вызова провайдера неизвестен (таймаут)
	ErrOutcomeUnknown = errors.New("provider outcome unknown")
)

// ValidationError представляет ошибку валидации
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors представляет набор ошибок валидации
type ValidationErrors []ValidationError

// Error реализует интерфейс error
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}

	if len(e) == 1 {
		return fmt.Sprintf("validation failed: %s - %s", e[0].Field, e[0].Message)
	}

	return fmt.Sprintf("validation failed: %d errors", len(e))
}

// Is позволяет проверять errors.Is(err, ErrInvalidInput)
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidInput
}

// Add добавляет ошибку валидации
func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, ValidationError{Field: field, Message: message})
}

// HasErrors проверяет наличие ошибок
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// OrNil возвращает nil, если ошибок нет
func (e ValidationErrors) OrNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// ProviderErrorKind определяет, можно ли повторить попытку
type ProviderErrorKind string

const (
	// ProviderErrorTransient сеть, лимиты, 5xx, таймаут
	ProviderErrorTransient ProviderErrorKind = "transient"
	// ProviderErrorTerminal отказ карты, недействительный токен
	ProviderErrorTerminal ProviderErrorKind = "terminal"
)

// ProviderError нормализованная ошибка провайдера.
// Message безопасно показывать пользователю, сырой ответ провайдера лежит только в OriginalErr.
type ProviderError struct {
	Provider    Provider
	Kind        ProviderErrorKind
	Code        string
	Message     string
	Timeout     bool
	OriginalErr error
}

// Error реализует интерфейс error
func (e *ProviderError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("%s provider error [%s/%s]: %s: %v", e.Provider, e.Kind, e.Code, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("%s provider error [%s/%s]: %s", e.Provider, e.Kind, e.Code, e.Message)
}

// Unwrap возвращает оригинальную ошибку
func (e *ProviderError) Unwrap() error {
	return e.OriginalErr
}

func (e *ProviderError) Is(target error) bool {
	if target == ErrProvider {
		return true
	}
	return e.Timeout && target == ErrOutcomeUnknown
}

// Retryable true для временных ошибок
func (e *ProviderError) Retryable() bool {
	return e.Kind == ProviderErrorTransient
}

// NewTransientError временная ошибка провайдера
func NewTransientError(provider Provider, code, message string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: ProviderErrorTransient, Code: code, Message: message, OriginalErr: err}
}

// NewTerminalError постоянная ошибка провайдера
func NewTerminalError(provider Provider, code, message string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: ProviderErrorTerminal, Code: code, Message: message, OriginalErr: err}
}

// NewTimeoutError таймаут: результат неизвестен, считается временной ошибкой
func NewTimeoutError(provider Provider, err error) *ProviderError {
	return &ProviderError{
		Provider:    provider,
		Kind:        ProviderErrorTransient,
		Code:        "timeout",
		Message:     "payment provider did not respond in time",
		Timeout:     true,
		OriginalErr: err,
	}
}

// AsProviderError достает ProviderError из цепочки
func AsProviderError(err error) (*ProviderError, bool) {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// BusinessRule идентификатор нарушенного правила
type BusinessRule string

const (
	RuleAlreadyCancelled        BusinessRule = "already_cancelled"
	RuleNotPendingCancellation  BusinessRule = "not_pending_cancellation"
	RuleAcknowledgementRequired BusinessRule = "acknowledgement_required"
	RuleOrderNotOpen            BusinessRule = "order_not_open"
)

// BusinessRuleError локальное нарушение инварианта, отличается от ошибок провайдера
type BusinessRuleError struct {
	Rule    BusinessRule
	Message string
}

// Error реализует интерфейс error
func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("business rule %s: %s", e.Rule, e.Message)
}

func (e *BusinessRuleError) Is(target error) bool {
	return target == ErrBusinessRule
}

// NewBusinessRuleError создает ошибку бизнес-правила
func NewBusinessRuleError(rule BusinessRule, message string) *BusinessRuleError {
	return &BusinessRuleError{Rule: rule, Message: message}
}

// NotFoundError представляет ошибку "не найдено"
type NotFoundError struct {
	Entity string
	ID     string
}

// Error реализует интерфейс error
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Entity, e.ID)
}

// Is проверяет, является ли ошибка ошибкой типа "не найдено"
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError создает новую ошибку "не найдено"
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}

// DuplicateError представляет ошибку дубликата
type DuplicateError struct {
	Entity string
	Field  string
	Value  string
}

// Error реализует интерфейс error
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s with %s '%s' already exists", e.Entity, e.Field, e.Value)
}

// Is проверяет, является ли ошибка ошибкой дубликата
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

// NewDuplicateError создает новую ошибку дубликата
func NewDuplicateError(entity, field, value string) *DuplicateError {
	return &DuplicateError{
		Entity: entity,
		Field:  field,
		Value:  value,
	}
}

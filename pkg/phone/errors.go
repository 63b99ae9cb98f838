package phone

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory категория ошибки оркестратора
type ErrorCategory string

const (
	ErrorCategoryConnectivity ErrorCategory = "CONNECTIVITY"
	ErrorCategoryRegistration ErrorCategory = "REGISTRATION"
	ErrorCategoryCallSetup    ErrorCategory = "CALL_SETUP"
	ErrorCategoryMediaMonitor ErrorCategory = "MEDIA_MONITOR"
	ErrorCategoryPersistence  ErrorCategory = "PERSISTENCE"
	ErrorCategoryState        ErrorCategory = "STATE"
)

func (c ErrorCategory) String() string { return string(c) }

// ErrorSeverity уровень критичности
type ErrorSeverity string

const (
	ErrorSeverityError   ErrorSeverity = "ERROR"
	ErrorSeverityWarning ErrorSeverity = "WARNING"
)

var (
	ErrNotRegistered  = errors.New("not registered")
	ErrCallInProgress = errors.New("call already in progress")
	ErrNoActiveCall   = errors.New("no active call")
	ErrNotIncoming    = errors.New("active call is not an incoming call awaiting answer")
)

// Тексты lastError, показываемые пользователю
const (
	msgNotRegistered      = "Not registered. Please login."
	msgRegistrationFailed = "Registration Failed: "
	msgCallFailed         = "Call Failed: "
)

// PhoneError структурированная ошибка с контекстом
type PhoneError struct {
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Category    ErrorCategory          `json:"category"`
	Severity    ErrorSeverity          `json:"severity"`
	CallID      string                 `json:"call_id,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
	Cause       error                  `json:"-"`
	UserVisible bool                   `json:"user_visible"`
}

func (e *PhoneError) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	if e.CallID != "" {
		msg += " (call: " + e.CallID + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *PhoneError) Unwrap() error {
	return e.Cause
}

// WithField добавляет поле контекста
func (e *PhoneError) WithField(key string, value interface{}) *PhoneError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause задает исходную ошибку
func (e *PhoneError) WithCause(cause error) *PhoneError {
	e.Cause = cause
	return e
}

// WithCallID привязывает ошибку к звонку
func (e *PhoneError) WithCallID(id string) *PhoneError {
	e.CallID = id
	return e
}

// NewPhoneError создает структурированную ошибку
func NewPhoneError(code, message string, category ErrorCategory, severity ErrorSeverity) *PhoneError {
	return &PhoneError{
		Code:        code,
		Message:     message,
		Category:    category,
		Severity:    severity,
		Timestamp:   time.Now(),
		UserVisible: severity == ErrorSeverityError,
	}
}

// IsCategory проверяет категорию ошибки в цепочке
func IsCategory(err error, category ErrorCategory) bool {
	var pe *PhoneError
	return errors.As(err, &pe) && pe.Category == category
}

func errConnectivity(cause error) *PhoneError {
	return NewPhoneError("CONNECT_FAILED", "signaling engine connection failed", ErrorCategoryConnectivity, ErrorSeverityError).WithCause(cause)
}

func errRegistration(cause string) *PhoneError {
	return NewPhoneError("REGISTRATION_FAILED", "registration rejected", ErrorCategoryRegistration, ErrorSeverityError).
		WithField("cause", cause)
}

func errCallSetup(op string, cause error) *PhoneError {
	return NewPhoneError("CALL_SETUP_FAILED", op+" failed", ErrorCategoryCallSetup, ErrorSeverityError).WithCause(cause)
}

func errMediaMonitor(cause error) *PhoneError {
	return NewPhoneError("MONITOR_UNAVAILABLE", "audio monitor not acquired", ErrorCategoryMediaMonitor, ErrorSeverityWarning).WithCause(cause)
}

func errPersistence(key string, cause error) *PhoneError {
	return NewPhoneError("STORED_STATE_IGNORED", "stored state ignored", ErrorCategoryPersistence, ErrorSeverityWarning).
		WithField("key", key).WithCause(cause)
}

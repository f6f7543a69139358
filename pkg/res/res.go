package res

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorResponse представляет формат JSON-ответа для ошибок.
type ErrorResponse struct {
	Error     string `json:"error"`                // Сообщение об ошибке (для пользователя)
	ErrorCode string `json:"error_code,omitempty"` // Код ошибки (для программной обработки)
	Action    string `json:"action,omitempty"`     // Что пользователь может сделать
	Details   any    `json:"details,omitempty"`    // Детали ошибки (например, ошибки валидации)
}

// JSON отправляет JSON-ответ с заданным статусом.
func JSON(c *gin.Context, status int, data any) {
	c.JSON(status, data)
}

// Error отправляет ответ ошибки и прерывает цепочку middleware.
func Error(c *gin.Context, status int, errResponse ErrorResponse) {
	c.AbortWithStatusJSON(status, errResponse)
}

// Accepted подтверждение приема (для вебхуков).
func Accepted(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"received": true})
}

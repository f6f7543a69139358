package domain

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatus статус заказа. Заказы создает checkout, здесь только PENDING -> PROCESSING.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusCompleted  OrderStatus = "COMPLETED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// Order заказ, к которому привязаны намерения подписок
type Order struct {
	ID            uuid.UUID   `json:"id" db:"id"`
	CustomerID    uuid.UUID   `json:"customer_id" db:"customer_id"`
	CustomerEmail string      `json:"customer_email" db:"customer_email"`
	CustomerName  string      `json:"customer_name" db:"customer_name"`
	Provider      Provider    `json:"provider" db:"provider"`
	Status        OrderStatus `json:"status" db:"status"`
	BusinessRef   *string     `json:"business_ref,omitempty" db:"business_ref"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
}

// MilestoneType тип вехи заказа
type MilestoneType string

const (
	MilestoneOrderReceived MilestoneType = "ORDER_RECEIVED"
)

// OrderMilestone веха заказа, уникальна по (order, type)
type OrderMilestone struct {
	OrderID   uuid.UUID     `json:"order_id" db:"order_id"`
	Type      MilestoneType `json:"type" db:"milestone"`
	ReachedAt time.Time     `json:"reached_at" db:"reached_at"`
}

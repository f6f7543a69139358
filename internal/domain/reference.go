package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReferenceKind тип объекта, на который указывает ссылка платежа
type ReferenceKind string

const (
	ReferenceIntent  ReferenceKind = "intent"
	ReferenceOrder   ReferenceKind = "order"
	ReferenceRenewal ReferenceKind = "renewal"
)

// ChargeReference разобранная ссылка из метаданных провайдера
type ChargeReference struct {
	Kind ReferenceKind
	ID   uuid.UUID
	// Period дата конца периода для renewal
	Period string
}

func IntentReference(id uuid.UUID) string {
	return string(ReferenceIntent) + "_" + id.String()
}

func OrderReference(id uuid.UUID) string {
	return string(ReferenceOrder) + "_" + id.String()
}

// RenewalReference одна ссылка на подписку и период, повтор не создает второе списание
func RenewalReference(subscriptionID uuid.UUID, periodEnd time.Time) string {
	return string(ReferenceRenewal) + "_" + subscriptionID.String() + "_" + periodEnd.UTC().Format("20060102")
}

// ParseReference разбирает ссылку; ok=false для чужих или пустых значений
func ParseReference(ref string) (ChargeReference, bool) {
	kind, rest, found := strings.Cut(ref, "_")
	if !found {
		return ChargeReference{}, false
	}

	switch ReferenceKind(kind) {
	case ReferenceIntent, ReferenceOrder:
		id, err := uuid.Parse(rest)
		if err != nil {
			return ChargeReference{}, false
		}
		return ChargeReference{Kind: ReferenceKind(kind), ID: id}, true
	case ReferenceRenewal:
		idPart, period, _ := strings.Cut(rest, "_")
		id, err := uuid.Parse(idPart)
		if err != nil {
			return ChargeReference{}, false
		}
		return ChargeReference{Kind: ReferenceRenewal, ID: id, Period: period}, true
	}
	return ChargeReference{}, false
}

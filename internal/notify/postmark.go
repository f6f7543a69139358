package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"

	"github.com/mrz1836/postmark"
)

var (
	// ErrTemplateNotConfigured для типа уведомления нет шаблона Postmark
	ErrTemplateNotConfigured = errors.New("notification template is not configured")
	// ErrFailedToSendEmail Postmark отклонил письмо
	ErrFailedToSendEmail = errors.New("failed to send email")
)

const dateLayout = "January 2, 2006"

type templateSender interface {
	SendTemplatedEmail(ctx context.Context, email postmark.TemplatedEmail) (postmark.EmailResponse, error)
}

// PostmarkNotifier отправляет письмо по шаблону Postmark. Шаблон выбирается по типу уведомления,
// в модель шаблона передаются только данные.
type PostmarkNotifier struct {
	client    templateSender
	from      string
	templates map[string]string
}

var _ Notifier = (*PostmarkNotifier)(nil)

// NewPostmarkNotifier templates: тип уведомления (точки заменены на '_') -> alias шаблона
func NewPostmarkNotifier(serverToken, accountToken, from string, templates map[string]string) (*PostmarkNotifier, error) {
	if serverToken == "" {
		return nil, errors.New("postmark server token is required")
	}
	if from == "" {
		return nil, errors.New("postmark sender address is required")
	}
	return newPostmarkNotifier(postmark.NewClient(serverToken, accountToken), from, templates), nil
}

func newPostmarkNotifier(client templateSender, from string, templates map[string]string) *PostmarkNotifier {
	return &PostmarkNotifier{client: client, from: from, templates: templates}
}

func (p *PostmarkNotifier) Notify(ctx context.Context, n domain.Notification) error {
	alias, ok := p.templates[templateKey(n.Type)]
	if !ok || alias == "" {
		return fmt.Errorf("%w: %s", ErrTemplateNotConfigured, n.Type)
	}
	if n.CustomerEmail == "" {
		return fmt.Errorf("%w: notification %s has no recipient", domain.ErrInvalidInput, n.ID)
	}

	resp, err := p.client.SendTemplatedEmail(ctx, postmark.TemplatedEmail{
		TemplateAlias: alias,
		TemplateModel: templateModel(n),
		From:          p.from,
		To:            n.CustomerEmail,
		Tag:           string(n.Type),
		TrackOpens:    true,
	})
	if err != nil {
		return errors.Join(ErrFailedToSendEmail, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrFailedToSendEmail,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}

func templateKey(t domain.NotificationType) string {
	return strings.ReplaceAll(string(t), ".", "_")
}

func templateModel(n domain.Notification) map[string]interface{} {
	model := map[string]interface{}{
		"customer_name": n.CustomerName,
		"service_name":  n.ServiceName,
		"amount":        n.Amount.String(),
		"date":          n.Date.UTC().Format(dateLayout),
	}
	if n.Action != "" {
		model["action"] = n.Action
	}
	if n.Reason != "" {
		model["reason"] = n.Reason
	}
	if n.SubscriptionID != nil {
		model["subscription_id"] = n.SubscriptionID.String()
	}
	return model
}

package app

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/Phillboard/mobul-sub001/internal/store"
	"github.com/Phillboard/mobul-sub001/pkg/smsclient"
	"github.com/google/uuid"
)

// SMSSender sends and looks up SMS messages. *smsclient.Client satisfies it.
type SMSSender interface {
	SendMessage(ctx context.Context, to, body string) (*smsclient.Message, error)
	GetMessage(ctx context.Context, messageSID string) (*smsclient.Message, error)
}

// DeliveryRequest describes one redemption code to send.
type DeliveryRequest struct {
	CampaignID     uuid.UUID
	RecipientID    uuid.UUID
	RedemptionID   *uuid.UUID
	RedemptionCode string
	CardValue      int64
}

// Dispatcher delivers redemption codes over SMS. Each send is attempted once.
type Dispatcher struct {
	repo    store.Repository
	sms     SMSSender
	baseURL string
}

func NewDispatcher(repo store.Repository, sms SMSSender, redemptionBaseURL string) *Dispatcher {
	return &Dispatcher{repo: repo, sms: sms, baseURL: strings.TrimRight(redemptionBaseURL, "/")}
}

// SendRedemption records a delivery row and sends the code. Recipients who have not
// opted in get a skipped row and no message. A provider failure is recorded on the row
// and is not returned as an error.
func (d *Dispatcher) SendRedemption(ctx context.Context, req DeliveryRequest) (*domain.Delivery, error) {
	recipient, err := d.repo.GetRecipient(ctx, req.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("load recipient: %w", err)
	}

	delivery := &domain.Delivery{
		CampaignID:   req.CampaignID,
		RecipientID:  req.RecipientID,
		RedemptionID: req.RedemptionID,
		Channel:      domain.DeliveryChannelSMS,
	}
	if recipient.Phone != nil {
		delivery.Destination = *recipient.Phone
	}

	skipReason := ""
	switch {
	case !recipient.OptedIn():
		skipReason = "recipient has not opted in to SMS"
	case delivery.Destination == "":
		skipReason = "recipient has no phone number"
	case d.sms == nil:
		skipReason = "sms gateway not configured"
	}
	if skipReason != "" {
		delivery.Status = domain.DeliverySkipped
		delivery.Error = &skipReason
		if err := d.repo.CreateDelivery(ctx, delivery); err != nil {
			return nil, fmt.Errorf("record skipped delivery: %w", err)
		}
		log.Printf("level=info component=dispatcher msg=\"delivery skipped\" recipient_id=%s reason=%q", req.RecipientID, skipReason)
		return delivery, nil
	}

	delivery.Status = domain.DeliveryQueued
	if err := d.repo.CreateDelivery(ctx, delivery); err != nil {
		return nil, fmt.Errorf("record queued delivery: %w", err)
	}

	msg, sendErr := d.sms.SendMessage(ctx, delivery.Destination, d.messageBody(recipient, req))
	if sendErr != nil {
		errMsg := sendErr.Error()
		delivery.Status = domain.DeliveryFailed
		delivery.Error = &errMsg
		if err := d.repo.UpdateDeliveryStatus(ctx, delivery.ID, delivery.Status, nil, &errMsg); err != nil {
			log.Printf("level=error component=dispatcher msg=\"failed to record delivery failure\" delivery_id=%s err=%v", delivery.ID, err)
		}
		log.Printf("level=warn component=dispatcher msg=\"sms send failed\" delivery_id=%s recipient_id=%s err=%v", delivery.ID, req.RecipientID, sendErr)
		return delivery, nil
	}

	sid := msg.SID
	delivery.Status = domain.DeliverySent
	delivery.ProviderMessageID = &sid
	if err := d.repo.UpdateDeliveryStatus(ctx, delivery.ID, delivery.Status, &sid, nil); err != nil {
		log.Printf("level=error component=dispatcher msg=\"failed to record sent delivery\" delivery_id=%s sid=%s err=%v", delivery.ID, sid, err)
	}
	log.Printf("level=info component=dispatcher msg=\"redemption code sent\" delivery_id=%s recipient_id=%s sid=%s", delivery.ID, req.RecipientID, sid)
	return delivery, nil
}

func (d *Dispatcher) messageBody(recipient *domain.Recipient, req DeliveryRequest) string {
	greeting := "Hi"
	if name := strings.TrimSpace(recipient.FirstName); name != "" {
		greeting = "Hi " + name
	}
	body := fmt.Sprintf("%s, your $%d.%02d gift card is ready. Your redemption code is %s.",
		greeting, req.CardValue/100, req.CardValue%100, req.RedemptionCode)
	if d.baseURL != "" {
		body += " Redeem at " + d.baseURL + "?code=" + url.QueryEscape(req.RedemptionCode)
	}
	return body + " Reply STOP to opt out."
}

// ReconcileDeliveries settles sent deliveries older than olderThan using the gateway's
// final status. It returns how many rows changed.
func (d *Dispatcher) ReconcileDeliveries(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if d.sms == nil {
		return 0, nil
	}
	deliveries, err := d.repo.ListSentDeliveriesBefore(ctx, time.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("list sent deliveries: %w", err)
	}

	settled := 0
	for _, delivery := range deliveries {
		if delivery.ProviderMessageID == nil {
			continue
		}
		msg, err := d.sms.GetMessage(ctx, *delivery.ProviderMessageID)
		if err != nil {
			log.Printf("level=warn component=dispatcher msg=\"status lookup failed\" delivery_id=%s err=%v", delivery.ID, err)
			continue
		}

		status, errMsg := settledStatus(msg)
		if status == "" {
			continue
		}
		if err := d.repo.UpdateDeliveryStatus(ctx, delivery.ID, status, nil, errMsg); err != nil {
			log.Printf("level=error component=dispatcher msg=\"failed to settle delivery\" delivery_id=%s err=%v", delivery.ID, err)
			continue
		}
		settled++
	}
	return settled, nil
}

// settledStatus maps a gateway status to a final delivery status, or "" while in flight.
func settledStatus(msg *smsclient.Message) (string, *string) {
	switch strings.ToLower(msg.Status) {
	case "delivered":
		return domain.DeliveryDelivered, nil
	case "failed", "undelivered":
		reason := msg.ErrorMessage
		if reason == "" {
			reason = "provider reported " + strings.ToLower(msg.Status)
		}
		return domain.DeliveryFailed, &reason
	default:
		return "", nil
	}
}

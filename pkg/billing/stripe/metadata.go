package stripe

import (
	"encoding/json"

	"github.com/stripe/stripe-go/v83"
)

const metadataUserID = "user_id"

type subscriptionDetails struct {
	Metadata map[string]string `json:"metadata"`
}

// invoiceMetadata holds the parts of an invoice that can carry the subscription's
// metadata. API versions since 2025-03 nest it under parent; older ones keep it
// at the top level.
type invoiceMetadata struct {
	Parent *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	Lines               *struct {
		Data []struct {
			Metadata map[string]string `json:"metadata"`
		} `json:"data"`
	} `json:"lines"`
}

// userIDFromInvoice returns the user id of a paid invoice, or "" when none is present.
func userIDFromInvoice(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var inv invoiceMetadata
	if err := json.Unmarshal(raw, &inv); err != nil {
		return ""
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		if id := inv.Parent.SubscriptionDetails.Metadata[metadataUserID]; id != "" {
			return id
		}
	}
	if inv.SubscriptionDetails != nil {
		if id := inv.SubscriptionDetails.Metadata[metadataUserID]; id != "" {
			return id
		}
	}
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if id := line.Metadata[metadataUserID]; id != "" {
				return id
			}
		}
	}
	return ""
}

// userIDFromSubscription returns metadata.user_id of a subscription object.
func userIDFromSubscription(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var subscription stripe.Subscription
	if err := json.Unmarshal(raw, &subscription); err != nil {
		return ""
	}
	return subscription.Metadata[metadataUserID]
}

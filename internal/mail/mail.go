// Package mail delivers claim notifications to recipients. Dispatch failures
// degrade the send flow but never participate in the claim state machine.
package mail

import (
	"context"
	"net/url"
)

// Delivery carries everything the recipient needs to claim a document. The
// salt and decryption key travel only in the link fragment so they never
// reach server logs on click.
type Delivery struct {
	Recipient          string
	PublicIdentity     string
	Salt               string
	Passcode           string
	Anchor             bool
	ContentFingerprint string
	DecryptionKey      string
}

// Mailer dispatches one claim notification.
type Mailer interface {
	Send(ctx context.Context, delivery Delivery) error
}

// ClaimLink builds the claim URL for a delivery. The identity rides in the
// query, the secret material in the fragment.
func ClaimLink(baseURL string, delivery Delivery) string {
	fragment := "salt=" + url.QueryEscape(delivery.Salt)
	if delivery.DecryptionKey != "" {
		fragment += "&key=" + url.QueryEscape(delivery.DecryptionKey)
	}
	return baseURL + "/?id=" + url.QueryEscape(delivery.PublicIdentity) + "#" + fragment
}

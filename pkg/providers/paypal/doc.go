// Package paypal adapts PayPal subscription webhooks to canonical billing transitions.
//
// Deliveries are authenticated through the verify-webhook-signature REST call
// before anything is parsed as trusted. The client authenticates with OAuth2
// client credentials.
//
// A delivery only carries the PayPal subscription id (resource.id). The
// subscription must already be known; an unknown id is acknowledged without
// action.
//
// # Status Table
//
//	ACTIVE            ACTIVE
//	APPROVAL_PENDING  APPROVAL_PENDING
//	SUSPENDED         PAST_DUE
//	CANCELLED         CANCELED
//	EXPIRED           CANCELED
//	other             INCOMPLETE
package paypal

// Package webhooks delivers outcome events to an HTTP endpoint.
//
// A Sink posts each event as JSON. When a secret is configured the body is
// signed with HMAC-SHA256 and the signature travels in the
// X-Pengerobot-Signature header, so receivers can check it with Verify.
package webhooks

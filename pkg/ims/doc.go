// Package ims implements the IMS/RCS signaling core: the SIP session state
// machine, the per-service session containers, the inbound request
// dispatcher, RFC 4028 session-timer refresh and the digest authentication
// agent shared by session re-authentication.
//
// The package sits on top of the sipgo SIP stack and consumes it through
// the narrow Transactor interface, so every blocking protocol interaction
// can be exercised in tests with a scripted fake.
package ims

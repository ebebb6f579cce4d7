// Package protocol owns the agent<->hub wire contract.
//
// Ownership boundary:
// - message type constants and payload shapes
// - JSON codec with the mandatory "type" discriminator
// - error taxonomy and wire reason strings
//
// Wire rules:
// - one JSON object per transport frame
// - unknown types decode to ErrUnknownType and are ignored by receivers
package protocol

// Package policy defines the callback boundary between the file core and
// the message domain it is attached to. The core never queries message
// storage directly; callers that need to know whether a user may see a
// file through a message inject a MembershipPolicy.
package policy

import "context"

// MembershipPolicy decides whether userID may see messageID, the only
// question the file core needs answered by the message domain before it
// will list or resolve an Attachment on that caller's behalf.
type MembershipPolicy interface {
	CanViewMessage(ctx context.Context, userID, messageID string) (bool, error)
}

// AllowAll is a MembershipPolicy that admits every caller. It exists for
// deployments that have no message-visibility rules of their own (tests,
// or a core run standalone in front of a single trusted caller) and must
// never be wired in front of a multi-tenant message domain.
type AllowAll struct{}

// CanViewMessage always reports true.
func (AllowAll) CanViewMessage(context.Context, string, string) (bool, error) {
	return true, nil
}

// Func adapts a plain function to MembershipPolicy.
type Func func(ctx context.Context, userID, messageID string) (bool, error)

// CanViewMessage calls f.
func (f Func) CanViewMessage(ctx context.Context, userID, messageID string) (bool, error) {
	return f(ctx, userID, messageID)
}

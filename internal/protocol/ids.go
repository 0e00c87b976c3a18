package protocol

import "github.com/google/uuid"

type ThreadID string
type TurnID string
type ItemID string
type ApprovalID string

func NewThreadID() ThreadID     { return ThreadID("thread_" + uuid.NewString()) }
func NewTurnID() TurnID         { return TurnID("turn_" + uuid.NewString()) }
func NewItemID() ItemID         { return ItemID("item_" + uuid.NewString()) }
func NewApprovalID() ApprovalID { return ApprovalID("appr_" + uuid.NewString()) }

// SessionCaps carries the read/write/execute capability grant for the client
// connection a thread belongs to, plus the originator tag forwarded on every
// upstream model request (spec §6 "Originator header").
type SessionCaps struct {
	CanRead          bool
	CanWrite         bool
	CanExecute       bool
	OriginatorName   string
	CreatedAtUnixMs  int64
}

package message

// Subscription protocol payloads, exchanged on WORK mailboxes.
//
// Requests carry a nonce echoed by the reply so a consumer with several
// requests in flight can match each reply to its source.

// SubscribeRequest asks a producer to add the sender to the subscriber list
// of the output whose WORK mailbox received it.
type SubscribeRequest struct {
	SubscriberBaseAddr uint32 `json:"subscriber_base_addr"`
	MailboxIndex       uint8  `json:"mailbox_index"`
	RequestedPeriodMS  int64  `json:"requested_period_ms"`
	Nonce              string `json:"nonce"`
}

// Subscribe error codes.
const (
	SubscribeOK          uint32 = 0
	SubscribeErrCapacity uint32 = 1
	SubscribeErrOther    uint32 = 2
)

// SubscribeReply confirms or rejects a subscription.
type SubscribeReply struct {
	Nonce          string `json:"nonce"`
	ActualPeriodMS int64  `json:"actual_period_ms"`
	Success        bool   `json:"success"`
	ErrorCode      uint32 `json:"error_code"`
}

// UnsubscribeRequest removes every subscriber record of the sender from all
// of the producer's output lists.
type UnsubscribeRequest struct {
	SubscriberBaseAddr uint32 `json:"subscriber_base_addr"`
}

// UnsubscribeReply acknowledges an unsubscribe.
type UnsubscribeReply struct {
	Success bool `json:"success"`
}

// System ordinals are fixed so system ids never depend on user declarations.
const (
	ordSubscribeRequest   = 1
	ordSubscribeReply     = 2
	ordUnsubscribeRequest = 3
	ordUnsubscribeReply   = 4
)

func registerSystemMessages(r *Registry) {
	MustRegister[SubscribeRequest](r,
		withPrefix(PrefixSystem), WithClass(ClassCommand), WithOrdinal(ordSubscribeRequest), WithMaxPayload(160))
	MustRegister[SubscribeReply](r,
		withPrefix(PrefixSystem), WithClass(ClassReply), WithOrdinal(ordSubscribeReply), WithMaxPayload(160))
	MustRegister[UnsubscribeRequest](r,
		withPrefix(PrefixSystem), WithClass(ClassCommand), WithOrdinal(ordUnsubscribeRequest), WithMaxPayload(64))
	MustRegister[UnsubscribeReply](r,
		withPrefix(PrefixSystem), WithClass(ClassReply), WithOrdinal(ordUnsubscribeReply), WithMaxPayload(32))
}

// WorkMailboxIDs returns the ids permitted on a WORK mailbox.
func WorkMailboxIDs(r *Registry) []uint32 {
	return []uint32{
		MustID[SubscribeRequest](r),
		MustID[SubscribeReply](r),
		MustID[UnsubscribeRequest](r),
		MustID[UnsubscribeReply](r),
	}
}

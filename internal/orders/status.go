package orders

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusPaid: true, StatusCancelled: true},
	StatusPaid:      {StatusCompleted: true, StatusCancelled: true},
	StatusCancelled: {},
	StatusCompleted: {},
}

// FAILED -> COMPLETED adalah retry pembayaran yang berhasil.
var validPaymentNext = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentPending:   {PaymentCompleted: true, PaymentFailed: true},
	PaymentFailed:    {PaymentCompleted: true},
	PaymentCompleted: {PaymentRefunded: true},
	PaymentRefunded:  {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func CanTransitionPayment(from, to PaymentStatus) bool {
	return validPaymentNext[from][to]
}

// validPairs is the joint invariant between the two machines.
// The orders_state_chk constraint in the schema mirrors it.
var validPairs = map[Status]map[PaymentStatus]bool{
	StatusPending:   {PaymentPending: true, PaymentFailed: true},
	StatusPaid:      {PaymentCompleted: true},
	StatusCompleted: {PaymentCompleted: true},
	StatusCancelled: {PaymentPending: true, PaymentFailed: true, PaymentCompleted: true, PaymentRefunded: true},
}

// ValidState reports whether an order may be in status s with payment status ps.
func ValidState(s Status, ps PaymentStatus) bool {
	return validPairs[s][ps]
}

package order

import "github.com/bookstore/stockcore/internal/db"

// transitions lists the edges an operator may take. Refunded is reached only
// through MarkRefunded.
var transitions = map[db.OrderStatus][]db.OrderStatus{
	db.OrderPending:    {db.OrderProcessing, db.OrderCancelled},
	db.OrderProcessing: {db.OrderShipped, db.OrderCancelled},
	db.OrderShipped:    {db.OrderDelivered},
}

func CanTransition(from, to db.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no operator transition leaves status.
func Terminal(status db.OrderStatus) bool {
	return len(transitions[status]) == 0
}

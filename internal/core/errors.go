package core

import "errors"

var (
	// ErrOrderNotFound indicates the order id was never issued by the order manager.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderTerminal indicates the order already reached filled, canceled or expired.
	ErrOrderTerminal = errors.New("order already terminal")
	// ErrDuplicateOrder indicates a pending order already carries the client order id.
	ErrDuplicateOrder = errors.New("duplicate order")
)

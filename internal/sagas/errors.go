package sagas

import "errors"

// Domain errors returned through saga runs. A failed run's error wraps one
// of these, so errors.Is works on what Execute returns.
var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrForbidden           = errors.New("not owned by the caller")
	ErrCartEmpty           = errors.New("cart is empty")
	ErrCartItemNotFound    = errors.New("cart item not found")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrMenuItemNotFound    = errors.New("menu item not found")
	ErrMenuItemUnavailable = errors.New("menu item is not available")
	ErrCategoryNotFound    = errors.New("category not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotCancellable = errors.New("order can no longer be cancelled")
	ErrPromotionInvalid    = errors.New("promotion is not valid")
	ErrPromotionNotFound   = errors.New("promotion not found")
	ErrPromotionCodeTaken  = errors.New("promotion code already exists")
	ErrEmailTaken          = errors.New("email is already registered")
	ErrUserNotFound        = errors.New("user not found")
	ErrPaymentDeclined     = errors.New("payment declined")
)

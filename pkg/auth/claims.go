package auth

import "github.com/golang-jwt/jwt/v5"

// CartAuthorizationClaims is the merchant's endorsement of one exact
// CartContents value. The subject is the cart id.
type CartAuthorizationClaims struct {
	CartID       string `json:"cart_id"`
	ContentsHash string `json:"contents_hash"`
	jwt.RegisteredClaims
}

// UserAuthorizationClaims binds a payment to the cart it pays for.
type UserAuthorizationClaims struct {
	CartID      string `json:"cart_id"`
	CartHash    string `json:"cart_hash"`
	PaymentHash string `json:"payment_hash"`
	jwt.RegisteredClaims
}

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/ap2-agents/pkg/canonhash"
	"github.com/angelmondragon/ap2-agents/pkg/config"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/mandates"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var jwtSigningMethod = jwt.SigningMethodHS256

// MintCartAuthorization signs the hash of contents with the merchant key.
// The token expires together with the cart.
func MintCartAuthorization(cfg config.SigningConfig, now time.Time, contents mandates.CartContents) (string, error) {
	if cfg.MerchantSecret == "" {
		return "", fmt.Errorf("merchant signing secret is required")
	}
	hash, _, err := canonhash.SumObject(contents)
	if err != nil {
		return "", fmt.Errorf("hashing cart contents: %w", err)
	}

	claims := CartAuthorizationClaims{
		CartID:       contents.ID,
		ContentsHash: hash,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   contents.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(contents.CartExpiry),
			ID:        uuid.NewString(),
		},
	}
	return sign(claims, cfg.MerchantSecret)
}

// SignCartMandate wraps contents in a CartMandate carrying a fresh
// merchant authorization.
func SignCartMandate(cfg config.SigningConfig, now time.Time, contents mandates.CartContents) (mandates.CartMandate, error) {
	if err := contents.Validate(); err != nil {
		return mandates.CartMandate{}, err
	}
	token, err := MintCartAuthorization(cfg, now, contents)
	if err != nil {
		return mandates.CartMandate{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "sign cart mandate")
	}
	return mandates.CartMandate{Contents: contents, MerchantAuthorization: token}, nil
}

// VerifyCartMandate checks that the merchant authorization verifies, has
// not expired and covers exactly the presented contents.
func VerifyCartMandate(cfg config.SigningConfig, now time.Time, cart mandates.CartMandate) (*CartAuthorizationClaims, error) {
	if cart.MerchantAuthorization == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart_mandate.merchant_authorization is required")
	}
	claims := &CartAuthorizationClaims{}
	if err := parse(cart.MerchantAuthorization, claims, cfg.MerchantSecret, cfg.Issuer, now); err != nil {
		return nil, authorizationError("cart_mandate.merchant_authorization", err)
	}
	hash, _, err := canonhash.SumObject(cart.Contents)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "hash cart contents")
	}
	if claims.ContentsHash != hash || claims.CartID != cart.Contents.ID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart_mandate.merchant_authorization does not match contents")
	}
	return claims, nil
}

// MintUserAuthorization signs the hashes of the chosen cart and of the
// payment contents with the user key.
func MintUserAuthorization(cfg config.SigningConfig, now time.Time, cart mandates.CartMandate, contents mandates.PaymentMandateContents) (string, error) {
	if cfg.UserSecret == "" {
		return "", fmt.Errorf("user signing secret is required")
	}
	cartHash, _, err := canonhash.SumObject(cart)
	if err != nil {
		return "", fmt.Errorf("hashing cart mandate: %w", err)
	}
	paymentHash, _, err := canonhash.SumObject(contents)
	if err != nil {
		return "", fmt.Errorf("hashing payment contents: %w", err)
	}

	claims := UserAuthorizationClaims{
		CartID:      cart.Contents.ID,
		CartHash:    cartHash,
		PaymentHash: paymentHash,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   contents.PaymentMandateID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(cart.Contents.CartExpiry),
			ID:        uuid.NewString(),
		},
	}
	return sign(claims, cfg.UserSecret)
}

// SignPaymentMandate returns contents wrapped with a user authorization.
func SignPaymentMandate(cfg config.SigningConfig, now time.Time, cart mandates.CartMandate, contents mandates.PaymentMandateContents) (mandates.PaymentMandate, error) {
	token, err := MintUserAuthorization(cfg, now, cart, contents)
	if err != nil {
		return mandates.PaymentMandate{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "sign payment mandate")
	}
	return mandates.PaymentMandate{PaymentMandateContents: contents, UserAuthorization: token}, nil
}

// VerifyPaymentMandate checks that the user authorization verifies and
// covers exactly the presented payment contents.
func VerifyPaymentMandate(cfg config.SigningConfig, now time.Time, pm mandates.PaymentMandate) (*UserAuthorizationClaims, error) {
	if err := pm.RequireSigned(); err != nil {
		return nil, err
	}
	claims := &UserAuthorizationClaims{}
	if err := parse(pm.UserAuthorization, claims, cfg.UserSecret, cfg.Issuer, now); err != nil {
		return nil, authorizationError("payment_mandate.user_authorization", err)
	}
	hash, _, err := canonhash.SumObject(pm.PaymentMandateContents)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "hash payment contents")
	}
	if claims.PaymentHash != hash || claims.Subject != pm.PaymentMandateContents.PaymentMandateID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment_mandate.user_authorization does not match contents")
	}
	return claims, nil
}

// VerifyPaymentForCart additionally binds the payment to the stored cart:
// same cart hash, matching request id and an unexpired cart.
func VerifyPaymentForCart(cfg config.SigningConfig, now time.Time, pm mandates.PaymentMandate, cart mandates.CartMandate) error {
	claims, err := VerifyPaymentMandate(cfg, now, pm)
	if err != nil {
		return err
	}
	cartHash, _, err := canonhash.SumObject(cart)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "hash cart mandate")
	}
	if claims.CartHash != cartHash {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment_mandate.user_authorization does not match cart mandate")
	}
	if pm.PaymentMandateContents.PaymentDetailsID != cart.Contents.PaymentRequest.Details.ID {
		return pkgerrors.Newf(pkgerrors.CodeValidation,
			"payment_mandate.payment_details_id %q does not match cart request %q",
			pm.PaymentMandateContents.PaymentDetailsID, cart.Contents.PaymentRequest.Details.ID)
	}
	if cart.Contents.Expired(now) {
		return pkgerrors.New(pkgerrors.CodeValidation, "cart_mandate has expired")
	}
	return nil
}

func sign(claims jwt.Claims, secret string) (string, error) {
	token := jwt.NewWithClaims(jwtSigningMethod, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}

func parse(tokenString string, claims jwt.Claims, secret, issuer string, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("signing secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwtSigningMethod.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method != jwtSigningMethod {
				return nil, fmt.Errorf("unexpected signing method %s", token.Header["alg"])
			}
			return []byte(secret), nil
		},
		opts...,
	)
	return err
}

func authorizationError(field string, err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, field+" has expired")
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, field+" does not verify")
}

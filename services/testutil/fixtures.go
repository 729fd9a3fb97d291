package testutil

import (
	"time"

	"github.com/AfshinJalili/custodex/libs/auth"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	DemoAccountID   = uuid.MustParse("00000000-0000-0000-0000-000000000101")
	TraderAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000102")
	OwnerAccountID  = uuid.MustParse("00000000-0000-0000-0000-0000000000ff")
)

func GenerateJWT(accountID uuid.UUID, secret []byte, ttl time.Duration, now time.Time, roles ...string) (string, error) {
	if len(roles) == 0 {
		roles = []string{"user"}
	}
	claims := auth.Claims{
		Roles:  roles,
		Scopes: []string{"read", "write"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "custodex-auth",
			Subject:   accountID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

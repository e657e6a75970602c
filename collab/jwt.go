package collab

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the authenticated identity threaded through every public operation.
// there is no implicit "current user" anywhere in the core.
type ByJwt struct {
	UserId      Id
	DisplayName string
	Role        Role
}

func NewByJwt(userId Id, displayName string, role Role) *ByJwt {
	return &ByJwt{
		UserId:      userId,
		DisplayName: displayName,
		Role:        role,
	}
}

func (self *ByJwt) Sign(secret []byte) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":      self.UserId.String(),
		"display_name": self.DisplayName,
		"role":         string(self.Role),
		"iat":          time.Now().Unix(),
	})
	return token.SignedString(secret)
}

func ParseByJwt(jwtStr string, secret []byte) (*ByJwt, error) {
	token, err := gojwt.Parse(
		jwtStr,
		func(token *gojwt.Token) (any, error) {
			return secret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid jwt")
	}
	return byJwtFromClaims(token.Claims.(gojwt.MapClaims))
}

func ParseByJwtUnverified(jwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return byJwtFromClaims(token.Claims.(gojwt.MapClaims))
}

func byJwtFromClaims(claims gojwt.MapClaims) (*ByJwt, error) {
	byJwt := &ByJwt{}

	userIdStr, ok := claims["user_id"].(string)
	if !ok {
		return nil, fmt.Errorf("jwt missing user_id")
	}
	userId, err := ParseId(userIdStr)
	if err != nil {
		return nil, err
	}
	byJwt.UserId = userId

	if displayName, ok := claims["display_name"].(string); ok {
		byJwt.DisplayName = displayName
	}
	if role, ok := claims["role"].(string); ok {
		byJwt.Role = Role(role)
	} else {
		byJwt.Role = RoleViewer
	}

	return byJwt, nil
}

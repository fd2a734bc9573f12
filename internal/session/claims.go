package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the coarse access label derived from identity-provider groups. It is a UX
// hint for routing only; the API enforces authorization.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleLifeguard Role = "lifeguard"
	RoleUnknown   Role = "unknown"
)

// NormalizeRole maps the spellings seen in groups and login responses onto a Role.
func NormalizeRole(raw string) Role {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "admin", "admins", "administrator", "administrators", "manager", "managers":
		return RoleAdmin
	case "guard", "guards", "lifeguard", "lifeguards":
		return RoleLifeguard
	default:
		return RoleUnknown
	}
}

// RoleFromGroups returns admin if any group is an admin group, otherwise lifeguard
// if any group is a guard group, otherwise unknown.
func RoleFromGroups(groups []string) Role {
	role := RoleUnknown
	for _, g := range groups {
		switch NormalizeRole(g) {
		case RoleAdmin:
			return RoleAdmin
		case RoleLifeguard:
			role = RoleLifeguard
		}
	}
	return role
}

// Claims are the fields the console reads from an id or access token.
type Claims struct {
	Subject   string
	Username  string
	Email     string
	Groups    []string
	ExpiresAt time.Time
}

// Role derives the routing role from the token groups.
func (c Claims) Role() Role { return RoleFromGroups(c.Groups) }

// ParseClaims decodes a JWT without verifying its signature.
func ParseClaims(token string) (Claims, error) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), mc); err != nil {
		return Claims{}, fmt.Errorf("session: decode token: %w", err)
	}
	var c Claims
	c.Subject, _ = mc["sub"].(string)
	c.Email, _ = mc["email"].(string)
	for _, k := range []string{"cognito:username", "username", "preferred_username"} {
		if v, ok := mc[k].(string); ok && v != "" {
			c.Username = v
			break
		}
	}
	switch g := mc["cognito:groups"].(type) {
	case []any:
		for _, v := range g {
			if s, ok := v.(string); ok {
				c.Groups = append(c.Groups, s)
			}
		}
	case string:
		c.Groups = strings.Fields(strings.ReplaceAll(g, ",", " "))
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c, nil
}

package domain

import "strconv"

type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleUser:     1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// HasPermission reports whether r is at least min.
func (r Role) HasPermission(min Role) bool {
	return roleRank[r] >= roleRank[min] && roleRank[r] > 0
}

// User carries the profile fields needed to address a channel.
type User struct {
	ID          int64
	DisplayName string
	Email       string
	Phone       string
}

// IDString returns the numeric id in decimal form.
func (u User) IDString() string {
	return strconv.FormatInt(u.ID, 10)
}

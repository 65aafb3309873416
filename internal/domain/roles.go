package domain

import (
	"strconv"
	"strings"
)

// Role описывает уровень доступа пользователя к боту.
type Role string

const (
	RoleRegular Role = "regular"
	RoleTrusted Role = "trusted"
	RoleAdmin   Role = "admin"
)

// AccessList хранит администраторов и доверенных пользователей.
// Администратор всегда считается доверенным.
type AccessList struct {
	admins  map[int64]struct{}
	trusted map[int64]struct{}
}

// NewAccessList создаёт список доступа.
func NewAccessList(admins, trusted []int64) AccessList {
	list := AccessList{
		admins:  make(map[int64]struct{}, len(admins)),
		trusted: make(map[int64]struct{}, len(admins)+len(trusted)),
	}
	for _, id := range admins {
		list.admins[id] = struct{}{}
		list.trusted[id] = struct{}{}
	}
	for _, id := range trusted {
		list.trusted[id] = struct{}{}
	}
	return list
}

// RoleOf возвращает роль пользователя.
func (l AccessList) RoleOf(userID int64) Role {
	if _, ok := l.admins[userID]; ok {
		return RoleAdmin
	}
	if _, ok := l.trusted[userID]; ok {
		return RoleTrusted
	}
	return RoleRegular
}

// IsAdmin сообщает, является ли пользователь администратором.
func (l AccessList) IsAdmin(userID int64) bool {
	return l.RoleOf(userID) == RoleAdmin
}

// IsTrusted сообщает, освобождён ли пользователь от лимитов.
func (l AccessList) IsTrusted(userID int64) bool {
	return l.RoleOf(userID) != RoleRegular
}

// Trusted возвращает идентификаторы доверенных пользователей, включая администраторов.
func (l AccessList) Trusted() []int64 {
	ids := make([]int64, 0, len(l.trusted))
	for id := range l.trusted {
		ids = append(ids, id)
	}
	return ids
}

// ParseIDs разбирает идентификаторы пользователей, пропуская мусор.
func ParseIDs(raw []string) []int64 {
	ids := make([]int64, 0, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, err := strconv.ParseInt(item, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

package homeassistant

import (
	"context"
	"strings"

	"github.com/nerrad567/apollo-bridge/internal/socket"
)

// Group ids assigned to new accounts.
const (
	groupAdmin = "system-admin"
	groupUsers = "system-users"

	// RoleOwner maps to the admin group; every other role maps to users.
	RoleOwner = "Owner"
)

type authUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateUser creates a controller account, its password credential and its
// person entry.
//
// Parameters:
//   - ctx: Bounds the whole chain
//   - username: Account and person name; must not already exist
//   - password: Password for the homeassistant auth provider
//   - roleType: "Owner" for an administrator, anything else for a regular user
//
// Returns:
//   - error: ErrUserExists, or the first failing step as *protocol.CollaboratorError
func (c *ControlPlane) CreateUser(ctx context.Context, username, password, roleType string) error {
	users, err := c.listUsers(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		if u.Name == username {
			return collaboratorError(serviceAccounts, "User already exists", ErrUserExists)
		}
	}

	group := groupUsers
	if roleType == RoleOwner {
		group = groupAdmin
	}

	var created struct {
		User *authUser `json:"user"`
	}
	if err := c.call(ctx, serviceAccounts, socket.Message{
		"type":       "config/auth/create",
		"name":       username,
		"local_only": false,
		"group_ids":  []string{group},
	}, &created); err != nil {
		return err
	}
	if created.User == nil || created.User.ID == "" {
		return collaboratorError(serviceAccounts, "account creation returned no user", nil)
	}
	userID := created.User.ID

	if err := c.call(ctx, serviceAccounts, socket.Message{
		"type":     "config/auth_provider/homeassistant/create",
		"user_id":  userID,
		"username": username,
		"password": password,
	}, nil); err != nil {
		return err
	}

	if err := c.call(ctx, serviceAccounts, socket.Message{
		"type":            "person/create",
		"name":            username,
		"device_trackers": []string{},
		"user_id":         userID,
		"picture":         nil,
	}, nil); err != nil {
		return err
	}

	c.logger.Info("account created", "username", username, "group", group)
	return nil
}

// DeleteUser removes the person entry and the account named username.
func (c *ControlPlane) DeleteUser(ctx context.Context, username string) error {
	users, err := c.listUsers(ctx)
	if err != nil {
		return err
	}

	var userID string
	for _, u := range users {
		if u.Name == username {
			userID = u.ID
		}
	}
	if userID == "" {
		return collaboratorError(serviceAccounts, "User not found", ErrUserNotFound)
	}

	// Person ids are the lower-cased name the person was created with.
	if err := c.call(ctx, serviceAccounts, socket.Message{
		"type":      "person/delete",
		"person_id": strings.ToLower(username),
	}, nil); err != nil {
		return err
	}

	if err := c.call(ctx, serviceAccounts, socket.Message{
		"type":    "config/auth/delete",
		"user_id": userID,
	}, nil); err != nil {
		return err
	}

	c.logger.Info("account deleted", "username", username)
	return nil
}

func (c *ControlPlane) listUsers(ctx context.Context) ([]authUser, error) {
	var users []authUser
	if err := c.call(ctx, serviceAccounts, socket.Message{"type": "config/auth/list"}, &users); err != nil {
		return nil, err
	}
	return users, nil
}

package auth

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/tradecore/exchange/internal/models"
)

// fakeUsers is an in-memory UserStore.
type fakeUsers struct {
	nextID int64
	byName map[string]*models.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{nextID: 1, byName: make(map[string]*models.User)}
}

func (f *fakeUsers) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	if _, ok := f.byName[username]; ok {
		return nil, fmt.Errorf("username %q already taken", username)
	}
	u := &models.User{ID: f.nextID, Username: username, PasswordHash: passwordHash}
	f.nextID++
	f.byName[username] = u
	return u, nil
}

func (f *fakeUsers) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	u, ok := f.byName[username]
	if !ok {
		return nil, fmt.Errorf("user %q not found", username)
	}
	return u, nil
}

func TestRegisterValidation(t *testing.T) {
	svc := NewAuthService(newFakeUsers(), "test-secret")
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		password string
		wantErr  bool
	}{
		{"Valid", "alice", "password123", false},
		{"EmptyUsername", "", "password123", true},
		{"EmptyPassword", "bob", "", true},
		{"UsernameTooLong", strings.Repeat("x", 51), "password123", true},
		{"PasswordTooLong", "carol", strings.Repeat("x", 101), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := svc.Register(ctx, tt.username, tt.password)
			if tt.wantErr {
				if err == nil {
					t.Error("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if user.Username != tt.username {
				t.Errorf("username = %q, want %q", user.Username, tt.username)
			}
			if user.PasswordHash == tt.password {
				t.Error("password stored in plain text")
			}
		})
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	svc := NewAuthService(newFakeUsers(), "test-secret")
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "password123"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := svc.Register(ctx, "alice", "different"); err == nil {
		t.Error("expected duplicate username to fail")
	}
}

func TestLoginAndTokenRoundTrip(t *testing.T) {
	svc := NewAuthService(newFakeUsers(), "test-secret")
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "password123")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	token, err := svc.Login(ctx, "alice", "password123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if token == "" {
		t.Fatal("empty token")
	}

	userID, err := svc.GetUserFromToken(token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if userID != user.ID {
		t.Errorf("user id = %d, want %d", userID, user.ID)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := NewAuthService(newFakeUsers(), "test-secret")
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "password123"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := svc.Login(ctx, "alice", "wrong"); err == nil {
		t.Error("expected wrong password to fail")
	}
	if _, err := svc.Login(ctx, "nobody", "password123"); err == nil {
		t.Error("expected unknown user to fail")
	}
}

func TestGetUserFromTokenRejectsForgery(t *testing.T) {
	svc := NewAuthService(newFakeUsers(), "test-secret")
	other := NewAuthService(newFakeUsers(), "other-secret")
	ctx := context.Background()

	if _, err := other.Register(ctx, "mallory", "password123"); err != nil {
		t.Fatalf("register: %v", err)
	}
	token, err := other.Login(ctx, "mallory", "password123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	// Signed with a different secret
	if _, err := svc.GetUserFromToken(token); err == nil {
		t.Error("expected token signed with another secret to be rejected")
	}
	if _, err := svc.GetUserFromToken("not.a.token"); err == nil {
		t.Error("expected garbage token to be rejected")
	}
}
